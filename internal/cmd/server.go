package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kinsware/handwrite/internal/config"
	"github.com/kinsware/handwrite/internal/llm"
	"github.com/kinsware/handwrite/internal/logging"
	"github.com/kinsware/handwrite/internal/metrics"
	"github.com/kinsware/handwrite/internal/middleware"
	"github.com/kinsware/handwrite/internal/pipeline"
	"github.com/kinsware/handwrite/internal/telemetry"
	"github.com/kinsware/handwrite/internal/upload"
	"github.com/kinsware/handwrite/internal/web"
)

const serviceName = "handwrite-api"

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logging.Init(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: serviceName,
	})
	return cfg
}

func transportFactory(cfg *config.Config, logger *slog.Logger, extra ...llm.ClientOption) pipeline.TransportFactory {
	opts := []llm.ClientOption{
		llm.WithTransportConfig(cfg.Transport.HTTPClient("llm")),
		llm.WithLogger(logger),
	}
	return pipeline.NewTransportFactory(append(opts, extra...)...)
}

func RunServer() {
	cfg := loadConfig()
	logger := logging.Get()

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	shutdownTracing, err := telemetry.Setup(rootCtx, telemetry.Config{
		ServiceName: serviceName,
		Exporter:    cfg.TraceExporter,
		Endpoint:    cfg.TraceEndpoint,
		Insecure:    cfg.TraceInsecure,
	})
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		panic(err)
	}

	prompts, err := config.NewPromptStore(cfg.PromptsFile, logger)
	if err != nil {
		logger.Error("failed to load prompts", "error", err)
		panic(err)
	}
	prompts.OnReload(func(config.Prompts) {
		metrics.PromptReloads.WithLabelValues("success").Inc()
	})
	prompts.OnReloadError(func(error) {
		metrics.PromptReloads.WithLabelValues("failure").Inc()
	})
	if err := prompts.Watch(rootCtx); err != nil {
		logger.Warn("prompt hot reload disabled", "error", err)
	}

	if cfg.TempDir != "" {
		if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
			logger.Error("failed to create temp directory", "error", err)
			panic(err)
		}
	}

	uploadCfg := upload.ImageConfig
	uploadCfg.Directory = cfg.TempDir
	uploadCfg.MaxSize = int64(cfg.MaxUploadMB) * 1024 * 1024
	uploadCfg.MaxFiles = cfg.MaxFiles

	transports := transportFactory(cfg, logger)

	mux := http.NewServeMux()
	mux.Handle("GET "+web.Metrics, promhttp.Handler())
	mux.HandleFunc("GET "+web.Health, healthHandler(uploadCfg.Directory, logger))

	web.RegisterRoutes(mux, web.HandlerDeps{
		Config:  cfg,
		Prompts: prompts,
		Verifier: pipeline.NewVerifier(transports,
			pipeline.WithExtractionStream(cfg.ExtractionStream),
			pipeline.WithLogger(logger),
		),
		Classifier: pipeline.NewClassifier(transports, pipeline.WithLogger(logger)),
		Transports: transports,
		Upload:     uploadCfg,
	})

	cors := middleware.DefaultCORSConfig()
	cors.AllowedOrigins = cfg.CORSOrigins

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RPS:   cfg.RateLimitRPS,
		Burst: cfg.RateLimitBurst,
	})

	handler := middleware.Chain(mux,
		middleware.Recovery,
		limiter.Middleware,
		middleware.SecurityHeaders(cfg.IsProd()),
		middleware.Logger,
		middleware.CORS(cors),
		middleware.MaxBody(int64(cfg.MaxFiles+1)*uploadCfg.MaxSize),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           gzhttp.GzipHandler(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server started", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("server stopping")
	cancelRoot()

	// In-flight pipelines may be waiting on a slow upstream.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Error("tracer shutdown failed", "error", err)
	}

	logger.Info("server exited properly")
}

func healthHandler(tempDir string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dir := tempDir
		if dir == "" {
			dir = os.TempDir()
		}

		var stat syscall.Statfs_t
		if err := syscall.Statfs(dir, &stat); err == nil {
			freeSpace := stat.Bavail * uint64(stat.Bsize)
			if freeSpace < 100*1024*1024 {
				logger.Error("health check failed: low disk space", "free_bytes", freeSpace, "dir", dir)
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "Low disk space")
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
