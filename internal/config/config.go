package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Upstream struct {
	Server string
	Model  string
	APIKey string
}

type Config struct {
	Port      string
	Env       string // "dev" or "prod"
	LogLevel  string
	LogFormat string

	TempDir     string
	MaxUploadMB int
	MaxFiles    int

	Vision     Upstream // qwen_* form defaults for /mix
	Extraction Upstream // cg_* form defaults for /mix
	Classify   Upstream // qwen_* form defaults for /classify

	MaxTokens        int
	ExtractionStream bool
	PromptsFile      string

	Transport TransportConfig

	TraceExporter string
	TraceEndpoint string
	TraceInsecure bool

	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

const (
	defaultLANServer      = "http://192.168.111.86:11434/v1"
	defaultLANModel       = "qwen3-vl:8b-instruct"
	defaultClassifyServer = "https://llm.huzhou.gov.cn/servingpod/b50538bd4c0a44ddb94666e7b3e756c9/v1/chat/completions"
	defaultClassifyModel  = "hzrs-Qwen3-VL-8B-Instruct"
	defaultAPIKey         = "not-needed"
)

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("APP_ENV", "dev"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		TempDir:     os.Getenv("TEMP_DIR"),
		MaxUploadMB: getEnvInt("MAX_UPLOAD_MB", 20),
		MaxFiles:    getEnvInt("MAX_FILES", 10),

		Vision: Upstream{
			Server: getEnv("QWEN_SERVER", defaultLANServer),
			Model:  getEnv("QWEN_MODEL", defaultLANModel),
			APIKey: getEnv("QWEN_API_KEY", defaultAPIKey),
		},
		Extraction: Upstream{
			Server: getEnv("CG_SERVER", defaultLANServer),
			Model:  getEnv("CG_MODEL", defaultLANModel),
			APIKey: getEnv("CG_API_KEY", defaultAPIKey),
		},
		Classify: Upstream{
			Server: getEnv("CLASSIFY_SERVER", defaultClassifyServer),
			Model:  getEnv("CLASSIFY_MODEL", defaultClassifyModel),
			APIKey: getEnv("CLASSIFY_API_KEY", defaultAPIKey),
		},

		MaxTokens:        getEnvInt("MAX_TOKENS", 16384),
		ExtractionStream: getEnvBool("EXTRACTION_STREAM", true),
		PromptsFile:      os.Getenv("PROMPTS_FILE"),

		Transport: GetTransportConfig(),

		TraceExporter: getEnv("OTEL_TRACES_EXPORTER", "none"),
		TraceEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceInsecure: getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 10),
		CORSOrigins:    splitList(os.Getenv("CORS_ORIGINS")),
	}

	if cfg.Env == "prod" {
		for _, key := range []string{"QWEN_SERVER", "CG_SERVER", "CLASSIFY_SERVER"} {
			if _, ok := os.LookupEnv(key); !ok {
				return nil, fmt.Errorf("prod: %s is required", key)
			}
		}
		if cfg.MaxTokens <= 0 {
			return nil, fmt.Errorf("prod: MAX_TOKENS must be positive")
		}
	}

	return cfg, nil
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

func splitList(v string) []string {
	var out []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
