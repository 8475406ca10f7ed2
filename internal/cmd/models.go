package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kinsware/handwrite/internal/llm"
	"github.com/kinsware/handwrite/internal/logging"
)

// RunModels prints the models an upstream advertises, one per line.
func RunModels(args []string) {
	cfg := loadConfig()

	fs := flag.NewFlagSet("models", flag.ExitOnError)
	server := fs.String("server", cfg.Vision.Server, "upstream base URL")
	apiKey := fs.String("api-key", cfg.Vision.APIKey, "bearer token")
	timeout := fs.Duration("timeout", 30*time.Second, "overall timeout")
	_ = fs.Parse(args)

	transport, err := transportFactory(cfg, logging.Get(), llm.WithName("models"))(*server, *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid server: %v\n", err)
		os.Exit(1)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	models := transport.ListModels(ctx)
	if len(models) == 0 {
		fmt.Fprintf(os.Stderr, "no models reported by %s\n", llm.NormalizeBaseURL(*server))
		os.Exit(1)
	}
	for _, m := range models {
		fmt.Println(m)
	}
}
