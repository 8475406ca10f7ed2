package llm

import (
	"log/slog"

	"github.com/kinsware/handwrite/internal/httpclient"
)

const URLOllama = "http://localhost:11434/v1"

type ClientOption func(*Client) error

// WithBaseURL accepts an API root or a full chat-completions URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) error {
		if url == "" {
			return ErrInvalidBaseURL
		}
		c.baseURL = NormalizeBaseURL(url)
		return nil
	}
}

// WithAPIKey sets the bearer token. An empty key sends no Authorization header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) error {
		c.apiKey = key
		return nil
	}
}

func WithTransportConfig(cfg httpclient.Config) ClientOption {
	return func(c *Client) error {
		if cfg.Name == "" {
			cfg.Name = c.transport.Name
		}
		c.transport = cfg
		return nil
	}
}

// WithName labels the connection pool in outbound request logs.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.transport.Name = name
		return nil
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}
