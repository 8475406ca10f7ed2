package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/kinsware/handwrite/internal/httpclient"
	"github.com/kinsware/handwrite/internal/logging"
)

const (
	apiVersionRoot        = "/v1"
	chatCompletionsSuffix = "/chat/completions"
)

// Transport is the contract the pipelines depend on. *Client implements it.
type Transport interface {
	ListModels(ctx context.Context) []string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Close()
}

// Client talks to one OpenAI-compatible server with one key. It owns a
// connection pool that is released by Close.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *httpclient.Client
	transport  httpclient.Config
	logger     *slog.Logger
	closeOnce  sync.Once
}

var _ Transport = (*Client)(nil)

func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		baseURL:   NormalizeBaseURL(URLOllama),
		transport: httpclient.DefaultConfig("llm"),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	var httpOpts []func(*httpclient.Client)
	if c.apiKey != "" {
		httpOpts = append(httpOpts, httpclient.WithBearer(c.apiKey))
	}
	c.httpClient = httpclient.New(c.transport, httpOpts...)

	return c, nil
}

// BaseURL returns the normalized API root, always ending in /v1.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases pooled connections. Calling it more than once is a no-op.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.httpClient.CloseIdleConnections()
	})
}

// NormalizeBaseURL trims a trailing /chat/completions and makes sure the
// result ends with exactly one /v1 segment.
func NormalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if strings.HasSuffix(base, chatCompletionsSuffix) {
		base = strings.TrimRight(strings.TrimSuffix(base, chatCompletionsSuffix), "/")
	}
	for strings.HasSuffix(base, apiVersionRoot+apiVersionRoot) {
		base = strings.TrimSuffix(base, apiVersionRoot)
	}
	if !strings.HasSuffix(base, apiVersionRoot) {
		base += apiVersionRoot
	}
	return base
}

func (c *Client) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return logging.Get()
}

func (c *Client) buildURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return req, nil
}

// do sends req once. Non-2xx responses are drained, closed and returned as
// an API error.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			return nil, fmt.Errorf("failed to read error response: %w", readErr)
		}
		return nil, parseAPIError(resp.StatusCode, resp.Header, respBody)
	}

	return resp, nil
}
