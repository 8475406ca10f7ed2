package httpclient

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kinsware/handwrite/internal/logging"
)

type Client struct {
	*http.Client
	transport *http.Transport
}

type Config struct {
	Name string

	ConnectTimeout time.Duration
	// ReadTimeout and WriteTimeout bound every single socket read or write,
	// not the whole exchange, so a slow but steady stream is not cut off.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
}

func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		ConnectTimeout:      60 * time.Second,
		ReadTimeout:         300 * time.Second,
		WriteTimeout:        60 * time.Second,
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 5,
		MaxConnsPerHost:     5,
		IdleConnTimeout:     5 * time.Minute,
	}
}

func New(cfg Config, opts ...func(*Client)) *Client {
	base := newTransport(cfg)

	c := &Client{
		Client: &http.Client{
			Transport: &loggingTransport{
				RoundTripper: base,
				name:         cfg.Name,
			},
		},
		transport: base,
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CloseIdleConnections drops every pooled connection of this client.
func (c *Client) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

func newTransport(cfg Config) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, read: cfg.ReadTimeout, write: cfg.WriteTimeout}, nil
		},
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

// deadlineConn refreshes the socket deadline before each I/O call.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.read > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

type loggingTransport struct {
	http.RoundTripper
	name string
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()

	ctx, event := logging.NewEventContext(r.Context())
	event.Add(
		slog.String("http_client", t.name),
		slog.String("method", r.Method),
		slog.String("url", r.URL.Redacted()),
	)

	resp, err := t.RoundTripper.RoundTrip(r.WithContext(ctx))

	duration := time.Since(start)

	if err != nil {
		event.Add(
			slog.String("outcome", "error"),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		logging.Get().Log(ctx, slog.LevelError, "http request failed", event.Attrs()...)
		return nil, err
	}

	event.Add(
		slog.Int("status", resp.StatusCode),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	level := slog.LevelInfo
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}

	logging.Get().Log(ctx, level, "http request completed", event.Attrs()...)
	return resp, nil
}

func WithAuth(authFunc func(*http.Request)) func(*Client) {
	return func(c *Client) {
		transport := &authTransport{
			RoundTripper: c.Transport,
			authFunc:     authFunc,
		}
		c.Transport = transport
	}
}

// WithBearer sets "Authorization: Bearer <key>" on every request.
func WithBearer(key string) func(*Client) {
	return WithAuth(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+key)
	})
}

type authTransport struct {
	http.RoundTripper
	authFunc func(*http.Request)
}

// RoundTrip clones the request before mutating headers, as required by the
// http.RoundTripper contract.
func (t *authTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	t.authFunc(r)
	return t.RoundTripper.RoundTrip(r)
}
