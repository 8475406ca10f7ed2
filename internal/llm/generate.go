package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Complete issues one chat-completion request and returns the answer text.
// With req.Stream set the SSE body is drained before returning. There is no
// retry: one attempt per call.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	if req.Model == "" {
		return "", ErrModelRequired
	}

	method := "complete"
	if req.Stream {
		method = "stream"
	}

	start := time.Now()
	text, err := c.complete(ctx, req)
	duration := time.Since(start)

	if err != nil {
		recordRequest(method, req.Model, "error", duration)
		recordError(method, req.Model, classifyError(err))
		c.log().ErrorContext(ctx, "chat completion failed",
			slog.String("model", req.Model),
			slog.Bool("stream", req.Stream),
			slog.Any("error", err),
		)
		return "", err
	}

	recordRequest(method, req.Model, "success", duration)
	return text, nil
}

func (c *Client) complete(ctx context.Context, req CompletionRequest) (string, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, chatCompletionsSuffix, req.wire())
	if err != nil {
		return "", err
	}

	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if req.Stream {
		return c.readSSEStream(ctx, resp.Body, req.Model)
	}

	var completion completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedBody, wrapReadError(err))
	}

	return completion.text(), nil
}
