package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const (
	sseDataPrefix = "data: "
	sseDone       = "[DONE]"
)

// readSSEStream accumulates choices[0].delta.content of every chunk in
// arrival order. A chunk that is not valid JSON is logged and skipped; a
// failing read aborts the whole stream.
func (c *Client) readSSEStream(ctx context.Context, body io.Reader, model string) (string, error) {
	reader := bufio.NewReader(body)

	var (
		out     strings.Builder
		chunks  int
		skipped int
	)

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read event stream: %w", wrapReadError(err))
		}

		line = strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(line, sseDataPrefix) {
			data := strings.TrimPrefix(line, sseDataPrefix)

			if strings.TrimSpace(data) == sseDone {
				break
			}

			var chunk StreamChunk
			if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr != nil {
				skipped++
				recordSkippedChunk(model)
				c.log().DebugContext(ctx, "failed to parse stream chunk",
					slog.String("model", model),
					slog.String("data", data),
					slog.Any("error", jsonErr),
				)
			} else {
				chunks++
				if content, ok := chunk.DeltaContent(); ok {
					out.WriteString(content)
				}
			}
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}

	c.log().DebugContext(ctx, "event stream drained",
		slog.String("model", model),
		slog.Int("chunks", chunks),
		slog.Int("skipped", skipped),
		slog.Int("text_len", out.Len()),
	)

	return out.String(), nil
}

// wrapReadError classifies body read failures the same way as dial failures.
func wrapReadError(err error) error {
	if wrapped := wrapTransportError(err); IsTimeoutError(wrapped) {
		return wrapped
	}
	return err
}
