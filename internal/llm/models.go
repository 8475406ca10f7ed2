package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// ListModels returns the model ids the server reports. Any failure yields
// an empty slice: callers must read "empty" as "unknown", not "none".
func (c *Client) ListModels(ctx context.Context) []string {
	if ctx == nil {
		return []string{}
	}

	start := time.Now()
	models, err := c.listModels(ctx)
	if err != nil {
		recordRequest("list_models", "", "error", time.Since(start))
		recordError("list_models", "", classifyError(err))
		c.log().WarnContext(ctx, "failed to list models",
			slog.String("server", c.baseURL),
			slog.Any("error", err),
		)
		return []string{}
	}

	recordRequest("list_models", "", "success", time.Since(start))
	return models
}

func (c *Client) listModels(ctx context.Context) ([]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, ErrMalformedBody
	}

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}
