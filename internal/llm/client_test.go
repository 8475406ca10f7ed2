package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kinsware/handwrite/internal/httpclient"
)

func newTestClient(t *testing.T, srv *httptest.Server, key string) *Client {
	t.Helper()
	c, err := NewClient(WithBaseURL(srv.URL), WithAPIKey(key))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://host:11434/v1", "http://host:11434/v1"},
		{"http://host:11434/v1/", "http://host:11434/v1"},
		{"http://host:11434", "http://host:11434/v1"},
		{"http://host:11434/", "http://host:11434/v1"},
		{"http://host/v1/chat/completions", "http://host/v1"},
		{"https://llm.example.cn/servingpod/abc/v1/chat/completions", "https://llm.example.cn/servingpod/abc/v1"},
		{"http://host/api/chat/completions", "http://host/api/v1"},
		{"  http://host/v1  ", "http://host/v1"},
		{"http://host/v1/v1", "http://host/v1"},
		{"http://host/v1/v1/v1/chat/completions", "http://host/v1"},
	}

	for _, tt := range tests {
		got := NormalizeBaseURL(tt.in)
		if got != tt.want {
			t.Errorf("NormalizeBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if strings.HasSuffix(strings.TrimSuffix(got, "/v1"), "/v1") {
			t.Errorf("NormalizeBaseURL(%q) = %q has a doubled /v1", tt.in, got)
		}
	}
}

func TestNewClient_EmptyBaseURL(t *testing.T) {
	if _, err := NewClient(WithBaseURL("")); !errors.Is(err, ErrInvalidBaseURL) {
		t.Errorf("expected ErrInvalidBaseURL, got %v", err)
	}
}

func TestNewClient_Name(t *testing.T) {
	c, err := NewClient(WithTransportConfig(httpclient.DefaultConfig("")), WithName("models"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.transport.Name != "models" {
		t.Errorf("expected pool name models, got %q", c.transport.Name)
	}

	c2, err := NewClient(WithTransportConfig(httpclient.DefaultConfig("")))
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	if c2.transport.Name != "llm" {
		t.Errorf("expected inherited pool name llm, got %q", c2.transport.Name)
	}
}

func TestListModels(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var auth, path string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			path = r.URL.Path
			_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"a"},{"id":"b"},{"object":"model"}]}`)
		}))
		defer srv.Close()

		models := newTestClient(t, srv, "sk-1").ListModels(context.Background())
		if len(models) != 2 || models[0] != "a" || models[1] != "b" {
			t.Errorf("unexpected models %v", models)
		}
		if auth != "Bearer sk-1" {
			t.Errorf("expected bearer auth, got %q", auth)
		}
		if path != "/v1/models" {
			t.Errorf("expected /v1/models, got %q", path)
		}
	})

	degrade := map[string]http.HandlerFunc{
		"ServerError": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		"Unauthorized": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
		},
		"MalformedBody": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "<html>not json</html>")
		},
	}

	for name, handler := range degrade {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			models := newTestClient(t, srv, "").ListModels(context.Background())
			if models == nil || len(models) != 0 {
				t.Errorf("expected empty non-nil slice, got %#v", models)
			}
		})
	}

	t.Run("Unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c, _ := NewClient(WithBaseURL(url))
		defer c.Close()
		if models := c.ListModels(context.Background()); len(models) != 0 {
			t.Errorf("expected empty, got %v", models)
		}
	})
}

func TestComplete_NonStream(t *testing.T) {
	var body map[string]any
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"你好"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "k")
	text, err := c.Complete(context.Background(), CompletionRequest{
		Model:    "m",
		Messages: []Message{UserText("hi")},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "你好" {
		t.Errorf("expected 你好, got %q", text)
	}
	if contentType != "application/json" {
		t.Errorf("unexpected content type %q", contentType)
	}

	if temp, ok := body["temperature"]; !ok || temp != float64(0) {
		t.Errorf("temperature must be sent as 0, got %v (present=%v)", temp, ok)
	}
	if body["stream"] != false {
		t.Errorf("expected stream=false, got %v", body["stream"])
	}
	if _, ok := body["max_tokens"]; ok {
		t.Error("max_tokens must be omitted when not positive")
	}
	messages := body["messages"].([]any)
	if msg := messages[0].(map[string]any); msg["content"] != "hi" || msg["role"] != "user" {
		t.Errorf("unexpected message encoding %v", msg)
	}
}

func TestComplete_MaxTokens(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	text, err := newTestClient(t, srv, "").Complete(context.Background(), CompletionRequest{
		Model:     "m",
		Messages:  []Message{UserText("x")},
		MaxTokens: 16384,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "" {
		t.Errorf("missing choices must yield empty text, got %q", text)
	}
	if body["max_tokens"] != float64(16384) {
		t.Errorf("expected max_tokens 16384, got %v", body["max_tokens"])
	}
}

func TestComplete_MissingContent(t *testing.T) {
	responses := []string{
		`{}`,
		`{"choices":[{}]}`,
		`{"choices":[{"message":{}}]}`,
		`{"choices":[{"message":{"content":null}}]}`,
	}

	for _, payload := range responses {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, payload)
		}))

		c, _ := NewClient(WithBaseURL(srv.URL))
		text, err := c.Complete(context.Background(), CompletionRequest{Model: "m", Messages: []Message{UserText("x")}})
		if err != nil || text != "" {
			t.Errorf("payload %s: expected empty text and no error, got %q, %v", payload, text, err)
		}
		c.Close()
		srv.Close()
	}
}

func TestComplete_Errors(t *testing.T) {
	t.Run("ServerError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"error":{"message":"upstream down","type":"server_error"}}`)
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv, "").Complete(context.Background(), CompletionRequest{Model: "m", Stream: true})
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %v", err)
		}
		if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream down" {
			t.Errorf("unexpected error %+v", apiErr)
		}
		if !errors.Is(err, ErrRequestFailed) {
			t.Error("API errors should unwrap to ErrRequestFailed")
		}
	})

	t.Run("Unauthorized", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv, "bad").Complete(context.Background(), CompletionRequest{Model: "m"})
		if !IsAuthError(err) {
			t.Errorf("expected auth error, got %v", err)
		}
		if StatusCode(err) != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", StatusCode(err))
		}
	})

	t.Run("RateLimited", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv, "").Complete(context.Background(), CompletionRequest{Model: "m"})
		var rl *RateLimitError
		if !errors.As(err, &rl) || rl.RetryAfter.Seconds() != 7 {
			t.Errorf("expected rate limit error with retry-after 7s, got %v", err)
		}
	})

	t.Run("MalformedEnvelope", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "not json")
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv, "").Complete(context.Background(), CompletionRequest{Model: "m"})
		if !errors.Is(err, ErrMalformedBody) {
			t.Errorf("expected ErrMalformedBody, got %v", err)
		}
	})

	t.Run("ModelRequired", func(t *testing.T) {
		c, _ := NewClient()
		defer c.Close()
		if _, err := c.Complete(context.Background(), CompletionRequest{}); !errors.Is(err, ErrModelRequired) {
			t.Errorf("expected ErrModelRequired, got %v", err)
		}
	})
}

func sseHandler(t *testing.T, lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("expected stream=true in request, got %v", body["stream"])
		}
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("expected SSE accept header, got %q", accept)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
		}
	}
}

func chunk(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": content}}},
	})
	return "data: " + string(b)
}

func TestComplete_Stream(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t,
		": keep-alive comment",
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		"",
		chunk("张三"),
		"",
		"data: {this is not json",
		"event: ping",
		chunk("的"),
		`data: {"choices":[{"delta":{"content":null}}]}`,
		`data: {"choices":[]}`,
		"data: "+`{"choices":[{"delta":{"content":"签名"}}]}`+"\r",
		"data: [DONE]",
		chunk("ignored after done"),
	))
	defer srv.Close()

	text, err := newTestClient(t, srv, "").Complete(context.Background(), CompletionRequest{
		Model:    "qwen",
		Messages: []Message{UserMessage(TextPart("p"), ImagePart("data:image/png;base64,AA=="))},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "张三的签名" {
		t.Errorf("expected 张三的签名, got %q", text)
	}
}

func TestComplete_StreamWithoutDone(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, chunk("a"), chunk("b")))
	defer srv.Close()

	text, err := newTestClient(t, srv, "").Complete(context.Background(), CompletionRequest{Model: "m", Stream: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "ab" {
		t.Errorf("expected ab, got %q", text)
	}
}

func TestComplete_StreamTrailingLineWithoutNewline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, chunk("x")+"\n"+chunk("y"))
	}))
	defer srv.Close()

	text, err := newTestClient(t, srv, "").Complete(context.Background(), CompletionRequest{Model: "m", Stream: true})
	if err != nil || text != "xy" {
		t.Errorf("expected xy, got %q, %v", text, err)
	}
}

func TestMessage_JSON(t *testing.T) {
	msg := UserMessage(TextPart("prompt"), ImagePart("data:image/jpeg;base64,AA=="), ImagePart("data:image/png;base64,BB=="))

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"role":"user","content":[{"type":"text","text":"prompt"},{"type":"image_url","image_url":{"url":"data:image/jpeg;base64,AA=="}},{"type":"image_url","image_url":{"url":"data:image/png;base64,BB=="}}]}`
	if string(data) != want {
		t.Errorf("got  %s\nwant %s", data, want)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Content) != 3 || decoded.Content[0].Text != "prompt" || decoded.Content[2].ImageURL.URL != "data:image/png;base64,BB==" {
		t.Errorf("order not preserved: %+v", decoded.Content)
	}

	var plain Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &plain); err != nil {
		t.Fatal(err)
	}
	if len(plain.Content) != 1 || plain.Content[0].Type != PartText || plain.Content[0].Text != "hello" {
		t.Errorf("expected one hello text part, got %+v", plain.Content)
	}
}

func TestClose_Idempotent(t *testing.T) {
	c, err := NewClient()
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
	c.Close()
}
