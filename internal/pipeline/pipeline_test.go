package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kinsware/handwrite/internal/jsonrecover"
	"github.com/kinsware/handwrite/internal/llm"
)

type fakeTransport struct {
	server string
	key    string
	models []string
	answer string
	err    error

	mu       sync.Mutex
	requests []llm.CompletionRequest
	closed   int
}

func (f *fakeTransport) ListModels(context.Context) []string { return f.models }

func (f *fakeTransport) Complete(_ context.Context, req llm.CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.answer, f.err
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

// fakeFactory hands out transports by server name and remembers every build.
type fakeFactory struct {
	byServer map[string]*fakeTransport
	built    []*fakeTransport
}

func (f *fakeFactory) build(server, key string) (llm.Transport, error) {
	t, ok := f.byServer[server]
	if !ok {
		return nil, fmt.Errorf("no transport for %s", server)
	}
	t.server, t.key = server, key
	f.built = append(f.built, t)
	return t, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func verifyRequest() VerifyRequest {
	return VerifyRequest{
		Images:     []Image{{Data: []byte("id-card"), Filename: "id.jpg"}, {Data: []byte("sig"), Filename: "sig.png"}},
		Vision:     Endpoint{Server: "vision", Model: "qwen-vl", APIKey: "vk"},
		Extraction: Endpoint{Server: "extract", Model: "qwen-text", APIKey: "ek"},
		Prompt:     "识别图片",
		MaxTokens:  16384,
	}
}

func TestVerify_FencedExtraction(t *testing.T) {
	vision := &fakeTransport{models: []string{"qwen-vl"}, answer: "张三的签名"}
	extract := &fakeTransport{answer: "```json\n{\"姓名\":\"张三\",\"签名一致\":true,\"理由\":\"匹配\"}\n```"}
	factory := &fakeFactory{byServer: map[string]*fakeTransport{"vision": vision, "extract": extract}}

	res, err := NewVerifier(factory.build, WithLogger(quietLogger())).Verify(context.Background(), verifyRequest())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if res.Text != "张三的签名" {
		t.Errorf("unexpected text %q", res.Text)
	}
	concepts := res.Concepts()
	if len(concepts.Names) != 1 || concepts.Names[0] != "张三" {
		t.Errorf("unexpected names %v", concepts.Names)
	}
	if len(concepts.SignatureMatches) != 1 || !concepts.SignatureMatches[0] {
		t.Errorf("unexpected matches %v", concepts.SignatureMatches)
	}
	if reason, _ := res.Fields.Raw["理由"].AsString(); reason != "匹配" {
		t.Errorf("expected raw to keep 理由, got %v", res.Fields.Raw)
	}
	if res.Stage != StageDone {
		t.Errorf("expected done, got %s", res.Stage)
	}
	if res.Strategy != jsonrecover.StrategyFence {
		t.Errorf("expected fence strategy, got %s", res.Strategy)
	}

	t.Run("VisionRequest", func(t *testing.T) {
		if len(vision.requests) != 1 {
			t.Fatalf("expected one vision call, got %d", len(vision.requests))
		}
		req := vision.requests[0]
		if !req.Stream || req.Model != "qwen-vl" {
			t.Errorf("unexpected vision request %+v", req)
		}
		parts := req.Messages[0].Content
		if len(parts) != 3 {
			t.Fatalf("expected prompt plus two images, got %d parts", len(parts))
		}
		if parts[0].Type != llm.PartText || parts[0].Text != "识别图片" {
			t.Errorf("prompt must come first, got %+v", parts[0])
		}
		if !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/jpeg;base64,") {
			t.Errorf("unexpected first image %s", parts[1].ImageURL.URL)
		}
		if !strings.HasPrefix(parts[2].ImageURL.URL, "data:image/png;base64,") {
			t.Errorf("unexpected second image %s", parts[2].ImageURL.URL)
		}
	})

	t.Run("ExtractionRequest", func(t *testing.T) {
		if len(extract.requests) != 1 {
			t.Fatalf("expected one extraction call, got %d", len(extract.requests))
		}
		req := extract.requests[0]
		if req.Model != "qwen-text" || req.MaxTokens != 16384 || !req.Stream {
			t.Errorf("unexpected extraction request %+v", req)
		}
		if parts := req.Messages[0].Content; len(parts) != 1 || parts[0].Text != BuildInstruction("张三的签名") {
			t.Errorf("unexpected instruction %+v", parts)
		}
		if extract.key != "ek" || vision.key != "vk" {
			t.Errorf("keys not routed: vision=%q extraction=%q", vision.key, extract.key)
		}
	})

	t.Run("TransportsClosed", func(t *testing.T) {
		if vision.closed != 1 || extract.closed != 1 {
			t.Errorf("expected each transport closed once, got %d and %d", vision.closed, extract.closed)
		}
	})
}

func TestVerify_ProseExtraction(t *testing.T) {
	vision := &fakeTransport{answer: "看不清"}
	extract := &fakeTransport{answer: "I cannot determine the signature."}
	factory := &fakeFactory{byServer: map[string]*fakeTransport{"vision": vision, "extract": extract}}

	res, err := NewVerifier(factory.build, WithLogger(quietLogger())).Verify(context.Background(), verifyRequest())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	concepts := res.Concepts()
	if len(concepts.Names) != 0 {
		t.Errorf("expected no names, got %v", concepts.Names)
	}
	if len(concepts.SignatureMatches) != 1 || concepts.SignatureMatches[0] {
		t.Errorf("expected [false], got %v", concepts.SignatureMatches)
	}
	if len(res.Fields.Raw) != 0 {
		t.Errorf("expected empty raw, got %v", res.Fields.Raw)
	}

	res.Duration = 0
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"qwen_text":"看不清","duration":0,"concepts":{"姓名":[],"签名一致":[false]},"raw":{}}`
	if string(data) != want {
		t.Errorf("unexpected json\n got: %s\nwant: %s", data, want)
	}
}

func TestVerify_AliasesAndMistypedFields(t *testing.T) {
	tests := []struct {
		name      string
		answer    string
		wantName  string
		wantMatch bool
	}{
		{"EnglishKeys", `{"name":"李四","signature_match":true}`, "李四", true},
		{"ChinesePreferred", `{"姓名":"王五","name":"wang","签名一致":false,"signature_match":true}`, "王五", false},
		{"EmptyNameFallsThrough", `{"姓名":"","name":"赵六"}`, "赵六", false},
		{"StringBoolIgnored", `{"姓名":"钱七","签名一致":"true"}`, "钱七", false},
		{"ScanFromProse", `结果如下 {"姓名":"孙八","签名一致":true} 以上`, "孙八", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := &fakeFactory{byServer: map[string]*fakeTransport{
				"vision":  {answer: "text"},
				"extract": {answer: tt.answer},
			}}
			res, err := NewVerifier(factory.build, WithLogger(quietLogger())).Verify(context.Background(), verifyRequest())
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if res.Fields.Name != tt.wantName || res.Fields.SignatureMatches != tt.wantMatch {
				t.Errorf("got (%q, %v), want (%q, %v)", res.Fields.Name, res.Fields.SignatureMatches, tt.wantName, tt.wantMatch)
			}
		})
	}
}

func TestVerify_NoImages(t *testing.T) {
	factory := &fakeFactory{byServer: map[string]*fakeTransport{}}
	req := verifyRequest()
	req.Images = nil

	_, err := NewVerifier(factory.build, WithLogger(quietLogger())).Verify(context.Background(), req)
	if !errors.Is(err, ErrNoImages) {
		t.Fatalf("expected ErrNoImages, got %v", err)
	}
	if !IsInputError(err) {
		t.Error("expected input error")
	}
	if len(factory.built) != 0 {
		t.Errorf("no transport should be built, got %d", len(factory.built))
	}
}

func TestVerify_ModelUnavailable(t *testing.T) {
	vision := &fakeTransport{models: []string{"a", "b"}, answer: "unused"}
	extract := &fakeTransport{answer: "unused"}
	factory := &fakeFactory{byServer: map[string]*fakeTransport{"vision": vision, "extract": extract}}

	req := verifyRequest()
	req.Vision.Model = "c"
	res, err := NewVerifier(factory.build, WithLogger(quietLogger())).Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if res.Unavailable == nil {
		t.Fatal("expected unavailable payload")
	}
	if strings.Join(res.Unavailable.Available, ",") != "a,b" {
		t.Errorf("unexpected available models %v", res.Unavailable.Available)
	}
	if res.Stage != StageErrored {
		t.Errorf("expected errored stage, got %s", res.Stage)
	}
	if len(vision.requests) != 0 || len(extract.requests) != 0 {
		t.Error("no completion call should be issued")
	}
	if vision.closed != 1 {
		t.Errorf("vision transport must be closed, got %d", vision.closed)
	}

	data, _ := json.Marshal(res)
	want := `{"raw":{"error":"Qwen模型不可用: c","available_models":["a","b"]}}`
	if string(data) != want {
		t.Errorf("unexpected json\n got: %s\nwant: %s", data, want)
	}
}

func TestVerify_EmptyModelListProceeds(t *testing.T) {
	vision := &fakeTransport{models: []string{}, answer: "text"}
	extract := &fakeTransport{answer: `{"姓名":"张三"}`}
	factory := &fakeFactory{byServer: map[string]*fakeTransport{"vision": vision, "extract": extract}}

	res, err := NewVerifier(factory.build, WithLogger(quietLogger())).Verify(context.Background(), verifyRequest())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Unavailable != nil || len(vision.requests) != 1 {
		t.Error("expected the vision call to proceed")
	}
}

func TestVerify_StageErrors(t *testing.T) {
	upstream := errors.New("boom")

	t.Run("Vision", func(t *testing.T) {
		extract := &fakeTransport{}
		factory := &fakeFactory{byServer: map[string]*fakeTransport{
			"vision":  {err: upstream},
			"extract": extract,
		}}
		_, err := NewVerifier(factory.build, WithLogger(quietLogger())).Verify(context.Background(), verifyRequest())

		var stageErr *StageError
		if !errors.As(err, &stageErr) || stageErr.Stage != StageVisionCall {
			t.Fatalf("expected vision stage error, got %v", err)
		}
		if !errors.Is(err, upstream) {
			t.Error("expected upstream error to be wrapped")
		}
		if len(extract.requests) != 0 {
			t.Error("extraction must not run after a vision failure")
		}
	})

	t.Run("Extraction", func(t *testing.T) {
		vision := &fakeTransport{answer: "text"}
		factory := &fakeFactory{byServer: map[string]*fakeTransport{
			"vision":  vision,
			"extract": {err: upstream},
		}}
		_, err := NewVerifier(factory.build, WithLogger(quietLogger())).Verify(context.Background(), verifyRequest())

		var stageErr *StageError
		if !errors.As(err, &stageErr) || stageErr.Stage != StageExtractionCall {
			t.Fatalf("expected extraction stage error, got %v", err)
		}
		if vision.closed != 1 {
			t.Error("vision transport must be closed on failure")
		}
	})

	t.Run("TransportBuild", func(t *testing.T) {
		factory := &fakeFactory{byServer: map[string]*fakeTransport{}}
		_, err := NewVerifier(factory.build, WithLogger(quietLogger())).Verify(context.Background(), verifyRequest())

		var stageErr *StageError
		if !errors.As(err, &stageErr) || stageErr.Stage != StageNegotiatingModel {
			t.Fatalf("expected negotiation stage error, got %v", err)
		}
	})
}

func TestVerify_ExtractionStreamOption(t *testing.T) {
	extract := &fakeTransport{answer: "{}"}
	factory := &fakeFactory{byServer: map[string]*fakeTransport{"vision": {answer: "x"}, "extract": extract}}

	_, err := NewVerifier(factory.build, WithExtractionStream(false), WithLogger(quietLogger())).
		Verify(context.Background(), verifyRequest())
	if err != nil {
		t.Fatal(err)
	}
	if extract.requests[0].Stream {
		t.Error("expected non-streamed extraction")
	}
}

func TestClassify(t *testing.T) {
	req := ClassifyRequest{
		Images: []Image{{Data: []byte("card"), Filename: "front.webp"}},
		Vision: Endpoint{Server: "vision", Model: "qwen-vl"},
		Prompt: "分类",
	}

	t.Run("Success", func(t *testing.T) {
		vision := &fakeTransport{models: []string{"qwen-vl", "other"}, answer: "身份证正面"}
		factory := &fakeFactory{byServer: map[string]*fakeTransport{"vision": vision}}

		res, err := NewClassifier(factory.build, WithLogger(quietLogger())).Classify(context.Background(), req)
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		data, _ := json.Marshal(res)
		want := `{"responseBody":{"llmResult":["身份证正面"],"ocrResult":""},"message":"成功","errorCode":0}`
		if string(data) != want {
			t.Errorf("unexpected json\n got: %s\nwant: %s", data, want)
		}
		if res.Label() != "身份证正面" || res.Stage != StageDone {
			t.Errorf("unexpected result %+v", res)
		}
		if !strings.HasPrefix(vision.requests[0].Messages[0].Content[1].ImageURL.URL, "data:image/webp;base64,") {
			t.Error("expected webp data URI")
		}
	})

	t.Run("ModelUnavailable", func(t *testing.T) {
		vision := &fakeTransport{models: []string{"a"}}
		factory := &fakeFactory{byServer: map[string]*fakeTransport{"vision": vision}}

		res, err := NewClassifier(factory.build, WithLogger(quietLogger())).Classify(context.Background(), req)
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		data, _ := json.Marshal(res)
		want := `{"responseBody":null,"message":"Qwen模型不可用: qwen-vl","errorCode":502}`
		if string(data) != want {
			t.Errorf("unexpected json\n got: %s\nwant: %s", data, want)
		}
		if len(vision.requests) != 0 {
			t.Error("no completion call should be issued")
		}
	})

	t.Run("NoImages", func(t *testing.T) {
		empty := req
		empty.Images = nil
		_, err := NewClassifier((&fakeFactory{}).build, WithLogger(quietLogger())).Classify(context.Background(), empty)
		if !errors.Is(err, ErrNoImages) {
			t.Errorf("expected ErrNoImages, got %v", err)
		}
	})
}

func TestStage_String(t *testing.T) {
	if StageNegotiatingModel.String() != "negotiating_model" {
		t.Errorf("unexpected %s", StageNegotiatingModel)
	}
	if Stage(42).String() != "stage(42)" {
		t.Errorf("unexpected %s", Stage(42))
	}
}

// TestVerify_EndToEnd drives both stages through real clients against a fake
// OpenAI-compatible upstream.
func TestVerify_EndToEnd(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []map[string]any
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			_, _ = io.WriteString(w, `{"data":[{"id":"vl"},{"id":"text"}]}`)
		case "/v1/chat/completions":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			bodies = append(bodies, body)
			mu.Unlock()

			w.Header().Set("Content-Type", "text/event-stream")
			var deltas []string
			if body["model"] == "vl" {
				deltas = []string{"张三", "的签名"}
			} else {
				deltas = []string{"```json\\n{\\\"姓名\\\":\\\"张三\\\",", "\\\"签名一致\\\":true}\\n```"}
			}
			for _, d := range deltas {
				fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%s\"}}]}\n\n", d)
			}
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	factory := NewTransportFactory(llm.WithLogger(quietLogger()))
	req := VerifyRequest{
		Images:     []Image{{Data: []byte{0x89, 'P', 'N', 'G'}, Filename: "sig.png"}},
		Vision:     Endpoint{Server: srv.URL + "/v1/chat/completions", Model: "vl", APIKey: "k"},
		Extraction: Endpoint{Server: srv.URL, Model: "text", APIKey: "k"},
		Prompt:     "p",
		MaxTokens:  100,
	}

	res, err := NewVerifier(factory, WithLogger(quietLogger())).Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Text != "张三的签名" {
		t.Errorf("unexpected vision text %q", res.Text)
	}
	if res.Fields.Name != "张三" || !res.Fields.SignatureMatches {
		t.Errorf("unexpected fields %+v", res.Fields)
	}

	if len(bodies) != 2 {
		t.Fatalf("expected two completion calls, got %d", len(bodies))
	}
	if bodies[0]["temperature"] != float64(0) || bodies[0]["stream"] != true {
		t.Errorf("unexpected vision body %v", bodies[0])
	}
	if _, ok := bodies[0]["max_tokens"]; ok {
		t.Error("vision call must not send max_tokens")
	}
	if bodies[1]["max_tokens"] != float64(100) {
		t.Errorf("unexpected extraction max_tokens %v", bodies[1]["max_tokens"])
	}
	msgs := bodies[1]["messages"].([]any)
	if content, ok := msgs[0].(map[string]any)["content"].(string); !ok || !strings.HasSuffix(content, "张三的签名") {
		t.Errorf("extraction content must be a plain string ending in the vision text, got %v", msgs[0])
	}
}
