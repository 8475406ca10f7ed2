package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kinsware/handwrite/internal/config"
	"github.com/kinsware/handwrite/internal/llm"
	"github.com/kinsware/handwrite/internal/logging"
	"github.com/kinsware/handwrite/internal/pipeline"
	"github.com/kinsware/handwrite/internal/upload"
	"github.com/kinsware/handwrite/internal/validator"
)

type HandlerDeps struct {
	Config     *config.Config
	Prompts    *config.PromptStore
	Verifier   *pipeline.Verifier
	Classifier *pipeline.Classifier
	Transports pipeline.TransportFactory
	Upload     upload.Config
}

// AppHandler returns errors instead of writing them; Handle maps them to
// status codes.
type AppHandler func(deps HandlerDeps, w http.ResponseWriter, r *http.Request) error

// inputError marks a caller mistake that is reported with 400.
type inputError struct {
	msg string
}

func (e *inputError) Error() string { return e.msg }

func isInputError(err error) bool {
	var ie *inputError
	var vr validator.ValidationResult
	var tooLarge *http.MaxBytesError
	return errors.As(err, &ie) ||
		errors.As(err, &vr) ||
		errors.As(err, &tooLarge) ||
		pipeline.IsInputError(err) ||
		upload.IsUploadError(err)
}

// Handle writes InputErrors as 400 and everything else as 500, both as plain
// text.
func Handle(deps HandlerDeps, h AppHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(deps, w, r)
		if err == nil {
			return
		}

		if isInputError(err) {
			logging.AddToEvent(r.Context(), slog.String("input_error", err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		logging.Get().ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		http.Error(w, "请求处理失败: "+err.Error(), http.StatusInternalServerError)
	}
}

func RegisterRoutes(mux *http.ServeMux, deps HandlerDeps) {
	mux.HandleFunc("POST "+Mix, Handle(deps, handleMix))
	mux.HandleFunc("POST "+Classify, Handle(deps, handleClassify))
	mux.HandleFunc("GET "+Models, Handle(deps, handleModels))
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}

func formValue(r *http.Request, key, fallback string) string {
	if v := strings.TrimSpace(r.FormValue(key)); v != "" {
		return v
	}
	return fallback
}

func formInt(r *http.Request, key string, fallback int) (int, error) {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &inputError{msg: fmt.Sprintf("%s 必须是整数", key)}
	}
	return n, nil
}

func (deps HandlerDeps) prompts() config.Prompts {
	if deps.Prompts == nil {
		return config.DefaultPrompts()
	}
	return deps.Prompts.Get()
}

// stageImages collects, stages and loads the uploaded images. The returned
// batch must be cleaned up by the caller even when err is non-nil.
func stageImages(deps HandlerDeps, r *http.Request) (*upload.Batch, []pipeline.Image, error) {
	files, err := upload.Collect(r, FieldImages, deps.Upload)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, pipeline.ErrNoImages
	}

	batch, err := upload.Stage(files, deps.Upload)
	if err != nil {
		return nil, nil, err
	}
	logging.AddToEvent(r.Context(), slog.String("upload_dir", batch.Dir()))

	loaded, err := batch.Load()
	if err != nil {
		return batch, nil, err
	}

	images := make([]pipeline.Image, len(loaded))
	for i, img := range loaded {
		images[i] = pipeline.Image{Data: img.Data, Filename: img.Name}
	}
	return batch, images, nil
}

func handleMix(deps HandlerDeps, w http.ResponseWriter, r *http.Request) error {
	cfg := deps.Config
	batch, images, err := stageImages(deps, r)
	defer batch.Cleanup()
	if err != nil {
		return err
	}

	params := validator.MixParams{
		Vision: validator.UpstreamParams{
			Server: formValue(r, FieldQwenServer, cfg.Vision.Server),
			Model:  formValue(r, FieldQwenModel, cfg.Vision.Model),
			APIKey: formValue(r, FieldQwenKey, cfg.Vision.APIKey),
		},
		Extraction: validator.UpstreamParams{
			Server: formValue(r, FieldCGServer, cfg.Extraction.Server),
			Model:  formValue(r, FieldCGModel, cfg.Extraction.Model),
			APIKey: formValue(r, FieldCGKey, cfg.Extraction.APIKey),
		},
		Prompt: formValue(r, FieldPrompt, deps.prompts().Verify),
	}
	if params.MaxTokens, err = formInt(r, FieldMaxTokens, cfg.MaxTokens); err != nil {
		return err
	}
	if params.MaxParas, err = formInt(r, FieldMaxParas, defaultMaxParas); err != nil {
		return err
	}
	if params.MaxItems, err = formInt(r, FieldMaxItems, defaultMaxItems); err != nil {
		return err
	}
	if result := validator.Check(params); !result.Valid {
		return result
	}

	logging.AddToEvent(r.Context(),
		slog.String("operation", "mix"),
		slog.Int("images", len(images)),
		slog.String("vision_model", params.Vision.Model),
		slog.String("extraction_model", params.Extraction.Model),
	)

	res, err := deps.Verifier.Verify(r.Context(), pipeline.VerifyRequest{
		Images:     images,
		Vision:     endpoint(params.Vision),
		Extraction: endpoint(params.Extraction),
		Prompt:     params.Prompt,
		MaxTokens:  params.MaxTokens,
	})
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, res)
}

func handleClassify(deps HandlerDeps, w http.ResponseWriter, r *http.Request) error {
	cfg := deps.Config
	batch, images, err := stageImages(deps, r)
	defer batch.Cleanup()
	if err != nil {
		return err
	}

	params := validator.ClassifyParams{
		Vision: validator.UpstreamParams{
			Server: formValue(r, FieldQwenServer, cfg.Classify.Server),
			Model:  formValue(r, FieldQwenModel, cfg.Classify.Model),
			APIKey: formValue(r, FieldQwenKey, cfg.Classify.APIKey),
		},
		Prompt: formValue(r, FieldPrompt, deps.prompts().Classify),
	}
	if params.MaxTokens, err = formInt(r, FieldMaxTokens, cfg.MaxTokens); err != nil {
		return err
	}
	if result := validator.Check(params); !result.Valid {
		return result
	}

	logging.AddToEvent(r.Context(),
		slog.String("operation", "classify"),
		slog.Int("images", len(images)),
		slog.String("vision_model", params.Vision.Model),
	)

	res, err := deps.Classifier.Classify(r.Context(), pipeline.ClassifyRequest{
		Images:    images,
		Vision:    endpoint(params.Vision),
		Prompt:    params.Prompt,
		MaxTokens: params.MaxTokens,
	})
	if err != nil {
		return err
	}

	logging.AddToEvent(r.Context(),
		slog.Int("error_code", res.ErrorCode),
		slog.String("label", res.Label()),
	)
	return writeJSON(w, http.StatusOK, res)
}

type modelsResponse struct {
	Server string   `json:"server"`
	Models []string `json:"models"`
}

func handleModels(deps HandlerDeps, w http.ResponseWriter, r *http.Request) error {
	server := formValue(r, "server", deps.Config.Vision.Server)
	if err := validator.ValidateUpstreamURL(server); err != nil {
		return &inputError{msg: err.Error()}
	}

	transport, err := deps.Transports(server, r.FormValue("api_key"))
	if err != nil {
		return err
	}
	defer transport.Close()

	models := transport.ListModels(r.Context())
	logging.AddToEvent(r.Context(), slog.Int("models", len(models)))

	return writeJSON(w, http.StatusOK, modelsResponse{Server: llm.NormalizeBaseURL(server), Models: models})
}

func endpoint(p validator.UpstreamParams) pipeline.Endpoint {
	return pipeline.Endpoint{Server: p.Server, Model: p.Model, APIKey: p.APIKey}
}
