package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/kinsware/handwrite/internal/dataurl"
	"github.com/kinsware/handwrite/internal/llm"
	"github.com/kinsware/handwrite/internal/logging"
	"github.com/kinsware/handwrite/internal/metrics"
	"github.com/kinsware/handwrite/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const previewRunes = 400

var tracer = telemetry.Tracer("github.com/kinsware/handwrite/internal/pipeline")

// run tracks the state machine of one pipeline invocation.
type run struct {
	ctx     context.Context
	name    string
	stage   Stage
	entered time.Time
	logger  *slog.Logger
}

func newRun(ctx context.Context, name string, logger *slog.Logger) *run {
	return &run{ctx: ctx, name: name, stage: StageValidating, entered: time.Now(), logger: logger}
}

func (r *run) enter(next Stage) {
	r.observe()
	r.logger.DebugContext(r.ctx, "pipeline stage",
		slog.String("pipeline", r.name),
		slog.String("from", r.stage.String()),
		slog.String("to", next.String()),
	)
	r.stage = next
	r.entered = time.Now()
}

func (r *run) observe() {
	metrics.PipelineDuration.WithLabelValues(r.name, r.stage.String()).Observe(time.Since(r.entered).Seconds())
}

// fail moves the run to StageErrored. Upstream failures are wrapped with the
// stage they happened in.
func (r *run) fail(err error) error {
	failed := r.stage
	r.enter(StageErrored)

	var unavailable *ModelUnavailableError
	switch {
	case errors.Is(err, ErrNoImages), errors.As(err, &unavailable):
		return err
	default:
		return &StageError{Stage: failed, Err: err}
	}
}

func (r *run) finish(err error) {
	outcome := "success"
	var unavailable *ModelUnavailableError
	switch {
	case err == nil:
		if r.stage != StageErrored {
			r.enter(StageDone)
		}
	case IsInputError(err):
		outcome = "input_error"
	case errors.As(err, &unavailable):
		outcome = "model_unavailable"
		metrics.ModelUnavailable.WithLabelValues(r.name).Inc()
	default:
		outcome = "error"
	}
	metrics.PipelineRuns.WithLabelValues(r.name, outcome).Inc()
	logging.AddToEvent(r.ctx,
		slog.String("pipeline", r.name),
		slog.String("pipeline_outcome", outcome),
		slog.String("pipeline_stage", r.stage.String()),
	)
}

func encodeImages(images []Image) []string {
	uris := make([]string, len(images))
	for i, img := range images {
		uris[i] = dataurl.Encode(img.Data, img.Filename)
	}
	return uris
}

// negotiate returns a *ModelUnavailableError when the upstream lists models
// and model is not one of them. An empty list means the upstream could not
// tell, and the call goes ahead.
func negotiate(ctx context.Context, t llm.Transport, model string) error {
	ctx, span := tracer.Start(ctx, "pipeline.negotiate", trace.WithAttributes(attribute.String("llm.model", model)))
	defer span.End()

	available := t.ListModels(ctx)
	span.SetAttributes(attribute.Int("llm.models_available", len(available)))
	if len(available) > 0 && !slices.Contains(available, model) {
		err := &ModelUnavailableError{Model: model, Available: available}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

type visionResult struct {
	text     string
	duration float64
}

// recognize sends the prompt followed by every image in one streamed call.
// Duration covers this call only and keeps millisecond resolution.
func recognize(ctx context.Context, t llm.Transport, model, prompt string, uris []string, logger *slog.Logger) (visionResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.vision", trace.WithAttributes(
		attribute.String("llm.model", model),
		attribute.Int("images", len(uris)),
	))
	defer span.End()

	parts := make([]llm.ContentPart, 0, len(uris)+1)
	parts = append(parts, llm.TextPart(prompt))
	for _, uri := range uris {
		parts = append(parts, llm.ImagePart(uri))
	}

	logger.InfoContext(ctx, "vision stage started",
		slog.String("model", model),
		slog.Int("images", len(uris)),
		slog.Int("prompt_len", len([]rune(prompt))),
	)

	start := time.Now()
	text, err := t.Complete(ctx, llm.CompletionRequest{
		Model:    model,
		Messages: []llm.Message{llm.UserMessage(parts...)},
		Stream:   true,
	})
	duration := float64(time.Since(start).Milliseconds()) / 1000.0
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return visionResult{}, err
	}

	logger.InfoContext(ctx, "vision stage finished",
		slog.Float64("duration_s", duration),
		slog.Int("text_len", len([]rune(text))),
	)
	logger.InfoContext(ctx, "vision text preview", slog.String("preview", logging.Preview(text, previewRunes)))

	return visionResult{text: text, duration: duration}, nil
}
