package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kinsware/handwrite/internal/jsonrecover"
	"github.com/kinsware/handwrite/internal/llm"
	"github.com/kinsware/handwrite/internal/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const extractionInstruction = "仅返回JSON，包含键：姓名(string)、签名一致(boolean)、理由(string)。" +
	"如果无法判断签名一致，则将签名一致设为false。" +
	"识别文本如下：\n"

// BuildInstruction appends the recognised text verbatim to the extraction
// instruction.
func BuildInstruction(text string) string {
	return extractionInstruction + text
}

type VerifyRequest struct {
	Images     []Image
	Vision     Endpoint
	Extraction Endpoint
	Prompt     string
	MaxTokens  int
}

type Option func(*options)

type options struct {
	streamExtraction bool
	logger           *slog.Logger
}

// WithExtractionStream selects streamed or single-shot extraction calls.
// Streaming is the default.
func WithExtractionStream(stream bool) Option {
	return func(o *options) { o.streamExtraction = stream }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{streamExtraction: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Get()
	}
	return o
}

// Verifier runs the two-stage signature verification: a vision model reads
// the images, then a text model reduces the reading to JSON fields.
type Verifier struct {
	transports TransportFactory
	options
}

func NewVerifier(transports TransportFactory, opts ...Option) *Verifier {
	return &Verifier{transports: transports, options: buildOptions(opts)}
}

// Verify returns a result with Unavailable set and a nil error when the
// vision model is not offered. Input problems return ErrNoImages; upstream
// failures return a *StageError.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (*VerificationResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.verify", trace.WithAttributes(
		attribute.String("vision.model", req.Vision.Model),
		attribute.String("extraction.model", req.Extraction.Model),
	))
	defer span.End()

	r := newRun(ctx, "verify", v.logger)
	res, err := v.verify(ctx, r, req)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.finish(err)
		return nil, err
	case res.Unavailable != nil:
		r.finish(res.Unavailable)
	default:
		r.finish(nil)
	}

	res.Stage = r.stage
	return res, nil
}

func (v *Verifier) verify(ctx context.Context, r *run, req VerifyRequest) (*VerificationResult, error) {
	if len(req.Images) == 0 {
		return nil, r.fail(ErrNoImages)
	}

	r.enter(StageEncoding)
	uris := encodeImages(req.Images)

	r.enter(StageNegotiatingModel)
	vision, err := v.transports(req.Vision.Server, req.Vision.APIKey)
	if err != nil {
		return nil, r.fail(err)
	}
	defer vision.Close()

	if err := negotiate(ctx, vision, req.Vision.Model); err != nil {
		var unavailable *ModelUnavailableError
		if errors.As(err, &unavailable) {
			v.logger.WarnContext(ctx, "vision model unavailable",
				slog.String("model", unavailable.Model),
				slog.Any("available_models", unavailable.Available),
			)
			_ = r.fail(err)
			return &VerificationResult{Unavailable: unavailable}, nil
		}
		return nil, r.fail(err)
	}

	r.enter(StageVisionCall)
	seen, err := recognize(ctx, vision, req.Vision.Model, req.Prompt, uris, v.logger)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StageBuildingInstruction)
	instruction := BuildInstruction(seen.text)

	r.enter(StageExtractionCall)
	content, err := v.extract(ctx, req, instruction)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StageRecovering)
	recovered := jsonrecover.Recover(content)
	fields := ExtractFields(recovered.Object)

	v.logger.InfoContext(ctx, "extraction recovered",
		slog.String("strategy", string(recovered.Strategy)),
		slog.Bool("name_found", fields.Name != ""),
		slog.Bool("signature_match", fields.SignatureMatches),
	)

	return &VerificationResult{
		Text:     seen.text,
		Duration: seen.duration,
		Fields:   fields,
		Strategy: recovered.Strategy,
	}, nil
}

func (v *Verifier) extract(ctx context.Context, req VerifyRequest, instruction string) (string, error) {
	ctx, span := tracer.Start(ctx, "pipeline.extraction", trace.WithAttributes(
		attribute.String("llm.model", req.Extraction.Model),
		attribute.Bool("llm.stream", v.streamExtraction),
	))
	defer span.End()

	extraction, err := v.transports(req.Extraction.Server, req.Extraction.APIKey)
	if err != nil {
		return "", err
	}
	defer extraction.Close()

	v.logger.InfoContext(ctx, "extraction stage started",
		slog.String("model", req.Extraction.Model),
		slog.Int("max_tokens", req.MaxTokens),
		slog.Int("instruction_len", len([]rune(instruction))),
	)

	content, err := extraction.Complete(ctx, llm.CompletionRequest{
		Model:     req.Extraction.Model,
		Messages:  []llm.Message{llm.UserText(instruction)},
		MaxTokens: req.MaxTokens,
		Stream:    v.streamExtraction,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	v.logger.InfoContext(ctx, "extraction stage finished",
		slog.Int("output_len", len([]rune(content))),
		slog.String("output", logging.Preview(content, previewRunes)),
	)
	return content, nil
}
