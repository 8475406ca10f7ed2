package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ClassifyRequest struct {
	Images    []Image
	Vision    Endpoint
	Prompt    string
	MaxTokens int // accepted for symmetry with VerifyRequest; the vision call sends none
}

// Classifier asks a vision model for a single label. The raw answer is the
// label; no recovery is applied.
type Classifier struct {
	transports TransportFactory
	options
}

func NewClassifier(transports TransportFactory, opts ...Option) *Classifier {
	return &Classifier{transports: transports, options: buildOptions(opts)}
}

// Classify reports an unavailable model through ErrorCode 502 and a nil
// error.
func (c *Classifier) Classify(ctx context.Context, req ClassifyRequest) (*ClassificationResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.classify", trace.WithAttributes(
		attribute.String("vision.model", req.Vision.Model),
	))
	defer span.End()

	r := newRun(ctx, "classify", c.logger)
	res, unavailable, err := c.classify(ctx, r, req)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.finish(err)
		return nil, err
	case unavailable != nil:
		r.finish(unavailable)
	default:
		r.finish(nil)
	}

	res.Stage = r.stage
	return res, nil
}

func (c *Classifier) classify(ctx context.Context, r *run, req ClassifyRequest) (*ClassificationResult, *ModelUnavailableError, error) {
	if len(req.Images) == 0 {
		return nil, nil, r.fail(ErrNoImages)
	}

	r.enter(StageEncoding)
	uris := encodeImages(req.Images)

	r.enter(StageNegotiatingModel)
	vision, err := c.transports(req.Vision.Server, req.Vision.APIKey)
	if err != nil {
		return nil, nil, r.fail(err)
	}
	defer vision.Close()

	if err := negotiate(ctx, vision, req.Vision.Model); err != nil {
		var unavailable *ModelUnavailableError
		if errors.As(err, &unavailable) {
			c.logger.WarnContext(ctx, "vision model unavailable",
				slog.String("model", unavailable.Model),
				slog.Any("available_models", unavailable.Available),
			)
			_ = r.fail(err)
			return &ClassificationResult{
				Message:   unavailable.Error(),
				ErrorCode: CodeModelUnavailable,
			}, unavailable, nil
		}
		return nil, nil, r.fail(err)
	}

	r.enter(StageVisionCall)
	seen, err := recognize(ctx, vision, req.Vision.Model, req.Prompt, uris, c.logger)
	if err != nil {
		return nil, nil, r.fail(err)
	}

	return &ClassificationResult{
		ResponseBody: &ClassificationBody{LLMResult: []string{seen.text}, OCRResult: ""},
		Message:      MessageSuccess,
		ErrorCode:    CodeSuccess,
	}, nil, nil
}
