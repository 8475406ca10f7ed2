package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kinsware/handwrite/internal/jsonrecover"
	"github.com/kinsware/handwrite/internal/llm"
)

type Stage int

const (
	StageValidating Stage = iota
	StageEncoding
	StageNegotiatingModel
	StageVisionCall
	StageBuildingInstruction
	StageExtractionCall
	StageRecovering
	StageDone
	StageErrored
)

var stageNames = [...]string{
	StageValidating:          "validating",
	StageEncoding:            "encoding",
	StageNegotiatingModel:    "negotiating_model",
	StageVisionCall:          "vision_call",
	StageBuildingInstruction: "building_instruction",
	StageExtractionCall:      "extraction_call",
	StageRecovering:          "recovering",
	StageDone:                "done",
	StageErrored:             "errored",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Image is one uploaded picture. Filename only drives MIME inference.
type Image struct {
	Data     []byte
	Filename string
}

// Endpoint names an upstream server, the model to ask for and its key.
type Endpoint struct {
	Server string
	Model  string
	APIKey string
}

// TransportFactory builds a transport bound to one server and key. The
// caller owns the result and must Close it.
type TransportFactory func(server, apiKey string) (llm.Transport, error)

// NewTransportFactory returns a factory producing llm.Client values with the
// shared options applied after the server and key.
func NewTransportFactory(shared ...llm.ClientOption) TransportFactory {
	return func(server, apiKey string) (llm.Transport, error) {
		opts := make([]llm.ClientOption, 0, len(shared)+2)
		opts = append(opts, llm.WithBaseURL(server), llm.WithAPIKey(apiKey))
		opts = append(opts, shared...)
		return llm.NewClient(opts...)
	}
}

var ErrNoImages = errors.New("未提供图片")

// IsInputError reports whether err was caused by the caller's input rather
// than by an upstream.
func IsInputError(err error) bool {
	return errors.Is(err, ErrNoImages)
}

// ModelUnavailableError means the upstream advertised models and the
// requested one was not among them.
type ModelUnavailableError struct {
	Model     string
	Available []string
}

func (e *ModelUnavailableError) Error() string {
	return "Qwen模型不可用: " + e.Model
}

// StageError wraps an upstream failure with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ExtractedFields are read from the recovered object. Missing or mistyped
// keys leave the zero value.
type ExtractedFields struct {
	Name             string
	SignatureMatches bool
	Raw              jsonrecover.Object
}

var (
	nameAliases  = []string{"姓名", "name"}
	matchAliases = []string{"签名一致", "signature_match"}
)

func ExtractFields(obj jsonrecover.Object) ExtractedFields {
	if obj == nil {
		obj = jsonrecover.Object{}
	}
	name, _ := obj.FirstString(nameAliases...)
	match, _ := obj.FirstBool(matchAliases...)
	return ExtractedFields{Name: name, SignatureMatches: match, Raw: obj}
}

type Concepts struct {
	Names            []string `json:"姓名"`
	SignatureMatches []bool   `json:"签名一致"`
}

// VerificationResult holds either the extracted fields or, when the vision
// model was not offered, Unavailable. Never both.
type VerificationResult struct {
	Text        string
	Duration    float64
	Fields      ExtractedFields
	Strategy    jsonrecover.Strategy
	Unavailable *ModelUnavailableError
	Stage       Stage
}

func (r *VerificationResult) Concepts() Concepts {
	names := []string{}
	if r.Fields.Name != "" {
		names = append(names, r.Fields.Name)
	}
	return Concepts{Names: names, SignatureMatches: []bool{r.Fields.SignatureMatches}}
}

type unavailablePayload struct {
	Error           string   `json:"error"`
	AvailableModels []string `json:"available_models"`
}

func (r *VerificationResult) MarshalJSON() ([]byte, error) {
	if r.Unavailable != nil {
		available := r.Unavailable.Available
		if available == nil {
			available = []string{}
		}
		return json.Marshal(struct {
			Raw unavailablePayload `json:"raw"`
		}{unavailablePayload{Error: r.Unavailable.Error(), AvailableModels: available}})
	}

	raw := r.Fields.Raw
	if raw == nil {
		raw = jsonrecover.Object{}
	}
	return json.Marshal(struct {
		QwenText string             `json:"qwen_text"`
		Duration float64            `json:"duration"`
		Concepts Concepts           `json:"concepts"`
		Raw      jsonrecover.Object `json:"raw"`
	}{r.Text, r.Duration, r.Concepts(), raw})
}

const (
	CodeSuccess          = 0
	CodeModelUnavailable = 502
	MessageSuccess       = "成功"
)

type ClassificationResult struct {
	ResponseBody *ClassificationBody `json:"responseBody"`
	Message      string              `json:"message"`
	ErrorCode    int                 `json:"errorCode"`
	Stage        Stage               `json:"-"`
}

type ClassificationBody struct {
	LLMResult []string `json:"llmResult"`
	OCRResult string   `json:"ocrResult"`
}

// Label returns the classification text, or "" when the run did not succeed.
func (r *ClassificationResult) Label() string {
	if r.ResponseBody == nil || len(r.ResponseBody.LLMResult) == 0 {
		return ""
	}
	return r.ResponseBody.LLMResult[0]
}
