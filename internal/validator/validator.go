package validator

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("name"); name != "" {
			return name
		}
		return f.Name
	})
	_ = validate.RegisterValidation("upstream", func(fl validator.FieldLevel) bool {
		return ValidateUpstreamURL(fl.Field().String()) == nil
	})
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Error joins the messages so the result can be returned as plain text.
func (r ValidationResult) Error() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

// UpstreamParams are the per-upstream form fields. Field names in messages
// follow the form: qwen_server, cg_model and so on.
type UpstreamParams struct {
	Server string `name:"server" validate:"required,upstream"`
	Model  string `name:"model" validate:"required,max=256"`
	APIKey string `name:"api_key" validate:"max=4096"`
}

type MixParams struct {
	Vision     UpstreamParams `name:"qwen"`
	Extraction UpstreamParams `name:"cg"`
	Prompt     string         `name:"prompt" validate:"required,max=20000"`
	MaxTokens  int            `name:"max_tokens" validate:"lte=1048576"`
	MaxParas   int            `name:"max_paras" validate:"gte=0"`
	MaxItems   int            `name:"max_items" validate:"gte=0"`
}

type ClassifyParams struct {
	Vision    UpstreamParams `name:"qwen"`
	Prompt    string         `name:"prompt" validate:"required,max=20000"`
	MaxTokens int            `name:"max_tokens" validate:"lte=1048576"`
}

// Check validates s and turns field errors into readable messages.
func Check(s any) ValidationResult {
	result := ValidationResult{Valid: true, Errors: []ValidationError{}}

	err := validate.Struct(s)
	if err == nil {
		return result
	}

	result.Valid = false
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		result.Errors = append(result.Errors, ValidationError{Message: err.Error()})
		return result
	}

	for _, fe := range fieldErrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		field = strings.ReplaceAll(field, ".", "_")
		result.Errors = append(result.Errors, ValidationError{Field: field, Message: message(field, fe)})
	}
	return result
}

func message(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s 不能为空", field)
	case "upstream":
		return fmt.Sprintf("%s 不是有效的服务器地址", field)
	case "max":
		return fmt.Sprintf("%s 超过最大长度 %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s 不能小于 %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s 不能大于 %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s 无效", field)
	}
}

// ValidateUpstreamURL accepts absolute http and https URLs with a host.
func ValidateUpstreamURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("服务器地址不能为空")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("服务器地址格式无效")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("服务器地址必须使用 http 或 https")
	}
	if u.Host == "" {
		return fmt.Errorf("服务器地址缺少主机")
	}
	return nil
}
