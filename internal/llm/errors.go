package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidBaseURL = errors.New("invalid base URL")
	ErrNilContext     = errors.New("context cannot be nil")
	ErrModelRequired  = errors.New("model is required")
	ErrRequestFailed  = errors.New("request failed")
	ErrMalformedBody  = errors.New("malformed response body")
)

type APIErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Param      string `json:"param"`
	Code       any    `json:"code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return ErrRequestFailed
}

type RateLimitError struct {
	APIError
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (status %d): %s", e.StatusCode, e.Message)
}

type AuthenticationError struct {
	APIError
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (status %d): %s", e.StatusCode, e.Message)
}

type TimeoutError struct {
	APIError
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request timeout: %v", e.Err)
	}
	return fmt.Sprintf("request timeout (status %d): %s", e.StatusCode, e.Message)
}

func (e *TimeoutError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrRequestFailed
}

type InvalidRequestError struct {
	APIError
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request (status %d): %s", e.StatusCode, e.Message)
}

func parseAPIError(statusCode int, header http.Header, body []byte) error {
	apiErr := &APIError{
		StatusCode: statusCode,
		Message:    strings.TrimSpace(string(body)),
	}

	var resp APIErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error.Message != "" {
		apiErr.Message = resp.Error.Message
		apiErr.Type = resp.Error.Type
		apiErr.Param = resp.Error.Param
		apiErr.Code = resp.Error.Code
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(statusCode)
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthenticationError{APIError: *apiErr}
	case http.StatusTooManyRequests:
		return &RateLimitError{
			APIError:   *apiErr,
			RetryAfter: parseRetryAfter(header.Get("Retry-After")),
		}
	case http.StatusBadRequest:
		return &InvalidRequestError{APIError: *apiErr}
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return &TimeoutError{APIError: *apiErr}
	default:
		return apiErr
	}
}

// parseRetryAfter understands both delay-seconds and HTTP-date values.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

// wrapTransportError turns socket and deadline failures into *TimeoutError
// so callers can tell them apart from HTTP status failures.
func wrapTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{Err: err}
	}
	return fmt.Errorf("%w: %w", ErrRequestFailed, err)
}

func IsRateLimitError(err error) bool {
	var rateLimitErr *RateLimitError
	return errors.As(err, &rateLimitErr)
}

func IsAuthError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

func IsTimeoutError(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// StatusCode reports the upstream HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.StatusCode
	}
	var auth *AuthenticationError
	if errors.As(err, &auth) {
		return auth.StatusCode
	}
	var inv *InvalidRequestError
	if errors.As(err, &inv) {
		return inv.StatusCode
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		return to.StatusCode
	}
	return 0
}

func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	if IsAuthError(err) {
		return "auth"
	}
	if IsRateLimitError(err) {
		return "rate_limit"
	}
	if IsTimeoutError(err) {
		return "timeout"
	}
	if errors.Is(err, ErrMalformedBody) {
		return "malformed"
	}

	if code := StatusCode(err); code > 0 {
		if code >= 400 && code < 500 {
			return "client_error"
		}
		if code >= 500 {
			return "server_error"
		}
	}

	return "unknown"
}
