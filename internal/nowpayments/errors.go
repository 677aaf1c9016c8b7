package nowpayments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies provider failures.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindPermission     Kind = "permission"
	KindFormat         Kind = "format"
	KindServer         Kind = "server"
	KindConfiguration  Kind = "configuration"
	KindValidation     Kind = "validation"
	KindAPI            Kind = "api"
)

// Error is the single failure shape returned by the provider client. Request
// holds the outbound payload with sensitive fields already masked.
type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Request  map[string]any
	Response []byte
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 4)
	if e.Code != "" {
		parts = append(parts, "code:"+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, "msg:"+e.Message)
	}
	if e.Request != nil {
		if data, err := json.Marshal(e.Request); err == nil {
			parts = append(parts, "request:"+string(data))
		}
	}
	if len(e.Response) > 0 {
		parts = append(parts, "response:"+truncate(string(e.Response), 512))
	}
	return fmt.Sprintf("nowpayments %s error %s", e.Kind, strings.Join(parts, ", "))
}

// Retryable reports whether repeating the same call may succeed.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindServer:
		return true
	case KindAPI:
		return e.Code == "429" || e.Code == "TOO_MANY_REQUESTS"
	}
	return false
}

// ProviderError returns the masked {message, error_code} pair published on
// platform webhooks.
func (e *Error) ProviderError() map[string]any {
	if e == nil {
		return nil
	}
	return map[string]any{"message": e.Message, "error_code": e.Code}
}

func newError(kind Kind, code, msg string, request map[string]any, response []byte) *Error {
	return &Error{
		Kind:     kind,
		Code:     code,
		Message:  msg,
		Request:  MaskFields(cloneMap(request)),
		Response: response,
	}
}

// NewAuthenticationError reports rejected credentials.
func NewAuthenticationError(msg string, request map[string]any) *Error {
	return newError(KindAuthentication, "401", msg, request, nil)
}

// NewPermissionError reports an operation the account may not perform.
func NewPermissionError(msg string, request map[string]any, response []byte) *Error {
	return newError(KindPermission, "403", msg, request, response)
}

// NewFormatError reports a request the provider could not process.
func NewFormatError(msg string, request map[string]any, response []byte) *Error {
	return newError(KindFormat, "422", msg, request, response)
}

// NewServerError reports a provider outage or transport failure.
func NewServerError(msg string, request map[string]any, response []byte) *Error {
	return newError(KindServer, "500", msg, request, response)
}

// NewConfigurationError reports missing or invalid local provider settings.
func NewConfigurationError(msg string, request map[string]any) *Error {
	return newError(KindConfiguration, "905", msg, request, nil)
}

// NewValidationError reports invalid input detected before or after a call.
func NewValidationError(msg string, request map[string]any) *Error {
	return newError(KindValidation, "", msg, request, nil)
}

// NewAPIError is the catch-all carrying the provider supplied code.
func NewAPIError(msg string, request map[string]any, response []byte, code string) *Error {
	return newError(KindAPI, code, msg, request, response)
}

// AsError extracts a provider error from err.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsValidation reports whether err is a provider validation error.
func IsValidation(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindValidation
}

var maskedFields = map[string]struct{}{
	"expiryMonth":           {},
	"expiryYear":            {},
	"encryptedCardNumber":   {},
	"encryptedExpiryMonth":  {},
	"encryptedExpiryYear":   {},
	"encryptedSecurityCode": {},
}

// MaskFields masks card-like fields in place at any depth and returns request.
// "number" keeps its first six and trailing characters, "cvc" keeps only its
// length, and the remaining sensitive fields become "***".
func MaskFields(request map[string]any) map[string]any {
	if request == nil {
		return nil
	}
	for key, value := range request {
		switch v := value.(type) {
		case map[string]any:
			MaskFields(v)
			continue
		case []any:
			maskSlice(v)
			continue
		}
		switch {
		case key == "number":
			request[key] = maskNumber(fmt.Sprint(value))
		case key == "cvc":
			request[key] = strings.Repeat("*", len([]rune(fmt.Sprint(value))))
		default:
			if _, ok := maskedFields[key]; ok {
				request[key] = "***"
			}
		}
	}
	return request
}

func maskSlice(values []any) {
	for _, item := range values {
		switch v := item.(type) {
		case map[string]any:
			MaskFields(v)
		case []any:
			maskSlice(v)
		}
	}
}

func maskNumber(value string) string {
	runes := []rune(value)
	head := runes
	if len(head) > 6 {
		head = head[:6]
	}
	tail := ""
	if len(runes) > 12 {
		end := len(runes)
		if end > 28 {
			end = 28
		}
		tail = string(runes[12:end])
	}
	return string(head) + "******" + tail
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch typed := v.(type) {
		case map[string]any:
			out[k] = cloneMap(typed)
		case []any:
			out[k] = cloneSlice(typed)
		default:
			out[k] = v
		}
	}
	return out
}

func cloneSlice(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		switch typed := v.(type) {
		case map[string]any:
			out[i] = cloneMap(typed)
		case []any:
			out[i] = cloneSlice(typed)
		default:
			out[i] = v
		}
	}
	return out
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}
