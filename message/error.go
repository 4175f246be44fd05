package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"lavos-rpc/retry"
)

// ErrorInfo is the error half of a CallOutcome.
// Code is empty when the failure carries no backend code.
type ErrorInfo struct {
	Message  string
	Code     string
	Category retry.Category // Set when the failure is classified
}

// NewError returns an unclassified ErrorInfo.
func NewError(code, message string) *ErrorInfo {
	return &ErrorInfo{Message: message, Code: code}
}

// Errorf returns a code-less ErrorInfo with a formatted message.
func Errorf(format string, args ...any) *ErrorInfo {
	return &ErrorInfo{Message: fmt.Sprintf(format, args...)}
}

func (e *ErrorInfo) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (code %s)", e.Message, e.Code)
}

// MarshalJSON writes a missing code as null.
func (e *ErrorInfo) MarshalJSON() ([]byte, error) {
	var code *string
	if e.Code != "" {
		code = &e.Code
	}
	return json.Marshal(struct {
		Message  string         `json:"message"`
		Code     *string        `json:"code"`
		Category retry.Category `json:"category,omitempty"`
	}{e.Message, code, e.Category})
}

func (e *ErrorInfo) UnmarshalJSON(data []byte) error {
	var raw struct {
		Message  string         `json:"message"`
		Code     *string        `json:"code"`
		Category retry.Category `json:"category"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Message, e.Category = raw.Message, raw.Category
	e.Code = ""
	if raw.Code != nil {
		e.Code = *raw.Code
	}
	return nil
}

// coded is satisfied by errors that carry a backend code of their own.
type coded interface {
	ErrorCode() string
}

// sqlStater is satisfied by *pgconn.PgError.
type sqlStater interface {
	SQLState() string
}

// AsErrorInfo converts any error into a fresh ErrorInfo that the caller may modify.
// An ErrorInfo anywhere in the chain is copied, so shared sentinel errors are never
// written to; codes are lifted from errors exposing ErrorCode or SQLState.
func AsErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		cp := *info
		return &cp
	}
	out := &ErrorInfo{Message: err.Error()}
	var c coded
	if errors.As(err, &c) {
		out.Code = c.ErrorCode()
		return out
	}
	var s sqlStater
	if errors.As(err, &s) {
		out.Code = s.SQLState()
	}
	return out
}
