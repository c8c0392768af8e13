// Package goerror carries user-facing error metadata (message, code, field
// errors) that the HTTP layer maps to status codes.
package goerror

import (
	"fmt"
	"net/http"
)

// Code is a stable identifier mapped to an HTTP status.
type Code int

const (
	CodeInternal Code = iota
	CodeInvalidFormat
	CodeInvalidInput
	CodeNotFound
	CodeConflict
	CodeTimeout
	CodeUnavailable
)

var codeNames = map[Code]string{
	CodeInternal:      "ERROR_CODE_INTERNAL",
	CodeInvalidFormat: "ERROR_CODE_INVALID_FORMAT",
	CodeInvalidInput:  "ERROR_CODE_INVALID_INPUT",
	CodeNotFound:      "ERROR_CODE_NOT_FOUND",
	CodeConflict:      "ERROR_CODE_CONFLICT",
	CodeTimeout:       "ERROR_CODE_TIMEOUT",
	CodeUnavailable:   "ERROR_CODE_UNAVAILABLE",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return codeNames[CodeInternal]
}

// StatusCode maps the code to an HTTP status.
func (c Code) StatusCode() int {
	switch c {
	case CodeInvalidFormat:
		return http.StatusBadRequest
	case CodeInvalidInput:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps an underlying error with a message safe to show to callers.
type Error struct {
	err    error
	msg    string
	code   Code
	fields map[string]string
}

func (e *Error) Error() string {
	switch {
	case e.err != nil && e.msg != "":
		return e.msg + ": " + e.err.Error()
	case e.err != nil:
		return e.err.Error()
	case e.msg != "":
		return e.msg
	default:
		return e.code.String()
	}
}

// String is a verbose form for logs.
func (e *Error) String() string {
	return fmt.Sprintf("code=%s msg=%q err=%v", e.code, e.msg, e.err)
}

func (e *Error) Msg() string               { return e.msg }
func (e *Error) Code() Code                { return e.code }
func (e *Error) Fields() map[string]string { return e.fields }
func (e *Error) Unwrap() error             { return e.err }
func (e *Error) StatusCode() int           { return e.code.StatusCode() }

// NewServer hides err behind a generic message.
func NewServer(err error) error {
	return &Error{err: err, msg: "Internal server error", code: CodeInternal}
}

// NewNotFound reports a missing resource.
func NewNotFound(msg string) error {
	return &Error{msg: msg, code: CodeNotFound}
}

// NewUnavailable reports a dependency that is not configured or not reachable.
func NewUnavailable(msg string) error {
	return &Error{msg: msg, code: CodeUnavailable}
}

// NewInvalidInput reports field level failures. fields may come from a
// validator error (anything with Values() map[string]string) or from kv pairs.
func NewInvalidInput(err error, kv ...string) error {
	e := &Error{err: err, msg: "Validation error", code: CodeInvalidInput}
	if v, ok := err.(interface{ Values() map[string]string }); ok {
		e.fields = v.Values()
	}
	if len(kv) > 0 {
		if e.fields == nil {
			e.fields = make(map[string]string, len(kv)/2)
		}
		for i := 0; i+1 < len(kv); i += 2 {
			e.fields[kv[i]] = kv[i+1]
		}
	}
	return e
}

// NewInvalidFormat reports a malformed request.
func NewInvalidFormat(msgs ...string) error {
	msg := "Invalid request"
	if len(msgs) > 0 {
		msg = msgs[0]
	}
	return &Error{msg: msg, code: CodeInvalidFormat}
}
