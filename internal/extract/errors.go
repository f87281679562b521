package extract

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies failures surfaced to API callers.
type Code string

const (
	CodeInvalidURL  Code = "INVALID_URL"
	CodeRateLimit   Code = "RATE_LIMIT"
	CodeFetchFailed Code = "FETCH_FAILED"
	CodeServerError Code = "SERVER_ERROR"
)

// ErrInvalidURL is wrapped by validation failures.
var ErrInvalidURL = errors.New("invalid url")

// Error is the failure shape shared by the validator, the extractor and the
// HTTP layer.
type Error struct {
	Code       Code
	Message    string
	StatusCode int
	Details    string
	Err        error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status for the error, defaulting by code.
func (e *Error) Status() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	switch e.Code {
	case CodeInvalidURL:
		return http.StatusBadRequest
	case CodeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// AsError normalizes err into an *Error. Errors that carry no code are
// treated as fetch failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, ErrInvalidURL) {
		return &Error{Code: CodeInvalidURL, Message: err.Error(), Err: err}
	}
	return &Error{Code: CodeFetchFailed, Message: "failed to extract metadata", Details: err.Error(), Err: err}
}

func fetchFailed(status int, message, details string, err error) *Error {
	return &Error{Code: CodeFetchFailed, Message: message, StatusCode: status, Details: details, Err: err}
}
