package capi

import (
	"errors"
	"fmt"
)

// APIError is returned for every failed call. StatusCode is zero when the
// request never reached the provider.
type APIError struct {
	StatusCode int
	Code       string
	Type       string
	Message    string
	TraceID    string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("capi: request failed: %v", e.Err)
	case e.Code != "":
		return fmt.Sprintf("capi: http %d: %s (code %s)", e.StatusCode, e.Message, e.Code)
	default:
		return fmt.Sprintf("capi: http %d: %s", e.StatusCode, e.Message)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// StatusOf returns the HTTP status carried by err, or zero.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
