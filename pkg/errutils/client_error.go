package errutils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ClientError indicates a malformed or unsupported request body.
type ClientError struct {
	Message string
	Err     error
}

func (e *ClientError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

func ClientErrorf(format string, args ...any) *ClientError {
	return &ClientError{Message: fmt.Sprintf(format, args...)}
}

// InputTooLargeError is returned when an embedding input exceeds the maximum length
// and automatic chunking is disabled.
type InputTooLargeError struct {
	Observed int
	Max      int
}

func (e *InputTooLargeError) Error() string {
	return fmt.Sprintf("input length %d exceeds maximum %d and auto chunking is disabled", e.Observed, e.Max)
}

// AggregationError indicates sub-request results that cannot be combined.
type AggregationError struct {
	Err error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation failed: %v", e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

// Classify maps an engine error to the HandlerError written to the client.
// It returns nil for UpstreamRespError, which is relayed as is, and for canceled
// client contexts, where nothing can be written.
func Classify(err error) *HandlerError {
	if err == nil {
		return nil
	}
	var respErr *UpstreamRespError
	if errors.As(err, &respErr) {
		return nil
	}
	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		return handlerErr
	}
	var clientErr *ClientError
	var tooLarge *InputTooLargeError
	var timeoutErr *UpstreamTimeoutError
	var unavailErr *UpstreamUnavailableError
	var httpErr *UpstreamHTTPError
	var aggErr *AggregationError
	switch {
	case errors.As(err, &clientErr):
		return NewHandlerError(err, http.StatusBadRequest, clientErr.Error())
	case errors.As(err, &tooLarge):
		return NewHandlerError(err, http.StatusBadRequest, tooLarge.Error())
	case errors.As(err, &timeoutErr):
		return NewHandlerError(err, http.StatusGatewayTimeout, "upstream timeout")
	case errors.As(err, &unavailErr):
		return NewHandlerError(err, http.StatusBadGateway, "upstream unavailable")
	case errors.As(err, &httpErr):
		return NewHandlerError(err, http.StatusBadGateway, "upstream error")
	case errors.As(err, &aggErr):
		return NewHandlerError(err, http.StatusInternalServerError, aggErr.Error())
	case errors.Is(err, context.Canceled):
		return nil
	}
	return NewHandlerError(err, http.StatusInternalServerError, "Internal Server Error")
}
