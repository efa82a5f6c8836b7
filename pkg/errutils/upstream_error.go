package errutils

import (
	"fmt"
	"net/http"
)

// UpstreamRespError indicates a non-2xx response returned by the backend.
// Its status, headers and body are relayed to the client verbatim.
type UpstreamRespError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *UpstreamRespError) Error() string {
	return fmt.Sprintf("upstream response error: status code %d, body %s", e.StatusCode, string(e.Body))
}

// UpstreamHTTPError indicates an error during HTTP request to the upstream server.
type UpstreamHTTPError struct {
	Err        error
	StatusCode int
}

func (e *UpstreamHTTPError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream http error: err %s", e.Err.Error())
	}
	return fmt.Sprintf("upstream http error: status code %d, err %s", e.StatusCode, e.Err.Error())
}

func (e *UpstreamHTTPError) Unwrap() error { return e.Err }

// UpstreamTimeoutError indicates the backend did not answer within the configured timeout.
type UpstreamTimeoutError struct {
	Err error
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("upstream timeout: %v", e.Err)
}

func (e *UpstreamTimeoutError) Unwrap() error { return e.Err }

// UpstreamUnavailableError indicates the backend could not be reached.
type UpstreamUnavailableError struct {
	Err error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream unavailable: %v", e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }
