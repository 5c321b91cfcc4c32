// Package errors describes failed responses from HTTP dependencies.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxErrorBody = 4 << 10

// HTTPError is a non-2xx/3xx response from a downstream service.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d %s", e.StatusCode, e.Status)
}

// Temporary reports whether a retry could plausibly succeed: 408, 425, 429 and 5xx.
func (e *HTTPError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooEarly,
		e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// ParseHTTPError returns nil for status codes below 400. Otherwise it reads
// up to 4 KiB of the body and extracts an "error" or "message" JSON field
// when present.
func ParseHTTPError(resp *http.Response) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Message: fmt.Sprintf("read body: %v", err)}
	}

	herr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(raw)}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		herr.Message = payload.Error
		if herr.Message == "" {
			herr.Message = payload.Message
		}
	}
	return herr
}

// StatusCode extracts the status from an *HTTPError anywhere in err's chain.
func StatusCode(err error) (int, bool) {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode, true
	}
	return 0, false
}
