package remote

import (
	"fmt"
	"net/http"

	"github.com/hupe1980/agentbay/core"
)

// APIError is a non-retryable error response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agentbay api: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// errorBody is the JSON / CBOR error envelope.
type errorBody struct {
	Error string `json:"error"`
}

// mapStatus translates an HTTP status into the core error taxonomy.
func mapStatus(code int, msg string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", core.ErrNotFound, msg)
	case code == http.StatusConflict:
		return fmt.Errorf("%w: %s", core.ErrConflict, msg)
	case code == http.StatusNotImplemented:
		return fmt.Errorf("%w: %s", core.ErrListUnsupported, msg)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: %d %s", core.ErrBackendUnavailable, code, msg)
	default:
		return &APIError{StatusCode: code, Message: msg}
	}
}
