package backend

import (
	"fmt"
	"net/http"

	"github.com/tmachado/llmcall/internal/model"
)

// StatusError converts a non-2xx provider reply into a classified error.
// Rate limiting, overload, timeouts, and server faults come back as
// transient so the pipeline retries them; everything else is terminal.
func StatusError(provider string, statusCode int, body []byte) error {
	err := fmt.Errorf("%s error: status=%d body=%s", provider, statusCode, string(body))
	if retryableStatus(statusCode) {
		return &model.TransientError{Cause: err}
	}
	return err
}

func retryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusConflict:
		return true
	}
	// 529 is the overloaded status some providers use.
	return statusCode >= 500
}

// TransportError wraps a failed round trip. Connection resets, DNS
// hiccups, and timeouts are all worth retrying.
func TransportError(provider string, err error) error {
	return &model.TransientError{Cause: fmt.Errorf("%s request failed: %w", provider, err)}
}
