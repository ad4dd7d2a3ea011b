package calcom

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNeedsFallback signals that a v2 call exhausted its attempts and the
// caller should decide whether a v1 equivalent exists. Version selection is
// business policy, not a transport decision, so the client never switches
// versions on its own.
var ErrNeedsFallback = errors.New("v2 attempts exhausted, v1 fallback available")

// APIError is a provider response with a non-success status code.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("provider returned %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, body)
}

// Transient reports whether the status is retryable under the backoff policy.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// NormalizationError is a provider contract violation: no known envelope
// shape matched the payload. Keys carries the payload's top-level keys for
// diagnostics.
type NormalizationError struct {
	Kind    string
	Version Version
	Keys    []string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("no known %s %s envelope matched payload with keys [%s]",
		e.Version, e.Kind, strings.Join(e.Keys, ", "))
}
