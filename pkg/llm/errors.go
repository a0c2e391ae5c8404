package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig indicates the client was asked to operate without an API key.
	ErrConfig = errors.New("llm: api key not configured")

	// ErrAuth indicates the provider rejected the credentials (401).
	ErrAuth = errors.New("llm: authentication failed")

	// ErrInvalidResponse indicates the provider reply carried no textual content.
	ErrInvalidResponse = errors.New("llm: response has no content")

	// ErrMaxRetries indicates the retry budget was exhausted.
	ErrMaxRetries = errors.New("llm: max retries exceeded")
)

// APIError is a non-2xx provider response that is not an auth failure.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: api returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status class warrants another attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
