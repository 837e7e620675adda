package speech

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrNoAPIKey is returned when a direct provider has no API key.
	ErrNoAPIKey = errors.New("speech: API key required")

	// ErrNoBaseURL is returned when a backend client has no base URL.
	ErrNoBaseURL = errors.New("speech: base URL required")

	// ErrEmptyText is returned when synthesis is requested for no text.
	ErrEmptyText = errors.New("speech: text is required")

	// ErrTextTooLong is returned when the text exceeds MaxTextLength.
	ErrTextTooLong = errors.New("speech: text exceeds maximum length of 4096 characters")

	// ErrTranscriptionFailed wraps every transcription failure.
	ErrTranscriptionFailed = errors.New("speech: transcription failed")

	// ErrSynthesisFailed wraps every synthesis failure.
	ErrSynthesisFailed = errors.New("speech: synthesis failed")

	// ErrNoProviders is returned when a chain is built with no synthesizers.
	ErrNoProviders = errors.New("speech: no providers available")
)

// APIError represents an error response from a speech API.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the error message from the API.
	Message string

	// Provider identifies which provider returned the error.
	Provider string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("speech [%s]: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error (HTTP 429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsUnauthorized returns true if this is an authentication error (HTTP 401).
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == 401
}

// IsServerError returns true if this is a server-side error (HTTP 5xx).
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRetryable returns true if the request should be retried.
func (e *APIError) IsRetryable() bool {
	return e.IsRateLimited() || e.IsServerError()
}

// ProviderError wraps a failure with the operation and provider that hit it.
// It matches ErrTranscriptionFailed or ErrSynthesisFailed via errors.Is.
type ProviderError struct {
	Provider string
	Op       error
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%v [%s]: %v", e.Op, e.Provider, e.Err)
}

// Unwrap exposes both the operation sentinel and the cause.
func (e *ProviderError) Unwrap() []error {
	return []error{e.Op, e.Err}
}

func transcriptionError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Op: ErrTranscriptionFailed, Err: err}
}

func synthesisError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Op: ErrSynthesisFailed, Err: err}
}
