package custody

import (
	"errors"
	"fmt"
)

// ErrorCategory normalizes custodial provider failures into a taxonomy the
// provisioner can act on without inspecting HTTP details.
type ErrorCategory string

const (
	// ErrorTimeout indicates the provider took too long to respond.
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorRateLimited indicates too many requests.
	ErrorRateLimited ErrorCategory = "rate_limited"

	// ErrorProviderOutage indicates the provider is unavailable.
	ErrorProviderOutage ErrorCategory = "provider_outage"

	// ErrorAuthentication indicates credential or permission issues.
	ErrorAuthentication ErrorCategory = "authentication"

	// ErrorConflict indicates the resource already exists (semantic no-op
	// for asset activation).
	ErrorConflict ErrorCategory = "conflict"

	// ErrorNotFound indicates the requested resource doesn't exist.
	ErrorNotFound ErrorCategory = "not_found"

	// ErrorBadRequest indicates a malformed or rejected request.
	ErrorBadRequest ErrorCategory = "bad_request"

	// ErrorInternal indicates an unexpected internal error.
	ErrorInternal ErrorCategory = "internal"
)

// ProviderError wraps custodial provider failures with normalized
// categorization.
type ProviderError struct {
	Category   ErrorCategory
	Message    string
	HTTPStatus int
	Underlying error
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("custody [%s]: %s: %v", e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("custody [%s]: %s", e.Category, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Underlying
}

// NewProviderError creates a normalized provider error. Timeouts, outages and
// rate limits are retryable; everything else is terminal for the attempt.
func NewProviderError(category ErrorCategory, message string, status int, underlying error) *ProviderError {
	retryable := category == ErrorTimeout ||
		category == ErrorProviderOutage ||
		category == ErrorRateLimited

	return &ProviderError{
		Category:   category,
		Message:    message,
		HTTPStatus: status,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsConflict reports whether the provider answered "already exists".
func IsConflict(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category == ErrorConflict
	}
	return false
}

// IsNotFound reports whether the provider answered "no such resource".
func IsNotFound(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category == ErrorNotFound
	}
	return false
}

// GetCategory extracts the error category from an error.
func GetCategory(err error) ErrorCategory {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ErrorInternal
}
