package domain

import "fmt"

// ValidationError reports bad or missing input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a validation error for a field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ModelNotFoundError reports that no serving artifact exists for a key.
type ModelNotFoundError struct {
	Key string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("no model loaded for %s", e.Key)
}

// NotFoundError reports a missing named resource (artifact, run, symbol).
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// UpstreamUnavailableError wraps a failure of a dependency such as the sentiment
// backend or a notification channel.
type UpstreamUnavailableError struct {
	Service string
	Err     error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Err
}

// TransientComputeError wraps a failure scoped to one item of a batch.
type TransientComputeError struct {
	Item string
	Err  error
}

func (e *TransientComputeError) Error() string {
	return fmt.Sprintf("compute failed for %s: %v", e.Item, e.Err)
}

func (e *TransientComputeError) Unwrap() error {
	return e.Err
}
