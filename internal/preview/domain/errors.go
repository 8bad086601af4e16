package domain

import (
	"errors"
	"fmt"
)

// NotFoundError represents a GitHub resource that does not exist or is not
// visible to the caller.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.Key)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, key string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		Key:      key,
	}
}

// IsNotFound checks if an error is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}
