package messages

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers of the submission pipeline.
var (
	ErrValidation  = errors.New("messages: validation failed")
	ErrNotFound    = errors.New("messages: receiver not found")
	ErrUpload      = errors.New("messages: image upload failed")
	ErrPersistence = errors.New("messages: persistence failed")
)

// ServiceError carries a stable code ("operation.reason"), the error kind and the cause.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

// Cause returns the underlying error.
func (e *ServiceError) Cause() error {
	return e.err
}

// Kind returns the error kind sentinel.
func (e *ServiceError) Kind() error {
	return e.kind
}

func newServiceError(operation, reason string, kind, cause error) error {
	return &ServiceError{
		code: fmt.Sprintf("%s.%s", operation, reason),
		kind: kind,
		err:  cause,
	}
}
