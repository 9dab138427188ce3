// Package compose reads a container definition out of a Docker Compose file.
// This is part of the Functional Core - all functions are pure with no I/O.
package compose

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrEmptyInput = errors.New("compose spec is empty")

	// YAML parsing errors
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// Compose structure errors
	ErrNoServices        = errors.New("compose spec must define at least one service")
	ErrServiceNotFound   = errors.New("service not found in compose spec")
	ErrAmbiguousService  = errors.New("compose spec defines several services; name one")
	ErrServiceNoImage    = errors.New("service must have an image")
	ErrServiceBuildOnly  = errors.New("service images must be prebuilt; build is not supported")
	ErrInvalidPort       = errors.New("invalid port configuration")
	ErrInvalidResources  = errors.New("invalid resource limits")
	ErrUnsupportedTarget = errors.New("unsupported platform")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "services.web.ports[0]"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
