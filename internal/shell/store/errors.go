// Package store persists deployment state for edgestack.
package store

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when no resource or run matches the key.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateRun is returned when a run ID is recorded twice.
	ErrDuplicateRun = errors.New("run already recorded")

	// ErrInvalidRecord is returned for a resource without its deployment
	// or logical ID.
	ErrInvalidRecord = errors.New("invalid record")

	ErrConnectionFailed = errors.New("state store unavailable")
	ErrMigrationFailed  = errors.New("state schema migration failed")
)

// Record names used in StoreError.
const (
	recordResource = "resource"
	recordRun      = "run"
)

// StoreError reports a failed state store operation. Key is
// "<deployment>/<logical id>" for a resource, the run ID for a run and the
// deployment name for listings.
//
// Kind is one of the sentinels above when the failure has a meaning of its
// own; Cause is the underlying driver error. errors.Is matches both.
type StoreError struct {
	Op     string
	Record string
	Key    string
	Kind   error
	Cause  error
}

func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString("state store: ")
	b.WriteString(e.Op)
	for _, part := range []string{e.Record, e.Key} {
		if part != "" {
			b.WriteByte(' ')
			b.WriteString(part)
		}
	}
	for _, err := range []error{e.Kind, e.Cause} {
		if err != nil {
			b.WriteString(": ")
			b.WriteString(err.Error())
		}
	}
	return b.String()
}

func (e *StoreError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// NewStoreError creates a StoreError. kind or cause may be nil.
func NewStoreError(op, record, key string, kind, cause error) *StoreError {
	return &StoreError{Op: op, Record: record, Key: key, Kind: kind, Cause: cause}
}
