package topology

import (
	"errors"
	"fmt"
)

// =============================================================================
// Configuration Errors
// =============================================================================

var (
	ErrDomainRequired          = errors.New("domain name is required")
	ErrInvalidDomain           = errors.New("invalid domain name format")
	ErrNameRequired            = errors.New("deployment name is required")
	ErrInvalidAccount          = errors.New("account must be a 12 digit identifier")
	ErrRegionRequired          = errors.New("region is required")
	ErrInvalidReplicas         = errors.New("replica count must be at least 1")
	ErrInvalidServicePort      = errors.New("service port must be 80")
	ErrAuthGateRequiresTLS     = errors.New("auth gate requires TLS on the edge listener")
	ErrInvalidCIDR             = errors.New("network CIDR must be a valid IPv4 prefix between /16 and /24")
	ErrInvalidMaxAZs           = errors.New("network max AZs must be between 1 and 8")
	ErrInvalidNATGateways      = errors.New("network NAT gateways must be between 1 and max AZs")
	ErrImageRequired           = errors.New("container image is required")
	ErrInvalidTaskSize         = errors.New("task cpu and memory must be positive")
	ErrInvalidArchitecture     = errors.New("task architecture must be ARM64 or X86_64")
	ErrInvalidDomainPrefix     = errors.New("auth domain prefix must be 1-63 lowercase letters, digits or hyphens")
	ErrInvalidRefreshToken     = errors.New("refresh token lifetime must be at least 1 day")
	ErrInvalidValidationWindow = errors.New("certificate validation timeout must be positive")
)

// =============================================================================
// Step Errors
// =============================================================================

// ErrorKind classifies why a deployment halted.
type ErrorKind string

const (
	// KindConfiguration is raised before any provisioning call.
	KindConfiguration ErrorKind = "configuration"
	// KindResolution is raised when the DNS zone lookup fails.
	KindResolution ErrorKind = "resolution"
	// KindValidation is raised when certificate DNS validation fails or times out.
	KindValidation ErrorKind = "validation"
	// KindProvisioning is raised when any resource creation fails.
	KindProvisioning ErrorKind = "provisioning"
)

// StepError reports the stage at which a deployment halted.
// A re-run with the same configuration resumes from that stage once the
// external cause is fixed.
type StepError struct {
	Kind     ErrorKind
	Step     Stage
	Resource string // logical resource being created, if any
	Err      error
}

func (e *StepError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s error at %s (%s): %v", e.Kind, e.Step, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s error at %s: %v", e.Kind, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError creates a StepError. An existing StepError passed as err is
// returned unchanged so the innermost failing step is preserved.
func NewStepError(kind ErrorKind, step Stage, resource string, err error) error {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return err
	}
	return &StepError{Kind: kind, Step: step, Resource: resource, Err: err}
}

// ConfigurationError wraps a validation failure.
func ConfigurationError(err error) error {
	return NewStepError(KindConfiguration, StageUninitialized, "", err)
}

// IsKind reports whether err is a StepError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// FailedStep returns the stage recorded in err, or StageUninitialized.
func FailedStep(err error) Stage {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return StageUninitialized
}
