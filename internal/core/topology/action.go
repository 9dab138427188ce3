package topology

import "errors"

// =============================================================================
// Routing Actions
// =============================================================================

// ErrEmptyRoutingTarget is returned when an action would forward to a
// routing target with no registered service.
var ErrEmptyRoutingTarget = errors.New("routing target has no registered targets")

// ErrGateNotConfigured is returned when an identity gate is missing its
// client or domain.
var ErrGateNotConfigured = errors.New("identity gate is not fully configured")

// ActionKind names a RoutingAction variant.
type ActionKind string

const (
	ActionForward                 ActionKind = "forward"
	ActionAuthenticateThenForward ActionKind = "authenticate-then-forward"
)

// RoutingAction is a listener's default action. It is one of Forward or
// AuthenticateThenForward and is fixed for the lifetime of the deployment.
type RoutingAction interface {
	Kind() ActionKind
	// Destination returns the routing target traffic ends up at.
	Destination() RoutingTarget

	isRoutingAction()
}

// Forward sends every request straight to the routing target.
type Forward struct {
	Target RoutingTarget
}

func (Forward) Kind() ActionKind { return ActionForward }
func (a Forward) Destination() RoutingTarget { return a.Target }
func (Forward) isRoutingAction() {}

// AuthenticateThenForward requires the identity gate handshake before
// forwarding to the routing target.
type AuthenticateThenForward struct {
	Gate   IdentityGate
	Target RoutingTarget
}

func (AuthenticateThenForward) Kind() ActionKind { return ActionAuthenticateThenForward }
func (a AuthenticateThenForward) Destination() RoutingTarget { return a.Target }
func (AuthenticateThenForward) isRoutingAction() {}

// SelectAction resolves the listener action once, at deployment time.
// A nil gate selects Forward.
func SelectAction(gate *IdentityGate, target RoutingTarget) (RoutingAction, error) {
	if !target.IsValid() {
		return nil, ErrEmptyRoutingTarget
	}
	if gate == nil {
		return Forward{Target: target}, nil
	}
	if !gate.IsConfigured() {
		return nil, ErrGateNotConfigured
	}
	return AuthenticateThenForward{Gate: *gate, Target: target}, nil
}
