package topology

import (
	"errors"
	"fmt"
)

// =============================================================================
// Deployment Stages
// =============================================================================

// Stage is a point in the linear construction sequence of a deployment.
type Stage string

const (
	StageUninitialized        Stage = "uninitialized"
	StageNetworkReady         Stage = "network_ready"
	StageComputeReady         Stage = "compute_ready"
	StageZoneResolved         Stage = "zone_resolved"
	StageCertificateValidated Stage = "certificate_validated"
	StageSecurityChained      Stage = "security_chained"
	StageLoadBalancerReady    Stage = "load_balancer_ready"
	StageRoutingTargetReady   Stage = "routing_target_ready"
	StageIdentityGateReady    Stage = "identity_gate_ready"
	StageListenerReady        Stage = "listener_ready"
	StageDNSBound             Stage = "dns_bound"
)

var (
	// ErrInvalidTransition is returned when a stage is entered out of order.
	ErrInvalidTransition = errors.New("invalid stage transition")
	// ErrUnknownStage is returned for a stage outside the sequence.
	ErrUnknownStage = errors.New("unknown stage")
)

// validTransitions defines the allowed successor stages.
// ZoneResolved → SecurityChained only happens when TLS is disabled and no
// certificate is issued.
var validTransitions = map[Stage][]Stage{
	StageUninitialized:        {StageNetworkReady},
	StageNetworkReady:         {StageComputeReady},
	StageComputeReady:         {StageZoneResolved},
	StageZoneResolved:         {StageCertificateValidated, StageSecurityChained},
	StageCertificateValidated: {StageSecurityChained},
	StageSecurityChained:      {StageLoadBalancerReady},
	StageLoadBalancerReady:    {StageRoutingTargetReady},
	StageRoutingTargetReady:   {StageListenerReady, StageIdentityGateReady},
	StageIdentityGateReady:    {StageListenerReady},
	StageListenerReady:        {StageDNSBound},
	StageDNSBound:             {},
}

// IsTerminal returns true if no further transitions are possible.
func (s Stage) IsTerminal() bool {
	return s == StageDNSBound
}

// IsValid checks if the stage is known.
func (s Stage) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransition reports whether to may directly follow from.
func CanTransition(from, to Stage) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// Stage Tracker
// =============================================================================

// Tracker records the stages a deployment passes through and refuses any
// transition the state machine does not allow.
type Tracker struct {
	current Stage
	visited []Stage
}

// NewTracker creates a tracker positioned at StageUninitialized.
func NewTracker() *Tracker {
	return &Tracker{current: StageUninitialized}
}

// NewTrackerAt creates a tracker for a sequence that has already reached
// stage. Only stages advanced from here on are reported by Visited.
func NewTrackerAt(stage Stage) *Tracker {
	return &Tracker{current: stage}
}

// Current returns the last stage reached.
func (t *Tracker) Current() Stage {
	return t.current
}

// Visited returns the stages reached so far, in order.
func (t *Tracker) Visited() []Stage {
	out := make([]Stage, len(t.visited))
	copy(out, t.visited)
	return out
}

// Advance moves the tracker to the next stage.
func (t *Tracker) Advance(to Stage) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownStage, to)
	}
	if t.current.IsTerminal() {
		return fmt.Errorf("%w: sequence already ended at %s", ErrInvalidTransition, t.current)
	}
	if !CanTransition(t.current, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.current, to)
	}
	t.current = to
	t.visited = append(t.visited, to)
	return nil
}
