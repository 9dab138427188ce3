// Package topology provides the pure types and planning functions for an
// edgestack deployment.
//
// This package is the functional core of the topology builder. It decides
// what must reference what, in which order, and under which conditions. It
// never talks to a cloud provider: the engine passes the descriptors built
// here to the provider and feeds the returned handles back in.
//
// # Contents
//
//   - Config: deployment-wide configuration and its validation
//   - Handles: immutable references produced by one layer for the next
//   - Descriptors: declarative inputs for each provider call (Plan* functions)
//   - RoutingAction: Forward | AuthenticateThenForward, chosen once per deployment
//   - Stage: the edge construction state machine
//   - StepError: error taxonomy carrying the failing stage
//
// # Usage
//
//	cfg := topology.DefaultConfig("example.com")
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	spec, err := topology.PlanNetwork(cfg)
//	if err != nil {
//	    return err
//	}
package topology
