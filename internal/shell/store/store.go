package store

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store persists the state of deployments: the resources created for each
// logical ID and the journal of runs.
type Store interface {
	// Resource ledger
	GetResource(ctx context.Context, deployment, logicalID string) (*Resource, error)
	PutResource(ctx context.Context, resource *Resource) error
	ListResources(ctx context.Context, deployment string) ([]Resource, error)

	// Run journal
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, deployment string, opts ListOptions) ([]Run, error)

	// Lifecycle
	Close() error
}

// =============================================================================
// Records
// =============================================================================

// Resource is one provisioned resource of a deployment. Fingerprint is the
// digest of the descriptor it was created from; Payload is the JSON handle
// the provider returned.
type Resource struct {
	Deployment  string          `json:"deployment"`
	LogicalID   string          `json:"logical_id"`
	Kind        string          `json:"kind"`
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RunStatus is the outcome of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one invocation of the composer against a deployment.
type Run struct {
	ID         string     `json:"id"`
	Deployment string     `json:"deployment"`
	Status     RunStatus  `json:"status"`
	Stage      string     `json:"stage"` // last stage reached
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
