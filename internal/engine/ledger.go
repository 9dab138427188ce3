package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/artpar/edgestack/internal/core/topology"
	"github.com/artpar/edgestack/internal/shell/store"
)

// Ledger remembers which descriptors were already materialized for a
// deployment. store.SQLiteStore implements it.
type Ledger interface {
	GetResource(ctx context.Context, deployment, logicalID string) (*store.Resource, error)
	PutResource(ctx context.Context, resource *store.Resource) error
}

// Journal records the runs of the composer. store.SQLiteStore implements it.
type Journal interface {
	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, run *store.Run) error
}

// scope binds a ledger to one deployment.
type scope struct {
	ledger     Ledger
	deployment string
	logger     *slog.Logger
}

// ensure materializes spec under logicalID. When the ledger holds a record
// for logicalID with the same descriptor fingerprint, the recorded handle
// is returned and create is not called. A changed descriptor is issued
// again and the record replaced.
func ensure[S, H any](ctx context.Context, s scope, logicalID string, spec S, create func(context.Context, S) (H, error)) (H, error) {
	var zero H

	fingerprint, err := topology.Fingerprint(spec)
	if err != nil {
		return zero, err
	}

	if s.ledger != nil {
		rec, err := s.ledger.GetResource(ctx, s.deployment, logicalID)
		switch {
		case err == nil && rec.Fingerprint == fingerprint:
			var h H
			if err := json.Unmarshal(rec.Payload, &h); err == nil {
				s.logger.Debug("resource unchanged, skipping", "logical_id", logicalID)
				return h, nil
			}
			s.logger.Warn("unreadable ledger record, recreating", "logical_id", logicalID)
		case err == nil:
			s.logger.Info("descriptor changed, reissuing", "logical_id", logicalID)
		case !errors.Is(err, store.ErrNotFound):
			return zero, err
		}
	}

	h, err := create(ctx, spec)
	if err != nil {
		return zero, err
	}

	if s.ledger != nil {
		payload, err := json.Marshal(h)
		if err != nil {
			return zero, fmt.Errorf("failed to encode %s handle: %w", logicalID, err)
		}
		err = s.ledger.PutResource(ctx, &store.Resource{
			Deployment:  s.deployment,
			LogicalID:   logicalID,
			Kind:        fmt.Sprintf("%T", spec),
			Fingerprint: fingerprint,
			Payload:     payload,
		})
		if err != nil {
			return zero, err
		}
	}
	return h, nil
}
