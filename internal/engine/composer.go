// Package engine wires the provisioning layers of a deployment together.
//
// The composer builds the network, compute and edge layers in that order.
// Each layer is built once per deployment and hands its outputs to the next
// layer by value. Stage progress is recorded in an optional journal and every
// created resource in an optional ledger, which makes a re-run skip the
// provider calls for descriptors that did not change.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/edgestack/internal/core/topology"
	"github.com/artpar/edgestack/internal/shell/provider"
	"github.com/artpar/edgestack/internal/shell/store"
)

// Result is the outcome of a deployment.
type Result struct {
	RunID          string
	Network        topology.NetworkHandle
	Service        topology.ServiceHandle
	ServiceIngress []topology.IngressRule
	Edge           topology.EdgeHandle
	Stages         []topology.Stage
}

// Composer runs the layers of a deployment against one provider.
type Composer struct {
	provider provider.Provider
	ledger   Ledger
	journal  Journal
	logger   *slog.Logger
	now      func() time.Time
}

// NewComposer creates a composer. ledger and journal may be nil.
func NewComposer(p provider.Provider, ledger Ledger, journal Journal, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		provider: p,
		ledger:   ledger,
		journal:  journal,
		logger:   logger.With("component", "composer"),
		now:      time.Now,
	}
}

// Deploy validates cfg and builds the deployment. The configuration is
// checked before any provider call. On failure the returned Result holds
// the outputs of the layers that completed.
func (c *Composer) Deploy(ctx context.Context, cfg topology.Config) (Result, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	tracker := topology.NewTracker()
	result := Result{RunID: uuid.NewString()}

	run := &store.Run{
		ID:         result.RunID,
		Deployment: cfg.Name,
		Status:     store.RunStatusRunning,
		Stage:      string(topology.StageUninitialized),
		StartedAt:  c.now().UTC(),
	}
	if c.journal != nil {
		if err := c.journal.CreateRun(ctx, run); err != nil {
			return result, err
		}
	}

	layerLogger := c.logger.With("run_id", result.RunID)
	logger := layerLogger.With("deployment", cfg.Name)
	logger.Info("deployment started",
		"provider", c.provider.Name(),
		"domain", cfg.Domain,
		"region", cfg.Region,
		"auth_gate", cfg.AuthGate,
	)

	err := c.build(ctx, cfg, tracker, run, &result, layerLogger)
	result.Stages = tracker.Visited()

	finished := c.now().UTC()
	run.FinishedAt = &finished
	run.Stage = string(tracker.Current())
	run.Status = store.RunStatusSucceeded
	if err != nil {
		run.Status = store.RunStatusFailed
		run.Error = err.Error()
		logger.Error("deployment failed",
			"stage", tracker.Current(),
			"failed_step", topology.FailedStep(err),
			"error", err,
		)
	} else {
		logger.Info("deployment complete", "name", result.Edge.Binding.Name, "load_balancer", result.Edge.LoadBalancer.DNSName)
	}

	if c.journal != nil {
		// The run is closed even when ctx was cancelled.
		if jerr := c.journal.UpdateRun(context.WithoutCancel(ctx), run); jerr != nil {
			logger.Warn("failed to close run", "error", jerr)
			if err == nil {
				err = provisioningError(tracker.Current(), "", jerr)
			}
		}
	}
	return result, err
}

func (c *Composer) build(ctx context.Context, cfg topology.Config, tracker *topology.Tracker, run *store.Run, result *Result, logger *slog.Logger) error {
	record := func(ctx context.Context, stage topology.Stage) error {
		if c.journal == nil {
			return nil
		}
		run.Stage = string(stage)
		return c.journal.UpdateRun(ctx, run)
	}
	reach := func(ctx context.Context, stage topology.Stage) error {
		if err := tracker.Advance(stage); err != nil {
			return provisioningError(stage, "", err)
		}
		logger.Info("stage reached", "deployment", cfg.Name, "stage", stage)
		if err := record(ctx, stage); err != nil {
			return provisioningError(stage, "", err)
		}
		return nil
	}

	network, err := NewNetworkLayer(cfg, c.provider, c.ledger, logger).Build(ctx)
	if err != nil {
		return err
	}
	result.Network = network
	if err := reach(ctx, topology.StageNetworkReady); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return provisioningError(topology.StageComputeReady, "", err)
	}
	compute, err := NewComputeLayer(cfg, c.provider, c.provider, c.ledger, logger).Build(ctx, network.Clone())
	if err != nil {
		return err
	}
	result.Service = compute.Service
	if err := reach(ctx, topology.StageComputeReady); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return provisioningError(topology.StageZoneResolved, "", err)
	}
	edge, err := NewEdgeLayer(cfg, c.provider, c.ledger, tracker, record, logger).Build(ctx, network.Clone(), compute)
	result.Edge = edge
	result.ServiceIngress = compute.Ingress.Rules()
	return err
}
