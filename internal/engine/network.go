package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/artpar/edgestack/internal/core/topology"
	"github.com/artpar/edgestack/internal/shell/provider"
)

// ErrLayerBuilt is returned when a layer is built a second time.
var ErrLayerBuilt = errors.New("layer has already been built")

// NetworkLayer builds the isolated network: a public subnet group and a
// private-with-egress subnet group.
type NetworkLayer struct {
	cfg         topology.Config
	provisioner provider.NetworkProvisioner
	scope       scope
	logger      *slog.Logger
	built       bool
}

// NewNetworkLayer creates the network layer of a deployment.
func NewNetworkLayer(cfg topology.Config, p provider.NetworkProvisioner, ledger Ledger, logger *slog.Logger) *NetworkLayer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("layer", "network")
	return &NetworkLayer{
		cfg:         cfg,
		provisioner: p,
		scope:       scope{ledger: ledger, deployment: cfg.Name, logger: logger},
		logger:      logger,
	}
}

// Build provisions the network and returns its handle.
func (l *NetworkLayer) Build(ctx context.Context) (topology.NetworkHandle, error) {
	if l.built {
		return topology.NetworkHandle{}, ErrLayerBuilt
	}
	l.built = true

	spec, err := topology.PlanNetwork(l.cfg)
	if err != nil {
		return topology.NetworkHandle{}, topology.ConfigurationError(err)
	}

	network, err := ensure(ctx, l.scope, topology.LogicalNetwork, spec, l.provisioner.CreateNetwork)
	if err != nil {
		return topology.NetworkHandle{}, topology.NewStepError(topology.KindProvisioning, topology.StageNetworkReady, topology.LogicalNetwork, err)
	}

	l.logger.Info("network ready",
		"deployment", l.cfg.Name,
		"vpc_id", network.VPCID,
		"public_subnets", len(network.PublicSubnets),
		"private_subnets", len(network.PrivateSubnets),
	)
	return network, nil
}
