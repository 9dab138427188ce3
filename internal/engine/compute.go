package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/artpar/edgestack/internal/core/topology"
	"github.com/artpar/edgestack/internal/shell/provider"
)

var (
	// ErrIngressGrantUsed is returned by an ingress grant after its single call.
	ErrIngressGrantUsed = errors.New("ingress grant has already been used")

	// ErrIngressPort is returned when ingress is requested on a port the
	// service does not listen on.
	ErrIngressPort = errors.New("ingress port does not match the service port")

	// ErrIngressSource is returned when the ingress source boundary is empty.
	ErrIngressSource = errors.New("ingress source boundary is required")
)

// ComputeOutput is what the compute layer hands to the edge layer: the
// service handle and the capability to open its boundary once.
type ComputeOutput struct {
	Service topology.ServiceHandle
	Ingress topology.IngressGrant
}

// ComputeLayer builds the clustered service inside the private subnets.
type ComputeLayer struct {
	cfg     topology.Config
	compute provider.ComputeProvisioner
	network provider.NetworkProvisioner
	scope   scope
	logger  *slog.Logger
	built   bool
}

// NewComputeLayer creates the compute layer of a deployment.
func NewComputeLayer(cfg topology.Config, compute provider.ComputeProvisioner, network provider.NetworkProvisioner, ledger Ledger, logger *slog.Logger) *ComputeLayer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("layer", "compute")
	return &ComputeLayer{
		cfg:     cfg,
		compute: compute,
		network: network,
		scope:   scope{ledger: ledger, deployment: cfg.Name, logger: logger},
		logger:  logger,
	}
}

// Build provisions, in order, the log sink, the execution role (unless one
// is configured), the cluster, the task definition, the service boundary
// and the service.
func (l *ComputeLayer) Build(ctx context.Context, network topology.NetworkHandle) (ComputeOutput, error) {
	if l.built {
		return ComputeOutput{}, ErrLayerBuilt
	}
	l.built = true

	fail := func(resource string, err error) (ComputeOutput, error) {
		return ComputeOutput{}, topology.NewStepError(topology.KindProvisioning, topology.StageComputeReady, resource, err)
	}

	logGroup, err := ensure(ctx, l.scope, topology.LogicalLogSink, topology.PlanLogSink(l.cfg), l.compute.CreateLogSink)
	if err != nil {
		return fail(topology.LogicalLogSink, err)
	}

	roleARN := l.cfg.Compute.ExecutionRoleARN
	if roleARN == "" {
		roleARN, err = ensure(ctx, l.scope, topology.LogicalExecutionRole, topology.PlanExecutionRole(l.cfg), l.compute.CreateExecutionRole)
		if err != nil {
			return fail(topology.LogicalExecutionRole, err)
		}
	}

	clusterARN, err := ensure(ctx, l.scope, topology.LogicalCluster, topology.PlanCluster(l.cfg), l.compute.CreateCluster)
	if err != nil {
		return fail(topology.LogicalCluster, err)
	}

	taskARN, err := ensure(ctx, l.scope, topology.LogicalTask, topology.PlanTask(l.cfg, logGroup, roleARN), l.compute.RegisterTask)
	if err != nil {
		return fail(topology.LogicalTask, err)
	}

	boundary, err := ensure(ctx, l.scope, topology.LogicalServiceBoundary, topology.PlanServiceBoundary(l.cfg, network), l.network.CreateBoundary)
	if err != nil {
		return fail(topology.LogicalServiceBoundary, err)
	}

	ref, err := ensure(ctx, l.scope, topology.LogicalService, topology.PlanService(l.cfg, network, clusterARN, taskARN, boundary), l.compute.CreateService)
	if err != nil {
		return fail(topology.LogicalService, err)
	}

	service := topology.ServiceHandle{
		ClusterARN:        clusterARN,
		ServiceARN:        ref.ARN,
		ServiceName:       ref.Name,
		TaskDefinitionARN: taskARN,
		ContainerName:     l.cfg.Compute.Container.Name,
		Port:              l.cfg.Compute.ServicePort,
		Boundary:          boundary,
	}

	l.logger.Info("compute ready",
		"deployment", l.cfg.Name,
		"service", service.ServiceName,
		"replicas", l.cfg.Compute.Replicas,
		"boundary_id", boundary.ID,
	)

	return ComputeOutput{
		Service: service,
		Ingress: &ingressGrant{
			service:     service,
			provisioner: l.network,
			scope:       l.scope,
		},
	}, nil
}

// =============================================================================
// Ingress Grant
// =============================================================================

// ingressGrant opens the service boundary exactly once.
type ingressGrant struct {
	service     topology.ServiceHandle
	provisioner provider.NetworkProvisioner
	scope       scope

	mu    sync.Mutex
	used  bool
	rules []topology.IngressRule
}

var _ topology.IngressGrant = (*ingressGrant)(nil)

func (g *ingressGrant) AuthorizeIngressFrom(ctx context.Context, source topology.BoundaryRef, port int) (topology.IngressRule, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.used {
		return topology.IngressRule{}, ErrIngressGrantUsed
	}
	if source.ID == "" {
		return topology.IngressRule{}, ErrIngressSource
	}
	if port != g.service.Port {
		return topology.IngressRule{}, fmt.Errorf("%w: got %d, service listens on %d", ErrIngressPort, port, g.service.Port)
	}
	g.used = true

	spec := topology.PlanServiceIngress(g.service, source)
	rule, err := ensure(ctx, g.scope, topology.LogicalServiceIngress, spec, g.provisioner.AuthorizeIngress)
	if err != nil {
		return topology.IngressRule{}, err
	}
	g.rules = append(g.rules, rule)
	return rule, nil
}

func (g *ingressGrant) Rules() []topology.IngressRule {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]topology.IngressRule(nil), g.rules...)
}
