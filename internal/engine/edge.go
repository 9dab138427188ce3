package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/artpar/edgestack/internal/core/topology"
	"github.com/artpar/edgestack/internal/shell/provider"
)

// StageFunc is notified each time the edge layer reaches a stage.
type StageFunc func(ctx context.Context, stage topology.Stage) error

// EdgeLayer builds the public edge: certificate, load balancer, routing,
// the optional identity gate, the listener and finally the DNS alias.
//
// Construction is linear. Every failure halts the sequence and is returned
// as a *topology.StepError naming the stage that was not reached.
type EdgeLayer struct {
	cfg      topology.Config
	provider provider.Provider
	scope    scope
	tracker  *topology.Tracker
	onStage  StageFunc
	logger   *slog.Logger
	built    bool
}

// NewEdgeLayer creates the edge layer of a deployment. tracker must be
// positioned at StageComputeReady; a nil tracker starts a new one there.
// onStage may be nil.
func NewEdgeLayer(cfg topology.Config, p provider.Provider, ledger Ledger, tracker *topology.Tracker, onStage StageFunc, logger *slog.Logger) *EdgeLayer {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = topology.NewTrackerAt(topology.StageComputeReady)
	}
	logger = logger.With("layer", "edge")
	return &EdgeLayer{
		cfg:      cfg,
		provider: p,
		scope:    scope{ledger: ledger, deployment: cfg.Name, logger: logger},
		tracker:  tracker,
		onStage:  onStage,
		logger:   logger,
	}
}

// Stages returns the stages reached so far.
func (l *EdgeLayer) Stages() []topology.Stage {
	return l.tracker.Visited()
}

func (l *EdgeLayer) advance(ctx context.Context, stage topology.Stage, attrs ...any) error {
	if err := l.tracker.Advance(stage); err != nil {
		return provisioningError(stage, "", err)
	}
	l.logger.Info("stage reached", append([]any{"deployment", l.cfg.Name, "stage", stage}, attrs...)...)
	if l.onStage != nil {
		if err := l.onStage(ctx, stage); err != nil {
			return provisioningError(stage, "", err)
		}
	}
	return nil
}

func provisioningError(stage topology.Stage, resource string, err error) error {
	return topology.NewStepError(topology.KindProvisioning, stage, resource, err)
}

// Build runs the edge construction sequence against the network and
// compute outputs.
func (l *EdgeLayer) Build(ctx context.Context, network topology.NetworkHandle, compute ComputeOutput) (topology.EdgeHandle, error) {
	if l.built {
		return topology.EdgeHandle{}, ErrLayerBuilt
	}
	l.built = true

	var edge topology.EdgeHandle

	// Zone resolution. The zone is looked up once and reused for the
	// certificate validation record and the final alias.
	zone, err := l.provider.LookupZone(ctx, l.cfg.Domain)
	if err != nil {
		return edge, topology.NewStepError(topology.KindResolution, topology.StageZoneResolved, topology.LogicalZone, err)
	}
	edge.Zone = zone
	if err := l.advance(ctx, topology.StageZoneResolved, "zone_id", zone.ID); err != nil {
		return edge, err
	}

	if !l.cfg.Plaintext {
		cert, err := l.issueCertificate(ctx, zone)
		if err != nil {
			return edge, err
		}
		edge.Certificate = &cert
		if err := l.advance(ctx, topology.StageCertificateValidated, "certificate_arn", cert.ARN); err != nil {
			return edge, err
		}
	}

	// Security chaining: the service admits traffic from the edge boundary
	// before any load balancer exists.
	boundary, err := ensure(ctx, l.scope, topology.LogicalEdgeBoundary, topology.PlanEdgeBoundary(l.cfg, network), l.provider.CreateBoundary)
	if err != nil {
		return edge, provisioningError(topology.StageSecurityChained, topology.LogicalEdgeBoundary, err)
	}
	edge.Boundary = boundary
	if _, err := compute.Ingress.AuthorizeIngressFrom(ctx, boundary, compute.Service.Port); err != nil {
		return edge, provisioningError(topology.StageSecurityChained, topology.LogicalServiceIngress, err)
	}
	if err := l.advance(ctx, topology.StageSecurityChained, "boundary_id", boundary.ID); err != nil {
		return edge, err
	}

	lb, err := ensure(ctx, l.scope, topology.LogicalLoadBalancer, topology.PlanLoadBalancer(l.cfg, network, boundary), l.provider.CreateLoadBalancer)
	if err != nil {
		return edge, provisioningError(topology.StageLoadBalancerReady, topology.LogicalLoadBalancer, err)
	}
	edge.LoadBalancer = lb
	if err := l.advance(ctx, topology.StageLoadBalancerReady, "load_balancer", lb.DNSName); err != nil {
		return edge, err
	}

	target, err := l.assembleTarget(ctx, network, compute.Service)
	if err != nil {
		return edge, err
	}
	edge.Target = target
	if err := l.advance(ctx, topology.StageRoutingTargetReady, "target_group_arn", target.ARN); err != nil {
		return edge, err
	}

	if l.cfg.AuthGate {
		gate, err := l.buildGate(ctx)
		if err != nil {
			return edge, err
		}
		edge.Gate = &gate
		if err := l.advance(ctx, topology.StageIdentityGateReady, "pool_id", gate.PoolID, "domain_prefix", gate.DomainPrefix); err != nil {
			return edge, err
		}
	}

	listener, err := l.createListener(ctx, lb, edge.Certificate, edge.Gate, target, boundary)
	if err != nil {
		return edge, err
	}
	edge.Listener = listener
	if err := l.advance(ctx, topology.StageListenerReady, "port", listener.Port, "action", listener.Action.Kind()); err != nil {
		return edge, err
	}

	// The alias comes last so the public name never resolves to a load
	// balancer without a listener.
	binding, err := ensure(ctx, l.scope, topology.LogicalDNSBinding, topology.PlanAlias(l.cfg, zone, lb), l.provider.UpsertAlias)
	if err != nil {
		return edge, provisioningError(topology.StageDNSBound, topology.LogicalDNSBinding, err)
	}
	edge.Binding = binding
	if err := l.advance(ctx, topology.StageDNSBound, "name", binding.Name); err != nil {
		return edge, err
	}

	return edge, nil
}

// issueCertificate requests the certificate, publishes its validation
// records in zone and waits for issuance.
func (l *EdgeLayer) issueCertificate(ctx context.Context, zone topology.Zone) (topology.Certificate, error) {
	const stage = topology.StageCertificateValidated

	spec := topology.PlanCertificate(l.cfg, zone)
	cert, err := ensure(ctx, l.scope, topology.LogicalCertificate, spec, func(ctx context.Context, spec topology.CertificateSpec) (topology.Certificate, error) {
		pending, err := l.provider.RequestCertificate(ctx, spec)
		if err != nil {
			return topology.Certificate{}, provisioningError(stage, topology.LogicalCertificate, err)
		}
		for _, record := range pending.Records {
			if err := l.provider.UpsertValidationRecord(ctx, zone, record); err != nil {
				return topology.Certificate{}, provisioningError(stage, topology.LogicalCertificate, err)
			}
		}

		l.logger.Info("waiting for certificate validation",
			"deployment", l.cfg.Name,
			"certificate_arn", pending.ARN,
			"timeout", l.cfg.ValidationTimeout,
		)
		cert, err := l.provider.WaitForValidation(ctx, pending.ARN, l.cfg.ValidationTimeout)
		if err == nil && !cert.Validated {
			err = provider.ErrValidationFailed
		}
		if err != nil {
			return topology.Certificate{}, topology.NewStepError(topology.KindValidation, stage, topology.LogicalCertificate, err)
		}
		return cert, nil
	})
	if err != nil {
		return topology.Certificate{}, provisioningError(stage, topology.LogicalCertificate, err)
	}
	return cert, nil
}

// assembleTarget creates the routing target and registers the service as
// its sole target.
func (l *EdgeLayer) assembleTarget(ctx context.Context, network topology.NetworkHandle, service topology.ServiceHandle) (topology.RoutingTarget, error) {
	const stage = topology.StageRoutingTargetReady

	target, err := ensure(ctx, l.scope, topology.LogicalRoutingTarget, topology.PlanRoutingTarget(l.cfg, network, service), l.provider.CreateTargetGroup)
	if err != nil {
		return topology.RoutingTarget{}, provisioningError(stage, topology.LogicalRoutingTarget, err)
	}

	register := func(ctx context.Context, spec topology.TargetRegistrationSpec) (topology.TargetRegistrationSpec, error) {
		return spec, l.provider.RegisterTarget(ctx, spec)
	}
	if _, err := ensure(ctx, l.scope, topology.LogicalTargetRegistration, topology.PlanTargetRegistration(target.ARN, service), register); err != nil {
		return topology.RoutingTarget{}, provisioningError(stage, topology.LogicalTargetRegistration, err)
	}

	target.Targets = []topology.ServiceHandle{service}
	return target, nil
}

// buildGate creates the identity pool, its client and its hosted domain.
func (l *EdgeLayer) buildGate(ctx context.Context) (topology.IdentityGate, error) {
	const stage = topology.StageIdentityGateReady

	pool, err := ensure(ctx, l.scope, topology.LogicalIdentityPool, topology.PlanIdentityPool(l.cfg), l.provider.CreateIdentityPool)
	if err != nil {
		return topology.IdentityGate{}, provisioningError(stage, topology.LogicalIdentityPool, err)
	}

	clientID, err := ensure(ctx, l.scope, topology.LogicalIdentityClient, topology.PlanIdentityClient(l.cfg, pool.ID), l.provider.CreateIdentityClient)
	if err != nil {
		return topology.IdentityGate{}, provisioningError(stage, topology.LogicalIdentityClient, err)
	}

	prefix, err := ensure(ctx, l.scope, topology.LogicalIdentityDomain, topology.PlanIdentityDomain(l.cfg, pool.ID), l.provider.CreateIdentityDomain)
	if err != nil {
		return topology.IdentityGate{}, provisioningError(stage, topology.LogicalIdentityDomain, err)
	}

	gate := topology.IdentityGate{
		PoolID:       pool.ID,
		PoolARN:      pool.ARN,
		ClientID:     clientID,
		DomainPrefix: prefix,
		CallbackURL:  l.cfg.CallbackURL(),
	}
	if !gate.IsConfigured() {
		return topology.IdentityGate{}, provisioningError(stage, topology.LogicalIdentityDomain, topology.ErrGateNotConfigured)
	}
	return gate, nil
}

// createListener fixes the routing action, creates the listener and then
// opens the edge boundary on the listener port.
func (l *EdgeLayer) createListener(ctx context.Context, lb topology.LoadBalancer, cert *topology.Certificate, gate *topology.IdentityGate, target topology.RoutingTarget, boundary topology.BoundaryRef) (topology.Listener, error) {
	const stage = topology.StageListenerReady

	action, err := topology.SelectAction(gate, target)
	if err != nil {
		return topology.Listener{}, provisioningError(stage, topology.LogicalListener, err)
	}
	spec, err := topology.PlanListener(l.cfg, lb, cert, action)
	if err != nil {
		return topology.Listener{}, provisioningError(stage, topology.LogicalListener, err)
	}

	listener, err := ensure(ctx, l.scope, topology.LogicalListener, spec, l.provider.CreateListener)
	if err != nil {
		return topology.Listener{}, provisioningError(stage, topology.LogicalListener, err)
	}
	listener.Action = action

	if _, err := ensure(ctx, l.scope, topology.LogicalEdgeIngress, topology.PlanEdgeIngress(l.cfg, boundary), l.provider.AuthorizeIngress); err != nil {
		return topology.Listener{}, provisioningError(stage, topology.LogicalEdgeIngress, fmt.Errorf("failed to open port %d: %w", spec.Port, err))
	}
	return listener, nil
}
