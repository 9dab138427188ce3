package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/edgestack/internal/core/topology"
	"github.com/artpar/edgestack/internal/shell/provider"
	"github.com/artpar/edgestack/internal/shell/store"
)

// =============================================================================
// Test Fakes
// =============================================================================

type memJournal struct {
	mu     sync.Mutex
	runs   map[string]store.Run
	stages []string

	failAt  string        // stage whose update fails while the run is open
	reached func(string) // called for every stage update
}

func newMemJournal() *memJournal {
	return &memJournal{runs: make(map[string]store.Run)}
}

func (j *memJournal) CreateRun(ctx context.Context, run *store.Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs[run.ID] = *run
	return nil
}

func (j *memJournal) UpdateRun(ctx context.Context, run *store.Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.runs[run.ID]; !ok {
		return store.ErrNotFound
	}
	if run.Status == store.RunStatusRunning {
		if j.reached != nil {
			j.reached(run.Stage)
		}
		if run.Stage == j.failAt {
			return store.NewStoreError("UpdateRun", "run", run.ID, store.ErrConnectionFailed, errors.New("database is locked"))
		}
	}
	j.runs[run.ID] = *run
	if n := len(j.stages); n == 0 || j.stages[n-1] != run.Stage {
		j.stages = append(j.stages, run.Stage)
	}
	return nil
}

func (j *memJournal) run(id string) store.Run {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs[id]
}

func gatedConfig() topology.Config {
	cfg := testConfig()
	cfg.AuthGate = true
	return cfg
}

// =============================================================================
// Deploy Tests
// =============================================================================

func TestDeploy_Forward(t *testing.T) {
	m := newTestProvider()

	result, err := NewComposer(m, nil, nil, nil).Deploy(context.Background(), testConfig())
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, []topology.Stage{
		topology.StageNetworkReady,
		topology.StageComputeReady,
		topology.StageZoneResolved,
		topology.StageCertificateValidated,
		topology.StageSecurityChained,
		topology.StageLoadBalancerReady,
		topology.StageRoutingTargetReady,
		topology.StageListenerReady,
		topology.StageDNSBound,
	}, result.Stages)

	// One listener on 443 with one certificate forwarding to one target.
	listeners := m.Listeners()
	require.Len(t, listeners, 1)
	assert.Equal(t, 443, listeners[0].Port)
	assert.Equal(t, "HTTPS", listeners[0].Protocol)
	assert.Len(t, listeners[0].CertificateARNs, 1)
	require.Len(t, listeners[0].Actions, 1)
	assert.Equal(t, topology.ActionTypeForward, listeners[0].Actions[0].Type)
	assert.Equal(t, result.Edge.Target.ARN, listeners[0].Actions[0].TargetGroupARN)
	assert.Len(t, result.Edge.Target.Targets, 1)

	assert.Nil(t, result.Edge.Gate)
	assert.Zero(t, m.Count(provider.OpCreateIdentityPool))
	assert.Zero(t, m.Count(provider.OpCreateIdentityClient))
	assert.Zero(t, m.Count(provider.OpCreateIdentityDomain))
}

func TestDeploy_LayerOrder(t *testing.T) {
	m := newTestProvider()

	_, err := NewComposer(m, nil, nil, nil).Deploy(context.Background(), testConfig())
	require.NoError(t, err)

	assert.Less(t, m.Index(provider.OpCreateNetwork), m.Index(provider.OpCreateCluster))
	assert.Less(t, m.Index(provider.OpCreateService), m.Index(provider.OpLookupZone))
	assert.Less(t, m.Index(provider.OpLookupZone), m.Index(provider.OpRequestCertificate))
	assert.Less(t, m.Index(provider.OpWaitForValidation), m.Index(provider.OpCreateLoadBalancer))
	assert.Less(t, m.Index(provider.OpCreateLoadBalancer), m.Index(provider.OpCreateTargetGroup))
	assert.Less(t, m.Index(provider.OpRegisterTarget), m.Index(provider.OpCreateListener))
	assert.Less(t, m.Index(provider.OpCreateListener), m.Index(provider.OpUpsertAlias))
}

func TestDeploy_SingleServiceIngressFromEdge(t *testing.T) {
	m := newTestProvider()

	result, err := NewComposer(m, nil, nil, nil).Deploy(context.Background(), testConfig())
	require.NoError(t, err)

	rules := m.Rules(result.Service.Boundary.ID)
	require.Len(t, rules, 1)
	assert.Equal(t, result.Edge.Boundary.ID, rules[0].SourceBoundaryID)
	assert.Empty(t, rules[0].SourceCIDR)
	assert.Equal(t, 80, rules[0].Port)

	assert.Equal(t, rules, result.ServiceIngress)
	assert.Equal(t, result.Edge.Boundary.ID, result.Edge.LoadBalancer.Boundary.ID)
}

func TestDeploy_AuthGate(t *testing.T) {
	m := newTestProvider()

	result, err := NewComposer(m, nil, nil, nil).Deploy(context.Background(), gatedConfig())
	require.NoError(t, err)

	require.NotNil(t, result.Edge.Gate)
	gate := result.Edge.Gate
	assert.True(t, gate.IsConfigured())
	assert.Equal(t, "example-com-auth", gate.DomainPrefix)
	assert.Equal(t, "https://example.com/oauth2/idpresponse", gate.CallbackURL)

	client, ok := m.Clients()[gate.ClientID]
	require.True(t, ok)
	assert.Equal(t, []string{"https://example.com/oauth2/idpresponse"}, client.CallbackURLs)
	assert.True(t, client.GenerateSecret)
	assert.Equal(t, 1, client.RefreshTokenDays)

	listeners := m.Listeners()
	require.Len(t, listeners, 1)
	require.Len(t, listeners[0].Actions, 2)
	assert.Equal(t, topology.ActionTypeAuthenticate, listeners[0].Actions[0].Type)
	assert.Equal(t, gate.PoolARN, listeners[0].Actions[0].UserPoolARN)
	assert.Equal(t, gate.ClientID, listeners[0].Actions[0].ClientID)
	assert.Equal(t, topology.ActionTypeForward, listeners[0].Actions[1].Type)
	assert.Equal(t, result.Edge.Target.ARN, listeners[0].Actions[1].TargetGroupARN)
	assert.Equal(t, topology.ActionAuthenticateThenForward, result.Edge.Listener.Action.Kind())

	// The gate is complete before the listener references it.
	assert.Less(t, m.Index(provider.OpCreateIdentityClient), m.Index(provider.OpCreateListener))
	assert.Less(t, m.Index(provider.OpCreateIdentityDomain), m.Index(provider.OpCreateListener))
	assert.Contains(t, result.Stages, topology.StageIdentityGateReady)
}

func TestDeploy_Plaintext(t *testing.T) {
	m := newTestProvider()
	cfg := testConfig()
	cfg.Plaintext = true

	result, err := NewComposer(m, nil, nil, nil).Deploy(context.Background(), cfg)
	require.NoError(t, err)

	assert.Nil(t, result.Edge.Certificate)
	assert.Zero(t, m.Count(provider.OpRequestCertificate))
	assert.Equal(t, 80, result.Edge.Listener.Port)
	assert.Equal(t, "HTTP", result.Edge.Listener.Protocol)
	assert.NotContains(t, result.Stages, topology.StageCertificateValidated)
	assert.Equal(t, topology.StageDNSBound, result.Stages[len(result.Stages)-1])
}

// =============================================================================
// Failure Tests
// =============================================================================

func TestDeploy_ConfigErrorBeforeProviderCalls(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*topology.Config)
		wantErr error
	}{
		{"negative replicas", func(c *topology.Config) { c.Compute.Replicas = -1 }, topology.ErrInvalidReplicas},
		{"zero replicas", func(c *topology.Config) { c.Compute.Replicas = 0 }, topology.ErrInvalidReplicas},
		{"zero validation timeout", func(c *topology.Config) { c.ValidationTimeout = 0 }, topology.ErrInvalidValidationWindow},
		{"zero service port", func(c *topology.Config) { c.Compute.ServicePort = 0; c.Compute.Container.Port = 0 }, topology.ErrInvalidServicePort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestProvider()
			journal := newMemJournal()
			cfg := testConfig()
			tt.mutate(&cfg)

			_, err := NewComposer(m, nil, journal, nil).Deploy(context.Background(), cfg)
			require.Error(t, err)
			assert.True(t, topology.IsKind(err, topology.KindConfiguration))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, m.Events())
			assert.Empty(t, journal.runs)
		})
	}
}

func TestDeploy_ZoneNotFound(t *testing.T) {
	m := provider.NewMemory("eu-central-1", "other.org")

	result, err := NewComposer(m, nil, nil, nil).Deploy(context.Background(), testConfig())
	require.Error(t, err)
	assert.True(t, topology.IsKind(err, topology.KindResolution))
	assert.Equal(t, topology.StageZoneResolved, topology.FailedStep(err))
	assert.ErrorIs(t, err, provider.ErrZoneNotFound)

	assert.Zero(t, m.Count(provider.OpCreateLoadBalancer))
	assert.Equal(t, topology.StageComputeReady, result.Stages[len(result.Stages)-1])
	assert.NotEmpty(t, result.Service.ServiceARN)
}

func TestDeploy_ValidationTimeout(t *testing.T) {
	m := newTestProvider()
	m.FailOn(provider.OpWaitForValidation, provider.ErrValidationTimeout)

	_, err := NewComposer(m, nil, nil, nil).Deploy(context.Background(), testConfig())
	require.Error(t, err)
	assert.True(t, topology.IsKind(err, topology.KindValidation))
	assert.Equal(t, topology.StageCertificateValidated, topology.FailedStep(err))
	assert.ErrorIs(t, err, provider.ErrValidationTimeout)
	assert.Equal(t, 1, m.Count(provider.OpCreateBoundary), "only the service boundary")
}

func TestDeploy_ProvisioningFailure(t *testing.T) {
	tests := []struct {
		name     string
		op       string
		wantStep topology.Stage
	}{
		{"network", provider.OpCreateNetwork, topology.StageNetworkReady},
		{"service", provider.OpCreateService, topology.StageComputeReady},
		{"load balancer", provider.OpCreateLoadBalancer, topology.StageLoadBalancerReady},
		{"target group", provider.OpCreateTargetGroup, topology.StageRoutingTargetReady},
		{"listener", provider.OpCreateListener, topology.StageListenerReady},
		{"alias", provider.OpUpsertAlias, topology.StageDNSBound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestProvider()
			boom := errors.New("service unavailable")
			m.FailOn(tt.op, boom)

			_, err := NewComposer(m, nil, nil, nil).Deploy(context.Background(), testConfig())
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)
			assert.True(t, topology.IsKind(err, topology.KindProvisioning))
			assert.Equal(t, tt.wantStep, topology.FailedStep(err))
		})
	}
}

func TestDeploy_ListenerFailureLeavesNameUnbound(t *testing.T) {
	m := newTestProvider()
	m.FailOn(provider.OpCreateListener, errors.New("throttled"))

	result, err := NewComposer(m, nil, nil, nil).Deploy(context.Background(), gatedConfig())
	require.Error(t, err)
	assert.Zero(t, m.Count(provider.OpUpsertAlias))
	assert.Empty(t, result.Edge.Binding.Name)
	assert.Equal(t, topology.StageIdentityGateReady, result.Stages[len(result.Stages)-1])
}

func TestDeploy_GateFailureStopsBeforeListener(t *testing.T) {
	m := newTestProvider()
	m.FailOn(provider.OpCreateIdentityDomain, errors.New("prefix reserved"))

	_, err := NewComposer(m, nil, nil, nil).Deploy(context.Background(), gatedConfig())
	require.Error(t, err)
	assert.Equal(t, topology.StageIdentityGateReady, topology.FailedStep(err))
	assert.Zero(t, m.Count(provider.OpCreateListener))
}

func TestDeploy_CancelledContext(t *testing.T) {
	m := newTestProvider()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewComposer(m, nil, nil, nil).Deploy(ctx, testConfig())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, m.Count(provider.OpCreateCluster))
}

func TestDeploy_CancelledBetweenLayers(t *testing.T) {
	m := newTestProvider()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	journal := newMemJournal()
	journal.reached = func(stage string) {
		if stage == string(topology.StageNetworkReady) {
			cancel()
		}
	}

	_, err := NewComposer(m, nil, journal, nil).Deploy(ctx, testConfig())
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, topology.IsKind(err, topology.KindProvisioning))
	assert.Equal(t, topology.StageComputeReady, topology.FailedStep(err))
	assert.Zero(t, m.Count(provider.OpCreateCluster))
}

func TestDeploy_JournalFailureNamesStage(t *testing.T) {
	tests := []struct {
		name  string
		stage topology.Stage
	}{
		{"composer stage", topology.StageComputeReady},
		{"edge stage", topology.StageLoadBalancerReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestProvider()
			journal := newMemJournal()
			journal.failAt = string(tt.stage)

			_, err := NewComposer(m, nil, journal, nil).Deploy(context.Background(), testConfig())
			require.Error(t, err)
			assert.ErrorIs(t, err, store.ErrConnectionFailed)
			assert.Equal(t, tt.stage, topology.FailedStep(err))

			var storeErr *store.StoreError
			assert.ErrorAs(t, err, &storeErr)
			assert.Zero(t, m.Count(provider.OpCreateListener))
		})
	}
}

// =============================================================================
// Idempotence Tests
// =============================================================================

func TestDeploy_RerunSkipsUnchangedResources(t *testing.T) {
	m := newTestProvider()
	ledger := newMemLedger()
	cfg := gatedConfig()

	first, err := NewComposer(m, ledger, nil, nil).Deploy(context.Background(), cfg)
	require.NoError(t, err)
	second, err := NewComposer(m, ledger, nil, nil).Deploy(context.Background(), cfg)
	require.NoError(t, err)

	for _, op := range []string{
		provider.OpCreateNetwork,
		provider.OpCreateCluster,
		provider.OpRegisterTask,
		provider.OpCreateService,
		provider.OpRequestCertificate,
		provider.OpCreateLoadBalancer,
		provider.OpCreateTargetGroup,
		provider.OpRegisterTarget,
		provider.OpCreateIdentityPool,
		provider.OpCreateIdentityClient,
		provider.OpCreateIdentityDomain,
		provider.OpCreateListener,
		provider.OpUpsertAlias,
	} {
		assert.Equal(t, 1, m.Count(op), op)
	}
	assert.Len(t, m.Rules(first.Service.Boundary.ID), 1)

	assert.Equal(t, first.Edge.LoadBalancer, second.Edge.LoadBalancer)
	assert.Equal(t, first.Edge.Binding, second.Edge.Binding)
	assert.Equal(t, first.Edge.Listener.ARN, second.Edge.Listener.ARN)
	assert.Equal(t, topology.ActionAuthenticateThenForward, second.Edge.Listener.Action.Kind())
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestDeploy_RerunReissuesChangedDescriptor(t *testing.T) {
	m := newTestProvider()
	ledger := newMemLedger()
	cfg := testConfig()

	_, err := NewComposer(m, ledger, nil, nil).Deploy(context.Background(), cfg)
	require.NoError(t, err)

	cfg.Compute.Replicas = 3
	_, err = NewComposer(m, ledger, nil, nil).Deploy(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 2, m.Count(provider.OpCreateService))
	assert.Equal(t, 1, m.Count(provider.OpCreateTargetGroup))
	assert.Equal(t, 1, m.Count(provider.OpCreateListener))
}

func TestDeploy_ResumesAfterFailure(t *testing.T) {
	m := newTestProvider()
	ledger := newMemLedger()
	m.FailOn(provider.OpCreateListener, errors.New("throttled"))

	_, err := NewComposer(m, ledger, nil, nil).Deploy(context.Background(), testConfig())
	require.Error(t, err)

	m.FailOn(provider.OpCreateListener, nil)
	result, err := NewComposer(m, ledger, nil, nil).Deploy(context.Background(), testConfig())
	require.NoError(t, err)

	assert.Equal(t, 1, m.Count(provider.OpCreateLoadBalancer))
	assert.Equal(t, 1, m.Count(provider.OpCreateListener))
	assert.Equal(t, "example.com", result.Edge.Binding.Name)
}

// =============================================================================
// Journal Tests
// =============================================================================

func TestDeploy_JournalRecordsRun(t *testing.T) {
	journal := newMemJournal()

	result, err := NewComposer(newTestProvider(), nil, journal, nil).Deploy(context.Background(), testConfig())
	require.NoError(t, err)

	run := journal.run(result.RunID)
	assert.Equal(t, topology.DefaultName, run.Deployment)
	assert.Equal(t, store.RunStatusSucceeded, run.Status)
	assert.Equal(t, string(topology.StageDNSBound), run.Stage)
	assert.Empty(t, run.Error)
	require.NotNil(t, run.FinishedAt)

	assert.Equal(t, []string{
		"network_ready",
		"compute_ready",
		"zone_resolved",
		"certificate_validated",
		"security_chained",
		"load_balancer_ready",
		"routing_target_ready",
		"listener_ready",
		"dns_bound",
	}, journal.stages)
}

func TestDeploy_JournalRecordsFailure(t *testing.T) {
	m := newTestProvider()
	m.FailOn(provider.OpWaitForValidation, provider.ErrValidationTimeout)
	journal := newMemJournal()

	result, err := NewComposer(m, nil, journal, nil).Deploy(context.Background(), testConfig())
	require.Error(t, err)

	run := journal.run(result.RunID)
	assert.Equal(t, store.RunStatusFailed, run.Status)
	assert.Equal(t, string(topology.StageZoneResolved), run.Stage)
	assert.Contains(t, run.Error, "certificate validation timed out")
}

func TestDeploy_WithSQLiteStore(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	m := newTestProvider()

	result, err := NewComposer(m, s, s, nil).Deploy(ctx, gatedConfig())
	require.NoError(t, err)

	run, err := s.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSucceeded, run.Status)
	assert.Equal(t, string(topology.StageDNSBound), run.Stage)

	listener, err := s.GetResource(ctx, topology.DefaultName, topology.LogicalListener)
	require.NoError(t, err)
	assert.Equal(t, "topology.ListenerSpec", listener.Kind)

	_, err = NewComposer(m, s, s, nil).Deploy(ctx, gatedConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count(provider.OpCreateListener))

	runs, err := s.ListRuns(ctx, topology.DefaultName, store.DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
