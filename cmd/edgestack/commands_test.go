package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/artpar/edgestack/internal/core/topology"
	"github.com/artpar/edgestack/internal/shell/provider"
	"github.com/artpar/edgestack/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

func testCLI(t *testing.T, mem *provider.Memory) (*CLI, *bytes.Buffer) {
	t.Helper()
	clearEnv(t)
	out := &bytes.Buffer{}
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Deployment.Domain = "example.com"
	cfg.State.DSN = filepath.Join(t.TempDir(), "state", "edgestack.db")
	cli := &CLI{
		config: cfg,
		logger: slog.Default(),
		out:    out,
		newProvider: func(ctx context.Context, opts provider.Options, logger *slog.Logger) (provider.Provider, error) {
			return mem, nil
		},
	}
	return cli, out
}

// =============================================================================
// Exit Code Tests
// =============================================================================

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"configuration", topology.ConfigurationError(topology.ErrDomainRequired), ExitConfigError},
		{"resolution", topology.NewStepError(topology.KindResolution, topology.StageZoneResolved, "", provider.ErrZoneNotFound), ExitResolutionError},
		{"validation", topology.NewStepError(topology.KindValidation, topology.StageCertificateValidated, "", provider.ErrValidationTimeout), ExitValidationError},
		{"provisioning", topology.NewStepError(topology.KindProvisioning, topology.StageListenerReady, "listener", errors.New("boom")), ExitProvisioningError},
		{"store", store.NewStoreError("NewSQLiteStore", "", "", store.ErrConnectionFailed, errors.New("unable to open database file")), ExitStateError},
		{"unknown", errors.New("boom"), ExitProvisioningError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

// =============================================================================
// Command Tests
// =============================================================================

func TestRun_Version(t *testing.T) {
	var out, errOut bytes.Buffer

	code := run([]string{"-version"}, &out, &errOut)
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out.String(), "edgestack dev")
}

func TestRun_UnknownCommand(t *testing.T) {
	clearEnv(t)
	var out, errOut bytes.Buffer

	code := run([]string{"destroy"}, &out, &errOut)
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, errOut.String(), `unknown command "destroy"`)
}

func TestRun_MissingCommand(t *testing.T) {
	var out, errOut bytes.Buffer

	code := run(nil, &out, &errOut)
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, errOut.String(), "usage:")
}

func TestRun_PlanPrintsCalls(t *testing.T) {
	clearEnv(t)
	t.Setenv("EDGESTACK_DEPLOYMENT_DOMAIN", "example.com")
	t.Setenv("EDGESTACK_LOG_LEVEL", "error")
	var out, errOut bytes.Buffer

	code := run([]string{"plan"}, &out, &errOut)
	require.Equal(t, ExitSuccess, code, errOut.String())

	var plan planOutput
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &plan))
	assert.Equal(t, "example.com", plan.Domain)
	require.NotEmpty(t, plan.Calls)
	assert.Equal(t, provider.OpCreateNetwork, plan.Calls[0].Op)
	assert.Equal(t, provider.OpUpsertAlias, plan.Calls[len(plan.Calls)-1].Op)
	assert.Equal(t, topology.StageDNSBound, plan.Stages[len(plan.Stages)-1])
}

func TestRun_PlanWithoutDomain(t *testing.T) {
	clearEnv(t)
	t.Setenv("EDGESTACK_LOG_LEVEL", "error")
	var out, errOut bytes.Buffer

	code := run([]string{"plan"}, &out, &errOut)
	assert.Equal(t, ExitConfigError, code)
	assert.Empty(t, out.String())
}

func TestRun_PlanRejectsZeroSettings(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero replicas", "compute:\n  replicas: 0\n"},
		{"zero validation timeout", "edge:\n  validation_timeout: 0s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("EDGESTACK_DEPLOYMENT_DOMAIN", "example.com")
			t.Setenv("EDGESTACK_LOG_LEVEL", "error")
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			var out, errOut bytes.Buffer

			code := run([]string{"-config", path, "plan"}, &out, &errOut)
			assert.Equal(t, ExitConfigError, code)
			assert.Empty(t, out.String())
		})
	}
}

func TestCLI_ApplyRejectsZeroReplicas(t *testing.T) {
	mem := provider.NewMemory("eu-central-1", "example.com")
	cli, _ := testCLI(t, mem)
	cli.config.Compute.Replicas = 0

	err := cli.Apply(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, topology.ErrInvalidReplicas)
	assert.Equal(t, ExitConfigError, ExitCode(err))
	assert.Empty(t, mem.Events())
}

func TestCLI_ApplyThenStatus(t *testing.T) {
	mem := provider.NewMemory("eu-central-1", "example.com")
	cli, out := testCLI(t, mem)

	require.NoError(t, cli.Apply(context.Background()))

	var applied applyOutput
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &applied))
	assert.Equal(t, "https://example.com", applied.URL)
	assert.NotEmpty(t, applied.RunID)
	assert.NotEmpty(t, applied.LoadBalancer)
	assert.NotEmpty(t, applied.Certificate)

	out.Reset()
	require.NoError(t, cli.Status(context.Background(), ""))

	var status statusOutput
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &status))
	assert.Equal(t, topology.DefaultName, status.Deployment)
	assert.NotEmpty(t, status.Resources)
	require.Len(t, status.Runs, 1)
	assert.Equal(t, string(store.RunStatusSucceeded), status.Runs[0].Status)
	assert.Equal(t, string(topology.StageDNSBound), status.Runs[0].Stage)
}

func TestCLI_StatusSingleRun(t *testing.T) {
	mem := provider.NewMemory("eu-central-1", "example.com")
	cli, out := testCLI(t, mem)

	require.NoError(t, cli.Apply(context.Background()))
	var applied applyOutput
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &applied))

	out.Reset()
	require.NoError(t, cli.Status(context.Background(), applied.RunID))

	var got statusRun
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, applied.RunID, got.ID)
	assert.Equal(t, topology.DefaultName, got.Deployment)
	assert.Equal(t, string(store.RunStatusSucceeded), got.Status)
	assert.NotNil(t, got.FinishedAt)
}

func TestCLI_StatusUnknownRun(t *testing.T) {
	cli, _ := testCLI(t, nil)

	err := cli.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, ExitStateError, ExitCode(err))
}

func TestRun_StatusRejectsUnknownFlag(t *testing.T) {
	clearEnv(t)
	var out, errOut bytes.Buffer

	code := run([]string{"status", "-since", "1h"}, &out, &errOut)
	assert.Equal(t, ExitConfigError, code)
}

func TestCLI_ApplyRerunSkipsProvider(t *testing.T) {
	mem := provider.NewMemory("eu-central-1", "example.com")
	cli, _ := testCLI(t, mem)

	require.NoError(t, cli.Apply(context.Background()))
	require.NoError(t, cli.Apply(context.Background()))

	for _, op := range []string{
		provider.OpCreateNetwork,
		provider.OpCreateService,
		provider.OpRequestCertificate,
		provider.OpCreateLoadBalancer,
		provider.OpCreateListener,
		provider.OpUpsertAlias,
	} {
		assert.Equal(t, 1, mem.Count(op), op)
	}
}

func TestCLI_ApplyZoneNotFound(t *testing.T) {
	mem := provider.NewMemory("eu-central-1", "example.org")
	cli, _ := testCLI(t, mem)

	err := cli.Apply(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitResolutionError, ExitCode(err))
}

func TestCLI_ApplyProviderError(t *testing.T) {
	cli, _ := testCLI(t, nil)
	cli.newProvider = func(ctx context.Context, opts provider.Options, logger *slog.Logger) (provider.Provider, error) {
		return nil, provider.ErrAccountMismatch
	}

	err := cli.Apply(context.Background())
	assert.ErrorIs(t, err, provider.ErrAccountMismatch)
	assert.Equal(t, ExitConfigError, ExitCode(err))
}
