package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/edgestack/internal/core/topology"
	"github.com/artpar/edgestack/internal/engine"
	"github.com/artpar/edgestack/internal/shell/provider"
	"github.com/artpar/edgestack/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess           = 0
	ExitConfigError       = 1
	ExitStateError        = 2
	ExitResolutionError   = 3
	ExitValidationError   = 4
	ExitProvisioningError = 5
)

// ExitCode maps a command error onto the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var storeErr *store.StoreError
	if errors.As(err, &storeErr) {
		return ExitStateError
	}

	switch {
	case topology.IsKind(err, topology.KindConfiguration):
		return ExitConfigError
	case topology.IsKind(err, topology.KindResolution):
		return ExitResolutionError
	case topology.IsKind(err, topology.KindValidation):
		return ExitValidationError
	case topology.IsKind(err, topology.KindProvisioning):
		return ExitProvisioningError
	}
	return ExitProvisioningError
}

// =============================================================================
// Commands
// =============================================================================

// CLI runs the subcommands against one loaded configuration.
type CLI struct {
	config *Config
	logger *slog.Logger
	out    io.Writer

	// newProvider is replaced in tests.
	newProvider func(ctx context.Context, opts provider.Options, logger *slog.Logger) (provider.Provider, error)
}

type planOutput struct {
	Deployment string           `yaml:"deployment"`
	Domain     string           `yaml:"domain"`
	Region     string           `yaml:"region"`
	Stages     []topology.Stage `yaml:"stages"`
	Calls      []provider.Event `yaml:"calls"`
}

// Plan runs the deployment against the in-memory provider and prints the
// provider calls in order. Nothing outside the process is touched.
func (c *CLI) Plan(ctx context.Context) error {
	cfg, err := c.config.Topology()
	if err != nil {
		return err
	}
	cfg = cfg.WithDefaults()

	ledger, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		return err
	}
	defer ledger.Close()

	mem := provider.NewMemory(cfg.Region, cfg.Domain)
	result, err := engine.NewComposer(mem, ledger, nil, c.logger).Deploy(ctx, cfg)
	if err != nil {
		return err
	}

	return c.write(planOutput{
		Deployment: cfg.Name,
		Domain:     cfg.Domain,
		Region:     cfg.Region,
		Stages:     result.Stages,
		Calls:      mem.Events(),
	})
}

type applyOutput struct {
	RunID        string           `yaml:"run_id"`
	Deployment   string           `yaml:"deployment"`
	URL          string           `yaml:"url"`
	LoadBalancer string           `yaml:"load_balancer"`
	Certificate  string           `yaml:"certificate,omitempty"`
	AuthDomain   string           `yaml:"auth_domain,omitempty"`
	Stages       []topology.Stage `yaml:"stages"`
}

// Apply builds the deployment with the configured provider. Resources and
// runs are recorded in the state store so a re-run resumes where the last
// one stopped.
func (c *CLI) Apply(ctx context.Context) error {
	cfg, err := c.config.Topology()
	if err != nil {
		return err
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := openStore(c.config.State.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	newProvider := c.newProvider
	if newProvider == nil {
		newProvider = provider.NewProvider
	}
	p, err := newProvider(ctx, c.config.ProviderOptions(), c.logger)
	if err != nil {
		return topology.ConfigurationError(err)
	}

	result, err := engine.NewComposer(p, st, st, c.logger).Deploy(ctx, cfg)
	if err != nil {
		c.logger.Error("deployment halted",
			"run_id", result.RunID,
			"stage", topology.FailedStep(err),
		)
		return err
	}

	scheme := "https"
	if cfg.Plaintext {
		scheme = "http"
	}
	out := applyOutput{
		RunID:        result.RunID,
		Deployment:   cfg.Name,
		URL:          fmt.Sprintf("%s://%s", scheme, cfg.Domain),
		LoadBalancer: result.Edge.LoadBalancer.DNSName,
		Stages:       result.Stages,
	}
	if result.Edge.Certificate != nil {
		out.Certificate = result.Edge.Certificate.ARN
	}
	if result.Edge.Gate != nil {
		out.AuthDomain = result.Edge.Gate.DomainPrefix
	}
	return c.write(out)
}

type statusResource struct {
	LogicalID   string    `yaml:"logical_id"`
	Kind        string    `yaml:"kind"`
	Fingerprint string    `yaml:"fingerprint"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

type statusRun struct {
	ID         string     `yaml:"id"`
	Deployment string     `yaml:"deployment"`
	Status     string     `yaml:"status"`
	Stage      string     `yaml:"stage"`
	Error      string     `yaml:"error,omitempty"`
	StartedAt  time.Time  `yaml:"started_at"`
	FinishedAt *time.Time `yaml:"finished_at,omitempty"`
}

type statusOutput struct {
	Deployment string           `yaml:"deployment"`
	Resources  []statusResource `yaml:"resources"`
	Runs       []statusRun      `yaml:"runs"`
}

// Status prints the resources and recent runs recorded for the deployment.
// With a run ID it prints only that run.
func (c *CLI) Status(ctx context.Context, runID string) error {
	st, err := openStore(c.config.State.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if runID != "" {
		run, err := st.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return c.write(toStatusRun(*run))
	}

	name := c.config.Deployment.Name
	resources, err := st.ListResources(ctx, name)
	if err != nil {
		return err
	}
	runs, err := st.ListRuns(ctx, name, store.DefaultListOptions())
	if err != nil {
		return err
	}

	out := statusOutput{Deployment: name}
	for _, r := range resources {
		out.Resources = append(out.Resources, statusResource{
			LogicalID:   r.LogicalID,
			Kind:        r.Kind,
			Fingerprint: r.Fingerprint,
			UpdatedAt:   r.UpdatedAt,
		})
	}
	for _, r := range runs {
		out.Runs = append(out.Runs, toStatusRun(r))
	}
	return c.write(out)
}

func toStatusRun(r store.Run) statusRun {
	return statusRun{
		ID:         r.ID,
		Deployment: r.Deployment,
		Status:     string(r.Status),
		Stage:      r.Stage,
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

func (c *CLI) write(v any) error {
	enc := yaml.NewEncoder(c.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return enc.Close()
}

// openStore opens the state store, creating its directory when needed.
func openStore(dsn string) (*store.SQLiteStore, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, store.NewStoreError("openStore", "", "", store.ErrConnectionFailed, err)
		}
	}
	return store.NewSQLiteStore(dsn)
}
