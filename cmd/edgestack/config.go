package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/edgestack/internal/core/compose"
	"github.com/artpar/edgestack/internal/core/topology"
	"github.com/artpar/edgestack/internal/shell/provider"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Deployment DeploymentConfig `mapstructure:"deployment"`
	Network    NetworkConfig    `mapstructure:"network"`
	Compute    ComputeConfig    `mapstructure:"compute"`
	Edge       EdgeConfig       `mapstructure:"edge"`
	Auth       AuthConfig       `mapstructure:"auth"`
	DNS        DNSConfig        `mapstructure:"dns"`
	AWS        AWSConfig        `mapstructure:"aws"`
	State      StateConfig      `mapstructure:"state"`
	Log        LogConfig        `mapstructure:"log"`
}

// DeploymentConfig identifies the deployment and its target environment.
type DeploymentConfig struct {
	Name     string `mapstructure:"name"`
	Domain   string `mapstructure:"domain"`
	Account  string `mapstructure:"account"`
	Region   string `mapstructure:"region"`
	AuthGate bool   `mapstructure:"auth_gate"`
}

// NetworkConfig sizes the VPC.
type NetworkConfig struct {
	CIDR        string `mapstructure:"cidr"`
	MaxAZs      int    `mapstructure:"max_azs"`
	NATGateways int    `mapstructure:"nat_gateways"`
}

// ComputeConfig describes the service and its container.
type ComputeConfig struct {
	Replicas         int    `mapstructure:"replicas"`
	ServicePort      int    `mapstructure:"service_port"`
	ComposeFile      string `mapstructure:"compose_file"`
	ComposeService   string `mapstructure:"compose_service"` // required when the file defines several services
	Image            string `mapstructure:"image"`
	CPU              int    `mapstructure:"cpu"`
	MemoryMiB        int    `mapstructure:"memory_mib"`
	Architecture     string `mapstructure:"architecture"`
	LogStreamPrefix  string `mapstructure:"log_stream_prefix"`
	LogRetentionDays int    `mapstructure:"log_retention_days"`
	ExecutionRoleARN string `mapstructure:"execution_role_arn"`
}

// EdgeConfig configures the public entry point.
type EdgeConfig struct {
	TLS               bool          `mapstructure:"tls"`
	ValidationTimeout time.Duration `mapstructure:"validation_timeout"`
}

// AuthConfig configures the identity gate.
type AuthConfig struct {
	DomainPrefix     string `mapstructure:"domain_prefix"`
	RefreshTokenDays int    `mapstructure:"refresh_token_days"`
}

// DNSConfig selects the zone backend.
type DNSConfig struct {
	Provider           string `mapstructure:"provider"`
	CloudflareAPIToken string `mapstructure:"cloudflare_api_token"`
}

// AWSConfig holds optional credentials. The default credential chain is
// used when all are empty.
type AWSConfig struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Profile         string `mapstructure:"profile"`
}

// StateConfig holds state store configuration.
type StateConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("deployment.name", topology.DefaultName)
	v.SetDefault("deployment.domain", "")
	v.SetDefault("deployment.account", "")
	v.SetDefault("deployment.region", topology.DefaultRegion)
	v.SetDefault("deployment.auth_gate", false)

	v.SetDefault("network.cidr", topology.DefaultCIDR)
	v.SetDefault("network.max_azs", topology.DefaultMaxAZs)
	v.SetDefault("network.nat_gateways", topology.DefaultNATGateways)

	v.SetDefault("compute.replicas", topology.DefaultReplicas)
	v.SetDefault("compute.service_port", topology.ServicePort)
	v.SetDefault("compute.compose_file", "")
	v.SetDefault("compute.compose_service", "")
	v.SetDefault("compute.image", topology.DefaultImage)
	v.SetDefault("compute.cpu", topology.DefaultCPU)
	v.SetDefault("compute.memory_mib", topology.DefaultMemoryMiB)
	v.SetDefault("compute.architecture", topology.DefaultArchitecture)
	v.SetDefault("compute.log_stream_prefix", topology.DefaultLogStreamPrefix)
	v.SetDefault("compute.log_retention_days", topology.DefaultLogRetentionDays)
	v.SetDefault("compute.execution_role_arn", "")

	v.SetDefault("edge.tls", true)
	v.SetDefault("edge.validation_timeout", topology.DefaultValidationTimeout.String())

	v.SetDefault("auth.domain_prefix", "") // derived from the domain when empty
	v.SetDefault("auth.refresh_token_days", topology.DefaultRefreshTokenDays)

	v.SetDefault("dns.provider", provider.DNSRoute53)
	v.SetDefault("dns.cloudflare_api_token", "")

	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.profile", "")

	v.SetDefault("state.dsn", "./data/edgestack.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("EDGESTACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Conversion
// =============================================================================

// Topology converts the file configuration into the deployment configuration.
// When a compose file is set, its service supplies the container; the
// compute section fills whatever the file leaves out.
func (c *Config) Topology() (topology.Config, error) {
	container := topology.ContainerSpec{}
	if c.Compute.ComposeFile != "" {
		content, err := os.ReadFile(c.Compute.ComposeFile)
		if err != nil {
			return topology.Config{}, topology.ConfigurationError(fmt.Errorf("failed to read compose file: %w", err))
		}
		container, err = compose.ParseContainer(string(content), c.Compute.ComposeService)
		if err != nil {
			return topology.Config{}, topology.ConfigurationError(err)
		}
	}
	if container.Image == "" {
		container.Image = c.Compute.Image
	}
	if container.CPU == 0 {
		container.CPU = c.Compute.CPU
	}
	if container.MemoryMiB == 0 {
		container.MemoryMiB = c.Compute.MemoryMiB
	}
	if container.Architecture == "" {
		container.Architecture = c.Compute.Architecture
	}
	if container.LogStreamPrefix == "" {
		container.LogStreamPrefix = c.Compute.LogStreamPrefix
	}

	return topology.Config{
		Name:              c.Deployment.Name,
		Domain:            c.Deployment.Domain,
		Account:           c.Deployment.Account,
		Region:            c.Deployment.Region,
		AuthGate:          c.Deployment.AuthGate,
		Plaintext:         !c.Edge.TLS,
		ValidationTimeout: c.Edge.ValidationTimeout,
		Network: topology.NetworkConfig{
			CIDR:        c.Network.CIDR,
			MaxAZs:      c.Network.MaxAZs,
			NATGateways: c.Network.NATGateways,
		},
		Compute: topology.ComputeConfig{
			Replicas:         c.Compute.Replicas,
			ServicePort:      c.Compute.ServicePort,
			Container:        container,
			LogRetentionDays: c.Compute.LogRetentionDays,
			ExecutionRoleARN: c.Compute.ExecutionRoleARN,
		},
		Auth: topology.AuthConfig{
			DomainPrefix:     c.Auth.DomainPrefix,
			RefreshTokenDays: c.Auth.RefreshTokenDays,
		},
	}, nil
}

// ProviderOptions returns the options for the cloud provider factory.
func (c *Config) ProviderOptions() provider.Options {
	return provider.Options{
		Region:          c.Deployment.Region,
		Account:         c.Deployment.Account,
		AccessKeyID:     c.AWS.AccessKeyID,
		SecretAccessKey: c.AWS.SecretAccessKey,
		Profile:         c.AWS.Profile,
		DNS:             c.DNS.Provider,
		CloudflareToken: c.DNS.CloudflareAPIToken,
	}
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
// Logs go to stderr so plan output on stdout stays parseable.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
