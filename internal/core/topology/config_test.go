package topology

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// WithDefaults Tests
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(" Example.COM. ")

	assert.Equal(t, DefaultName, cfg.Name)
	assert.Equal(t, "example.com", cfg.Domain)
	assert.Equal(t, DefaultRegion, cfg.Region)
	assert.Equal(t, DefaultValidationTimeout, cfg.ValidationTimeout)
	assert.Equal(t, "10.0.0.0/16", cfg.Network.CIDR)
	assert.Equal(t, 2, cfg.Network.MaxAZs)
	assert.Equal(t, 1, cfg.Network.NATGateways)
	assert.Equal(t, 1, cfg.Compute.Replicas)
	assert.Equal(t, 80, cfg.Compute.ServicePort)
	assert.Equal(t, 80, cfg.Compute.Container.Port)
	assert.Equal(t, "nginx", cfg.Compute.Container.Image)
	assert.Equal(t, 256, cfg.Compute.Container.CPU)
	assert.Equal(t, 512, cfg.Compute.Container.MemoryMiB)
	assert.Equal(t, "ARM64", cfg.Compute.Container.Architecture)
	assert.Equal(t, "nginx", cfg.Compute.Container.LogStreamPrefix)
	assert.Equal(t, "example-com-auth", cfg.Auth.DomainPrefix)
	assert.Equal(t, 1, cfg.Auth.RefreshTokenDays)
	assert.False(t, cfg.Plaintext)
}

func TestConfigWithDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Name:              "Shop",
		Domain:            "shop.example.com",
		Region:            "us-east-1",
		AuthGate:          true,
		ValidationTimeout: time.Minute,
		Network:           NetworkConfig{MaxAZs: 2, NATGateways: 1},
		Compute: ComputeConfig{
			Replicas:    3,
			ServicePort: ServicePort,
			Container:   ContainerSpec{Image: "ghcr.io/acme/shop:1.2", Architecture: "x86_64", CPU: 512, MemoryMiB: 1024},
		},
		Auth: AuthConfig{DomainPrefix: "shop-login", RefreshTokenDays: 30},
	}.WithDefaults()

	assert.Equal(t, "Shop", cfg.Name)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, 3, cfg.Compute.Replicas)
	assert.Equal(t, "ghcr.io/acme/shop:1.2", cfg.Compute.Container.Image)
	assert.Equal(t, "X86_64", cfg.Compute.Container.Architecture)
	assert.Equal(t, "shop-login", cfg.Auth.DomainPrefix)
	assert.Equal(t, 80, cfg.Compute.Container.Port)
	require.NoError(t, cfg.Validate())
}

func TestConfigWithDefaults_LeavesNumericSettings(t *testing.T) {
	cfg := Config{Domain: "example.com"}.WithDefaults()

	assert.Equal(t, DefaultName, cfg.Name)
	assert.Zero(t, cfg.Compute.Replicas)
	assert.Zero(t, cfg.Compute.ServicePort)
	assert.Zero(t, cfg.ValidationTimeout)
	assert.Zero(t, cfg.Network.MaxAZs)
	assert.Zero(t, cfg.Compute.Container.CPU)

	err := cfg.Validate()
	assert.True(t, IsKind(err, KindConfiguration))
}

// =============================================================================
// Derived Values Tests
// =============================================================================

func TestConfigEdgePort(t *testing.T) {
	assert.Equal(t, 443, Config{}.EdgePort())
	assert.Equal(t, 80, Config{Plaintext: true}.EdgePort())
}

func TestConfigCallbackURL(t *testing.T) {
	cfg := DefaultConfig("example.com")
	assert.Equal(t, "https://example.com/oauth2/idpresponse", cfg.CallbackURL())
}

func TestDefaultDomainPrefix(t *testing.T) {
	assert.Equal(t, "example-com-auth", DefaultDomainPrefix("example.com"))
	assert.Equal(t, "app-example-com-auth", DefaultDomainPrefix("App.Example.com"))

	long := DefaultDomainPrefix(strings.Repeat("a", 70) + ".example.com")
	assert.LessOrEqual(t, len(long), 63)
	assert.True(t, strings.HasSuffix(long, "-auth"))
	assert.Regexp(t, domainPrefixRegex, long)
}

// =============================================================================
// Validate Tests
// =============================================================================

func validConfig() Config {
	cfg := DefaultConfig("example.com")
	cfg.Account = "241314003741"
	return cfg
}

func TestConfigValidate_Valid(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	gated := validConfig()
	gated.AuthGate = true
	require.NoError(t, gated.Validate())

	plain := validConfig()
	plain.Plaintext = true
	require.NoError(t, plain.Validate())
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"missing name", func(c *Config) { c.Name = "" }, ErrNameRequired},
		{"missing domain", func(c *Config) { c.Domain = "" }, ErrDomainRequired},
		{"invalid domain", func(c *Config) { c.Domain = "not a domain" }, ErrInvalidDomain},
		{"short account", func(c *Config) { c.Account = "1234" }, ErrInvalidAccount},
		{"missing region", func(c *Config) { c.Region = "" }, ErrRegionRequired},
		{"zero validation timeout", func(c *Config) { c.ValidationTimeout = 0 }, ErrInvalidValidationWindow},
		{"negative validation timeout", func(c *Config) { c.ValidationTimeout = -time.Second }, ErrInvalidValidationWindow},
		{"bad cidr", func(c *Config) { c.Network.CIDR = "10.0.0.0" }, ErrInvalidCIDR},
		{"ipv6 cidr", func(c *Config) { c.Network.CIDR = "fd00::/48" }, ErrInvalidCIDR},
		{"cidr too small", func(c *Config) { c.Network.CIDR = "10.0.0.0/26" }, ErrInvalidCIDR},
		{"no azs", func(c *Config) { c.Network.MaxAZs = 0 }, ErrInvalidMaxAZs},
		{"too many azs", func(c *Config) { c.Network.MaxAZs = 9 }, ErrInvalidMaxAZs},
		{"no nat gateway", func(c *Config) { c.Network.NATGateways = 0 }, ErrInvalidNATGateways},
		{"more nat gateways than azs", func(c *Config) { c.Network.NATGateways = 3 }, ErrInvalidNATGateways},
		{"zero replicas", func(c *Config) { c.Compute.Replicas = 0 }, ErrInvalidReplicas},
		{"zero service port", func(c *Config) { c.Compute.ServicePort = 0 }, ErrInvalidServicePort},
		{"wrong service port", func(c *Config) { c.Compute.ServicePort = 8080 }, ErrInvalidServicePort},
		{"wrong container port", func(c *Config) { c.Compute.Container.Port = 8080 }, ErrInvalidServicePort},
		{"missing image", func(c *Config) { c.Compute.Container.Image = "" }, ErrImageRequired},
		{"zero cpu", func(c *Config) { c.Compute.Container.CPU = 0 }, ErrInvalidTaskSize},
		{"bad architecture", func(c *Config) { c.Compute.Container.Architecture = "MIPS" }, ErrInvalidArchitecture},
		{"auth without tls", func(c *Config) { c.AuthGate = true; c.Plaintext = true }, ErrAuthGateRequiresTLS},
		{"bad prefix", func(c *Config) { c.AuthGate = true; c.Auth.DomainPrefix = "Bad_Prefix" }, ErrInvalidDomainPrefix},
		{"zero refresh", func(c *Config) { c.AuthGate = true; c.Auth.RefreshTokenDays = 0 }, ErrInvalidRefreshToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsKind(err, KindConfiguration))
			assert.Equal(t, StageUninitialized, FailedStep(err))
		})
	}
}

func TestConfigValidate_AuthFieldsIgnoredWhenGateDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.DomainPrefix = "Not Valid"
	cfg.Auth.RefreshTokenDays = -1
	assert.NoError(t, cfg.Validate())
}
