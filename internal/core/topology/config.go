package topology

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/artpar/edgestack/internal/core/dns"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	DefaultName              = "SecureScalableNginx"
	DefaultRegion            = "eu-central-1"
	DefaultCIDR              = "10.0.0.0/16"
	DefaultMaxAZs            = 2
	MaxAZs                   = 8
	DefaultNATGateways       = 1
	DefaultReplicas          = 1
	ServicePort              = 80
	TLSPort                  = 443
	PlainPort                = 80
	DefaultImage             = "nginx"
	DefaultContainerName     = "NginxContainer"
	DefaultCPU               = 256
	DefaultMemoryMiB         = 512
	DefaultArchitecture      = "ARM64"
	DefaultLogStreamPrefix   = "nginx"
	DefaultLogRetentionDays  = 7
	DefaultRefreshTokenDays  = 1
	DefaultValidationTimeout = 10 * time.Minute

	// CallbackPath is the fixed path the identity provider redirects to.
	CallbackPath = "/oauth2/idpresponse"
)

// =============================================================================
// Config Types
// =============================================================================

// Config is the deployment-wide configuration consumed by every layer.
type Config struct {
	Name     string // deployment-scoped name prefix
	Domain   string
	Account  string // optional; 12 digits when set
	Region   string
	AuthGate bool

	// Plaintext disables certificate issuance; the edge listens on port 80.
	Plaintext bool

	// ValidationTimeout bounds the wait for certificate DNS validation.
	ValidationTimeout time.Duration

	Network NetworkConfig
	Compute ComputeConfig
	Auth    AuthConfig
}

// NetworkConfig sizes the isolated network.
type NetworkConfig struct {
	CIDR        string
	MaxAZs      int
	NATGateways int
}

// ComputeConfig describes the clustered service.
type ComputeConfig struct {
	Replicas         int
	ServicePort      int
	Container        ContainerSpec
	LogRetentionDays int
	ExecutionRoleARN string // created by the compute layer when empty
}

// ContainerSpec describes the single container run by the service task.
type ContainerSpec struct {
	Name            string
	Image           string
	Port            int
	CPU             int // task CPU units
	MemoryMiB       int
	Architecture    string // ARM64 or X86_64
	Environment     map[string]string
	LogStreamPrefix string
}

// AuthConfig configures the identity gate.
type AuthConfig struct {
	DomainPrefix     string
	RefreshTokenDays int
}

// =============================================================================
// Defaults and Derived Values
// =============================================================================

// DefaultConfig returns a configuration for domain with every setting at
// its default value.
func DefaultConfig(domain string) Config {
	return Config{
		Domain:            domain,
		ValidationTimeout: DefaultValidationTimeout,
		Network: NetworkConfig{
			MaxAZs:      DefaultMaxAZs,
			NATGateways: DefaultNATGateways,
		},
		Compute: ComputeConfig{
			Replicas:    DefaultReplicas,
			ServicePort: ServicePort,
			Container: ContainerSpec{
				CPU:       DefaultCPU,
				MemoryMiB: DefaultMemoryMiB,
			},
		},
		Auth: AuthConfig{RefreshTokenDays: DefaultRefreshTokenDays},
	}.WithDefaults()
}

// WithDefaults returns a copy of c with empty names and derived values
// filled in. Numeric settings are left as given: a zero replica count,
// port, task size or timeout is rejected by Validate rather than replaced.
func (c Config) WithDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	c.Domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(c.Domain)), ".")
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.Network.CIDR == "" {
		c.Network.CIDR = DefaultCIDR
	}
	if c.Compute.LogRetentionDays == 0 {
		c.Compute.LogRetentionDays = DefaultLogRetentionDays
	}

	ct := &c.Compute.Container
	if ct.Name == "" {
		ct.Name = DefaultContainerName
	}
	if ct.Image == "" {
		ct.Image = DefaultImage
	}
	if ct.Port == 0 {
		ct.Port = c.Compute.ServicePort
	}
	if ct.Architecture == "" {
		ct.Architecture = DefaultArchitecture
	}
	ct.Architecture = strings.ToUpper(ct.Architecture)
	if ct.LogStreamPrefix == "" {
		ct.LogStreamPrefix = DefaultLogStreamPrefix
	}

	if c.Auth.DomainPrefix == "" && c.Domain != "" {
		c.Auth.DomainPrefix = DefaultDomainPrefix(c.Domain)
	}
	return c
}

// EdgePort returns the listener port: 443 when a certificate is issued, 80 otherwise.
func (c Config) EdgePort() int {
	if c.Plaintext {
		return PlainPort
	}
	return TLSPort
}

// CallbackURL returns the only redirect URL an identity client may register.
func (c Config) CallbackURL() string {
	return fmt.Sprintf("https://%s%s", c.Domain, CallbackPath)
}

var nonPrefixChars = regexp.MustCompile(`[^a-z0-9]+`)

// DefaultDomainPrefix derives the hosted authentication domain prefix from
// the public domain.
//
//	DefaultDomainPrefix("app.example.com") // "app-example-com-auth"
func DefaultDomainPrefix(domain string) string {
	base := nonPrefixChars.ReplaceAllString(strings.ToLower(domain), "-")
	base = strings.Trim(base, "-")
	const suffix = "-auth"
	if len(base) > 63-len(suffix) {
		base = strings.TrimRight(base[:63-len(suffix)], "-")
	}
	return base + suffix
}

// =============================================================================
// Validation
// =============================================================================

var (
	accountRegex      = regexp.MustCompile(`^[0-9]{12}$`)
	domainPrefixRegex = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)
)

// Validate checks the configuration. Every failure is a ConfigurationError
// and is raised before any provisioning call.
func (c Config) Validate() error {
	if err := c.validate(); err != nil {
		return ConfigurationError(err)
	}
	return nil
}

func (c Config) validate() error {
	if c.Name == "" {
		return ErrNameRequired
	}
	if c.Domain == "" {
		return ErrDomainRequired
	}
	if err := dns.ValidateHostname(c.Domain); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDomain, c.Domain)
	}
	if c.Account != "" && !accountRegex.MatchString(c.Account) {
		return ErrInvalidAccount
	}
	if c.Region == "" {
		return ErrRegionRequired
	}
	if c.ValidationTimeout <= 0 {
		return ErrInvalidValidationWindow
	}

	prefix, err := netip.ParsePrefix(c.Network.CIDR)
	if err != nil || !prefix.Addr().Is4() || prefix.Bits() < 16 || prefix.Bits() > 24 {
		return ErrInvalidCIDR
	}
	if c.Network.MaxAZs < 1 || c.Network.MaxAZs > MaxAZs {
		return ErrInvalidMaxAZs
	}
	if c.Network.NATGateways < 1 || c.Network.NATGateways > c.Network.MaxAZs {
		return ErrInvalidNATGateways
	}

	if c.Compute.Replicas < 1 {
		return ErrInvalidReplicas
	}
	if c.Compute.ServicePort != ServicePort || c.Compute.Container.Port != ServicePort {
		return ErrInvalidServicePort
	}
	ct := c.Compute.Container
	if ct.Image == "" {
		return ErrImageRequired
	}
	if ct.CPU <= 0 || ct.MemoryMiB <= 0 {
		return ErrInvalidTaskSize
	}
	if ct.Architecture != "ARM64" && ct.Architecture != "X86_64" {
		return ErrInvalidArchitecture
	}

	if c.AuthGate {
		if c.Plaintext {
			return ErrAuthGateRequiresTLS
		}
		if !domainPrefixRegex.MatchString(c.Auth.DomainPrefix) {
			return ErrInvalidDomainPrefix
		}
		if c.Auth.RefreshTokenDays < 1 {
			return ErrInvalidRefreshToken
		}
	}
	return nil
}
