// Package provider implements cloud infrastructure provider clients.
// This is part of the Imperative Shell - handles I/O with cloud APIs.
//
// Every creation call takes a declarative descriptor from core/topology and
// returns a handle or an error. Calls are synchronous: a call returns once
// the provider reports the resource usable.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/edgestack/internal/core/dns"
	"github.com/artpar/edgestack/internal/core/topology"
)

var (
	// ErrZoneNotFound is returned when no hosted zone contains the domain.
	ErrZoneNotFound = errors.New("hosted zone not found")

	// ErrValidationTimeout is returned when a certificate is not validated in time.
	ErrValidationTimeout = errors.New("certificate validation timed out")

	// ErrValidationFailed is returned when the certificate authority rejects validation.
	ErrValidationFailed = errors.New("certificate validation failed")

	// ErrAccountMismatch is returned when the credentials belong to another account.
	ErrAccountMismatch = errors.New("credentials do not belong to the configured account")
)

// =============================================================================
// Provider Results
// =============================================================================

// ServiceRef identifies a created compute service.
type ServiceRef struct {
	ARN  string `json:"arn"`
	Name string `json:"name"`
}

// IdentityPool identifies a created identity pool.
type IdentityPool struct {
	ID  string `json:"id"`
	ARN string `json:"arn"`
}

// PendingCertificate is a requested certificate and the DNS records that
// prove control of its domain.
type PendingCertificate struct {
	ARN     string                 `json:"arn"`
	Records []dns.ValidationRecord `json:"records"`
}

// =============================================================================
// Provider Interfaces
// =============================================================================

// NetworkProvisioner creates the isolated network and its security boundaries.
type NetworkProvisioner interface {
	// CreateNetwork creates the network, its subnets and NAT egress.
	CreateNetwork(ctx context.Context, spec topology.NetworkSpec) (topology.NetworkHandle, error)

	// CreateBoundary creates a security boundary with no ingress rules.
	CreateBoundary(ctx context.Context, spec topology.BoundarySpec) (topology.BoundaryRef, error)

	// AuthorizeIngress adds one ingress rule to a boundary.
	AuthorizeIngress(ctx context.Context, spec topology.IngressSpec) (topology.IngressRule, error)
}

// ComputeProvisioner creates the clustered service.
type ComputeProvisioner interface {
	CreateLogSink(ctx context.Context, spec topology.LogSinkSpec) (string, error)
	CreateExecutionRole(ctx context.Context, spec topology.ExecutionRoleSpec) (string, error)
	CreateCluster(ctx context.Context, spec topology.ClusterSpec) (string, error)
	RegisterTask(ctx context.Context, spec topology.TaskSpec) (string, error)
	CreateService(ctx context.Context, spec topology.ServiceSpec) (ServiceRef, error)
}

// EdgeProvisioner creates the load balancer and its routing.
type EdgeProvisioner interface {
	CreateLoadBalancer(ctx context.Context, spec topology.LoadBalancerSpec) (topology.LoadBalancer, error)
	CreateTargetGroup(ctx context.Context, spec topology.TargetGroupSpec) (topology.RoutingTarget, error)
	RegisterTarget(ctx context.Context, spec topology.TargetRegistrationSpec) error
	CreateListener(ctx context.Context, spec topology.ListenerSpec) (topology.Listener, error)
}

// CertificateIssuer issues DNS-validated certificates.
type CertificateIssuer interface {
	// RequestCertificate requests a certificate and returns its validation records.
	RequestCertificate(ctx context.Context, spec topology.CertificateSpec) (PendingCertificate, error)

	// WaitForValidation blocks until the certificate is issued or timeout
	// elapses, in which case ErrValidationTimeout is returned.
	WaitForValidation(ctx context.Context, arn string, timeout time.Duration) (topology.Certificate, error)
}

// DNSProvider manages records in an externally owned DNS zone.
type DNSProvider interface {
	// LookupZone returns the most specific hosted zone containing domain.
	LookupZone(ctx context.Context, domain string) (topology.Zone, error)

	// UpsertValidationRecord creates or replaces a certificate validation record.
	UpsertValidationRecord(ctx context.Context, zone topology.Zone, record dns.ValidationRecord) error

	// UpsertAlias points the domain at the load balancer.
	UpsertAlias(ctx context.Context, spec topology.AliasSpec) (topology.DNSBinding, error)
}

// IdentityProvisioner creates the identity gate resources.
type IdentityProvisioner interface {
	CreateIdentityPool(ctx context.Context, spec topology.IdentityPoolSpec) (IdentityPool, error)
	CreateIdentityClient(ctx context.Context, spec topology.IdentityClientSpec) (string, error)
	// CreateIdentityDomain returns the domain prefix once the domain is active.
	CreateIdentityDomain(ctx context.Context, spec topology.IdentityDomainSpec) (string, error)
}

// Provider is the full set of provisioning calls used by a deployment.
type Provider interface {
	NetworkProvisioner
	ComputeProvisioner
	EdgeProvisioner
	CertificateIssuer
	DNSProvider
	IdentityProvisioner

	// Name identifies the provider in logs and plan output.
	Name() string
}

// =============================================================================
// DNS Override
// =============================================================================

// withDNS serves zone and record calls from a separate DNS backend.
type withDNS struct {
	Provider
	dns DNSProvider
}

// WithDNS returns p with its DNS calls delegated to d.
func WithDNS(p Provider, d DNSProvider) Provider {
	return &withDNS{Provider: p, dns: d}
}

func (w *withDNS) LookupZone(ctx context.Context, domain string) (topology.Zone, error) {
	return w.dns.LookupZone(ctx, domain)
}

func (w *withDNS) UpsertValidationRecord(ctx context.Context, zone topology.Zone, record dns.ValidationRecord) error {
	return w.dns.UpsertValidationRecord(ctx, zone, record)
}

func (w *withDNS) UpsertAlias(ctx context.Context, spec topology.AliasSpec) (topology.DNSBinding, error) {
	return w.dns.UpsertAlias(ctx, spec)
}
