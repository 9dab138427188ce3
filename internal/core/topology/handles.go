package topology

import "context"

// =============================================================================
// Cross-Layer Handles
// =============================================================================
//
// Handles are produced exactly once by their owning layer and passed by value
// into the next layer's constructor. Slices inside a handle must not be
// modified by the receiver; use Clone when a private copy is needed.

// NetworkHandle references the isolated network and its subnet partitions.
type NetworkHandle struct {
	VPCID          string   `json:"vpc_id"`
	CIDR           string   `json:"cidr"`
	PublicSubnets  []string `json:"public_subnets"`
	PrivateSubnets []string `json:"private_subnets"` // private with egress
}

// Clone returns a deep copy of the handle.
func (h NetworkHandle) Clone() NetworkHandle {
	h.PublicSubnets = append([]string(nil), h.PublicSubnets...)
	h.PrivateSubnets = append([]string(nil), h.PrivateSubnets...)
	return h
}

// BoundaryRef references a security boundary (security group).
type BoundaryRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ServiceHandle references the running compute service.
type ServiceHandle struct {
	ClusterARN        string      `json:"cluster_arn"`
	ServiceARN        string      `json:"service_arn"`
	ServiceName       string      `json:"service_name"`
	TaskDefinitionARN string      `json:"task_definition_arn"`
	ContainerName     string      `json:"container_name"`
	Port              int         `json:"port"`
	Boundary          BoundaryRef `json:"boundary"`
}

// IngressRule is one permission in a security boundary.
// Exactly one of SourceBoundaryID and SourceCIDR is set.
type IngressRule struct {
	BoundaryID       string `json:"boundary_id"`
	SourceBoundaryID string `json:"source_boundary_id,omitempty"`
	SourceCIDR       string `json:"source_cidr,omitempty"`
	Port             int    `json:"port"`
	Protocol         string `json:"protocol"`
	Description      string `json:"description,omitempty"`
}

// IngressGrant is the narrow capability the compute layer hands to the edge
// layer instead of its full security boundary. It admits a single call.
type IngressGrant interface {
	// AuthorizeIngressFrom adds the rule "traffic from source on port".
	AuthorizeIngressFrom(ctx context.Context, source BoundaryRef, port int) (IngressRule, error)

	// Rules returns the ingress rules added through the grant.
	Rules() []IngressRule
}

// =============================================================================
// Edge Handles
// =============================================================================

// Zone references an externally managed DNS zone.
type Zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Certificate references an issued TLS certificate.
type Certificate struct {
	ARN       string `json:"arn"`
	Domain    string `json:"domain"`
	Validated bool   `json:"validated"`
}

// LoadBalancer references the internet-facing load balancer.
type LoadBalancer struct {
	ARN             string      `json:"arn"`
	DNSName         string      `json:"dns_name"`
	CanonicalZoneID string      `json:"canonical_zone_id"`
	Boundary        BoundaryRef `json:"boundary"`
}

// RoutingTarget groups service handles behind a single port.
type RoutingTarget struct {
	ARN     string          `json:"arn"`
	Name    string          `json:"name"`
	Port    int             `json:"port"`
	Targets []ServiceHandle `json:"targets"`
}

// IsValid reports whether at least one target is registered.
func (t RoutingTarget) IsValid() bool {
	return t.ARN != "" && len(t.Targets) > 0
}

// IdentityGate references the identity pool, client and hosted domain
// placed in front of routing.
type IdentityGate struct {
	PoolID       string `json:"pool_id"`
	PoolARN      string `json:"pool_arn"`
	ClientID     string `json:"client_id"`
	DomainPrefix string `json:"domain_prefix"`
	CallbackURL  string `json:"callback_url"`
}

// IsConfigured reports whether the client and the domain both exist.
func (g IdentityGate) IsConfigured() bool {
	return g.PoolARN != "" && g.ClientID != "" && g.DomainPrefix != ""
}

// Listener references the load balancer entry point.
type Listener struct {
	ARN          string        `json:"arn"`
	Port         int           `json:"port"`
	Protocol     string        `json:"protocol"`
	Certificates []string      `json:"certificates,omitempty"`
	Action       RoutingAction `json:"-"`
}

// DNSBinding is the alias record pointing the domain at the load balancer.
type DNSBinding struct {
	ZoneID string `json:"zone_id"`
	Name   string `json:"name"`
	Target string `json:"target"`
}

// EdgeHandle collects everything the edge layer produced.
type EdgeHandle struct {
	Zone         Zone
	Certificate  *Certificate // nil in plaintext mode
	Boundary     BoundaryRef
	LoadBalancer LoadBalancer
	Target       RoutingTarget
	Gate         *IdentityGate // nil when auth gating is disabled
	Listener     Listener
	Binding      DNSBinding
}
