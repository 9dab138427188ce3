package topology

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// =============================================================================
// Network Descriptors
// =============================================================================

// NetworkSpec describes the isolated network and its two subnet groups.
type NetworkSpec struct {
	Name         string            `json:"name"`
	CIDR         string            `json:"cidr"`
	PublicCIDRs  []string          `json:"public_cidrs"`
	PrivateCIDRs []string          `json:"private_cidrs"`
	NATGateways  int               `json:"nat_gateways"`
	Tags         map[string]string `json:"tags"`
}

// subnetBits is added to the network prefix length for every subnet.
const subnetBits = 4

// PlanNetwork builds the network descriptor: one public and one
// private-with-egress subnet per availability zone.
func PlanNetwork(cfg Config) (NetworkSpec, error) {
	cidrs, err := SubnetCIDRs(cfg.Network.CIDR, 2*cfg.Network.MaxAZs, subnetBits)
	if err != nil {
		return NetworkSpec{}, err
	}
	n := cfg.Network.MaxAZs
	return NetworkSpec{
		Name:         VPCName(cfg.Name),
		CIDR:         cfg.Network.CIDR,
		PublicCIDRs:  cidrs[:n],
		PrivateCIDRs: cidrs[n:],
		NATGateways:  cfg.Network.NATGateways,
		Tags:         Tags(cfg.Name, LogicalNetwork),
	}, nil
}

// SubnetCIDRs carves count consecutive subnets of prefix length
// bits(cidr)+newBits out of cidr.
//
// Example:
//
//	SubnetCIDRs("10.0.0.0/16", 2, 4) // ["10.0.0.0/20", "10.0.16.0/20"]
func SubnetCIDRs(cidr string, count, newBits int) ([]string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil || !prefix.Addr().Is4() {
		return nil, ErrInvalidCIDR
	}
	bits := prefix.Bits() + newBits
	if bits > 28 || count > 1<<newBits {
		return nil, fmt.Errorf("%w: cannot fit %d subnets in %s", ErrInvalidCIDR, count, cidr)
	}

	base4 := prefix.Masked().Addr().As4()
	base := binary.BigEndian.Uint32(base4[:])
	size := uint32(1) << (32 - bits)

	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		var a [4]byte
		binary.BigEndian.PutUint32(a[:], base+uint32(i)*size)
		out = append(out, netip.PrefixFrom(netip.AddrFrom4(a), bits).String())
	}
	return out, nil
}

// =============================================================================
// Compute Descriptors
// =============================================================================

// LogSinkSpec describes the container log group.
type LogSinkSpec struct {
	GroupName     string `json:"group_name"`
	RetentionDays int    `json:"retention_days"`
}

// ExecutionRoleSpec describes the role the task runtime assumes to pull
// images and write logs.
type ExecutionRoleSpec struct {
	Name             string            `json:"name"`
	ManagedPolicyARN string            `json:"managed_policy_arn"`
	Tags             map[string]string `json:"tags"`
}

// ExecutionPolicyARN is the managed policy attached to created execution roles.
const ExecutionPolicyARN = "arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"

// ClusterSpec describes the clustered execution environment.
type ClusterSpec struct {
	Name string            `json:"name"`
	Tags map[string]string `json:"tags"`
}

// TaskSpec describes the task definition run by the service.
type TaskSpec struct {
	Family           string        `json:"family"`
	CPU              int           `json:"cpu"`
	MemoryMiB        int           `json:"memory_mib"`
	Architecture     string        `json:"architecture"`
	ExecutionRoleARN string        `json:"execution_role_arn"`
	LogGroup         string        `json:"log_group"`
	Region           string        `json:"region"`
	Container        ContainerSpec `json:"container"`
}

// BoundarySpec describes a security boundary. New boundaries allow all
// outbound traffic and no inbound traffic.
type BoundarySpec struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	VPCID            string            `json:"vpc_id"`
	AllowAllOutbound bool              `json:"allow_all_outbound"`
	Tags             map[string]string `json:"tags"`
}

// ServiceSpec describes the running service.
type ServiceSpec struct {
	Name              string            `json:"name"`
	ClusterARN        string            `json:"cluster_arn"`
	TaskDefinitionARN string            `json:"task_definition_arn"`
	DesiredCount      int               `json:"desired_count"`
	Subnets           []string          `json:"subnets"`
	BoundaryIDs       []string          `json:"boundary_ids"`
	AssignPublicIP    bool              `json:"assign_public_ip"`
	Tags              map[string]string `json:"tags"`
}

// IngressSpec describes one ingress permission.
type IngressSpec struct {
	BoundaryID       string `json:"boundary_id"`
	SourceBoundaryID string `json:"source_boundary_id,omitempty"`
	SourceCIDR       string `json:"source_cidr,omitempty"`
	Port             int    `json:"port"`
	Protocol         string `json:"protocol"`
	Description      string `json:"description"`
}

// Rule converts the descriptor into the rule it creates.
func (s IngressSpec) Rule() IngressRule {
	return IngressRule{
		BoundaryID:       s.BoundaryID,
		SourceBoundaryID: s.SourceBoundaryID,
		SourceCIDR:       s.SourceCIDR,
		Port:             s.Port,
		Protocol:         s.Protocol,
		Description:      s.Description,
	}
}

// PlanLogSink builds the log group descriptor.
func PlanLogSink(cfg Config) LogSinkSpec {
	return LogSinkSpec{
		GroupName:     LogGroupName(cfg.Name),
		RetentionDays: cfg.Compute.LogRetentionDays,
	}
}

// PlanExecutionRole builds the execution role descriptor.
func PlanExecutionRole(cfg Config) ExecutionRoleSpec {
	return ExecutionRoleSpec{
		Name:             ExecutionRoleName(cfg.Name),
		ManagedPolicyARN: ExecutionPolicyARN,
		Tags:             Tags(cfg.Name, LogicalExecutionRole),
	}
}

// PlanCluster builds the cluster descriptor.
func PlanCluster(cfg Config) ClusterSpec {
	return ClusterSpec{
		Name: ClusterName(cfg.Name),
		Tags: Tags(cfg.Name, LogicalCluster),
	}
}

// PlanTask builds the task descriptor.
func PlanTask(cfg Config, logGroup, executionRoleARN string) TaskSpec {
	ct := cfg.Compute.Container
	return TaskSpec{
		Family:           TaskFamily(cfg.Name),
		CPU:              ct.CPU,
		MemoryMiB:        ct.MemoryMiB,
		Architecture:     ct.Architecture,
		ExecutionRoleARN: executionRoleARN,
		LogGroup:         logGroup,
		Region:           cfg.Region,
		Container:        ct,
	}
}

// PlanServiceBoundary builds the compute service's security boundary.
func PlanServiceBoundary(cfg Config, network NetworkHandle) BoundarySpec {
	return BoundarySpec{
		Name:             ServiceBoundaryName(cfg.Name),
		Description:      "Inbound boundary of the " + ServiceName(cfg.Name),
		VPCID:            network.VPCID,
		AllowAllOutbound: true,
		Tags:             Tags(cfg.Name, LogicalServiceBoundary),
	}
}

// PlanService builds the service descriptor. Tasks run in the
// private-with-egress subnets without public addresses.
func PlanService(cfg Config, network NetworkHandle, clusterARN, taskARN string, boundary BoundaryRef) ServiceSpec {
	return ServiceSpec{
		Name:              ServiceName(cfg.Name),
		ClusterARN:        clusterARN,
		TaskDefinitionARN: taskARN,
		DesiredCount:      cfg.Compute.Replicas,
		Subnets:           append([]string(nil), network.PrivateSubnets...),
		BoundaryIDs:       []string{boundary.ID},
		AssignPublicIP:    false,
		Tags:              Tags(cfg.Name, LogicalService),
	}
}

// =============================================================================
// Edge Descriptors
// =============================================================================

// CertificateSpec describes a DNS-validated TLS certificate.
type CertificateSpec struct {
	Domain string `json:"domain"`
	ZoneID string `json:"zone_id"`
}

// LoadBalancerSpec describes the internet-facing load balancer.
type LoadBalancerSpec struct {
	Name           string            `json:"name"`
	Subnets        []string          `json:"subnets"`
	BoundaryID     string            `json:"boundary_id"`
	InternetFacing bool              `json:"internet_facing"`
	Tags           map[string]string `json:"tags"`
}

// TargetGroupSpec describes a routing target.
type TargetGroupSpec struct {
	Name            string            `json:"name"`
	VPCID           string            `json:"vpc_id"`
	Port            int               `json:"port"`
	Protocol        string            `json:"protocol"`
	TargetType      string            `json:"target_type"`
	HealthCheckPath string            `json:"health_check_path"`
	Tags            map[string]string `json:"tags"`
}

// TargetRegistrationSpec registers a service with a routing target.
type TargetRegistrationSpec struct {
	TargetGroupARN string `json:"target_group_arn"`
	ClusterARN     string `json:"cluster_arn"`
	ServiceARN     string `json:"service_arn"`
	ContainerName  string `json:"container_name"`
	ContainerPort  int    `json:"container_port"`
}

// IdentityPoolSpec describes the identity pool.
type IdentityPoolSpec struct {
	Name string            `json:"name"`
	Tags map[string]string `json:"tags"`
}

// IdentityClientSpec describes the client registration against the pool.
type IdentityClientSpec struct {
	PoolID             string   `json:"pool_id"`
	Name               string   `json:"name"`
	GenerateSecret     bool     `json:"generate_secret"`
	OAuthFlows         []string `json:"oauth_flows"`
	Scopes             []string `json:"scopes"`
	CallbackURLs       []string `json:"callback_urls"`
	SupportedProviders []string `json:"supported_providers"`
	RefreshTokenDays   int      `json:"refresh_token_days"`
}

// IdentityDomainSpec describes the public authentication domain.
type IdentityDomainSpec struct {
	PoolID string `json:"pool_id"`
	Prefix string `json:"prefix"`
}

// ActionSpec is one ordered step of a listener default action.
type ActionSpec struct {
	Order          int    `json:"order"`
	Type           string `json:"type"` // authenticate-cognito or forward
	TargetGroupARN string `json:"target_group_arn,omitempty"`
	UserPoolARN    string `json:"user_pool_arn,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	DomainPrefix   string `json:"domain_prefix,omitempty"`
}

const (
	ActionTypeForward      = "forward"
	ActionTypeAuthenticate = "authenticate-cognito"
)

// ListenerSpec describes the load balancer listener.
type ListenerSpec struct {
	LoadBalancerARN string       `json:"load_balancer_arn"`
	Port            int          `json:"port"`
	Protocol        string       `json:"protocol"`
	CertificateARNs []string     `json:"certificate_arns,omitempty"`
	Actions         []ActionSpec `json:"actions"`
}

// AliasSpec describes the alias record for the domain.
type AliasSpec struct {
	ZoneID        string `json:"zone_id"`
	Name          string `json:"name"`
	TargetDNSName string `json:"target_dns_name"`
	TargetZoneID  string `json:"target_zone_id"`
}

// PlanCertificate builds the certificate descriptor for the resolved zone.
func PlanCertificate(cfg Config, zone Zone) CertificateSpec {
	return CertificateSpec{Domain: cfg.Domain, ZoneID: zone.ID}
}

// PlanEdgeBoundary builds the load balancer's security boundary.
func PlanEdgeBoundary(cfg Config, network NetworkHandle) BoundarySpec {
	return BoundarySpec{
		Name:             EdgeBoundaryName(cfg.Name),
		Description:      "Edge boundary of " + cfg.Domain,
		VPCID:            network.VPCID,
		AllowAllOutbound: true,
		Tags:             Tags(cfg.Name, LogicalEdgeBoundary),
	}
}

// PlanServiceIngress builds the single rule added to the service boundary:
// traffic from the edge boundary on the service port.
func PlanServiceIngress(service ServiceHandle, edge BoundaryRef) IngressSpec {
	return IngressSpec{
		BoundaryID:       service.Boundary.ID,
		SourceBoundaryID: edge.ID,
		Port:             service.Port,
		Protocol:         "tcp",
		Description:      "Allow HTTP traffic from the load balancer",
	}
}

// PlanEdgeIngress opens the edge boundary on the listener port.
func PlanEdgeIngress(cfg Config, edge BoundaryRef) IngressSpec {
	return IngressSpec{
		BoundaryID:  edge.ID,
		SourceCIDR:  "0.0.0.0/0",
		Port:        cfg.EdgePort(),
		Protocol:    "tcp",
		Description: fmt.Sprintf("Allow from anyone on port %d", cfg.EdgePort()),
	}
}

// PlanLoadBalancer builds the load balancer descriptor on the public subnets.
func PlanLoadBalancer(cfg Config, network NetworkHandle, edge BoundaryRef) LoadBalancerSpec {
	return LoadBalancerSpec{
		Name:           LoadBalancerName(cfg.Name),
		Subnets:        append([]string(nil), network.PublicSubnets...),
		BoundaryID:     edge.ID,
		InternetFacing: true,
		Tags:           Tags(cfg.Name, LogicalLoadBalancer),
	}
}

// PlanRoutingTarget builds the routing target bound to the service port.
func PlanRoutingTarget(cfg Config, network NetworkHandle, service ServiceHandle) TargetGroupSpec {
	return TargetGroupSpec{
		Name:            TargetGroupName(cfg.Name),
		VPCID:           network.VPCID,
		Port:            service.Port,
		Protocol:        "HTTP",
		TargetType:      "ip",
		HealthCheckPath: "/",
		Tags:            Tags(cfg.Name, LogicalRoutingTarget),
	}
}

// PlanTargetRegistration registers service as a target of targetGroupARN.
func PlanTargetRegistration(targetGroupARN string, service ServiceHandle) TargetRegistrationSpec {
	return TargetRegistrationSpec{
		TargetGroupARN: targetGroupARN,
		ClusterARN:     service.ClusterARN,
		ServiceARN:     service.ServiceARN,
		ContainerName:  service.ContainerName,
		ContainerPort:  service.Port,
	}
}

// PlanIdentityPool builds the identity pool descriptor.
func PlanIdentityPool(cfg Config) IdentityPoolSpec {
	return IdentityPoolSpec{
		Name: IdentityPoolName(cfg.Name),
		Tags: Tags(cfg.Name, LogicalIdentityPool),
	}
}

// PlanIdentityClient builds the client registration: generated secret,
// authorization-code flow, the fixed callback URL, a single identity
// provider and a short refresh-token lifetime.
func PlanIdentityClient(cfg Config, poolID string) IdentityClientSpec {
	return IdentityClientSpec{
		PoolID:             poolID,
		Name:               IdentityClientName(cfg.Name),
		GenerateSecret:     true,
		OAuthFlows:         []string{"code"},
		Scopes:             []string{"openid", "email"},
		CallbackURLs:       []string{cfg.CallbackURL()},
		SupportedProviders: []string{"COGNITO"},
		RefreshTokenDays:   cfg.Auth.RefreshTokenDays,
	}
}

// PlanIdentityDomain builds the public authentication domain descriptor.
func PlanIdentityDomain(cfg Config, poolID string) IdentityDomainSpec {
	return IdentityDomainSpec{PoolID: poolID, Prefix: cfg.Auth.DomainPrefix}
}

// PlanListener builds the listener descriptor and flattens the routing
// action into its ordered provider steps.
func PlanListener(cfg Config, lb LoadBalancer, cert *Certificate, action RoutingAction) (ListenerSpec, error) {
	spec := ListenerSpec{
		LoadBalancerARN: lb.ARN,
		Port:            cfg.EdgePort(),
		Protocol:        "HTTP",
	}
	if cert != nil {
		spec.Protocol = "HTTPS"
		spec.CertificateARNs = []string{cert.ARN}
	}

	switch a := action.(type) {
	case Forward:
		spec.Actions = []ActionSpec{
			{Order: 1, Type: ActionTypeForward, TargetGroupARN: a.Target.ARN},
		}
	case AuthenticateThenForward:
		if cert == nil {
			return ListenerSpec{}, ErrAuthGateRequiresTLS
		}
		spec.Actions = []ActionSpec{
			{
				Order:        1,
				Type:         ActionTypeAuthenticate,
				UserPoolARN:  a.Gate.PoolARN,
				ClientID:     a.Gate.ClientID,
				DomainPrefix: a.Gate.DomainPrefix,
			},
			{Order: 2, Type: ActionTypeForward, TargetGroupARN: a.Target.ARN},
		}
	default:
		return ListenerSpec{}, fmt.Errorf("unsupported routing action %T", action)
	}
	return spec, nil
}

// PlanAlias builds the alias record from the resolved zone to the load balancer.
func PlanAlias(cfg Config, zone Zone, lb LoadBalancer) AliasSpec {
	return AliasSpec{
		ZoneID:        zone.ID,
		Name:          cfg.Domain,
		TargetDNSName: lb.DNSName,
		TargetZoneID:  lb.CanonicalZoneID,
	}
}
