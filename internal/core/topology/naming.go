package topology

import (
	"fmt"
	"strings"
)

// =============================================================================
// Logical Resource IDs
// =============================================================================

// Logical IDs identify a resource within one deployment. They key the state
// ledger, so they must never change for an existing resource.
const (
	LogicalNetwork            = "network"
	LogicalLogSink            = "log-sink"
	LogicalExecutionRole      = "execution-role"
	LogicalCluster            = "cluster"
	LogicalTask               = "task"
	LogicalServiceBoundary    = "service-boundary"
	LogicalService            = "service"
	LogicalZone               = "zone"
	LogicalCertificate        = "certificate"
	LogicalEdgeBoundary       = "edge-boundary"
	LogicalServiceIngress     = "service-ingress"
	LogicalLoadBalancer       = "load-balancer"
	LogicalRoutingTarget      = "routing-target"
	LogicalTargetRegistration = "target-registration"
	LogicalIdentityPool       = "identity-pool"
	LogicalIdentityClient     = "identity-client"
	LogicalIdentityDomain     = "identity-domain"
	LogicalListener           = "listener"
	LogicalEdgeIngress        = "edge-ingress"
	LogicalDNSBinding         = "dns-binding"
)

// =============================================================================
// Resource Naming Functions
// =============================================================================

// VPCName generates the network name.
// Pattern: {name}VPC
func VPCName(name string) string {
	return name + "VPC"
}

// ClusterName generates the cluster name.
// Pattern: {name}EcsCluster
func ClusterName(name string) string {
	return name + "EcsCluster"
}

// ServiceName generates the compute service name.
// Pattern: {name}Service
func ServiceName(name string) string {
	return name + "Service"
}

// TaskFamily generates the task definition family.
// Pattern: {name}Task
func TaskFamily(name string) string {
	return name + "Task"
}

// LogGroupName generates the container log group.
// Pattern: /ecs/{name}
func LogGroupName(name string) string {
	return "/ecs/" + name
}

// ExecutionRoleName generates the task execution role name.
func ExecutionRoleName(name string) string {
	return name + "TaskExecutionRole"
}

// ServiceBoundaryName is the security group name of the compute service.
func ServiceBoundaryName(name string) string {
	return name + "ServiceSecurityGroup"
}

// EdgeBoundaryName is the security group name of the load balancer.
func EdgeBoundaryName(name string) string {
	return name + "SecurityGroup"
}

// LoadBalancerName generates the load balancer name (max 32 chars).
func LoadBalancerName(name string) string {
	return elbName(name, "LB")
}

// TargetGroupName generates the routing target name (max 32 chars).
func TargetGroupName(name string) string {
	return elbName(name, "TargetGroup")
}

// IdentityPoolName generates the identity pool name.
func IdentityPoolName(name string) string {
	return name + "UserPool"
}

// IdentityClientName generates the identity client name.
func IdentityClientName(name string) string {
	return name + "Client"
}

// elbName builds a load-balancing resource name. These names allow only
// alphanumerics and hyphens, at most 32 characters, and no leading or
// trailing hyphen.
func elbName(name, suffix string) string {
	var b strings.Builder
	for _, r := range name + suffix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "-")
	}
	return out
}

// Tags returns the tags attached to every resource of a deployment.
func Tags(name, logicalID string) map[string]string {
	return map[string]string{
		"Name":                 fmt.Sprintf("%s/%s", name, logicalID),
		"edgestack:deployment": name,
		"edgestack:logical-id": logicalID,
		"edgestack:managed-by": "edgestack",
	}
}
