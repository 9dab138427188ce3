package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	smithy "github.com/aws/smithy-go"

	"github.com/artpar/edgestack/internal/core/topology"
	shelldns "github.com/artpar/edgestack/internal/shell/dns"
)

const (
	tierTag     = "edgestack:tier"
	tierPublic  = "public"
	tierPrivate = "private"

	natWaitTimeout     = 10 * time.Minute
	lbWaitTimeout      = 10 * time.Minute
	serviceWaitTimeout = 15 * time.Minute
	changeWaitTimeout  = 5 * time.Minute
)

// AWSProvider implements Provider against a single AWS account and region.
// DNS calls go to Route 53 unless the provider is wrapped with WithDNS.
type AWSProvider struct {
	region   string
	ec2      *ec2.Client
	ecs      *ecs.Client
	logs     *cloudwatchlogs.Client
	iam      *iam.Client
	elb      *elb.Client
	acm      *acm.Client
	route53  *route53.Client
	cognito  *cognitoidentityprovider.Client
	resolver *shelldns.Resolver
	poll     time.Duration
	logger   *slog.Logger
}

var _ Provider = (*AWSProvider)(nil)

// NewAWSProvider creates the AWS clients from a loaded SDK configuration.
func NewAWSProvider(cfg aws.Config, logger *slog.Logger) *AWSProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &AWSProvider{
		region:   cfg.Region,
		ec2:      ec2.NewFromConfig(cfg),
		ecs:      ecs.NewFromConfig(cfg),
		logs:     cloudwatchlogs.NewFromConfig(cfg),
		iam:      iam.NewFromConfig(cfg),
		elb:      elb.NewFromConfig(cfg),
		acm:      acm.NewFromConfig(cfg),
		route53:  route53.NewFromConfig(cfg),
		cognito:  cognitoidentityprovider.NewFromConfig(cfg),
		resolver: shelldns.NewResolver(),
		poll:     10 * time.Second,
		logger:   logger.With("provider", "aws", "region", cfg.Region),
	}
}

// Name identifies the provider.
func (p *AWSProvider) Name() string {
	return "aws"
}

// =============================================================================
// Helpers
// =============================================================================

// isErrorCode reports whether err is an AWS API error with one of codes.
func isErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}

// sortedKeys returns the keys of m in order so tag lists are stable.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ec2Tags(tags map[string]string, name string) []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(tags)+1)
	for _, k := range sortedKeys(tags) {
		if k == "Name" && name != "" {
			continue
		}
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	if name != "" {
		out = append(out, ec2types.Tag{Key: aws.String("Name"), Value: aws.String(name)})
	}
	return out
}

func tagSpec(rt ec2types.ResourceType, tags map[string]string, name string) []ec2types.TagSpecification {
	return []ec2types.TagSpecification{{ResourceType: rt, Tags: ec2Tags(tags, name)}}
}

func withTag(tags map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	out[key] = value
	return out
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// NetworkProvisioner
// =============================================================================

// CreateNetwork creates the VPC with one public and one private subnet per
// availability zone. Public subnets route through an internet gateway and
// private subnets through NAT gateways placed in the public subnets. A VPC
// already carrying the network's name is reused.
func (p *AWSProvider) CreateNetwork(ctx context.Context, spec topology.NetworkSpec) (topology.NetworkHandle, error) {
	existing, err := p.findNetwork(ctx, spec.Name)
	if err != nil {
		return topology.NetworkHandle{}, err
	}
	if existing != nil {
		p.logger.Info("reusing VPC", "vpc_id", existing.VPCID, "name", spec.Name)
		return *existing, nil
	}

	azs, err := p.availabilityZones(ctx, len(spec.PublicCIDRs))
	if err != nil {
		return topology.NetworkHandle{}, err
	}

	vpcOut, err := p.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         aws.String(spec.CIDR),
		TagSpecifications: tagSpec(ec2types.ResourceTypeVpc, spec.Tags, spec.Name),
	})
	if err != nil {
		return topology.NetworkHandle{}, fmt.Errorf("failed to create VPC: %w", err)
	}
	vpcID := aws.ToString(vpcOut.Vpc.VpcId)
	p.logger.Info("VPC created", "vpc_id", vpcID, "cidr", spec.CIDR)

	if err := ec2.NewVpcAvailableWaiter(p.ec2).Wait(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{vpcID}}, 2*time.Minute); err != nil {
		return topology.NetworkHandle{}, fmt.Errorf("failed waiting for VPC %s: %w", vpcID, err)
	}
	if _, err := p.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              aws.String(vpcID),
		EnableDnsHostnames: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
	}); err != nil {
		return topology.NetworkHandle{}, fmt.Errorf("failed to enable DNS hostnames: %w", err)
	}

	igwOut, err := p.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: tagSpec(ec2types.ResourceTypeInternetGateway, spec.Tags, spec.Name),
	})
	if err != nil {
		return topology.NetworkHandle{}, fmt.Errorf("failed to create internet gateway: %w", err)
	}
	igwID := aws.ToString(igwOut.InternetGateway.InternetGatewayId)
	if _, err := p.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: aws.String(igwID),
		VpcId:             aws.String(vpcID),
	}); err != nil {
		return topology.NetworkHandle{}, fmt.Errorf("failed to attach internet gateway: %w", err)
	}

	handle := topology.NetworkHandle{VPCID: vpcID, CIDR: spec.CIDR}

	publicRT, err := p.createRouteTable(ctx, vpcID, spec, tierPublic)
	if err != nil {
		return topology.NetworkHandle{}, err
	}
	if _, err := p.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         aws.String(publicRT),
		DestinationCidrBlock: aws.String("0.0.0.0/0"),
		GatewayId:            aws.String(igwID),
	}); err != nil {
		return topology.NetworkHandle{}, fmt.Errorf("failed to route public subnets: %w", err)
	}

	for i, cidr := range spec.PublicCIDRs {
		subnetID, err := p.createSubnet(ctx, vpcID, cidr, azs[i], spec, tierPublic)
		if err != nil {
			return topology.NetworkHandle{}, err
		}
		if _, err := p.ec2.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            aws.String(subnetID),
			MapPublicIpOnLaunch: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
		}); err != nil {
			return topology.NetworkHandle{}, fmt.Errorf("failed to configure subnet %s: %w", subnetID, err)
		}
		if err := p.associate(ctx, publicRT, subnetID); err != nil {
			return topology.NetworkHandle{}, err
		}
		handle.PublicSubnets = append(handle.PublicSubnets, subnetID)
	}

	natIDs, err := p.createNATGateways(ctx, handle.PublicSubnets, spec)
	if err != nil {
		return topology.NetworkHandle{}, err
	}

	for i, cidr := range spec.PrivateCIDRs {
		subnetID, err := p.createSubnet(ctx, vpcID, cidr, azs[i%len(azs)], spec, tierPrivate)
		if err != nil {
			return topology.NetworkHandle{}, err
		}
		rt, err := p.createRouteTable(ctx, vpcID, spec, tierPrivate)
		if err != nil {
			return topology.NetworkHandle{}, err
		}
		if _, err := p.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
			RouteTableId:         aws.String(rt),
			DestinationCidrBlock: aws.String("0.0.0.0/0"),
			NatGatewayId:         aws.String(natIDs[i%len(natIDs)]),
		}); err != nil {
			return topology.NetworkHandle{}, fmt.Errorf("failed to route private subnet %s: %w", subnetID, err)
		}
		if err := p.associate(ctx, rt, subnetID); err != nil {
			return topology.NetworkHandle{}, err
		}
		handle.PrivateSubnets = append(handle.PrivateSubnets, subnetID)
	}

	p.logger.Info("network created",
		"vpc_id", vpcID,
		"public_subnets", len(handle.PublicSubnets),
		"private_subnets", len(handle.PrivateSubnets),
		"nat_gateways", len(natIDs),
	)
	return handle, nil
}

func (p *AWSProvider) findNetwork(ctx context.Context, name string) (*topology.NetworkHandle, error) {
	out, err := p.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2types.Filter{{Name: aws.String("tag:Name"), Values: []string{name}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up VPC %s: %w", name, err)
	}
	if len(out.Vpcs) == 0 {
		return nil, nil
	}
	vpc := out.Vpcs[0]
	handle := &topology.NetworkHandle{VPCID: aws.ToString(vpc.VpcId), CIDR: aws.ToString(vpc.CidrBlock)}

	subnets, err := p.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{{Name: aws.String("vpc-id"), Values: []string{handle.VPCID}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list subnets of %s: %w", handle.VPCID, err)
	}
	sort.Slice(subnets.Subnets, func(i, j int) bool {
		return aws.ToString(subnets.Subnets[i].CidrBlock) < aws.ToString(subnets.Subnets[j].CidrBlock)
	})
	for _, s := range subnets.Subnets {
		for _, t := range s.Tags {
			if aws.ToString(t.Key) != tierTag {
				continue
			}
			switch aws.ToString(t.Value) {
			case tierPublic:
				handle.PublicSubnets = append(handle.PublicSubnets, aws.ToString(s.SubnetId))
			case tierPrivate:
				handle.PrivateSubnets = append(handle.PrivateSubnets, aws.ToString(s.SubnetId))
			}
		}
	}
	if len(handle.PublicSubnets) == 0 || len(handle.PrivateSubnets) == 0 {
		return nil, fmt.Errorf("VPC %s exists but is missing its subnets", handle.VPCID)
	}
	return handle, nil
}

func (p *AWSProvider) availabilityZones(ctx context.Context, n int) ([]string, error) {
	out, err := p.ec2.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []ec2types.Filter{{Name: aws.String("state"), Values: []string{"available"}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list availability zones: %w", err)
	}
	zones := make([]string, 0, len(out.AvailabilityZones))
	for _, az := range out.AvailabilityZones {
		zones = append(zones, aws.ToString(az.ZoneName))
	}
	sort.Strings(zones)
	if len(zones) < n {
		return nil, fmt.Errorf("region %s has %d availability zones, %d requested", p.region, len(zones), n)
	}
	return zones[:n], nil
}

func (p *AWSProvider) createSubnet(ctx context.Context, vpcID, cidr, az string, spec topology.NetworkSpec, tier string) (string, error) {
	out, err := p.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:             aws.String(vpcID),
		CidrBlock:         aws.String(cidr),
		AvailabilityZone:  aws.String(az),
		TagSpecifications: tagSpec(ec2types.ResourceTypeSubnet, withTag(spec.Tags, tierTag, tier), fmt.Sprintf("%s/%s-%s", spec.Name, tier, az)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create %s subnet %s: %w", tier, cidr, err)
	}
	return aws.ToString(out.Subnet.SubnetId), nil
}

func (p *AWSProvider) createRouteTable(ctx context.Context, vpcID string, spec topology.NetworkSpec, tier string) (string, error) {
	out, err := p.ec2.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             aws.String(vpcID),
		TagSpecifications: tagSpec(ec2types.ResourceTypeRouteTable, withTag(spec.Tags, tierTag, tier), spec.Name+"/"+tier),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create %s route table: %w", tier, err)
	}
	return aws.ToString(out.RouteTable.RouteTableId), nil
}

func (p *AWSProvider) associate(ctx context.Context, routeTableID, subnetID string) error {
	if _, err := p.ec2.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: aws.String(routeTableID),
		SubnetId:     aws.String(subnetID),
	}); err != nil {
		return fmt.Errorf("failed to associate route table with %s: %w", subnetID, err)
	}
	return nil
}

func (p *AWSProvider) createNATGateways(ctx context.Context, publicSubnets []string, spec topology.NetworkSpec) ([]string, error) {
	count := spec.NATGateways
	if count < 1 {
		count = 1
	}
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		eip, err := p.ec2.AllocateAddress(ctx, &ec2.AllocateAddressInput{
			Domain:            ec2types.DomainTypeVpc,
			TagSpecifications: tagSpec(ec2types.ResourceTypeElasticIp, spec.Tags, spec.Name),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to allocate NAT address: %w", err)
		}
		nat, err := p.ec2.CreateNatGateway(ctx, &ec2.CreateNatGatewayInput{
			SubnetId:          aws.String(publicSubnets[i%len(publicSubnets)]),
			AllocationId:      eip.AllocationId,
			TagSpecifications: tagSpec(ec2types.ResourceTypeNatgateway, spec.Tags, spec.Name),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create NAT gateway: %w", err)
		}
		ids = append(ids, aws.ToString(nat.NatGateway.NatGatewayId))
	}

	p.logger.Info("waiting for NAT gateways", "count", len(ids))
	if err := ec2.NewNatGatewayAvailableWaiter(p.ec2).Wait(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: ids}, natWaitTimeout); err != nil {
		return nil, fmt.Errorf("failed waiting for NAT gateways: %w", err)
	}
	return ids, nil
}

// CreateBoundary creates a security group in the VPC. An existing group of
// the same name is reused.
func (p *AWSProvider) CreateBoundary(ctx context.Context, spec topology.BoundarySpec) (topology.BoundaryRef, error) {
	out, err := p.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(spec.Name),
		Description:       aws.String(spec.Description),
		VpcId:             aws.String(spec.VPCID),
		TagSpecifications: tagSpec(ec2types.ResourceTypeSecurityGroup, spec.Tags, spec.Name),
	})
	if isErrorCode(err, "InvalidGroup.Duplicate") {
		return p.findBoundary(ctx, spec)
	}
	if err != nil {
		return topology.BoundaryRef{}, fmt.Errorf("failed to create security group %s: %w", spec.Name, err)
	}
	ref := topology.BoundaryRef{ID: aws.ToString(out.GroupId), Name: spec.Name}

	// New groups carry an allow-all egress rule.
	if !spec.AllowAllOutbound {
		_, err := p.ec2.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
			GroupId: aws.String(ref.ID),
			IpPermissions: []ec2types.IpPermission{{
				IpProtocol: aws.String("-1"),
				IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
			}},
		})
		if err != nil {
			return topology.BoundaryRef{}, fmt.Errorf("failed to restrict egress of %s: %w", spec.Name, err)
		}
	}

	p.logger.Info("security group created", "group_id", ref.ID, "name", spec.Name)
	return ref, nil
}

func (p *AWSProvider) findBoundary(ctx context.Context, spec topology.BoundarySpec) (topology.BoundaryRef, error) {
	out, err := p.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{spec.VPCID}},
			{Name: aws.String("group-name"), Values: []string{spec.Name}},
		},
	})
	if err != nil {
		return topology.BoundaryRef{}, fmt.Errorf("failed to look up security group %s: %w", spec.Name, err)
	}
	if len(out.SecurityGroups) == 0 {
		return topology.BoundaryRef{}, fmt.Errorf("security group %s reported as duplicate but not found", spec.Name)
	}
	return topology.BoundaryRef{ID: aws.ToString(out.SecurityGroups[0].GroupId), Name: spec.Name}, nil
}

// AuthorizeIngress adds one ingress permission. A rule that already exists
// counts as added.
func (p *AWSProvider) AuthorizeIngress(ctx context.Context, spec topology.IngressSpec) (topology.IngressRule, error) {
	_, err := p.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(spec.BoundaryID),
		IpPermissions: []ec2types.IpPermission{ipPermission(spec)},
	})
	if err != nil && !isErrorCode(err, "InvalidPermission.Duplicate") {
		return topology.IngressRule{}, fmt.Errorf("failed to authorize ingress on %s: %w", spec.BoundaryID, err)
	}
	return spec.Rule(), nil
}

func ipPermission(spec topology.IngressSpec) ec2types.IpPermission {
	perm := ec2types.IpPermission{
		IpProtocol: aws.String(spec.Protocol),
		FromPort:   aws.Int32(int32(spec.Port)),
		ToPort:     aws.Int32(int32(spec.Port)),
	}
	if spec.SourceBoundaryID != "" {
		perm.UserIdGroupPairs = []ec2types.UserIdGroupPair{{
			GroupId:     aws.String(spec.SourceBoundaryID),
			Description: aws.String(spec.Description),
		}}
	} else {
		perm.IpRanges = []ec2types.IpRange{{
			CidrIp:      aws.String(spec.SourceCIDR),
			Description: aws.String(spec.Description),
		}}
	}
	return perm
}
