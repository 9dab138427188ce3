package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	acmtypes "github.com/aws/aws-sdk-go-v2/service/acm/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/artpar/edgestack/internal/core/dns"
	"github.com/artpar/edgestack/internal/core/topology"
)

// Target group tags carrying a pending service registration.
const (
	regClusterTag   = "edgestack:cluster-arn"
	regServiceTag   = "edgestack:service-arn"
	regContainerTag = "edgestack:container"
	regPortTag      = "edgestack:container-port"
)

func elbTags(tags map[string]string) []elbtypes.Tag {
	out := make([]elbtypes.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, elbtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// =============================================================================
// EdgeProvisioner
// =============================================================================

// CreateLoadBalancer creates the internet-facing application load balancer
// and waits until it is active.
func (p *AWSProvider) CreateLoadBalancer(ctx context.Context, spec topology.LoadBalancerSpec) (topology.LoadBalancer, error) {
	scheme := elbtypes.LoadBalancerSchemeEnumInternal
	if spec.InternetFacing {
		scheme = elbtypes.LoadBalancerSchemeEnumInternetFacing
	}
	out, err := p.elb.CreateLoadBalancer(ctx, &elb.CreateLoadBalancerInput{
		Name:           aws.String(spec.Name),
		Subnets:        spec.Subnets,
		SecurityGroups: []string{spec.BoundaryID},
		Scheme:         scheme,
		Type:           elbtypes.LoadBalancerTypeEnumApplication,
		IpAddressType:  elbtypes.IpAddressTypeIpv4,
		Tags:           elbTags(spec.Tags),
	})
	if err != nil {
		return topology.LoadBalancer{}, fmt.Errorf("failed to create load balancer %s: %w", spec.Name, err)
	}
	if len(out.LoadBalancers) == 0 {
		return topology.LoadBalancer{}, errors.New("no load balancer returned from CreateLoadBalancer")
	}
	lb := out.LoadBalancers[0]
	arn := aws.ToString(lb.LoadBalancerArn)

	p.logger.Info("waiting for load balancer", "load_balancer_arn", arn)
	if err := elb.NewLoadBalancerAvailableWaiter(p.elb).Wait(ctx, &elb.DescribeLoadBalancersInput{
		LoadBalancerArns: []string{arn},
	}, lbWaitTimeout); err != nil {
		return topology.LoadBalancer{}, fmt.Errorf("failed waiting for load balancer %s: %w", spec.Name, err)
	}

	return topology.LoadBalancer{
		ARN:             arn,
		DNSName:         aws.ToString(lb.DNSName),
		CanonicalZoneID: aws.ToString(lb.CanonicalHostedZoneId),
		Boundary:        topology.BoundaryRef{ID: spec.BoundaryID},
	}, nil
}

// CreateTargetGroup creates the IP target group the service registers with.
func (p *AWSProvider) CreateTargetGroup(ctx context.Context, spec topology.TargetGroupSpec) (topology.RoutingTarget, error) {
	out, err := p.elb.CreateTargetGroup(ctx, &elb.CreateTargetGroupInput{
		Name:            aws.String(spec.Name),
		VpcId:           aws.String(spec.VPCID),
		Port:            aws.Int32(int32(spec.Port)),
		Protocol:        elbtypes.ProtocolEnum(spec.Protocol),
		TargetType:      elbtypes.TargetTypeEnum(spec.TargetType),
		HealthCheckPath: aws.String(spec.HealthCheckPath),
		Tags:            elbTags(spec.Tags),
	})
	if err != nil {
		return topology.RoutingTarget{}, fmt.Errorf("failed to create target group %s: %w", spec.Name, err)
	}
	if len(out.TargetGroups) == 0 {
		return topology.RoutingTarget{}, errors.New("no target group returned from CreateTargetGroup")
	}
	tg := out.TargetGroups[0]
	return topology.RoutingTarget{
		ARN:  aws.ToString(tg.TargetGroupArn),
		Name: spec.Name,
		Port: spec.Port,
	}, nil
}

// RegisterTarget records the service registration on the target group.
// The service cannot be attached until a listener routes to the target
// group, so CreateListener applies the registrations it finds.
func (p *AWSProvider) RegisterTarget(ctx context.Context, spec topology.TargetRegistrationSpec) error {
	_, err := p.elb.AddTags(ctx, &elb.AddTagsInput{
		ResourceArns: []string{spec.TargetGroupARN},
		Tags: elbTags(map[string]string{
			regClusterTag:   spec.ClusterARN,
			regServiceTag:   spec.ServiceARN,
			regContainerTag: spec.ContainerName,
			regPortTag:      strconv.Itoa(spec.ContainerPort),
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to record registration on %s: %w", spec.TargetGroupARN, err)
	}
	p.logger.Info("target registration recorded", "target_group_arn", spec.TargetGroupARN, "service_arn", spec.ServiceARN)
	return nil
}

// registrationOf reads the registration recorded on a target group.
func (p *AWSProvider) registrationOf(ctx context.Context, targetGroupARN string) (*topology.TargetRegistrationSpec, error) {
	out, err := p.elb.DescribeTags(ctx, &elb.DescribeTagsInput{ResourceArns: []string{targetGroupARN}})
	if err != nil {
		return nil, fmt.Errorf("failed to read tags of %s: %w", targetGroupARN, err)
	}
	tags := make(map[string]string)
	for _, d := range out.TagDescriptions {
		for _, t := range d.Tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}
	if tags[regServiceTag] == "" {
		return nil, nil
	}
	port, err := strconv.Atoi(tags[regPortTag])
	if err != nil {
		return nil, fmt.Errorf("invalid container port tag on %s: %w", targetGroupARN, err)
	}
	return &topology.TargetRegistrationSpec{
		TargetGroupARN: targetGroupARN,
		ClusterARN:     tags[regClusterTag],
		ServiceARN:     tags[regServiceTag],
		ContainerName:  tags[regContainerTag],
		ContainerPort:  port,
	}, nil
}

// attachService puts the service behind its target group.
func (p *AWSProvider) attachService(ctx context.Context, reg topology.TargetRegistrationSpec) error {
	_, err := p.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster: aws.String(reg.ClusterARN),
		Service: aws.String(reg.ServiceARN),
		LoadBalancers: []ecstypes.LoadBalancer{{
			TargetGroupArn: aws.String(reg.TargetGroupARN),
			ContainerName:  aws.String(reg.ContainerName),
			ContainerPort:  aws.Int32(int32(reg.ContainerPort)),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to attach service %s to %s: %w", reg.ServiceARN, reg.TargetGroupARN, err)
	}
	p.logger.Info("service attached to target group", "service_arn", reg.ServiceARN, "target_group_arn", reg.TargetGroupARN)
	return p.waitServiceStable(ctx, reg.ClusterARN, reg.ServiceARN)
}

// listenerActions converts the ordered action steps of a listener.
func listenerActions(specs []topology.ActionSpec) ([]elbtypes.Action, error) {
	actions := make([]elbtypes.Action, 0, len(specs))
	for _, a := range specs {
		action := elbtypes.Action{Order: aws.Int32(int32(a.Order))}
		switch a.Type {
		case topology.ActionTypeForward:
			action.Type = elbtypes.ActionTypeEnumForward
			action.TargetGroupArn = aws.String(a.TargetGroupARN)
		case topology.ActionTypeAuthenticate:
			action.Type = elbtypes.ActionTypeEnumAuthenticateCognito
			action.AuthenticateCognitoConfig = &elbtypes.AuthenticateCognitoActionConfig{
				UserPoolArn:      aws.String(a.UserPoolARN),
				UserPoolClientId: aws.String(a.ClientID),
				UserPoolDomain:   aws.String(a.DomainPrefix),
			}
		default:
			return nil, fmt.Errorf("unsupported action type %q", a.Type)
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func listenerCertificates(arns []string) []elbtypes.Certificate {
	if len(arns) == 0 {
		return nil
	}
	out := make([]elbtypes.Certificate, 0, len(arns))
	for _, arn := range arns {
		out = append(out, elbtypes.Certificate{CertificateArn: aws.String(arn)})
	}
	return out
}

// CreateListener creates the listener, or replaces the configuration of an
// existing listener on the same port, then attaches the services recorded
// on the forwarded target groups.
func (p *AWSProvider) CreateListener(ctx context.Context, spec topology.ListenerSpec) (topology.Listener, error) {
	actions, err := listenerActions(spec.Actions)
	if err != nil {
		return topology.Listener{}, err
	}

	var arn string
	out, err := p.elb.CreateListener(ctx, &elb.CreateListenerInput{
		LoadBalancerArn: aws.String(spec.LoadBalancerARN),
		Port:            aws.Int32(int32(spec.Port)),
		Protocol:        elbtypes.ProtocolEnum(spec.Protocol),
		Certificates:    listenerCertificates(spec.CertificateARNs),
		DefaultActions:  actions,
	})
	switch {
	case isErrorCode(err, "DuplicateListener"):
		arn, err = p.replaceListener(ctx, spec, actions)
		if err != nil {
			return topology.Listener{}, err
		}
	case err != nil:
		return topology.Listener{}, fmt.Errorf("failed to create listener on port %d: %w", spec.Port, err)
	default:
		if len(out.Listeners) == 0 {
			return topology.Listener{}, errors.New("no listener returned from CreateListener")
		}
		arn = aws.ToString(out.Listeners[0].ListenerArn)
	}
	p.logger.Info("listener ready", "listener_arn", arn, "port", spec.Port, "protocol", spec.Protocol)

	for _, a := range spec.Actions {
		if a.Type != topology.ActionTypeForward {
			continue
		}
		reg, err := p.registrationOf(ctx, a.TargetGroupARN)
		if err != nil {
			return topology.Listener{}, err
		}
		if reg == nil {
			continue
		}
		if err := p.attachService(ctx, *reg); err != nil {
			return topology.Listener{}, err
		}
	}

	return topology.Listener{
		ARN:          arn,
		Port:         spec.Port,
		Protocol:     spec.Protocol,
		Certificates: append([]string(nil), spec.CertificateARNs...),
	}, nil
}

func (p *AWSProvider) replaceListener(ctx context.Context, spec topology.ListenerSpec, actions []elbtypes.Action) (string, error) {
	existing, err := p.elb.DescribeListeners(ctx, &elb.DescribeListenersInput{
		LoadBalancerArn: aws.String(spec.LoadBalancerARN),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list listeners: %w", err)
	}
	for _, l := range existing.Listeners {
		if aws.ToInt32(l.Port) != int32(spec.Port) {
			continue
		}
		arn := aws.ToString(l.ListenerArn)
		if _, err := p.elb.ModifyListener(ctx, &elb.ModifyListenerInput{
			ListenerArn:    aws.String(arn),
			Port:           aws.Int32(int32(spec.Port)),
			Protocol:       elbtypes.ProtocolEnum(spec.Protocol),
			Certificates:   listenerCertificates(spec.CertificateARNs),
			DefaultActions: actions,
		}); err != nil {
			return "", fmt.Errorf("failed to modify listener %s: %w", arn, err)
		}
		return arn, nil
	}
	return "", fmt.Errorf("listener on port %d reported as duplicate but not found", spec.Port)
}

// =============================================================================
// CertificateIssuer
// =============================================================================

// idempotencyToken derives the ACM idempotency token for a domain.
func idempotencyToken(domain string) string {
	sum := sha256.Sum256([]byte(domain))
	return hex.EncodeToString(sum[:])[:32]
}

// RequestCertificate requests a DNS-validated certificate and waits until
// ACM publishes the validation records.
func (p *AWSProvider) RequestCertificate(ctx context.Context, spec topology.CertificateSpec) (PendingCertificate, error) {
	out, err := p.acm.RequestCertificate(ctx, &acm.RequestCertificateInput{
		DomainName:       aws.String(spec.Domain),
		ValidationMethod: acmtypes.ValidationMethodDns,
		IdempotencyToken: aws.String(idempotencyToken(spec.Domain)),
	})
	if err != nil {
		return PendingCertificate{}, fmt.Errorf("failed to request certificate for %s: %w", spec.Domain, err)
	}
	arn := aws.ToString(out.CertificateArn)
	p.logger.Info("certificate requested", "certificate_arn", arn, "domain", spec.Domain)

	// Validation records appear shortly after the request.
	for i := 0; i < 30; i++ {
		records, err := p.validationRecords(ctx, arn)
		if err != nil {
			return PendingCertificate{}, err
		}
		if len(records) > 0 {
			return PendingCertificate{ARN: arn, Records: records}, nil
		}
		if err := sleep(ctx, 2*time.Second); err != nil {
			return PendingCertificate{}, err
		}
	}
	return PendingCertificate{}, fmt.Errorf("certificate %s has no validation records", arn)
}

func (p *AWSProvider) validationRecords(ctx context.Context, arn string) ([]dns.ValidationRecord, error) {
	out, err := p.acm.DescribeCertificate(ctx, &acm.DescribeCertificateInput{CertificateArn: aws.String(arn)})
	if err != nil {
		return nil, fmt.Errorf("failed to describe certificate %s: %w", arn, err)
	}
	var records []dns.ValidationRecord
	for _, opt := range out.Certificate.DomainValidationOptions {
		if opt.ResourceRecord == nil {
			return nil, nil
		}
		records = append(records, dns.ValidationRecord{
			Name:  aws.ToString(opt.ResourceRecord.Name),
			Type:  string(opt.ResourceRecord.Type),
			Value: aws.ToString(opt.ResourceRecord.Value),
		})
	}
	return records, nil
}

// WaitForValidation waits until ACM issues the certificate. Public
// propagation of the validation records is observed first and only logged.
func (p *AWSProvider) WaitForValidation(ctx context.Context, arn string, timeout time.Duration) (topology.Certificate, error) {
	deadline := time.Now().Add(timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	records, err := p.validationRecords(waitCtx, arn)
	if err != nil {
		return topology.Certificate{}, err
	}
	p.observePropagation(waitCtx, records)

	err = acm.NewCertificateValidatedWaiter(p.acm).Wait(waitCtx, &acm.DescribeCertificateInput{
		CertificateArn: aws.String(arn),
	}, time.Until(deadline))
	if err != nil {
		if ctx.Err() != nil {
			return topology.Certificate{}, ctx.Err()
		}
		out, derr := p.acm.DescribeCertificate(ctx, &acm.DescribeCertificateInput{CertificateArn: aws.String(arn)})
		if derr == nil && out.Certificate.Status == acmtypes.CertificateStatusFailed {
			return topology.Certificate{}, fmt.Errorf("%w: %s", ErrValidationFailed, out.Certificate.FailureReason)
		}
		return topology.Certificate{}, fmt.Errorf("%w after %s: %v", ErrValidationTimeout, timeout, err)
	}

	out, err := p.acm.DescribeCertificate(ctx, &acm.DescribeCertificateInput{CertificateArn: aws.String(arn)})
	if err != nil {
		return topology.Certificate{}, fmt.Errorf("failed to describe certificate %s: %w", arn, err)
	}
	p.logger.Info("certificate issued", "certificate_arn", arn)
	return topology.Certificate{
		ARN:       arn,
		Domain:    aws.ToString(out.Certificate.DomainName),
		Validated: out.Certificate.Status == acmtypes.CertificateStatusIssued,
	}, nil
}

// observePropagation polls public DNS until every record resolves or half
// of the remaining wait has passed.
func (p *AWSProvider) observePropagation(ctx context.Context, records []dns.ValidationRecord) {
	budget := time.Minute
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline) / 2
	}
	pollCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for _, r := range records {
		for {
			result := p.resolver.Propagated(pollCtx, r)
			if result.Verified {
				p.logger.Info("validation record visible", "name", r.Name)
				break
			}
			if err := sleep(pollCtx, p.poll); err != nil {
				p.logger.Warn("validation record not yet visible", "name", r.Name, "reason", result.Error)
				return
			}
		}
	}
}
