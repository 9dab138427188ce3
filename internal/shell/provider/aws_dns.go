package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/artpar/edgestack/internal/core/dns"
	"github.com/artpar/edgestack/internal/core/topology"
)

// =============================================================================
// DNSProvider (Route 53)
// =============================================================================

// LookupZone returns the most specific public hosted zone containing domain.
func (p *AWSProvider) LookupZone(ctx context.Context, domain string) (topology.Zone, error) {
	var zones []topology.Zone
	pages := route53.NewListHostedZonesPaginator(p.route53, &route53.ListHostedZonesInput{})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return topology.Zone{}, fmt.Errorf("failed to list hosted zones: %w", err)
		}
		for _, z := range page.HostedZones {
			if z.Config != nil && z.Config.PrivateZone {
				continue
			}
			zones = append(zones, topology.Zone{
				ID:   strings.TrimPrefix(aws.ToString(z.Id), "/hostedzone/"),
				Name: aws.ToString(z.Name),
			})
		}
	}

	names := make([]string, len(zones))
	for i, z := range zones {
		names[i] = z.Name
	}
	i, err := dns.BestZone(names, domain)
	if err != nil {
		return topology.Zone{}, fmt.Errorf("%w: %s", ErrZoneNotFound, domain)
	}
	p.logger.Info("hosted zone resolved", "zone_id", zones[i].ID, "zone", zones[i].Name, "domain", domain)
	return zones[i], nil
}

// UpsertValidationRecord writes the validation CNAME and waits for the
// change to reach all Route 53 name servers.
func (p *AWSProvider) UpsertValidationRecord(ctx context.Context, zone topology.Zone, record dns.ValidationRecord) error {
	return p.changeRecord(ctx, zone.ID, r53types.ResourceRecordSet{
		Name:            aws.String(record.Name),
		Type:            r53types.RRType(record.Type),
		TTL:             aws.Int64(300),
		ResourceRecords: []r53types.ResourceRecord{{Value: aws.String(record.Value)}},
	})
}

// UpsertAlias points the domain at the load balancer with an alias A record.
func (p *AWSProvider) UpsertAlias(ctx context.Context, spec topology.AliasSpec) (topology.DNSBinding, error) {
	err := p.changeRecord(ctx, spec.ZoneID, r53types.ResourceRecordSet{
		Name: aws.String(spec.Name),
		Type: r53types.RRTypeA,
		AliasTarget: &r53types.AliasTarget{
			DNSName:              aws.String(spec.TargetDNSName),
			HostedZoneId:         aws.String(spec.TargetZoneID),
			EvaluateTargetHealth: false,
		},
	})
	if err != nil {
		return topology.DNSBinding{}, err
	}
	return topology.DNSBinding{ZoneID: spec.ZoneID, Name: spec.Name, Target: spec.TargetDNSName}, nil
}

func (p *AWSProvider) changeRecord(ctx context.Context, zoneID string, set r53types.ResourceRecordSet) error {
	out, err := p.route53.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Changes: []r53types.Change{{
				Action:            r53types.ChangeActionUpsert,
				ResourceRecordSet: &set,
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %s record %s: %w", set.Type, aws.ToString(set.Name), err)
	}

	if err := route53.NewResourceRecordSetsChangedWaiter(p.route53).Wait(ctx, &route53.GetChangeInput{
		Id: out.ChangeInfo.Id,
	}, changeWaitTimeout); err != nil {
		return fmt.Errorf("failed waiting for change of %s: %w", aws.ToString(set.Name), err)
	}
	p.logger.Info("record upserted", "zone_id", zoneID, "name", aws.ToString(set.Name), "type", set.Type)
	return nil
}
