package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/artpar/edgestack/internal/core/dns"
	"github.com/artpar/edgestack/internal/core/topology"
)

// ErrCloudflareToken is returned when no Cloudflare API token is configured.
var ErrCloudflareToken = errors.New("cloudflare API token is required")

// CloudflareDNS serves zone and record calls from Cloudflare. The apex alias
// is a CNAME, which Cloudflare flattens.
type CloudflareDNS struct {
	api    *cf.API
	logger *slog.Logger
}

var _ DNSProvider = (*CloudflareDNS)(nil)

// NewCloudflareDNS creates a Cloudflare DNS backend.
func NewCloudflareDNS(token string, logger *slog.Logger, opts ...cf.Option) (*CloudflareDNS, error) {
	if token == "" {
		return nil, ErrCloudflareToken
	}
	if logger == nil {
		logger = slog.Default()
	}
	api, err := cf.NewWithAPIToken(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Cloudflare API client: %w", err)
	}
	return &CloudflareDNS{api: api, logger: logger.With("dns", "cloudflare")}, nil
}

// LookupZone returns the most specific zone of the account containing domain.
func (c *CloudflareDNS) LookupZone(ctx context.Context, domain string) (topology.Zone, error) {
	zones, err := c.api.ListZones(ctx)
	if err != nil {
		return topology.Zone{}, fmt.Errorf("failed to list zones: %w", err)
	}
	names := make([]string, len(zones))
	for i, z := range zones {
		names[i] = z.Name
	}
	i, err := dns.BestZone(names, domain)
	if err != nil {
		return topology.Zone{}, fmt.Errorf("%w: %s", ErrZoneNotFound, domain)
	}
	c.logger.Info("zone resolved", "zone_id", zones[i].ID, "zone", zones[i].Name, "domain", domain)
	return topology.Zone{ID: zones[i].ID, Name: zones[i].Name}, nil
}

// UpsertValidationRecord publishes the certificate validation CNAME.
func (c *CloudflareDNS) UpsertValidationRecord(ctx context.Context, zone topology.Zone, record dns.ValidationRecord) error {
	return c.upsert(ctx, zone.ID, record.Type, dns.Normalize(record.Name), dns.Normalize(record.Value))
}

// UpsertAlias points the domain at the load balancer.
func (c *CloudflareDNS) UpsertAlias(ctx context.Context, spec topology.AliasSpec) (topology.DNSBinding, error) {
	if err := c.upsert(ctx, spec.ZoneID, "CNAME", dns.Normalize(spec.Name), dns.Normalize(spec.TargetDNSName)); err != nil {
		return topology.DNSBinding{}, err
	}
	return topology.DNSBinding{ZoneID: spec.ZoneID, Name: spec.Name, Target: spec.TargetDNSName}, nil
}

// upsert replaces every record of the given name and type with one record.
// Records are never proxied so the load balancer terminates TLS.
func (c *CloudflareDNS) upsert(ctx context.Context, zoneID, recordType, name, content string) error {
	rc := cf.ZoneIdentifier(zoneID)

	existing, _, err := c.api.ListDNSRecords(ctx, rc, cf.ListDNSRecordsParams{Type: recordType, Name: name})
	if err != nil {
		return fmt.Errorf("failed to list %s records for %s: %w", recordType, name, err)
	}
	for _, r := range existing {
		if dns.Normalize(r.Content) == content {
			c.logger.Debug("record already present", "name", name, "type", recordType)
			return nil
		}
	}
	for _, r := range existing {
		if err := c.api.DeleteDNSRecord(ctx, rc, r.ID); err != nil {
			return fmt.Errorf("failed to delete stale record %s: %w", r.ID, err)
		}
	}

	proxied := false
	record, err := c.api.CreateDNSRecord(ctx, rc, cf.CreateDNSRecordParams{
		Type:    recordType,
		Name:    name,
		Content: content,
		TTL:     300,
		Proxied: &proxied,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s record %s: %w", recordType, name, err)
	}
	c.logger.Info("record upserted", "zone_id", zoneID, "name", name, "type", recordType, "record_id", record.ID)
	return nil
}
