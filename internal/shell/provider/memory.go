package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/edgestack/internal/core/dns"
	"github.com/artpar/edgestack/internal/core/topology"
)

// Operation names recorded by Memory.
const (
	OpCreateNetwork          = "CreateNetwork"
	OpCreateBoundary         = "CreateBoundary"
	OpAuthorizeIngress       = "AuthorizeIngress"
	OpCreateLogSink          = "CreateLogSink"
	OpCreateExecutionRole    = "CreateExecutionRole"
	OpCreateCluster          = "CreateCluster"
	OpRegisterTask           = "RegisterTask"
	OpCreateService          = "CreateService"
	OpLookupZone             = "LookupZone"
	OpRequestCertificate     = "RequestCertificate"
	OpUpsertValidationRecord = "UpsertValidationRecord"
	OpWaitForValidation      = "WaitForValidation"
	OpCreateLoadBalancer     = "CreateLoadBalancer"
	OpCreateTargetGroup      = "CreateTargetGroup"
	OpRegisterTarget         = "RegisterTarget"
	OpCreateIdentityPool     = "CreateIdentityPool"
	OpCreateIdentityClient   = "CreateIdentityClient"
	OpCreateIdentityDomain   = "CreateIdentityDomain"
	OpCreateListener         = "CreateListener"
	OpUpsertAlias            = "UpsertAlias"
)

var (
	errUnknownResource      = errors.New("referenced resource does not exist")
	errDomainPrefixTaken    = errors.New("identity domain prefix is already in use")
	errAliasWithoutListener = errors.New("load balancer has no listener")
)

// memoryCanonicalZone is the hosted zone reported for memory load balancers.
const memoryCanonicalZone = "ZMEMORYELB0001"

// Event is one successful call made against a Memory provider.
type Event struct {
	Seq      int    `json:"seq" yaml:"seq"`
	Op       string `json:"op" yaml:"op"`
	Resource string `json:"resource" yaml:"resource"`
	ID       string `json:"id,omitempty" yaml:"id,omitempty"`
}

type memoryCert struct {
	domain string
	record dns.ValidationRecord
}

// Memory is an in-memory Provider. It keeps the referential checks of a real
// cloud and records every successful call in order. An alias is refused
// until its load balancer has a listener.
// Creation calls are idempotent by resource name, like the cloud APIs they
// stand in for, but each call is still recorded.
//
// Memory is used for dry runs and tests. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	region  string
	account string
	nextID  int
	events  []Event
	fail    map[string]error
	created map[string]any

	zones         []topology.Zone
	records       map[string]dns.ValidationRecord
	boundaries    map[string]string
	rules         map[string][]topology.IngressRule
	clusters      map[string]bool
	taskRevisions map[string]int
	certs         map[string]memoryCert
	loadBalancers map[string]topology.LoadBalancer
	targetGroups  map[string]bool
	registrations map[string][]topology.TargetRegistrationSpec
	pools         map[string]string // ARN -> ID
	clients       map[string]topology.IdentityClientSpec
	domains       map[string]string // pool ID -> prefix
	prefixes      map[string]string // prefix -> pool ID
	listeners     []topology.ListenerSpec
	listening     map[string]bool // load balancer ARN
}

var _ Provider = (*Memory)(nil)

// NewMemory creates an in-memory provider for region hosting the given DNS zones.
func NewMemory(region string, zones ...string) *Memory {
	if region == "" {
		region = topology.DefaultRegion
	}
	m := &Memory{
		region:        region,
		account:       "000000000000",
		fail:          make(map[string]error),
		created:       make(map[string]any),
		records:       make(map[string]dns.ValidationRecord),
		boundaries:    make(map[string]string),
		rules:         make(map[string][]topology.IngressRule),
		clusters:      make(map[string]bool),
		taskRevisions: make(map[string]int),
		certs:         make(map[string]memoryCert),
		loadBalancers: make(map[string]topology.LoadBalancer),
		targetGroups:  make(map[string]bool),
		registrations: make(map[string][]topology.TargetRegistrationSpec),
		pools:         make(map[string]string),
		clients:       make(map[string]topology.IdentityClientSpec),
		domains:       make(map[string]string),
		prefixes:      make(map[string]string),
		listening:     make(map[string]bool),
	}
	for i, z := range zones {
		m.zones = append(m.zones, topology.Zone{
			ID:   fmt.Sprintf("Z%012d", i+1),
			Name: dns.Normalize(z) + ".",
		})
	}
	return m
}

// Name identifies the provider.
func (m *Memory) Name() string {
	return "memory"
}

// =============================================================================
// Test Controls
// =============================================================================

// FailOn makes every later call of op return err. A nil err clears it.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

// Events returns the recorded calls in order.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Count returns how many times op succeeded.
func (m *Memory) Count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Op == op {
			n++
		}
	}
	return n
}

// Index returns the position of the first successful op, or -1.
func (m *Memory) Index(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.events {
		if e.Op == op {
			return i
		}
	}
	return -1
}

// Rules returns the ingress rules of a boundary.
func (m *Memory) Rules(boundaryID string) []topology.IngressRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]topology.IngressRule(nil), m.rules[boundaryID]...)
}

// Registrations returns the services registered with a target group.
func (m *Memory) Registrations(targetGroupARN string) []topology.TargetRegistrationSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]topology.TargetRegistrationSpec(nil), m.registrations[targetGroupARN]...)
}

// Listeners returns the listener descriptors received.
func (m *Memory) Listeners() []topology.ListenerSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]topology.ListenerSpec(nil), m.listeners...)
}

// Clients returns the identity client descriptors by client ID.
func (m *Memory) Clients() map[string]topology.IdentityClientSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]topology.IdentityClientSpec, len(m.clients))
	for k, v := range m.clients {
		out[k] = v
	}
	return out
}

// =============================================================================
// Helpers (callers hold m.mu)
// =============================================================================

func (m *Memory) check(op string) error {
	return m.fail[op]
}

func (m *Memory) record(op, resource, id string) {
	m.events = append(m.events, Event{Seq: len(m.events) + 1, Op: op, Resource: resource, ID: id})
}

func (m *Memory) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%08x", prefix, m.nextID)
}

func (m *Memory) arn(service, resource string) string {
	return fmt.Sprintf("arn:aws:%s:%s:%s:%s", service, m.region, m.account, resource)
}

// remember returns the value created earlier under op and key, or creates it.
func remember[T any](m *Memory, op, key string, create func() T) T {
	k := op + "|" + key
	if v, ok := m.created[k]; ok {
		return v.(T)
	}
	v := create()
	m.created[k] = v
	return v
}

func unknown(kind, id string) error {
	return fmt.Errorf("%w: %s %q", errUnknownResource, kind, id)
}

// =============================================================================
// NetworkProvisioner
// =============================================================================

func (m *Memory) CreateNetwork(ctx context.Context, spec topology.NetworkSpec) (topology.NetworkHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateNetwork); err != nil {
		return topology.NetworkHandle{}, err
	}
	if len(spec.PublicCIDRs) == 0 || len(spec.PrivateCIDRs) == 0 {
		return topology.NetworkHandle{}, errors.New("network needs public and private subnets")
	}

	h := remember(m, OpCreateNetwork, spec.Name, func() topology.NetworkHandle {
		h := topology.NetworkHandle{VPCID: m.id("vpc"), CIDR: spec.CIDR}
		for range spec.PublicCIDRs {
			h.PublicSubnets = append(h.PublicSubnets, m.id("subnet"))
		}
		for range spec.PrivateCIDRs {
			h.PrivateSubnets = append(h.PrivateSubnets, m.id("subnet"))
		}
		return h
	})
	m.record(OpCreateNetwork, spec.Name, h.VPCID)
	return h.Clone(), nil
}

func (m *Memory) CreateBoundary(ctx context.Context, spec topology.BoundarySpec) (topology.BoundaryRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateBoundary); err != nil {
		return topology.BoundaryRef{}, err
	}

	ref := remember(m, OpCreateBoundary, spec.VPCID+"/"+spec.Name, func() topology.BoundaryRef {
		return topology.BoundaryRef{ID: m.id("sg"), Name: spec.Name}
	})
	m.boundaries[ref.ID] = ref.Name
	m.record(OpCreateBoundary, spec.Name, ref.ID)
	return ref, nil
}

func (m *Memory) AuthorizeIngress(ctx context.Context, spec topology.IngressSpec) (topology.IngressRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpAuthorizeIngress); err != nil {
		return topology.IngressRule{}, err
	}
	if _, ok := m.boundaries[spec.BoundaryID]; !ok {
		return topology.IngressRule{}, unknown("boundary", spec.BoundaryID)
	}
	if spec.SourceBoundaryID != "" {
		if _, ok := m.boundaries[spec.SourceBoundaryID]; !ok {
			return topology.IngressRule{}, unknown("boundary", spec.SourceBoundaryID)
		}
	}

	rule := spec.Rule()
	exists := false
	for _, r := range m.rules[spec.BoundaryID] {
		if r.SourceBoundaryID == rule.SourceBoundaryID && r.SourceCIDR == rule.SourceCIDR && r.Port == rule.Port && r.Protocol == rule.Protocol {
			exists = true
			break
		}
	}
	if !exists {
		m.rules[spec.BoundaryID] = append(m.rules[spec.BoundaryID], rule)
	}
	m.record(OpAuthorizeIngress, m.boundaries[spec.BoundaryID], spec.BoundaryID)
	return rule, nil
}

// =============================================================================
// ComputeProvisioner
// =============================================================================

func (m *Memory) CreateLogSink(ctx context.Context, spec topology.LogSinkSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateLogSink); err != nil {
		return "", err
	}
	m.record(OpCreateLogSink, spec.GroupName, spec.GroupName)
	return spec.GroupName, nil
}

func (m *Memory) CreateExecutionRole(ctx context.Context, spec topology.ExecutionRoleSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateExecutionRole); err != nil {
		return "", err
	}
	arn := fmt.Sprintf("arn:aws:iam::%s:role/%s", m.account, spec.Name)
	m.record(OpCreateExecutionRole, spec.Name, arn)
	return arn, nil
}

func (m *Memory) CreateCluster(ctx context.Context, spec topology.ClusterSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateCluster); err != nil {
		return "", err
	}
	arn := m.arn("ecs", "cluster/"+spec.Name)
	m.clusters[arn] = true
	m.record(OpCreateCluster, spec.Name, arn)
	return arn, nil
}

// RegisterTask registers a new revision on every call, as task definitions do.
func (m *Memory) RegisterTask(ctx context.Context, spec topology.TaskSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpRegisterTask); err != nil {
		return "", err
	}
	if spec.ExecutionRoleARN == "" {
		return "", errors.New("task definition needs an execution role")
	}
	m.taskRevisions[spec.Family]++
	arn := m.arn("ecs", fmt.Sprintf("task-definition/%s:%d", spec.Family, m.taskRevisions[spec.Family]))
	m.record(OpRegisterTask, spec.Family, arn)
	return arn, nil
}

func (m *Memory) CreateService(ctx context.Context, spec topology.ServiceSpec) (ServiceRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateService); err != nil {
		return ServiceRef{}, err
	}
	if !m.clusters[spec.ClusterARN] {
		return ServiceRef{}, unknown("cluster", spec.ClusterARN)
	}
	for _, id := range spec.BoundaryIDs {
		if _, ok := m.boundaries[id]; !ok {
			return ServiceRef{}, unknown("boundary", id)
		}
	}
	if len(spec.Subnets) == 0 {
		return ServiceRef{}, errors.New("service needs at least one subnet")
	}

	ref := remember(m, OpCreateService, spec.ClusterARN+"/"+spec.Name, func() ServiceRef {
		return ServiceRef{ARN: m.arn("ecs", "service/"+spec.Name), Name: spec.Name}
	})
	m.record(OpCreateService, spec.Name, ref.ARN)
	return ref, nil
}

// =============================================================================
// DNSProvider
// =============================================================================

func (m *Memory) LookupZone(ctx context.Context, domain string) (topology.Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpLookupZone); err != nil {
		return topology.Zone{}, err
	}
	names := make([]string, len(m.zones))
	for i, z := range m.zones {
		names[i] = z.Name
	}
	i, err := dns.BestZone(names, domain)
	if err != nil {
		return topology.Zone{}, fmt.Errorf("%w: %s", ErrZoneNotFound, domain)
	}
	m.record(OpLookupZone, domain, m.zones[i].ID)
	return m.zones[i], nil
}

func (m *Memory) zoneByID(id string) (topology.Zone, bool) {
	for _, z := range m.zones {
		if z.ID == id {
			return z, true
		}
	}
	return topology.Zone{}, false
}

func (m *Memory) UpsertValidationRecord(ctx context.Context, zone topology.Zone, record dns.ValidationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpUpsertValidationRecord); err != nil {
		return err
	}
	z, ok := m.zoneByID(zone.ID)
	if !ok {
		return unknown("zone", zone.ID)
	}
	if !dns.ZoneMatches(z.Name, record.Name) {
		return fmt.Errorf("record %s is outside zone %s", record.Name, z.Name)
	}
	m.records[z.ID+"|"+dns.Normalize(record.Name)] = record
	m.record(OpUpsertValidationRecord, dns.Normalize(record.Name), z.ID)
	return nil
}

func (m *Memory) UpsertAlias(ctx context.Context, spec topology.AliasSpec) (topology.DNSBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpUpsertAlias); err != nil {
		return topology.DNSBinding{}, err
	}
	if _, ok := m.zoneByID(spec.ZoneID); !ok {
		return topology.DNSBinding{}, unknown("zone", spec.ZoneID)
	}
	listening := false
	for arn, lb := range m.loadBalancers {
		if lb.DNSName == spec.TargetDNSName && m.listening[arn] {
			listening = true
			break
		}
	}
	if !listening {
		return topology.DNSBinding{}, fmt.Errorf("%w: %s", errAliasWithoutListener, spec.TargetDNSName)
	}

	binding := topology.DNSBinding{ZoneID: spec.ZoneID, Name: spec.Name, Target: spec.TargetDNSName}
	m.record(OpUpsertAlias, spec.Name, spec.ZoneID)
	return binding, nil
}

// =============================================================================
// CertificateIssuer
// =============================================================================

func (m *Memory) RequestCertificate(ctx context.Context, spec topology.CertificateSpec) (PendingCertificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpRequestCertificate); err != nil {
		return PendingCertificate{}, err
	}

	pending := remember(m, OpRequestCertificate, spec.Domain, func() PendingCertificate {
		sum := sha256.Sum256([]byte(spec.Domain))
		token := hex.EncodeToString(sum[:])
		arn := m.arn("acm", "certificate/"+token[:32])
		record := dns.ValidationRecord{
			Name:  "_" + token[:32] + "." + spec.Domain + ".",
			Type:  "CNAME",
			Value: "_" + token[32:] + ".acm-validations.aws.",
		}
		m.certs[arn] = memoryCert{domain: spec.Domain, record: record}
		return PendingCertificate{ARN: arn, Records: []dns.ValidationRecord{record}}
	})
	m.record(OpRequestCertificate, spec.Domain, pending.ARN)
	return pending, nil
}

// WaitForValidation succeeds once the validation record is published in a
// hosted zone; otherwise the wait times out immediately.
func (m *Memory) WaitForValidation(ctx context.Context, arn string, timeout time.Duration) (topology.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpWaitForValidation); err != nil {
		return topology.Certificate{}, err
	}
	cert, ok := m.certs[arn]
	if !ok {
		return topology.Certificate{}, unknown("certificate", arn)
	}

	published := false
	for _, r := range m.records {
		if dns.Normalize(r.Name) == dns.Normalize(cert.record.Name) && dns.Normalize(r.Value) == dns.Normalize(cert.record.Value) {
			published = true
			break
		}
	}
	if !published || timeout <= 0 {
		return topology.Certificate{}, fmt.Errorf("%w after %s", ErrValidationTimeout, timeout)
	}

	m.record(OpWaitForValidation, cert.domain, arn)
	return topology.Certificate{ARN: arn, Domain: cert.domain, Validated: true}, nil
}

// =============================================================================
// EdgeProvisioner
// =============================================================================

func (m *Memory) CreateLoadBalancer(ctx context.Context, spec topology.LoadBalancerSpec) (topology.LoadBalancer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateLoadBalancer); err != nil {
		return topology.LoadBalancer{}, err
	}
	name, ok := m.boundaries[spec.BoundaryID]
	if !ok {
		return topology.LoadBalancer{}, unknown("boundary", spec.BoundaryID)
	}

	lb := remember(m, OpCreateLoadBalancer, spec.Name, func() topology.LoadBalancer {
		id := m.id("lb")
		return topology.LoadBalancer{
			ARN:             m.arn("elasticloadbalancing", "loadbalancer/app/"+spec.Name+"/"+id),
			DNSName:         fmt.Sprintf("%s-%s.%s.elb.amazonaws.com", spec.Name, id, m.region),
			CanonicalZoneID: memoryCanonicalZone,
			Boundary:        topology.BoundaryRef{ID: spec.BoundaryID, Name: name},
		}
	})
	m.loadBalancers[lb.ARN] = lb
	m.record(OpCreateLoadBalancer, spec.Name, lb.ARN)
	return lb, nil
}

func (m *Memory) CreateTargetGroup(ctx context.Context, spec topology.TargetGroupSpec) (topology.RoutingTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateTargetGroup); err != nil {
		return topology.RoutingTarget{}, err
	}

	tg := remember(m, OpCreateTargetGroup, spec.Name, func() topology.RoutingTarget {
		return topology.RoutingTarget{
			ARN:  m.arn("elasticloadbalancing", "targetgroup/"+spec.Name+"/"+m.id("tg")),
			Name: spec.Name,
			Port: spec.Port,
		}
	})
	m.targetGroups[tg.ARN] = true
	m.record(OpCreateTargetGroup, spec.Name, tg.ARN)
	return tg, nil
}

func (m *Memory) RegisterTarget(ctx context.Context, spec topology.TargetRegistrationSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpRegisterTarget); err != nil {
		return err
	}
	if !m.targetGroups[spec.TargetGroupARN] {
		return unknown("target group", spec.TargetGroupARN)
	}
	for _, r := range m.registrations[spec.TargetGroupARN] {
		if r.ServiceARN == spec.ServiceARN {
			m.record(OpRegisterTarget, spec.ContainerName, spec.ServiceARN)
			return nil
		}
	}
	m.registrations[spec.TargetGroupARN] = append(m.registrations[spec.TargetGroupARN], spec)
	m.record(OpRegisterTarget, spec.ContainerName, spec.ServiceARN)
	return nil
}

func (m *Memory) CreateListener(ctx context.Context, spec topology.ListenerSpec) (topology.Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateListener); err != nil {
		return topology.Listener{}, err
	}
	if _, ok := m.loadBalancers[spec.LoadBalancerARN]; !ok {
		return topology.Listener{}, unknown("load balancer", spec.LoadBalancerARN)
	}
	for _, arn := range spec.CertificateARNs {
		if _, ok := m.certs[arn]; !ok {
			return topology.Listener{}, unknown("certificate", arn)
		}
	}
	if len(spec.Actions) == 0 {
		return topology.Listener{}, errors.New("listener needs a default action")
	}
	for _, a := range spec.Actions {
		switch a.Type {
		case topology.ActionTypeForward:
			if !m.targetGroups[a.TargetGroupARN] {
				return topology.Listener{}, unknown("target group", a.TargetGroupARN)
			}
		case topology.ActionTypeAuthenticate:
			poolID, ok := m.pools[a.UserPoolARN]
			if !ok {
				return topology.Listener{}, unknown("identity pool", a.UserPoolARN)
			}
			if _, ok := m.clients[a.ClientID]; !ok {
				return topology.Listener{}, unknown("identity client", a.ClientID)
			}
			if m.domains[poolID] != a.DomainPrefix {
				return topology.Listener{}, unknown("identity domain", a.DomainPrefix)
			}
		default:
			return topology.Listener{}, fmt.Errorf("unsupported action type %q", a.Type)
		}
	}

	l := remember(m, OpCreateListener, fmt.Sprintf("%s:%d", spec.LoadBalancerARN, spec.Port), func() topology.Listener {
		return topology.Listener{
			ARN:          m.arn("elasticloadbalancing", "listener/"+m.id("listener")),
			Port:         spec.Port,
			Protocol:     spec.Protocol,
			Certificates: append([]string(nil), spec.CertificateARNs...),
		}
	})
	m.listeners = append(m.listeners, spec)
	m.listening[spec.LoadBalancerARN] = true
	m.record(OpCreateListener, fmt.Sprintf("%s:%d", spec.Protocol, spec.Port), l.ARN)
	return l, nil
}

// =============================================================================
// IdentityProvisioner
// =============================================================================

func (m *Memory) CreateIdentityPool(ctx context.Context, spec topology.IdentityPoolSpec) (IdentityPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateIdentityPool); err != nil {
		return IdentityPool{}, err
	}

	pool := remember(m, OpCreateIdentityPool, spec.Name, func() IdentityPool {
		id := m.region + "_" + m.id("pool")
		return IdentityPool{ID: id, ARN: m.arn("cognito-idp", "userpool/"+id)}
	})
	m.pools[pool.ARN] = pool.ID
	m.record(OpCreateIdentityPool, spec.Name, pool.ID)
	return pool, nil
}

func (m *Memory) poolExists(id string) bool {
	for _, pid := range m.pools {
		if pid == id {
			return true
		}
	}
	return false
}

func (m *Memory) CreateIdentityClient(ctx context.Context, spec topology.IdentityClientSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateIdentityClient); err != nil {
		return "", err
	}
	if !m.poolExists(spec.PoolID) {
		return "", unknown("identity pool", spec.PoolID)
	}

	id := remember(m, OpCreateIdentityClient, spec.PoolID+"/"+spec.Name, func() string {
		return m.id("client")
	})
	m.clients[id] = spec
	m.record(OpCreateIdentityClient, spec.Name, id)
	return id, nil
}

func (m *Memory) CreateIdentityDomain(ctx context.Context, spec topology.IdentityDomainSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateIdentityDomain); err != nil {
		return "", err
	}
	if !m.poolExists(spec.PoolID) {
		return "", unknown("identity pool", spec.PoolID)
	}
	if owner, ok := m.prefixes[spec.Prefix]; ok && owner != spec.PoolID {
		return "", fmt.Errorf("%w: %s", errDomainPrefixTaken, spec.Prefix)
	}

	m.prefixes[spec.Prefix] = spec.PoolID
	m.domains[spec.PoolID] = spec.Prefix
	m.record(OpCreateIdentityDomain, spec.Prefix, spec.PoolID)
	return spec.Prefix, nil
}
