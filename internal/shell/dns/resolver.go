// Package dns provides public DNS lookups used to observe record propagation.
// This is part of the Imperative Shell - handles I/O (DNS lookups).
package dns

import (
	"context"
	"net"

	coredns "github.com/artpar/edgestack/internal/core/dns"
)

// Resolver performs DNS lookups for certificate validation records.
type Resolver struct {
	resolver *net.Resolver
}

// NewResolver creates a new DNS resolver.
func NewResolver() *Resolver {
	return &Resolver{
		resolver: net.DefaultResolver,
	}
}

// LookupValidation resolves the validation record's name and returns a
// VerificationInput that can be passed to coredns.VerifyValidationRecord.
func (r *Resolver) LookupValidation(ctx context.Context, record coredns.ValidationRecord) coredns.VerificationInput {
	hostname := coredns.Normalize(record.Name)
	input := coredns.VerificationInput{
		Hostname: hostname,
	}

	cname, err := r.resolver.LookupCNAME(ctx, hostname)
	if err != nil {
		input.LookupError = err.Error()
		return input
	}
	// LookupCNAME returns the name itself when no CNAME exists.
	if cname != "" && coredns.Normalize(cname) != hostname {
		input.CNAMERecords = []string{cname}
	}
	if len(input.CNAMERecords) == 0 {
		input.LookupError = "no CNAME record found for " + hostname
	}

	return input
}

// Propagated reports whether the validation record is publicly visible.
func (r *Resolver) Propagated(ctx context.Context, record coredns.ValidationRecord) coredns.VerificationResult {
	return coredns.VerifyValidationRecord(r.LookupValidation(ctx, record), record)
}
