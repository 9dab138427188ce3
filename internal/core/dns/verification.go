// Package dns contains pure functions for DNS zone and certificate validation logic.
// This is part of the Functional Core - all functions are pure with no I/O.
package dns

import (
	"errors"
	"regexp"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrInvalidHostname = errors.New("invalid hostname format")
	ErrHostnameTooLong = errors.New("hostname must be under 253 characters")
	ErrNoMatchingZone  = errors.New("no hosted zone matches the domain")
)

// =============================================================================
// Validation
// =============================================================================

var hostnameRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// ValidateHostname validates a fully qualified hostname.
func ValidateHostname(hostname string) error {
	hostname = Normalize(hostname)
	if hostname == "" {
		return ErrInvalidHostname
	}
	if len(hostname) > 253 {
		return ErrHostnameTooLong
	}
	if !hostnameRegex.MatchString(hostname) {
		return ErrInvalidHostname
	}
	return nil
}

// Normalize lowercases a DNS name and strips surrounding space and the trailing dot.
func Normalize(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(strings.ToLower(name)), ".")
}

// =============================================================================
// Zone Matching
// =============================================================================

// ZoneMatches reports whether domain lives inside zoneName.
//
//	ZoneMatches("example.com.", "app.example.com") // true
//	ZoneMatches("ample.com", "example.com")        // false
func ZoneMatches(zoneName, domain string) bool {
	zone := Normalize(zoneName)
	d := Normalize(domain)
	if zone == "" || d == "" {
		return false
	}
	return d == zone || strings.HasSuffix(d, "."+zone)
}

// BestZone picks the most specific zone name containing domain.
// The zone names are returned by the provider; the index of the winner is returned.
func BestZone(zoneNames []string, domain string) (int, error) {
	best, bestLen := -1, 0
	for i, z := range zoneNames {
		if !ZoneMatches(z, domain) {
			continue
		}
		if n := len(Normalize(z)); n > bestLen {
			best, bestLen = i, n
		}
	}
	if best < 0 {
		return -1, ErrNoMatchingZone
	}
	return best, nil
}

// =============================================================================
// Certificate Validation Records
// =============================================================================

// ValidationRecord is the DNS record a certificate authority asks for to
// prove control of a domain.
type ValidationRecord struct {
	Name  string `json:"name"`
	Type  string `json:"type"` // always CNAME for ACM
	Value string `json:"value"`
}

// VerificationInput contains DNS lookup results passed from the shell layer.
type VerificationInput struct {
	Hostname     string
	CNAMERecords []string
	LookupError  string
}

// VerificationResult is the pure output of verification logic.
type VerificationResult struct {
	Verified bool
	Error    string
}

// VerifyValidationRecord checks that the published record points at the
// value the certificate authority expects.
func VerifyValidationRecord(input VerificationInput, record ValidationRecord) VerificationResult {
	if input.LookupError != "" {
		return VerificationResult{
			Verified: false,
			Error:    "DNS lookup failed: " + input.LookupError,
		}
	}

	expected := Normalize(record.Value)
	for _, cname := range input.CNAMERecords {
		if Normalize(cname) == expected {
			return VerificationResult{Verified: true}
		}
	}

	return VerificationResult{
		Verified: false,
		Error:    "validation record does not point to the expected target",
	}
}
