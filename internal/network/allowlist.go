// Package network decides which destination hosts sandboxed processes may
// reach through the relay.
package network

import (
	"fmt"
	"net"
	"strings"
)

// Presets are named groups of hosts commonly needed inside a session.
var Presets = map[string][]string{
	"ubuntu":    {"archive.ubuntu.com", "ports.ubuntu.com", "security.ubuntu.com"},
	"alpine":    {"dl-cdn.alpinelinux.org"},
	"npm":       {"registry.npmjs.org", "npmjs.com"},
	"pypi":      {"pypi.org", "files.pythonhosted.org"},
	"github":    {"github.com", "api.github.com", "raw.githubusercontent.com", "objects.githubusercontent.com"},
	"anthropic": {"api.anthropic.com", "anthropic.com"},
	"openai":    {"api.openai.com", "openai.com"},
	"gemini":    {"generativelanguage.googleapis.com"},
	"factory":   {"api.factory.ai", "app.factory.ai"},
}

// Special values
const (
	NetworkAll  = "all"  // Allow all traffic
	NetworkNone = "none" // No network access
)

// Policy is the set of hosts the relay forwards to.
type Policy struct {
	AllowAll  bool     // Allow all traffic
	Blocked   bool     // No network access
	Domains   []string // Allowed literal domains
	Wildcards []string // Allowed wildcard patterns (*.example.com)
}

// IsWildcard returns true if the domain is a wildcard pattern (*.example.com)
func IsWildcard(domain string) bool {
	return strings.HasPrefix(domain, "*.")
}

// ValidateWildcard accepts a single leading wildcard over a domain with at
// least two labels. *.com, **.example.com and sub.*.example.com are rejected.
func ValidateWildcard(pattern string) error {
	if !IsWildcard(pattern) {
		return fmt.Errorf("not a wildcard pattern: %s", pattern)
	}
	if strings.Contains(pattern, "**") {
		return fmt.Errorf("recursive wildcards not supported: %s", pattern)
	}

	base := ExtractBaseDomain(pattern)
	if strings.Contains(base, "*") {
		return fmt.Errorf("mid-level wildcards not supported: %s", pattern)
	}
	if !strings.Contains(base, ".") {
		return fmt.Errorf("TLD wildcards not allowed: %s", pattern)
	}
	return nil
}

// ExtractBaseDomain returns the base domain from a wildcard pattern.
// e.g., *.example.com -> example.com
func ExtractBaseDomain(pattern string) string {
	return strings.TrimPrefix(pattern, "*.")
}

// Parse converts specs such as "ubuntu,github,*.example.com" into a Policy.
// "all" and "none" win regardless of position; an empty list blocks everything.
// Invalid wildcards are dropped.
func Parse(specs []string) *Policy {
	if len(specs) == 0 {
		return &Policy{Blocked: true, Domains: []string{}, Wildcards: []string{}}
	}

	for _, spec := range specs {
		switch normalize(spec) {
		case NetworkAll:
			return &Policy{AllowAll: true, Domains: []string{}, Wildcards: []string{}}
		case NetworkNone:
			return &Policy{Blocked: true, Domains: []string{}, Wildcards: []string{}}
		}
	}

	policy := &Policy{Domains: []string{}, Wildcards: []string{}}
	for _, spec := range specs {
		spec = normalize(spec)
		if spec == "" {
			continue
		}

		if hosts, ok := Presets[spec]; ok {
			policy.Domains = append(policy.Domains, hosts...)
		} else if IsWildcard(spec) {
			if err := ValidateWildcard(spec); err == nil {
				policy.Wildcards = append(policy.Wildcards, spec)
			}
		} else {
			policy.Domains = append(policy.Domains, spec)
		}
	}

	policy.Domains = deduplicate(policy.Domains)
	policy.Wildcards = deduplicate(policy.Wildcards)
	return policy
}

// Allows reports whether host (optionally with a port) may be reached.
// A wildcard matches subdomains only, not the base domain itself.
func (p *Policy) Allows(host string) bool {
	if p == nil || p.AllowAll {
		return true
	}
	if p.Blocked {
		return false
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")

	for _, d := range p.Domains {
		if host == d {
			return true
		}
	}
	for _, w := range p.Wildcards {
		if strings.HasSuffix(host, "."+ExtractBaseDomain(w)) {
			return true
		}
	}
	return false
}

func normalize(spec string) string {
	return strings.TrimSpace(strings.ToLower(spec))
}

func deduplicate(domains []string) []string {
	seen := make(map[string]bool)
	result := []string{}

	for _, domain := range domains {
		if !seen[domain] {
			seen[domain] = true
			result = append(result, domain)
		}
	}

	return result
}
