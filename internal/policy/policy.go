// Package policy holds the manually maintained block and trust lists applied
// to discovered resources.
package policy

import (
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/resource-discovery/internal/geo"
)

// BlockedAddress is a street address that must never be imported.
type BlockedAddress struct {
	Address string `yaml:"address"`
	City    string `yaml:"city"`
	State   string `yaml:"state"`
	Reason  string `yaml:"reason,omitempty"`
}

// Policy is the parsed policy file. The zero value blocks nothing and trusts
// nothing beyond the built-in .gov rule in the scorer.
type Policy struct {
	BlockedDomains   []string         `yaml:"blocked_domains"`
	BlockedAddresses []BlockedAddress `yaml:"blocked_addresses"`
	TrustedDomains   []string         `yaml:"trusted_domains"`

	blockedAddrKeys map[string]struct{}
}

// Load reads a policy file. An empty path yields an empty policy.
func Load(path string) (*Policy, error) {
	if path == "" {
		return New(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "policy: read %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML policy data.
func Parse(data []byte) (*Policy, error) {
	var wrapper struct {
		Policy Policy `yaml:"policy"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "policy: parse")
	}
	p := &wrapper.Policy
	p.index()
	return p, nil
}

// New returns an empty policy.
func New() *Policy {
	p := &Policy{}
	p.index()
	return p
}

func (p *Policy) index() {
	p.blockedAddrKeys = make(map[string]struct{}, len(p.BlockedAddresses))
	for _, b := range p.BlockedAddresses {
		p.blockedAddrKeys[AddressKey(b.Address, b.City, b.State)] = struct{}{}
	}
	p.BlockedDomains = normalizeDomains(p.BlockedDomains)
	p.TrustedDomains = normalizeDomains(p.TrustedDomains)
}

// IsBlockedURL reports whether rawURL's host is, or is a subdomain of, a
// blocked domain.
func (p *Policy) IsBlockedURL(rawURL string) bool {
	if p == nil {
		return false
	}
	return matchesDomain(Host(rawURL), p.BlockedDomains)
}

// IsTrustedURL reports whether rawURL's host is on the trusted allow-list.
func (p *Policy) IsTrustedURL(rawURL string) bool {
	if p == nil {
		return false
	}
	return matchesDomain(Host(rawURL), p.TrustedDomains)
}

// IsBlockedAddress reports whether the normalized address is on the block list.
func (p *Policy) IsBlockedAddress(address, city, state string) bool {
	if p == nil || len(p.blockedAddrKeys) == 0 || strings.TrimSpace(address) == "" {
		return false
	}
	_, ok := p.blockedAddrKeys[AddressKey(address, city, state)]
	return ok
}

// AddressKey is the normalized lookup key for an address, city and state.
func AddressKey(address, city, state string) string {
	return geo.NormalizeAddress(address) + "|" + geo.NormalizeName(city) + "|" + geo.NormalizeName(state)
}

// Host extracts the lower-cased host of rawURL without a leading "www.".
// Bare hosts such as "example.org/path" are accepted.
func Host(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func matchesDomain(host string, domains []string) bool {
	if host == "" {
		return false
	}
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func normalizeDomains(in []string) []string {
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}
