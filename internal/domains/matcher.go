package domains

import (
	"strings"

	"go.uber.org/zap"
)

// Matcher checks hostnames and sender domains against a configured list.
// An entry matches the domain itself and any of its subdomains.
type Matcher struct {
	name    string
	domains map[string]struct{}
	logger  *zap.Logger
}

// NewMatcher creates a new domain matcher
func NewMatcher(name string, domains []string, logger *zap.Logger) *Matcher {
	set := make(map[string]struct{}, len(domains))
	for _, domain := range domains {
		d := Normalize(domain)
		if d != "" {
			set[d] = struct{}{}
		}
	}

	if len(set) > 0 && logger != nil {
		logger.Debug("Initialized domain matcher",
			zap.String("list", name),
			zap.Int("domains", len(set)))
	}

	return &Matcher{
		name:    name,
		domains: set,
		logger:  logger,
	}
}

// Normalize lowercases a domain and strips surrounding dots and whitespace
func Normalize(domain string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// Len returns the number of configured domains
func (m *Matcher) Len() int {
	return len(m.domains)
}

// Matches reports whether host or one of its parent domains is listed
func (m *Matcher) Matches(host string) bool {
	if m == nil || len(m.domains) == 0 {
		return false
	}

	host = Normalize(host)
	for host != "" {
		if _, ok := m.domains[host]; ok {
			return true
		}
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			break
		}
		host = host[dot+1:]
	}
	return false
}

// MatchesAddress checks the domain part of an email address
func (m *Matcher) MatchesAddress(address string) bool {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return false
	}
	return m.Matches(strings.TrimRight(address[at+1:], "> "))
}
