package proxy

import "strings"

// Allowlist maps a toolkit slug to the hosts reachable through the proxy.
// It is static configuration and the sole authority for reachable hosts.
type Allowlist map[string][]string

// HostAllowed reports whether host is permitted for the toolkit. Patterns
// are exact hosts or "*." wildcard prefixes ("*.slack.com" matches any
// subdomain but not "slack.com" itself).
func (a Allowlist) HostAllowed(toolkit, host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range a[strings.ToLower(toolkit)] {
		if matchHost(strings.ToLower(pattern), host) {
			return true
		}
	}
	return false
}

func matchHost(pattern, host string) bool {
	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+rest)
	}
	return pattern == host
}
