package limiter

import (
	"fmt"
	"net"
	"path"
	"strings"
)

// whitelistMatcher answers whether a client network address is exempt from
// rate accounting. Patterns are compiled once per policy: exact addresses,
// wildcard patterns ("10.1.*"), and CIDR blocks ("10.0.0.0/8").
type whitelistMatcher struct {
	exact map[string]struct{}
	globs []string
	nets  []*net.IPNet
}

func compileWhitelist(patterns []string) (*whitelistMatcher, error) {
	m := &whitelistMatcher{exact: make(map[string]struct{})}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
			continue
		case strings.Contains(p, "/"):
			_, ipNet, err := net.ParseCIDR(p)
			if err != nil {
				return nil, fmt.Errorf("invalid whitelist CIDR %q: %w", p, err)
			}
			m.nets = append(m.nets, ipNet)
		case strings.ContainsAny(p, "*?"):
			// Validate the pattern up front; path.Match only errors on
			// malformed patterns, never on input.
			if _, err := path.Match(p, ""); err != nil {
				return nil, fmt.Errorf("invalid whitelist pattern %q: %w", p, err)
			}
			m.globs = append(m.globs, p)
		default:
			m.exact[p] = struct{}{}
		}
	}
	return m, nil
}

// Match reports whether addr matches any whitelist entry.
func (m *whitelistMatcher) Match(addr string) bool {
	if addr == "" {
		return false
	}
	if _, ok := m.exact[addr]; ok {
		return true
	}
	for _, g := range m.globs {
		if ok, _ := path.Match(g, addr); ok {
			return true
		}
	}
	if len(m.nets) > 0 {
		if ip := net.ParseIP(addr); ip != nil {
			for _, n := range m.nets {
				if n.Contains(ip) {
					return true
				}
			}
		}
	}
	return false
}
