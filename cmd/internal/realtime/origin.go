package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

var errMissingOrigin = errors.New("missing origin")

// originPolicy is the compiled form of GatewayConfig.AllowedOrigins.
// An entry matches either the full origin or, failing that, its host.
type originPolicy struct {
	required bool
	any      bool
	origins  map[string]struct{}
	hosts    map[string]struct{}
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	p := originPolicy{
		required: required,
		origins:  make(map[string]struct{}, len(allowed)),
		hosts:    make(map[string]struct{}, len(allowed)),
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		switch a {
		case "":
			continue
		case "*":
			p.any = true
			continue
		}
		p.origins[a] = struct{}{}
		if h := originHost(a); h != "" {
			p.hosts[h] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) check(origin string) error {
	origin = strings.ToLower(strings.TrimSpace(origin))
	switch {
	case origin == "" && p.required:
		return errMissingOrigin
	case origin == "", p.any:
		return nil
	}
	if _, ok := p.origins[origin]; ok {
		return nil
	}
	if _, ok := p.hosts[originHost(origin)]; ok {
		return nil
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// acceptPatterns feeds websocket.AcceptOptions.OriginPatterns, which
// matches hosts with filepath.Match, so both checks agree.
func (p originPolicy) acceptPatterns() []string {
	if p.any {
		return []string{"*"}
	}
	out := make([]string, 0, len(p.hosts))
	for h := range p.hosts {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// originHost returns the lowercased host of an origin or host[:port]
// string, without the port.
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}
