// Package csp compiles a capability policy into a Content-Security-Policy
// header value.
package csp

import (
	"net/url"
	"strings"

	"github.com/Zivotu/git-Clean2-sub005/internal/capability"
)

const DefaultCDNOrigin = "https://esm.sh"

var (
	stripeConnectOrigins = []string{"https://api.stripe.com"}
	stripeFrameOrigins   = []string{"https://js.stripe.com", "https://m.stripe.network"}
)

type Params struct {
	Policy         *capability.Policy // nil means NO_NET
	ExtraAllowlist []string
	FrameAncestors []string
	AllowCDN       bool
	LegacyScript   bool   // bundles that still need 'unsafe-eval'
	PublicOrigin   string // platform origin reached by proxy modes
	CDNOrigin      string // default: DefaultCDNOrigin
}

// Build returns the semicolon-joined CSP for p. It does no I/O.
func Build(p *Params) string {
	var network capability.Network = capability.NoNet{}
	if p.Policy != nil && p.Policy.Network != nil {
		network = p.Policy.Network
	}
	mode := network.Mode()

	cdnOrigin := p.CDNOrigin
	if cdnOrigin == "" {
		cdnOrigin = DefaultCDNOrigin
	}

	script := newSourceList("'self'")
	if p.LegacyScript {
		script.add("'unsafe-eval'")
	} else {
		script.add("blob:")
	}

	style := newSourceList("'self'")
	if mode != capability.ModeStrict {
		style.add("'unsafe-inline'")
	}

	connect := newSourceList("'self'")
	if mode != capability.ModeStrict {
		connect.add("blob:")
	}

	frame := newSourceList("'self'")

	if p.AllowCDN {
		script.add(cdnOrigin)
		style.add(cdnOrigin)
		connect.add(cdnOrigin)
	}

	var direct []string
	switch network.(type) {
	case capability.OpenNet, capability.DirectProxy:
		direct = append(direct, capability.Allowlist(network)...)
	}
	direct = append(direct, p.ExtraAllowlist...)
	for _, d := range direct {
		script.add(d)
		style.add(d)
		connect.add(d)
	}

	switch mode {
	case capability.ModeProxy, capability.ModeDirectProxy:
		if p.PublicOrigin != "" {
			connect.add(p.PublicOrigin)
		}
	case capability.ModeOpenNet:
		if len(capability.Allowlist(network)) == 0 && len(p.ExtraAllowlist) == 0 {
			connect.add("https:")
		}
	}

	for _, o := range stripeConnectOrigins {
		connect.add(o)
	}
	for _, o := range stripeFrameOrigins {
		frame.add(o)
	}

	relaxedMedia := mode == capability.ModeMediaOnly || mode == capability.ModeOpenNet
	img := newSourceList()
	media := newSourceList()
	if relaxedMedia {
		img.add("*", "data:", "blob:")
		media.add("*", "blob:")
	} else {
		img.add("'self'", "data:", "blob:")
		media.add("'self'", "blob:")
	}

	ancestors := newSourceList()
	if !containsSelf(p.FrameAncestors) {
		ancestors.add("'self'")
	}
	for _, a := range p.FrameAncestors {
		ancestors.add(a)
	}

	directives := []string{
		"default-src 'self'",
		"script-src " + script.String(),
		"style-src " + style.String(),
		"img-src " + img.String(),
		"media-src " + media.String(),
		"connect-src " + connect.String(),
		"frame-src " + frame.String(),
		"base-uri 'none'",
		"object-src 'none'",
		"frame-ancestors " + ancestors.String(),
	}
	return strings.Join(directives, "; ")
}

// sourceList is an ordered set of normalized source expressions.
type sourceList struct {
	items []string
	seen  map[string]struct{}
}

func newSourceList(sources ...string) *sourceList {
	l := &sourceList{seen: make(map[string]struct{})}
	l.add(sources...)
	return l
}

func (l *sourceList) add(sources ...string) {
	for _, s := range sources {
		n := Normalize(s)
		if n == "" {
			continue
		}
		if _, ok := l.seen[n]; ok {
			continue
		}
		l.seen[n] = struct{}{}
		l.items = append(l.items, n)
	}
}

func (l *sourceList) String() string {
	return strings.Join(l.items, " ")
}

func containsSelf(sources []string) bool {
	for _, s := range sources {
		if Normalize(s) == "'self'" {
			return true
		}
	}
	return false
}

var schemeOnly = map[string]struct{}{
	"http:": {}, "https:": {}, "ws:": {}, "wss:": {},
	"data:": {}, "blob:": {}, "mediastream:": {}, "filesystem:": {},
}

// Normalize converts a declared source into CSP source-expression syntax.
// It returns "" for entries that cannot be expressed.
func Normalize(source string) string {
	s := strings.TrimSpace(source)
	if s == "" {
		return ""
	}
	if s == "*" || strings.HasPrefix(s, "'") {
		return s
	}

	lower := strings.ToLower(s)
	if _, ok := schemeOnly[lower]; ok {
		return lower
	}

	if strings.Contains(s, "*") {
		if strings.Contains(s, "://") {
			return strings.TrimRight(s, "/")
		}
		return "https://" + strings.TrimRight(s, "/")
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return ""
		}
		return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
	}

	host := s
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return ""
	}
	return "https://" + strings.ToLower(host)
}
