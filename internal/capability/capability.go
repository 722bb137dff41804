// Package capability models the capability manifest a creator declares for
// an app: which network access, storage and rooms bridges, and which iframe
// sandbox relaxations it needs.
package capability

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownMode    = errors.New("unknown network mode")
	ErrInvalidOrigin  = errors.New("invalid allowlist entry")
	ErrTooManyOrigins = errors.New("too many allowlist entries")
)

// MaxAllowlist bounds the number of allowlist entries a manifest may declare.
const MaxAllowlist = 64

// Mode is the wire name of a network mode.
type Mode string

const (
	ModeNoNet       Mode = "NO_NET"
	ModeMediaOnly   Mode = "MEDIA_ONLY"
	ModeOpenNet     Mode = "OPEN_NET"
	ModeProxy       Mode = "proxy"
	ModeDirectProxy Mode = "direct+proxy"
	ModeStrict      Mode = "strict"
)

// ModeFromString parses a mode name case-insensitively.
// An empty string is NO_NET.
func ModeFromString(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "no_net", "nonet", "none":
		return ModeNoNet, nil
	case "media_only":
		return ModeMediaOnly, nil
	case "open_net":
		return ModeOpenNet, nil
	case "proxy":
		return ModeProxy, nil
	case "direct+proxy", "direct_proxy":
		return ModeDirectProxy, nil
	case "strict":
		return ModeStrict, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Network is one of NoNet, MediaOnly, OpenNet, Proxy, DirectProxy or Strict.
type Network interface {
	Mode() Mode
	network()
}

type NoNet struct{}

type MediaOnly struct{}

// OpenNet lets the app reach the allowlisted origins directly. An empty
// allowlist grants any https origin for connections.
type OpenNet struct {
	Allowlist []string
}

// Proxy routes every outbound call through the platform proxy. The
// allowlist is enforced by the proxy, not by the browser.
type Proxy struct {
	Allowlist []string
}

// DirectProxy is Proxy plus direct access to the allowlisted origins.
type DirectProxy struct {
	Allowlist []string
}

type Strict struct{}

func (NoNet) Mode() Mode       { return ModeNoNet }
func (MediaOnly) Mode() Mode   { return ModeMediaOnly }
func (OpenNet) Mode() Mode     { return ModeOpenNet }
func (Proxy) Mode() Mode       { return ModeProxy }
func (DirectProxy) Mode() Mode { return ModeDirectProxy }
func (Strict) Mode() Mode      { return ModeStrict }

func (NoNet) network()       {}
func (MediaOnly) network()   {}
func (OpenNet) network()     {}
func (Proxy) network()       {}
func (DirectProxy) network() {}
func (Strict) network()      {}

// Allowlist returns the origins a network mode carries, or nil.
func Allowlist(n Network) []string {
	switch n := n.(type) {
	case OpenNet:
		return n.Allowlist
	case Proxy:
		return n.Allowlist
	case DirectProxy:
		return n.Allowlist
	default:
		return nil
	}
}

type Sandbox struct {
	AllowForms  bool
	AllowModals bool
}

// Policy is the decoded capability manifest of one build.
type Policy struct {
	Network Network
	Storage bool
	Rooms   bool
	Sandbox Sandbox
}

// DefaultPolicy is used when a publish request carries no manifest.
func DefaultPolicy() *Policy {
	return &Policy{Network: NoNet{}, Storage: true}
}

// SandboxTokens returns the iframe sandbox attribute tokens for the policy.
func (p *Policy) SandboxTokens() []string {
	tokens := []string{"allow-scripts", "allow-same-origin"}
	if p.Sandbox.AllowForms {
		tokens = append(tokens, "allow-forms")
	}
	if p.Sandbox.AllowModals {
		tokens = append(tokens, "allow-modals")
	}
	return tokens
}

// AllowedDomains returns the hosts the app may talk to, as recorded in the
// build manifest.
func (p *Policy) AllowedDomains() []string {
	var domains []string
	seen := make(map[string]struct{})
	for _, entry := range Allowlist(p.Network) {
		host := hostOf(entry)
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		domains = append(domains, host)
	}
	return domains
}

type wireNetwork struct {
	Mode      string   `yaml:"mode"`
	Allowlist []string `yaml:"allowlist"`
}

type wireSandbox struct {
	AllowForms  bool `yaml:"allowForms"`
	AllowModals bool `yaml:"allowModals"`
}

type wirePolicy struct {
	Network wireNetwork `yaml:"network"`
	Storage *bool       `yaml:"storage"`
	Rooms   bool        `yaml:"rooms"`
	Sandbox wireSandbox `yaml:"sandbox"`
}

// Parse decodes a capability manifest given as JSON or YAML.
func Parse(data []byte) (*Policy, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return DefaultPolicy(), nil
	}

	var w wirePolicy
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("capability.Parse: %w", err)
	}

	p, err := fromWire(&w)
	if err != nil {
		return nil, fmt.Errorf("capability.Parse: %w", err)
	}
	return p, nil
}

func fromWire(w *wirePolicy) (*Policy, error) {
	mode, err := ModeFromString(w.Network.Mode)
	if err != nil {
		return nil, err
	}

	allowlist, err := cleanAllowlist(w.Network.Allowlist)
	if err != nil {
		return nil, err
	}

	var n Network
	switch mode {
	case ModeNoNet:
		n = NoNet{}
	case ModeMediaOnly:
		n = MediaOnly{}
	case ModeOpenNet:
		n = OpenNet{Allowlist: allowlist}
	case ModeProxy:
		n = Proxy{Allowlist: allowlist}
	case ModeDirectProxy:
		n = DirectProxy{Allowlist: allowlist}
	case ModeStrict:
		n = Strict{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	storage := true
	if w.Storage != nil {
		storage = *w.Storage
	}

	return &Policy{
		Network: n,
		Storage: storage,
		Rooms:   w.Rooms,
		Sandbox: Sandbox{AllowForms: w.Sandbox.AllowForms, AllowModals: w.Sandbox.AllowModals},
	}, nil
}

func cleanAllowlist(entries []string) ([]string, error) {
	if len(entries) > MaxAllowlist {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyOrigins, len(entries), MaxAllowlist)
	}
	var cleaned []string
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.ContainsAny(e, " ;,'\"") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidOrigin, e)
		}
		cleaned = append(cleaned, e)
	}
	return cleaned, nil
}

// hostOf extracts the host part of an allowlist entry such as
// "https://api.example.com/v1", "*.example.com" or "example.com:8443".
func hostOf(entry string) string {
	s := strings.ToLower(strings.TrimSpace(entry))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	return s
}
