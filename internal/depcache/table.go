package depcache

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultReactVersion = "19.2.0"

var defaultPins = map[string]string{
	"react":         DefaultReactVersion,
	"react-dom":     DefaultReactVersion,
	"framer-motion": "11.0.0",
	"recharts":      "2.12.7",
	"html-to-image": "1.11.11",
	"three":         "0.160.0",
	"firebase":      "10.12.4",
}

var defaultAllow = []string{
	"react",
	"react-dom",
	"react-dom/client",
	"react/jsx-runtime",
	"react/jsx-dev-runtime",
	"framer-motion",
	"recharts",
	"html-to-image",
	"three",
	"@radix-ui/react-slider",
	"firebase/app",
	"firebase/auth",
	"firebase/firestore",
}

// Table is the curated set of packages a bundle may import and the versions
// they are pinned to.
type Table struct {
	Pins  map[string]string
	Allow map[string]struct{} // lowercased package names or name/subpath
}

func DefaultTable() *Table {
	t := &Table{Pins: maps.Clone(defaultPins), Allow: make(map[string]struct{})}
	for _, a := range defaultAllow {
		t.Allow[a] = struct{}{}
	}
	return t
}

type tableFile struct {
	Pins  map[string]string `yaml:"pins"`
	Allow []string          `yaml:"allow"`
}

// LoadTable reads extra pins and allowlist entries from a YAML file and
// merges them over the defaults.
func LoadTable(name string) (*Table, error) {
	t := DefaultTable()
	if name == "" {
		return t, nil
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("depcache.LoadTable: %w", err)
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("depcache.LoadTable: %w", err)
	}
	t.Merge(f.Pins, f.Allow)
	return t, nil
}

func (t *Table) Clone() *Table {
	return &Table{Pins: maps.Clone(t.Pins), Allow: maps.Clone(t.Allow)}
}

// Merge adds pins and allowlist entries. Pinned packages are allowed.
func (t *Table) Merge(pins map[string]string, allow []string) {
	for name, version := range pins {
		name = strings.ToLower(strings.TrimSpace(name))
		version = strings.TrimSpace(version)
		if name == "" || version == "" {
			continue
		}
		t.Pins[name] = version
		t.Allow[name] = struct{}{}
	}
	for _, a := range allow {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			t.Allow[a] = struct{}{}
		}
	}
}

// Allowed reports whether a package or one of its subpaths may be imported.
func (t *Table) Allowed(name, subpath string) bool {
	name = strings.ToLower(name)
	if _, ok := t.Allow[name]; ok {
		return true
	}
	if subpath != "" {
		_, ok := t.Allow[name+"/"+strings.ToLower(subpath)]
		return ok
	}
	return false
}

// Pin returns the pinned version of a package.
func (t *Table) Pin(name string) (string, bool) {
	v, ok := t.Pins[strings.ToLower(name)]
	return v, ok
}

func (t *Table) reactVersion(name string) string {
	if v, ok := t.Pin(name); ok {
		return v
	}
	return DefaultReactVersion
}

// AllowList returns the sorted allowlist, for error messages.
func (t *Table) AllowList() []string {
	return slices.Sorted(maps.Keys(t.Allow))
}

// Specifier is a parsed bare module specifier.
type Specifier struct {
	Name    string // "react", "@scope/pkg"
	Version string // requested version, usually empty
	Subpath string // "client" in "react-dom/client"
}

// ParseSpecifier splits a bare specifier such as "@scope/pkg@1.2/sub".
func ParseSpecifier(s string) (Specifier, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, ".") || strings.HasPrefix(s, "/") || strings.Contains(s, ":") {
		return Specifier{}, fmt.Errorf("%w: %q", ErrNotBare, s)
	}

	parts := strings.Split(s, "/")
	var name string
	var rest []string
	if strings.HasPrefix(s, "@") {
		if len(parts) < 2 || parts[1] == "" {
			return Specifier{}, fmt.Errorf("%w: %q", ErrNotBare, s)
		}
		name, rest = parts[0]+"/"+parts[1], parts[2:]
	} else {
		name, rest = parts[0], parts[1:]
	}

	var version string
	if i := strings.LastIndex(name, "@"); i > 0 {
		name, version = name[:i], name[i+1:]
	}

	return Specifier{Name: name, Version: version, Subpath: strings.Join(rest, "/")}, nil
}

func (s Specifier) isReact() bool {
	return s.Name == "react" || s.Name == "react-dom"
}
