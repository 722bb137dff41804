package depcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

const DefaultCDNBase = "https://esm.sh"

type Kind int

const (
	// KindLocal is a file inside the app's own source root.
	KindLocal Kind = iota + 1
	// KindRemote is a CDN module available in the disk cache.
	KindRemote
	// KindDefault leaves resolution to the bundler.
	KindDefault
)

type Resolution struct {
	Kind Kind
	Path string // local file or cache file
	URL  string // CDN URL for KindRemote
	Ext  string // cache file extension for KindRemote
}

type Resolver struct {
	Table    *Table // required
	Cache    *Cache // required
	CDNBase  string // default: DefaultCDNBase
	AllowAny bool   // allow any bare import at "latest"
}

func (r *Resolver) cdnBase() string {
	b := r.CDNBase
	if b == "" {
		b = DefaultCDNBase
	}
	return strings.TrimRight(b, "/")
}

// NewSession returns a resolution scope for one bundle invocation rooted at
// appRoot.
func (r *Resolver) NewSession(appRoot string) *Session {
	return &Session{
		resolver: r,
		appRoot:  appRoot,
		resolved: make(map[string]*Resolution),
		log:      slog.With("component", "depcache", "app_root", appRoot),
	}
}

// Session memoizes resolutions so a module requested by several importers
// of the same bundle is resolved once. It is safe for concurrent use.
type Session struct {
	resolver *Resolver
	appRoot  string
	log      *slog.Logger

	mu       sync.Mutex
	resolved map[string]*Resolution
}

func (s *Session) memo(key string) (*Resolution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resolved[key]
	return res, ok
}

func (s *Session) remember(key string, res *Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved[key] = res
}

var aliasExts = []string{"", ".tsx", ".ts", "/index.tsx", "/index.ts"}

// Resolve resolves an "@/" alias or a bare module specifier.
func (s *Session) Resolve(ctx context.Context, specifier string) (*Resolution, error) {
	if res, ok := s.memo(specifier); ok {
		return res, nil
	}

	var res *Resolution
	var err error
	if rest, ok := strings.CutPrefix(specifier, "@/"); ok {
		res, err = s.resolveAlias(rest)
	} else {
		res, err = s.resolveBare(ctx, specifier)
	}
	if err != nil {
		return nil, fmt.Errorf("depcache.Session: %w", err)
	}

	s.remember(specifier, res)
	return res, nil
}

func (s *Session) resolveAlias(rest string) (*Resolution, error) {
	rel := filepath.FromSlash(rest)
	if !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("%w: @/%s", ErrAliasNotFound, rest)
	}
	base := filepath.Join(s.appRoot, rel)
	for _, ext := range aliasExts {
		p := base + filepath.FromSlash(ext)
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() {
			return &Resolution{Kind: KindLocal, Path: p}, nil
		}
	}
	return nil, fmt.Errorf("%w: @/%s", ErrAliasNotFound, rest)
}

func (s *Session) resolveBare(ctx context.Context, specifier string) (*Resolution, error) {
	r := s.resolver

	spec, err := ParseSpecifier(specifier)
	if err != nil {
		return nil, err
	}

	var version string
	switch {
	case spec.isReact():
		version = r.Table.reactVersion(spec.Name)
	case r.Table.Allowed(spec.Name, spec.Subpath):
		if pinned, ok := r.Table.Pin(spec.Name); ok {
			version = pinned
		} else if spec.Version != "" {
			version = spec.Version
		} else {
			version = "latest"
		}
	case r.AllowAny:
		version = spec.Version
		if version == "" {
			version = "latest"
		}
	default:
		return nil, fmt.Errorf("%w: %q (allowed: %s)", ErrNotAllowed, specifier, strings.Join(r.Table.AllowList(), ", "))
	}

	moduleRef := spec.Name + "@" + version
	if spec.Subpath != "" {
		moduleRef += "/" + spec.Subpath
	}
	rawURL := r.cdnBase() + "/" + moduleRef

	entry, err := r.Cache.GetOrFetch(ctx, moduleRef, rawURL)
	if err != nil {
		if r.AllowAny {
			s.log.Warn("didn't fetch module, falling back to default resolution", "module", moduleRef, "error", err)
			return &Resolution{Kind: KindDefault}, nil
		}
		return nil, err
	}
	return &Resolution{Kind: KindRemote, Path: entry.Path, URL: rawURL, Ext: entry.Ext}, nil
}

// Fetch returns the cached source of a module referenced by absolute URL,
// as imported from inside another CDN module.
func (s *Session) Fetch(ctx context.Context, rawURL string) (*Entry, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("depcache.Session: %w", err)
	}
	moduleRef := u.Host + u.Path
	if u.RawQuery != "" {
		moduleRef += "?" + u.RawQuery
	}
	entry, err := s.resolver.Cache.GetOrFetch(ctx, moduleRef, rawURL)
	if err != nil {
		return nil, fmt.Errorf("depcache.Session: %w", err)
	}
	return entry, nil
}

// ResolveURL resolves a specifier imported by a CDN module at importer and
// rewrites React family URLs on the CDN host to the pinned versions.
func (s *Session) ResolveURL(specifier, importer string) (string, error) {
	base, err := url.Parse(importer)
	if err != nil {
		return "", fmt.Errorf("depcache.Session: %w", err)
	}
	ref, err := url.Parse(strings.ReplaceAll(specifier, "@^", "@"))
	if err != nil {
		return "", fmt.Errorf("depcache.Session: %w", err)
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("depcache.Session: %w", errors.New("unsupported scheme "+u.Scheme))
	}

	cdn, err := url.Parse(s.resolver.cdnBase())
	if err == nil && (u.Host == cdn.Host || strings.HasSuffix(u.Host, "."+cdn.Host)) {
		s.resolver.Table.pinReactURL(u)
	}
	return u.String(), nil
}

var reactPathPattern = regexp.MustCompile(`^/(react|react-dom)(@[^/]+)?(/.*)?$`)

// pinReactURL rewrites /react@x/... and /react-dom@x/... to the pinned
// versions so a bundle never carries two React instances.
func (t *Table) pinReactURL(u *url.URL) {
	m := reactPathPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return
	}
	name, rest := m[1], m[3]
	switch strings.TrimSuffix(strings.TrimSuffix(rest, ".js"), ".mjs") {
	case "/jsx-runtime", "/jsx-dev-runtime", "/client":
		rest = strings.TrimSuffix(strings.TrimSuffix(rest, ".js"), ".mjs")
	}
	u.Path = "/" + name + "@" + t.reactVersion(name) + rest
	u.RawQuery = ""
}
