package bundler

import (
	"context"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/Zivotu/git-Clean2-sub005/internal/depcache"
)

const (
	virtualUINamespace = "virtual-ui"
	httpNamespace      = "http-url"
)

// pluginSet wires esbuild module resolution to a depcache session and
// remembers the first resolution error so callers can classify failures.
type pluginSet struct {
	ctx     context.Context
	session *depcache.Session
	appRoot string

	mu  sync.Mutex
	err error
}

func (p *pluginSet) record(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
	return err
}

func (p *pluginSet) firstErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Order matters: esbuild takes the first callback that returns a path.
func (p *pluginSet) all() []api.Plugin {
	return []api.Plugin{
		{Name: "virtual-ui", Setup: p.setupVirtualUI},
		{Name: "alias", Setup: p.setupAlias},
		{Name: "cdn", Setup: p.setupCDN},
	}
}

func (p *pluginSet) setupVirtualUI(build api.PluginBuild) {
	build.OnResolve(api.OnResolveOptions{Filter: `^@/components/ui/(card|button|input|label|textarea|slider)$`},
		func(args api.OnResolveArgs) (api.OnResolveResult, error) {
			return api.OnResolveResult{Path: args.Path, Namespace: virtualUINamespace}, nil
		})
	build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: virtualUINamespace},
		func(args api.OnLoadArgs) (api.OnLoadResult, error) {
			contents := virtualUISource
			return api.OnLoadResult{Contents: &contents, ResolveDir: p.appRoot, Loader: api.LoaderTSX}, nil
		})
}

func (p *pluginSet) setupAlias(build api.PluginBuild) {
	build.OnResolve(api.OnResolveOptions{Filter: `^@/`},
		func(args api.OnResolveArgs) (api.OnResolveResult, error) {
			res, err := p.session.Resolve(p.ctx, args.Path)
			if err != nil {
				return api.OnResolveResult{}, p.record(err)
			}
			return api.OnResolveResult{Path: res.Path}, nil
		})
}

func (p *pluginSet) setupCDN(build api.PluginBuild) {
	// Imports made by CDN modules resolve against the importer's URL.
	build.OnResolve(api.OnResolveOptions{Filter: `.*`, Namespace: httpNamespace},
		func(args api.OnResolveArgs) (api.OnResolveResult, error) {
			u, err := p.session.ResolveURL(args.Path, args.Importer)
			if err != nil {
				return api.OnResolveResult{}, p.record(err)
			}
			return api.OnResolveResult{Path: u, Namespace: httpNamespace}, nil
		})

	build.OnResolve(api.OnResolveOptions{Filter: `^[^./]`},
		func(args api.OnResolveArgs) (api.OnResolveResult, error) {
			if _, err := depcache.ParseSpecifier(args.Path); err != nil {
				return api.OnResolveResult{}, nil
			}
			res, err := p.session.Resolve(p.ctx, args.Path)
			if err != nil {
				return api.OnResolveResult{}, p.record(err)
			}
			if res.Kind != depcache.KindRemote {
				return api.OnResolveResult{}, nil
			}
			return api.OnResolveResult{Path: res.URL, Namespace: httpNamespace, PluginData: res}, nil
		})

	build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: httpNamespace},
		func(args api.OnLoadArgs) (api.OnLoadResult, error) {
			name, ext := "", ""
			if res, ok := args.PluginData.(*depcache.Resolution); ok && res.Path != "" {
				name, ext = res.Path, res.Ext
			} else {
				entry, err := p.session.Fetch(p.ctx, args.Path)
				if err != nil {
					return api.OnLoadResult{}, p.record(err)
				}
				name, ext = entry.Path, entry.Ext
			}

			data, err := os.ReadFile(name)
			if err != nil {
				return api.OnLoadResult{}, p.record(err)
			}
			contents := string(data)
			return api.OnLoadResult{Contents: &contents, Loader: loaderFor(ext, args.Path)}, nil
		})
}

func loaderFor(ext, rawURL string) api.Loader {
	if ext == "" {
		ext = path.Ext(strings.SplitN(rawURL, "?", 2)[0])
	}
	switch strings.ToLower(ext) {
	case ".css":
		return api.LoaderCSS
	case ".json":
		return api.LoaderJSON
	case ".jsx":
		return api.LoaderJSX
	case ".ts", ".mts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	default:
		return api.LoaderJS
	}
}
