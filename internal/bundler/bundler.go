// Package bundler compiles creator sources into a single browser module or
// passes raw HTML through unchanged.
package bundler

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/Zivotu/git-Clean2-sub005/internal/capability"
	"github.com/Zivotu/git-Clean2-sub005/internal/depcache"
)

const (
	IndexFile    = "index.html"
	ManifestFile = "manifest.json"
	EntryFile    = "app.js"
	styleFile    = "app.css"
)

var (
	//go:embed runtime/bootstrap.tsx
	bootstrapSource string

	//go:embed runtime/banner.js
	bannerSource string

	//go:embed runtime/virtual-ui.tsx
	virtualUISource string

	//go:embed index.html.tmpl
	indexHTMLText string
	indexHTML     = template.Must(template.New("index").Parse(indexHTMLText))
)

// BundleError is a compile failure. Message is safe to show to the creator,
// Diagnostics hold the full esbuild output for logs.
type BundleError struct {
	Message     string
	Diagnostics []string
	Err         error // first resolution error, if any
}

func (e *BundleError) Error() string {
	return "bundle failed: " + e.Message
}

func (e *BundleError) Unwrap() error {
	return e.Err
}

type BundleParams struct {
	EntryFile string             // required
	OutDir    string             // required
	AppRoot   string             // required
	Policy    *capability.Policy // default: capability.DefaultPolicy()
	Pins      map[string]string  // merged over the resolver's table for this bundle only
}

// Manifest is written next to the bundle. It carries no timestamps so equal
// inputs give equal bytes.
type Manifest struct {
	Entry   string          `json:"entry,omitempty"`
	Storage bool            `json:"storage"`
	Rooms   bool            `json:"rooms"`
	Network ManifestNetwork `json:"network"`
}

type ManifestNetwork struct {
	Mode           string   `json:"mode"`
	AllowedDomains []string `json:"allowedDomains"`
}

func NewManifest(policy *capability.Policy, entry string) *Manifest {
	domains := policy.AllowedDomains()
	if domains == nil {
		domains = []string{}
	}
	return &Manifest{
		Entry:   entry,
		Storage: policy.Storage,
		Rooms:   policy.Rooms,
		Network: ManifestNetwork{
			Mode:           string(policy.Network.Mode()),
			AllowedDomains: domains,
		},
	}
}

// RequiredFiles lists the files of the output directory a complete build
// must have.
func (m *Manifest) RequiredFiles() []string {
	files := []string{IndexFile, ManifestFile}
	if m.Entry != "" {
		files = append(files, m.Entry)
	}
	return files
}

type Result struct {
	Manifest    *Manifest
	Files       []string // relative to OutDir
	Passthrough bool
}

type Bundler struct {
	Resolver *depcache.Resolver // required
	log      *slog.Logger
}

func New(resolver *depcache.Resolver) *Bundler {
	return &Bundler{
		Resolver: resolver,
		log:      slog.With("component", "bundler"),
	}
}

// Bundle compiles params.EntryFile into params.OutDir. Nothing is written
// when it fails.
func (b *Bundler) Bundle(ctx context.Context, params *BundleParams) (*Result, error) {
	policy := params.Policy
	if policy == nil {
		policy = capability.DefaultPolicy()
	}

	source, err := os.ReadFile(params.EntryFile)
	if err != nil {
		return nil, fmt.Errorf("bundler.Bundler: %w", err)
	}

	if IsHTML(source) {
		manifest := NewManifest(policy, "")
		files := map[string][]byte{IndexFile: source}
		if err := writeOutputs(params.OutDir, manifest, files); err != nil {
			return nil, fmt.Errorf("bundler.Bundler: %w", err)
		}
		b.log.Info("passed html through", "out_dir", params.OutDir)
		return &Result{Manifest: manifest, Files: []string{IndexFile, ManifestFile}, Passthrough: true}, nil
	}

	outputs, err := b.compile(ctx, params, policy)
	if err != nil {
		return nil, err
	}

	_, hasStyle := outputs[styleFile]
	var index bytes.Buffer
	if err := indexHTML.Execute(&index, struct {
		Script string
		Style  string
	}{Script: "./" + EntryFile, Style: styleHref(hasStyle)}); err != nil {
		return nil, fmt.Errorf("bundler.Bundler: %w", err)
	}
	outputs[IndexFile] = index.Bytes()

	manifest := NewManifest(policy, EntryFile)
	if err := writeOutputs(params.OutDir, manifest, outputs); err != nil {
		return nil, fmt.Errorf("bundler.Bundler: %w", err)
	}

	files := make([]string, 0, len(outputs)+1)
	for name := range outputs {
		files = append(files, name)
	}
	files = append(files, ManifestFile)
	b.log.Info("bundled app", "out_dir", params.OutDir, "files", len(files))
	return &Result{Manifest: manifest, Files: files}, nil
}

func styleHref(ok bool) string {
	if !ok {
		return ""
	}
	return "./" + styleFile
}

// IsHTML reports whether source is a complete HTML document rather than a
// module.
func IsHTML(source []byte) bool {
	trimmed := bytes.TrimLeft(source, " \t\r\n\uFEFF")
	const prefix = "<!doctype html"
	return len(trimmed) >= len(prefix) && strings.EqualFold(string(trimmed[:len(prefix)]), prefix)
}

func (b *Bundler) compile(ctx context.Context, params *BundleParams, policy *capability.Policy) (map[string][]byte, error) {
	entry, err := filepath.Abs(params.EntryFile)
	if err != nil {
		return nil, fmt.Errorf("bundler.Bundler: %w", err)
	}
	outDir, err := filepath.Abs(params.OutDir)
	if err != nil {
		return nil, fmt.Errorf("bundler.Bundler: %w", err)
	}
	appRoot, err := filepath.Abs(params.AppRoot)
	if err != nil {
		return nil, fmt.Errorf("bundler.Bundler: %w", err)
	}

	resolver := *b.Resolver
	if len(params.Pins) > 0 {
		resolver.Table = resolver.Table.Clone()
		resolver.Table.Merge(params.Pins, nil)
	}
	session := resolver.NewSession(appRoot)

	entryJSON, _ := json.Marshal(filepath.ToSlash(entry))
	bootstrap := strings.Replace(bootstrapSource, `"__APP_ENTRY__"`, string(entryJSON), 1)

	caps, err := json.Marshal(NewManifest(policy, ""))
	if err != nil {
		return nil, fmt.Errorf("bundler.Bundler: %w", err)
	}
	banner := strings.Replace(bannerSource, "__APP_CAPABILITIES__", string(caps), 1)

	plugins := &pluginSet{ctx: ctx, session: session, appRoot: appRoot}

	bc, cerr := api.Context(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   bootstrap,
			ResolveDir: appRoot,
			Sourcefile: "bootstrap.tsx",
			Loader:     api.LoaderTSX,
		},
		Bundle:            true,
		Write:             false,
		Outfile:           filepath.Join(outDir, EntryFile),
		Format:            api.FormatESModule,
		Platform:          api.PlatformBrowser,
		Target:            api.ES2020,
		Splitting:         false,
		MinifyWhitespace:  true,
		MinifyIdentifiers: true,
		MinifySyntax:      true,
		JSX:               api.JSXAutomatic,
		Define: map[string]string{
			"process.env.NODE_ENV": `"production"`,
		},
		Loader: map[string]api.Loader{
			".png":  api.LoaderDataURL,
			".jpg":  api.LoaderDataURL,
			".jpeg": api.LoaderDataURL,
			".svg":  api.LoaderDataURL,
			".gif":  api.LoaderDataURL,
			".webp": api.LoaderDataURL,
			".css":  api.LoaderCSS,
		},
		Banner:   map[string]string{"js": banner},
		LogLevel: api.LogLevelSilent,
		Plugins:  plugins.all(),
	})
	if cerr != nil {
		return nil, newBundleError(cerr.Errors, nil)
	}
	defer bc.Dispose()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			bc.Cancel()
		case <-done:
		}
	}()
	result := bc.Rebuild()
	close(done)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("bundler.Bundler: %w", err)
	}
	if len(result.Errors) > 0 {
		bundleErr := newBundleError(result.Errors, plugins.firstErr())
		b.log.Warn("didn't bundle app", "error", bundleErr.Message, "diagnostics", strings.Join(bundleErr.Diagnostics, "\n"))
		return nil, bundleErr
	}

	outputs := make(map[string][]byte, len(result.OutputFiles))
	for _, f := range result.OutputFiles {
		rel, err := filepath.Rel(outDir, f.Path)
		if err != nil || !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("bundler.Bundler: unexpected output %s", f.Path)
		}
		outputs[filepath.ToSlash(rel)] = f.Contents
	}
	if _, ok := outputs[EntryFile]; !ok {
		return nil, fmt.Errorf("bundler.Bundler: %w", errors.New("no app.js in output"))
	}
	return outputs, nil
}

func newBundleError(msgs []api.Message, cause error) *BundleError {
	e := &BundleError{
		Diagnostics: api.FormatMessages(msgs, api.FormatMessagesOptions{Kind: api.ErrorMessage}),
		Err:         cause,
	}
	if len(msgs) > 0 {
		e.Message = msgs[0].Text
		if loc := msgs[0].Location; loc != nil {
			e.Message = fmt.Sprintf("%s:%d:%d: %s", filepath.Base(loc.File), loc.Line, loc.Column, msgs[0].Text)
		}
	}
	return e
}

func writeOutputs(outDir string, manifest *Manifest, files map[string][]byte) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for name, contents := range files {
		p := filepath.Join(outDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, contents, 0o644); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(outDir, ManifestFile), append(data, '\n'), 0o644)
}
