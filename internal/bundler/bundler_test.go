package bundler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Zivotu/git-Clean2-sub005/internal/capability"
	"github.com/Zivotu/git-Clean2-sub005/internal/depcache"
)

// reactStub is served for every CDN path. It exports what the bootstrap,
// the JSX runtime and the UI components reference.
const reactStub = `
export function createElement() { return null; }
export function forwardRef(fn) { return fn; }
export function useState(v) { return [v, function () {}]; }
export function createRoot() { return { render: function () {} }; }
export function jsx() { return null; }
export const jsxs = jsx;
export const Fragment = "fragment";
export default { createElement: createElement };
`

func newTestBundler(t *testing.T) *Bundler {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write([]byte(reactStub))
	}))
	t.Cleanup(server.Close)

	return New(&depcache.Resolver{
		Table:   depcache.DefaultTable(),
		Cache:   depcache.NewCache(t.TempDir(), 5*time.Second),
		CDNBase: server.URL,
	})
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	}
}

func TestBundlerBundle(t *testing.T) {
	t.Run("passes html through", func(t *testing.T) {
		ctx := context.Background()
		root := t.TempDir()
		html := "\n  <!DOCTYPE html><html><body>hi</body></html>"
		writeFiles(t, root, map[string]string{"source/index.html": html})
		outDir := filepath.Join(root, "build")

		result, err := newTestBundler(t).Bundle(ctx, &BundleParams{
			EntryFile: filepath.Join(root, "source/index.html"),
			OutDir:    outDir,
			AppRoot:   filepath.Join(root, "source"),
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if !result.Passthrough {
			t.Fatalf("got not passthrough, want passthrough")
		}
		got, err := os.ReadFile(filepath.Join(outDir, IndexFile))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if string(got) != html {
			t.Fatalf("got %q, want %q", got, html)
		}
		manifest, err := os.ReadFile(filepath.Join(outDir, ManifestFile))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if bytes.Contains(manifest, []byte(`"entry"`)) {
			t.Fatalf("got entry in %s", manifest)
		}
		if _, err := os.Stat(filepath.Join(outDir, EntryFile)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("got %v, want %v", err, os.ErrNotExist)
		}
		if got, want := result.Manifest.RequiredFiles(), []string{IndexFile, ManifestFile}; strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("compiles tsx with alias and ui components", func(t *testing.T) {
		ctx := context.Background()
		root := t.TempDir()
		writeFiles(t, root, map[string]string{
			"source/app.tsx": `
import { Card, CardContent } from "@/components/ui/card";
import { Button } from "@/components/ui/button";
import { greeting } from "@/lib/greeting";

export default function App() {
  return <Card><CardContent><Button>{greeting}</Button></CardContent></Card>;
}
`,
			"source/lib/greeting.ts": `export const greeting = "hello-from-greeting";`,
		})
		outDir := filepath.Join(root, "build")

		result, err := newTestBundler(t).Bundle(ctx, &BundleParams{
			EntryFile: filepath.Join(root, "source/app.tsx"),
			OutDir:    outDir,
			AppRoot:   filepath.Join(root, "source"),
			Policy:    &capability.Policy{Network: capability.OpenNet{Allowlist: []string{"https://api.example.com/v1"}}, Rooms: true},
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if result.Passthrough {
			t.Fatalf("got passthrough, want compiled")
		}
		app, err := os.ReadFile(filepath.Join(outDir, EntryFile))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		for _, want := range []string{"hello-from-greeting", "__appBridges", "rounded-lg border"} {
			if !bytes.Contains(app, []byte(want)) {
				t.Fatalf("got app.js without %q", want)
			}
		}
		index, err := os.ReadFile(filepath.Join(outDir, IndexFile))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !bytes.Contains(index, []byte(`<script type="module" src="./app.js"></script>`)) {
			t.Fatalf("got %s", index)
		}
		manifest, err := os.ReadFile(filepath.Join(outDir, ManifestFile))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		for _, want := range []string{`"entry": "app.js"`, `"rooms": true`, `"mode": "OPEN_NET"`, `"api.example.com"`} {
			if !bytes.Contains(manifest, []byte(want)) {
				t.Fatalf("got %s, want it to contain %s", manifest, want)
			}
		}
	})

	t.Run("writes identical manifests for identical inputs", func(t *testing.T) {
		ctx := context.Background()
		root := t.TempDir()
		writeFiles(t, root, map[string]string{"source/app.tsx": `export default function App() { return <p>x</p>; }`})
		b := newTestBundler(t)

		var manifests [][]byte
		for _, out := range []string{"a", "b"} {
			_, err := b.Bundle(ctx, &BundleParams{
				EntryFile: filepath.Join(root, "source/app.tsx"),
				OutDir:    filepath.Join(root, out),
				AppRoot:   filepath.Join(root, "source"),
			})
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			data, err := os.ReadFile(filepath.Join(root, out, ManifestFile))
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			manifests = append(manifests, data)
		}

		if !bytes.Equal(manifests[0], manifests[1]) {
			t.Fatalf("got %s and %s", manifests[0], manifests[1])
		}
	})

	t.Run("fails on imports outside the allowlist", func(t *testing.T) {
		ctx := context.Background()
		root := t.TempDir()
		writeFiles(t, root, map[string]string{"source/app.tsx": `import leftPad from "left-pad"; export default () => leftPad;`})
		outDir := filepath.Join(root, "build")

		_, err := newTestBundler(t).Bundle(ctx, &BundleParams{
			EntryFile: filepath.Join(root, "source/app.tsx"),
			OutDir:    outDir,
			AppRoot:   filepath.Join(root, "source"),
		})

		var bundleErr *BundleError
		if !errors.As(err, &bundleErr) {
			t.Fatalf("got %v, want BundleError", err)
		}
		if !errors.Is(err, depcache.ErrNotAllowed) {
			t.Fatalf("got %v, want %v", err, depcache.ErrNotAllowed)
		}
		if _, err := os.Stat(outDir); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("got %v, want %v", err, os.ErrNotExist)
		}
	})

	t.Run("fails on syntax errors", func(t *testing.T) {
		ctx := context.Background()
		root := t.TempDir()
		writeFiles(t, root, map[string]string{"source/app.tsx": `export default function App( { return <p>; }`})
		outDir := filepath.Join(root, "build")

		_, err := newTestBundler(t).Bundle(ctx, &BundleParams{
			EntryFile: filepath.Join(root, "source/app.tsx"),
			OutDir:    outDir,
			AppRoot:   filepath.Join(root, "source"),
		})

		var bundleErr *BundleError
		if !errors.As(err, &bundleErr) {
			t.Fatalf("got %v, want BundleError", err)
		}
		if bundleErr.Message == "" || len(bundleErr.Diagnostics) == 0 {
			t.Fatalf("got %+v, want message and diagnostics", bundleErr)
		}
		if _, err := os.Stat(outDir); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("got %v, want %v", err, os.ErrNotExist)
		}
	})
}

func TestIsHTML(t *testing.T) {
	tests := []struct {
		source string
		want   bool
	}{
		{"<!doctype html><html></html>", true},
		{"  \n<!DOCTYPE HTML>", true},
		{"<html></html>", false},
		{"export default 1", false},
		{"<!doc", false},
	}

	for _, tt := range tests {
		if got := IsHTML([]byte(tt.source)); got != tt.want {
			t.Errorf("IsHTML(%q): got %v, want %v", tt.source, got, tt.want)
		}
	}
}
