// Package depcache resolves bare module specifiers against a curated,
// pinned dependency table and caches CDN module sources on disk.
package depcache

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/Zivotu/git-Clean2-sub005/internal/metrics"
)

var (
	ErrNotBare          = errors.New("not a bare specifier")
	ErrNotAllowed       = errors.New("package is not allowlisted")
	ErrAliasNotFound    = errors.New("alias target not found")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrUnexpectedBody   = errors.New("unexpected CDN response")
	ErrUnexpectedStatus = errors.New("unexpected CDN status")
)

const (
	DefaultFetchTimeout = 20 * time.Second
	maxModuleBytes      = 32 * 1024 * 1024
)

// Entry is a cached module source.
type Entry struct {
	Path string // file on disk
	Ext  string // ".js", ".mjs", ".css", ".json", ...
}

// Cache is a disk cache of CDN module sources keyed by the BLAKE3 hash of
// "module@version". Entries are written once via rename and never changed,
// so concurrent processes may share the directory.
type Cache struct {
	dir     string
	client  *http.Client
	timeout time.Duration
	group   singleflight.Group
}

// NewCache creates a cache in dir. timeout bounds each CDN request and is
// independent of any build timeout.
func NewCache(dir string, timeout time.Duration) *Cache {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > 1 {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
	return NewCacheWithClient(dir, client)
}

func NewCacheWithClient(dir string, client *http.Client) *Cache {
	timeout := client.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Cache{dir: dir, client: client, timeout: timeout}
}

// Key returns the cache key of a module reference.
func Key(moduleRef string) string {
	sum := blake3.Sum256([]byte(moduleRef))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached entry for moduleRef without network I/O.
func (c *Cache) Lookup(moduleRef string) (*Entry, bool) {
	matches, err := filepath.Glob(filepath.Join(c.dir, Key(moduleRef)+".*"))
	if err != nil || len(matches) == 0 {
		return nil, false
	}
	return &Entry{Path: matches[0], Ext: filepath.Ext(matches[0])}, true
}

// GetOrFetch returns the cached entry for moduleRef, fetching rawURL on a
// miss. Concurrent calls for the same moduleRef share one fetch.
func (c *Cache) GetOrFetch(ctx context.Context, moduleRef, rawURL string) (*Entry, error) {
	if e, ok := c.Lookup(moduleRef); ok {
		metrics.ObserveDepcache(metrics.DepcacheHit)
		return e, nil
	}

	// The fetch outlives any single waiter; only the fetch timeout ends it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(Key(moduleRef), func() (any, error) {
		if e, ok := c.Lookup(moduleRef); ok {
			return e, nil
		}
		ctx, cancel := context.WithTimeout(fetchCtx, c.timeout)
		defer cancel()
		return c.fetch(ctx, moduleRef, rawURL)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("depcache.Cache: %w", ctx.Err())
	}
	if res.Err != nil {
		metrics.ObserveDepcache(metrics.DepcacheError)
		return nil, fmt.Errorf("depcache.Cache: %w", res.Err)
	}
	metrics.ObserveDepcache(metrics.DepcacheMiss)
	return res.Val.(*Entry), nil
}

func (c *Cache) fetch(ctx context.Context, moduleRef, rawURL string) (*Entry, error) {
	log := slog.With("component", "depcache", "module", moduleRef)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	// Set explicitly so the transport hands back the compressed body.
	req.Header.Set("Accept-Encoding", "gzip")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrUnexpectedStatus, rawURL, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		body = gz
	}

	data, err := io.ReadAll(io.LimitReader(body, maxModuleBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxModuleBytes {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrUnexpectedBody, rawURL, maxModuleBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if err := checkBody(contentType, data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnexpectedBody, resp.Request.URL, err)
	}

	ext := extension(resp.Request.URL, contentType)
	p, err := c.write(Key(moduleRef)+ext, data)
	if err != nil {
		return nil, err
	}

	log.Info("fetched module", "url", resp.Request.URL.String(), "bytes", len(data), "duration", time.Since(start))
	return &Entry{Path: p, Ext: ext}, nil
}

func (c *Cache) write(name string, data []byte) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(c.dir, "tmp-*")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	p := filepath.Join(c.dir, name)
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", err
	}
	return p, nil
}

func checkBody(contentType string, data []byte) error {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	head := bytes.ToLower(bytes.TrimSpace(data[:min(len(data), 256)]))
	if strings.Contains(mediaType, "html") || bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html")) {
		return fmt.Errorf("content-type %q looks like html", contentType)
	}
	if mediaType == "" || mediaType == "text/plain" {
		return nil
	}
	for _, ok := range []string{"javascript", "typescript", "json", "css"} {
		if strings.Contains(mediaType, ok) {
			return nil
		}
	}
	return fmt.Errorf("content-type %q", contentType)
}

var knownExts = map[string]struct{}{
	".js": {}, ".mjs": {}, ".cjs": {}, ".jsx": {}, ".ts": {}, ".mts": {}, ".tsx": {}, ".css": {}, ".json": {},
}

func extension(u *url.URL, contentType string) string {
	ext := strings.ToLower(path.Ext(u.Path))
	if _, ok := knownExts[ext]; ok {
		return ext
	}
	switch {
	case strings.Contains(contentType, "css"):
		return ".css"
	case strings.Contains(contentType, "json"):
		return ".json"
	case strings.Contains(contentType, "javascript"):
		return ".js"
	default:
		return ".mjs"
	}
}
