// Package alias maps listing-friendly URLs to the build a listing serves.
package alias

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/Zivotu/git-Clean2-sub005/internal/artifact"
	"github.com/Zivotu/git-Clean2-sub005/internal/bundler"
	"github.com/Zivotu/git-Clean2-sub005/internal/listing"
	"github.com/Zivotu/git-Clean2-sub005/internal/metrics"
)

var ErrNotFound = errors.New("not found")

type Listings interface {
	GetListing(ctx context.Context, key string) (*listing.Listing, error)
}

type Files interface {
	ReadFile(ctx context.Context, buildID uuid.UUID, name string) ([]byte, error)
}

type Resolver struct {
	listings Listings // required
	files    Files    // required
	shims    []string
	log      *slog.Logger
}

type ResolverParams struct {
	Listings Listings // required
	Files    Files    // required
	Shims    []string // default: DefaultShims
}

func NewResolver(params *ResolverParams) *Resolver {
	shims := params.Shims
	if shims == nil {
		shims = DefaultShims
	}
	return &Resolver{
		listings: params.Listings,
		files:    params.Files,
		shims:    shims,
		log:      slog.With("component", "alias"),
	}
}

// Target is a resolved alias request.
type Target struct {
	BuildID uuid.UUID
	// Segments is the sanitized path below the build's build/ directory.
	Segments []string
}

// Inline reports whether the target is the app document, which is served
// in place instead of redirected.
func (t *Target) Inline() bool {
	return len(t.Segments) == 0 || (len(t.Segments) == 1 && t.Segments[0] == bundler.IndexFile)
}

// Location returns the canonical public URL of the target.
func (t *Target) Location() string {
	escaped := make([]string, len(t.Segments))
	for i, s := range t.Segments {
		escaped[i] = url.PathEscape(s)
	}
	return "/public/builds/" + url.PathEscape(t.BuildID.String()) + "/" + artifact.BuildDir + "/" + strings.Join(escaped, "/")
}

// SanitizeTail splits a request sub-path into segments, dropping empty,
// "." and ".." segments so a tail can never leave the build directory.
func SanitizeTail(tail string) []string {
	tail = strings.TrimLeft(tail, "/")
	if tail == "" {
		return nil
	}
	var segments []string
	for _, s := range strings.Split(tail, "/") {
		s = strings.TrimSpace(s)
		if s == "" || s == "." || s == ".." {
			continue
		}
		segments = append(segments, s)
	}
	return segments
}

// Resolve finds the current build of the listing whose id or slug is
// listingKey.
func (r *Resolver) Resolve(ctx context.Context, listingKey, tail string) (*Target, error) {
	l, err := r.listings.GetListing(ctx, listingKey)
	if errors.Is(err, listing.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("alias.Resolver: %w", err)
	}

	buildID, ok := l.CurrentBuild()
	if !ok {
		return nil, ErrNotFound
	}
	return &Target{BuildID: buildID, Segments: SanitizeTail(tail)}, nil
}

// Index returns the app document of a build with the runtime shims
// injected.
func (r *Resolver) Index(ctx context.Context, buildID uuid.UUID) ([]byte, error) {
	doc, err := r.files.ReadFile(ctx, buildID, path.Join(artifact.BuildDir, bundler.IndexFile))
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("alias.Resolver: %w", err)
	}

	doc, at := InjectShim(doc, r.shims...)
	metrics.ObserveShimInjection(at)
	if at == AtAppend {
		r.log.Info("appended shim to document without body or head", "build_id", buildID)
	}
	return doc, nil
}
