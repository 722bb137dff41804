// Package listing reads the marketplace listings that point at builds.
// Listings are owned by another service; builds only ever set a listing's
// pending build.
package listing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

type Listing struct {
	ID               string
	Slug             string
	BuildID          *uuid.UUID
	PendingBuildID   *uuid.UUID
	ArchivedVersions []ArchivedVersion
	UpdatedAt        time.Time
}

type ArchivedVersion struct {
	BuildID    uuid.UUID `json:"buildId"`
	Version    int       `json:"version"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// CurrentBuild returns the build a listing serves. A pending build wins
// over the published one so creators see what they just submitted.
func (l *Listing) CurrentBuild() (uuid.UUID, bool) {
	switch {
	case l.PendingBuildID != nil:
		return *l.PendingBuildID, true
	case l.BuildID != nil:
		return *l.BuildID, true
	default:
		return uuid.UUID{}, false
	}
}

type Database interface {
	// GetListing returns the listing whose id or slug is key.
	GetListing(ctx context.Context, key string) (*Listing, error)
	ListListings(ctx context.Context) ([]*Listing, error)
	// SetPendingBuild creates the listing when it doesn't exist yet.
	SetPendingBuild(ctx context.Context, listingID string, buildID uuid.UUID) error
}

type Status string

const (
	StatusActive   Status = "active"
	StatusPending  Status = "pending"
	StatusArchived Status = "archived"
)

type Reference struct {
	Status    Status
	ListingID string
	Slug      string
}

// References maps every build some listing points at to the strongest
// reference: active, then pending, then archived.
func References(listings []*Listing) map[uuid.UUID]Reference {
	refs := make(map[uuid.UUID]Reference)
	add := func(id uuid.UUID, l *Listing, status Status) {
		if _, ok := refs[id]; ok {
			return
		}
		refs[id] = Reference{Status: status, ListingID: l.ID, Slug: l.Slug}
	}

	for _, l := range listings {
		if l.BuildID != nil {
			add(*l.BuildID, l, StatusActive)
		}
	}
	for _, l := range listings {
		if l.PendingBuildID != nil {
			add(*l.PendingBuildID, l, StatusPending)
		}
	}
	for _, l := range listings {
		for _, v := range l.ArchivedVersions {
			add(v.BuildID, l, StatusArchived)
		}
	}
	return refs
}
