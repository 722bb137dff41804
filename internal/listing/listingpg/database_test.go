package listingpg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Zivotu/git-Clean2-sub005/internal/listing"
	"github.com/Zivotu/git-Clean2-sub005/internal/postgrestest"
)

func TestDatabase(t *testing.T) {
	ctx := context.Background()
	pool := postgrestest.NewPool(t, ctx)
	database := NewDatabase(pool)

	published := uuid.New()
	archived := uuid.New()
	_, err := pool.Exec(ctx, `
		INSERT INTO listings (id, slug, build_id, archived_versions)
		VALUES ('42', 'space-game', $1, jsonb_build_array(jsonb_build_object('buildId', $2::text, 'version', 1, 'archivedAt', '2025-01-02T03:04:05Z')))
	`, published, archived)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}

	t.Run("gets a listing by id and slug", func(t *testing.T) {
		for _, key := range []string{"42", "space-game"} {
			l, err := database.GetListing(ctx, key)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if l.ID != "42" || l.BuildID == nil || *l.BuildID != published {
				t.Fatalf("got %+v, want listing 42", l)
			}
			if len(l.ArchivedVersions) != 1 || l.ArchivedVersions[0].BuildID != archived {
				t.Fatalf("got %+v, want one archived version", l.ArchivedVersions)
			}
			if want := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC); !l.ArchivedVersions[0].ArchivedAt.Equal(want) {
				t.Fatalf("got %v, want %v", l.ArchivedVersions[0].ArchivedAt, want)
			}
		}
	})

	t.Run("doesn't get a missing listing", func(t *testing.T) {
		_, err := database.GetListing(ctx, "nope")
		if !errors.Is(err, listing.ErrNotFound) {
			t.Fatalf("got %v, want %v", err, listing.ErrNotFound)
		}
	})

	t.Run("sets the pending build", func(t *testing.T) {
		pending := uuid.New()
		if err := database.SetPendingBuild(ctx, "42", pending); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err := database.SetPendingBuild(ctx, "43", pending); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		listings, err := database.ListListings(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(listings) != 2 {
			t.Fatalf("got %d listings, want 2", len(listings))
		}
		for _, l := range listings {
			if got, ok := l.CurrentBuild(); !ok || got != pending {
				t.Fatalf("got %v, want %v for listing %s", got, pending, l.ID)
			}
		}
		if listings[0].BuildID == nil || *listings[0].BuildID != published {
			t.Fatalf("got %v, want the published build kept", listings[0].BuildID)
		}
	})
}
