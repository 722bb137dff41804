package retention

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Zivotu/git-Clean2-sub005/internal/listing"
)

type StubListings []*listing.Listing

func (s *StubListings) ListListings(context.Context) ([]*listing.Listing, error) {
	return *s, nil
}

type SpyRemover struct {
	Removed []uuid.UUID
}

func (r *SpyRemover) Remove(_ context.Context, id uuid.UUID) error {
	r.Removed = append(r.Removed, id)
	return nil
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func writeBuild(t *testing.T, root string, id uuid.UUID, size int, modTime time.Time) {
	t.Helper()
	dir := filepath.Join(root, "builds", id.String())
	if err := os.MkdirAll(filepath.Join(dir, "build"), 0o755); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "build", "index.html"), make([]byte, size), 0o644); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err := os.Chtimes(dir, modTime, modTime); err != nil {
		t.Fatalf("didn't want %q", err)
	}
}

func TestScanner(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	active := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")
	archived := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000000")
	expired := uuid.MustParse("cccccccc-0000-0000-0000-000000000000")
	recent := uuid.MustParse("dddddddd-0000-0000-0000-000000000000")

	writeBuild(t, root, active, 10, testNow.Add(-30*24*time.Hour))
	writeBuild(t, root, archived, 20, testNow.Add(-30*24*time.Hour))
	writeBuild(t, root, expired, 30, testNow.Add(-8*24*time.Hour))
	writeBuild(t, root, recent, 40, testNow.Add(-6*24*time.Hour))
	if err := os.MkdirAll(filepath.Join(root, "builds", "not-a-build"), 0o755); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	listings := StubListings{
		{ID: "1", Slug: "one", BuildID: &active, ArchivedVersions: []listing.ArchivedVersion{{BuildID: archived, Version: 1}}},
	}
	remover := &SpyRemover{}
	scanner := NewScanner(&ScannerParams{
		Listings: &listings,
		Remover:  remover,
		Root:     root,
		Clock:    clockwork.NewFakeClockAt(testNow),
	})

	report, err := scanner.Scan(ctx)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}

	if report.TotalBuilds != 4 || report.ActiveBuilds != 2 || report.OrphanedBuilds != 1 {
		t.Fatalf("got %+v, want 4 total, 2 active, 1 orphaned", report)
	}
	if got, want := report.ReclaimableBytes, int64(30); got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
	if got, want := report.Orphaned, []uuid.UUID{expired}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	var gotOrder []uuid.UUID
	for _, d := range report.Details {
		gotOrder = append(gotOrder, d.BuildID)
	}
	// Active first, then newest first.
	if want := []uuid.UUID{active, recent, expired, archived}; !reflect.DeepEqual(gotOrder, want) {
		t.Fatalf("got %v, want %v", gotOrder, want)
	}
	if d := report.Details[1]; d.Status != StatusOrphaned || d.Expired {
		t.Fatalf("got %+v, want orphaned within retention", d)
	}

	t.Run("prunes reclaimable builds", func(t *testing.T) {
		remover.Removed = nil
		n, err := scanner.Prune(ctx, report)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if n != 1 || !reflect.DeepEqual(remover.Removed, []uuid.UUID{expired}) {
			t.Fatalf("got %d %v, want %v", n, remover.Removed, expired)
		}
	})

	t.Run("keeps builds referenced since the scan", func(t *testing.T) {
		remover.Removed = nil
		listings = append(listings, &listing.Listing{ID: "2", PendingBuildID: &expired})
		n, err := scanner.Prune(ctx, report)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if n != 0 || len(remover.Removed) != 0 {
			t.Fatalf("got %d %v, want nothing removed", n, remover.Removed)
		}
	})
}

func TestScannerWithoutBuilds(t *testing.T) {
	listings := StubListings{}
	scanner := NewScanner(&ScannerParams{Listings: &listings, Remover: &SpyRemover{}, Root: t.TempDir()})

	report, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if report.TotalBuilds != 0 || len(report.Details) != 0 {
		t.Fatalf("got %+v, want an empty report", report)
	}
}
