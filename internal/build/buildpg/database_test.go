package buildpg

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/Zivotu/git-Clean2-sub005/internal/build"
	"github.com/Zivotu/git-Clean2-sub005/internal/postgrestest"
)

func NewTestDatabase(tb testing.TB, ctx context.Context) *Database {
	tb.Helper()
	return NewDatabase(postgrestest.NewPool(tb, ctx))
}

func TestDatabase(t *testing.T) {
	ctx := context.Background()
	database := NewTestDatabase(t, ctx)

	t.Run("creates and gets a build", func(t *testing.T) {
		b, err := database.CreateBuild(ctx, &build.DatabaseCreateBuildParams{
			ID:         uuid.New(),
			ListingID:  "42",
			SourceKind: build.SourceTSX,
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if b.State != build.StateQueued {
			t.Fatalf("got %q, want %q", b.State, build.StateQueued)
		}

		got, err := database.GetBuild(ctx, &build.DatabaseGetBuildParams{ID: b.ID})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if want := b; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("doesn't create a build twice", func(t *testing.T) {
		params := &build.DatabaseCreateBuildParams{ID: uuid.New(), SourceKind: build.SourceHTML}
		if _, err := database.CreateBuild(ctx, params); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		_, err := database.CreateBuild(ctx, params)
		if !errors.Is(err, build.ErrAlreadyExists) {
			t.Fatalf("got %v, want %v", err, build.ErrAlreadyExists)
		}
	})

	t.Run("doesn't get a missing build", func(t *testing.T) {
		_, err := database.GetBuild(ctx, &build.DatabaseGetBuildParams{ID: uuid.New()})
		if !errors.Is(err, build.ErrNotFound) {
			t.Fatalf("got %v, want %v", err, build.ErrNotFound)
		}
	})

	t.Run("guards transitions", func(t *testing.T) {
		b, err := database.CreateBuild(ctx, &build.DatabaseCreateBuildParams{ID: uuid.New(), SourceKind: build.SourceTSX})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		b, err = database.UpdateBuild(ctx, &build.DatabaseUpdateBuildParams{ID: b.ID, State: build.StateBundling, Progress: 10})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if b.StartedAt == nil {
			t.Fatal("got nil StartedAt")
		}

		_, err = database.UpdateBuild(ctx, &build.DatabaseUpdateBuildParams{ID: b.ID, State: build.StateQueued})
		if !errors.Is(err, build.ErrInvalidTransition) {
			t.Fatalf("got %v, want %v", err, build.ErrInvalidTransition)
		}

		b, err = database.UpdateBuild(ctx, &build.DatabaseUpdateBuildParams{
			ID:            b.ID,
			State:         build.StateFailed,
			Progress:      10,
			Error:         "bad import",
			ErrorCategory: build.CategoryResolution,
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if b.FinishedAt == nil {
			t.Fatal("got nil FinishedAt")
		}

		_, err = database.UpdateBuild(ctx, &build.DatabaseUpdateBuildParams{ID: b.ID, State: build.StateSuccess, Progress: 100})
		if !errors.Is(err, build.ErrInvalidTransition) {
			t.Fatalf("got %v, want %v", err, build.ErrInvalidTransition)
		}
	})

	t.Run("lists builds by keyset", func(t *testing.T) {
		first, err := database.ListBuilds(ctx, &build.DatabaseListBuildsParams{Limit: 2})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(first) != 2 {
			t.Fatalf("got %d builds, want 2", len(first))
		}
		last := first[len(first)-1]
		rest, err := database.ListBuilds(ctx, &build.DatabaseListBuildsParams{
			AfterCreatedAt: &last.CreatedAt,
			AfterID:        last.ID,
			Limit:          100,
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		for _, b := range rest {
			if b.ID == first[0].ID || b.ID == first[1].ID {
				t.Fatalf("got %v twice", b.ID)
			}
		}
	})

	t.Run("lists builds by state", func(t *testing.T) {
		builds, err := database.ListBuildsByState(ctx, &build.DatabaseListBuildsByStateParams{
			States: []build.State{build.StateFailed},
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(builds) != 1 {
			t.Fatalf("got %d builds, want 1", len(builds))
		}
	})
}
