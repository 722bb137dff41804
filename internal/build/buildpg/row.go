package buildpg

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Zivotu/git-Clean2-sub005/internal/build"
)

const columns = `
	id, state, progress, error, error_category, listing_id, source_kind,
	created_at, updated_at, started_at, finished_at
`

type row struct {
	ID            uuid.UUID  `db:"id"`
	State         string     `db:"state"`
	Progress      int        `db:"progress"`
	Error         string     `db:"error"`
	ErrorCategory string     `db:"error_category"`
	ListingID     string     `db:"listing_id"`
	SourceKind    string     `db:"source_kind"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	StartedAt     *time.Time `db:"started_at"`
	FinishedAt    *time.Time `db:"finished_at"`
}

func rowToBuild(collectableRow pgx.CollectableRow) (*build.Build, error) {
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to build: %w", err)
	}

	// Rows written by older releases may carry legacy state names.
	state, err := build.NormalizeState(collectedRow.State)
	if err != nil {
		slog.Default().Warn(
			"unknown state encountered while reading build",
			"state", collectedRow.State,
			"build_id", collectedRow.ID,
		)
		state = build.State(collectedRow.State)
	}

	b := &build.Build{
		ID:            collectedRow.ID,
		State:         state,
		Progress:      collectedRow.Progress,
		Error:         collectedRow.Error,
		ErrorCategory: build.ErrorCategory(collectedRow.ErrorCategory),
		ListingID:     collectedRow.ListingID,
		SourceKind:    build.SourceKind(collectedRow.SourceKind),
		CreatedAt:     collectedRow.CreatedAt.UTC(),
		UpdatedAt:     collectedRow.UpdatedAt.UTC(),
		StartedAt:     utc(collectedRow.StartedAt),
		FinishedAt:    utc(collectedRow.FinishedAt),
	}
	return b, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
