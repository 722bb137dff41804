// Package buildpg stores builds in Postgres.
package buildpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Zivotu/git-Clean2-sub005/internal/build"
)

var _ build.Database = (*Database)(nil)

type executor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Database struct {
	db executor // required
}

func NewDatabase(db executor) *Database {
	return &Database{db: db}
}

// CreateBuild implements build.Database.
func (d *Database) CreateBuild(ctx context.Context, params *build.DatabaseCreateBuildParams) (*build.Build, error) {
	query := `
		INSERT INTO builds (id, state, listing_id, source_kind)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + columns
	args := []any{params.ID, string(build.StateQueued), params.ListingID, string(params.SourceKind)}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if err != nil {
		if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgerrcode.IsIntegrityConstraintViolation(pgErr.Code) {
			err = build.ErrAlreadyExists
		}
		return nil, fmt.Errorf("create build: %w", err)
	}

	return b, nil
}

// GetBuild implements build.Database.
func (d *Database) GetBuild(ctx context.Context, params *build.DatabaseGetBuildParams) (*build.Build, error) {
	query := `
		SELECT ` + columns + `
		FROM builds
		WHERE id = $1
	`
	args := []any{params.ID}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}

	return b, nil
}

// UpdateBuild implements build.Database. The row is locked while the
// transition is checked so concurrent updates can't skip the guard.
func (d *Database) UpdateBuild(ctx context.Context, params *build.DatabaseUpdateBuildParams) (*build.Build, error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("update build: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	current, err := getForUpdate(ctx, tx, params)
	if err != nil {
		return nil, fmt.Errorf("update build: %w", err)
	}
	if !build.CanTransition(current.State, params.State) {
		return nil, fmt.Errorf("update build: %w: %s to %s", build.ErrInvalidTransition, current.State, params.State)
	}

	query := `
		UPDATE builds
		SET
			state = $2,
			progress = $3,
			error = $4,
			error_category = $5,
			updated_at = now(),
			started_at = CASE WHEN started_at IS NULL AND $2 <> 'queued' THEN now() ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('success', 'failed') THEN now() ELSE finished_at END
		WHERE id = $1
		RETURNING ` + columns
	args := []any{params.ID, string(params.State), params.Progress, params.Error, string(params.ErrorCategory)}

	rows, _ := tx.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if err != nil {
		return nil, fmt.Errorf("update build: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("update build: %w", err)
	}
	return b, nil
}

func getForUpdate(ctx context.Context, db executor, params *build.DatabaseUpdateBuildParams) (*build.Build, error) {
	query := `
		SELECT ` + columns + `
		FROM builds
		WHERE id = $1
		FOR UPDATE
	`
	args := []any{params.ID}

	rows, _ := db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBuilds implements build.Database.
func (d *Database) ListBuilds(ctx context.Context, params *build.DatabaseListBuildsParams) ([]*build.Build, error) {
	query := `
		SELECT ` + columns + `
		FROM builds
		WHERE $1::timestamptz IS NULL OR (created_at, id) < ($1::timestamptz, $2::uuid)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`
	args := []any{params.AfterCreatedAt, params.AfterID, params.Limit}

	rows, _ := d.db.Query(ctx, query, args...)
	builds, err := pgx.CollectRows(rows, rowToBuild)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return builds, nil
}

// ListBuildsByState implements build.Database.
func (d *Database) ListBuildsByState(ctx context.Context, params *build.DatabaseListBuildsByStateParams) ([]*build.Build, error) {
	query := `
		SELECT ` + columns + `
		FROM builds
		WHERE state = ANY($1) AND ($2::timestamptz IS NULL OR updated_at < $2::timestamptz)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`
	states := make([]string, len(params.States))
	for i, s := range params.States {
		states[i] = string(s)
	}
	var updatedBefore *time.Time
	if !params.UpdatedBefore.IsZero() {
		updatedBefore = &params.UpdatedBefore
	}
	var limit *int
	if params.Limit > 0 {
		limit = &params.Limit
	}
	args := []any{states, updatedBefore, limit}

	rows, _ := d.db.Query(ctx, query, args...)
	builds, err := pgx.CollectRows(rows, rowToBuild)
	if err != nil {
		return nil, fmt.Errorf("list builds by state: %w", err)
	}
	return builds, nil
}
