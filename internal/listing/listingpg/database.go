// Package listingpg reads listings from Postgres.
package listingpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Zivotu/git-Clean2-sub005/internal/listing"
)

var _ listing.Database = (*Database)(nil)

type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Database struct {
	db executor // required
}

func NewDatabase(db executor) *Database {
	return &Database{db: db}
}

const columns = `id, slug, build_id, pending_build_id, archived_versions, updated_at`

type row struct {
	ID               string                    `db:"id"`
	Slug             *string                   `db:"slug"`
	BuildID          *uuid.UUID                `db:"build_id"`
	PendingBuildID   *uuid.UUID                `db:"pending_build_id"`
	ArchivedVersions []listing.ArchivedVersion `db:"archived_versions"`
	UpdatedAt        time.Time                 `db:"updated_at"`
}

func rowToListing(collectableRow pgx.CollectableRow) (*listing.Listing, error) {
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to listing: %w", err)
	}
	l := &listing.Listing{
		ID:               collectedRow.ID,
		BuildID:          collectedRow.BuildID,
		PendingBuildID:   collectedRow.PendingBuildID,
		ArchivedVersions: collectedRow.ArchivedVersions,
		UpdatedAt:        collectedRow.UpdatedAt.UTC(),
	}
	if collectedRow.Slug != nil {
		l.Slug = *collectedRow.Slug
	}
	return l, nil
}

// GetListing implements listing.Database. An id match wins over a slug
// match.
func (d *Database) GetListing(ctx context.Context, key string) (*listing.Listing, error) {
	query := `
		SELECT ` + columns + `
		FROM listings
		WHERE id = $1 OR slug = $1
		ORDER BY id = $1 DESC
		LIMIT 1
	`

	rows, _ := d.db.Query(ctx, query, key)
	l, err := pgx.CollectExactlyOneRow(rows, rowToListing)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, listing.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

// ListListings implements listing.Database.
func (d *Database) ListListings(ctx context.Context) ([]*listing.Listing, error) {
	query := `
		SELECT ` + columns + `
		FROM listings
		ORDER BY id
	`

	rows, _ := d.db.Query(ctx, query)
	listings, err := pgx.CollectRows(rows, rowToListing)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	return listings, nil
}

// SetPendingBuild implements listing.Database.
func (d *Database) SetPendingBuild(ctx context.Context, listingID string, buildID uuid.UUID) error {
	query := `
		INSERT INTO listings (id, pending_build_id)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET pending_build_id = EXCLUDED.pending_build_id, updated_at = now()
	`

	if _, err := d.db.Exec(ctx, query, listingID, buildID); err != nil {
		return fmt.Errorf("set pending build: %w", err)
	}
	return nil
}
