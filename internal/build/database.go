package build

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Database interface {
	CreateBuild(ctx context.Context, params *DatabaseCreateBuildParams) (*Build, error)
	// GetBuild returns ErrNotFound when there is no such build.
	GetBuild(ctx context.Context, params *DatabaseGetBuildParams) (*Build, error)
	// UpdateBuild returns ErrInvalidTransition when CanTransition rejects
	// the change, so terminal builds are never modified.
	UpdateBuild(ctx context.Context, params *DatabaseUpdateBuildParams) (*Build, error)
	ListBuilds(ctx context.Context, params *DatabaseListBuildsParams) ([]*Build, error)
	ListBuildsByState(ctx context.Context, params *DatabaseListBuildsByStateParams) ([]*Build, error)
}

type DatabaseCreateBuildParams struct {
	ID         uuid.UUID  // required
	ListingID  string     // optional
	SourceKind SourceKind // required
}

type DatabaseGetBuildParams struct {
	ID uuid.UUID // required
}

type DatabaseUpdateBuildParams struct {
	ID            uuid.UUID // required
	State         State     // required
	Progress      int
	Error         string
	ErrorCategory ErrorCategory
}

// DatabaseListBuildsParams selects builds older than the cursor position,
// newest first.
type DatabaseListBuildsParams struct {
	AfterCreatedAt *time.Time
	AfterID        uuid.UUID
	Limit          int // required
}

type DatabaseListBuildsByStateParams struct {
	States        []State   // required
	UpdatedBefore time.Time // zero means any time
	Limit         int
}
