package build

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Zivotu/git-Clean2-sub005/internal/artifact"
	"github.com/Zivotu/git-Clean2-sub005/internal/asset"
	"github.com/Zivotu/git-Clean2-sub005/internal/bundler"
	"github.com/Zivotu/git-Clean2-sub005/internal/capability"
	"github.com/Zivotu/git-Clean2-sub005/internal/metrics"
)

const (
	jobFile          = "job.json"
	maxSourceFiles   = 200
	maxSourceBytes   = 5 * 1024 * 1024
	defaultListLimit = 20
	maxListLimit     = 100
)

// Broker hands queued builds to workers.
type Broker interface {
	SendBuildCreated(ctx context.Context, id uuid.UUID) error
}

// EventPublisher fans build events out to status subscribers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e *Event) error
}

// Listings records the build a listing should switch to.
type Listings interface {
	SetPendingBuild(ctx context.Context, listingID string, buildID uuid.UUID) error
}

type Config struct {
	Enabled bool
}

type Service struct {
	database Database        // required
	store    *artifact.Store // required
	broker   Broker          // required
	events   EventPublisher  // required
	listings Listings        // optional
	assets   *asset.Manager  // optional
	clock    clockwork.Clock
	enabled  atomic.Bool
	log      *slog.Logger
}

type ServiceParams struct {
	Config   *Config         // required
	Database Database        // required
	Store    *artifact.Store // required
	Broker   Broker          // required
	Events   EventPublisher  // required
	Listings Listings        // optional
	Assets   *asset.Manager  // optional, required by UpdateAssets
	Clock    clockwork.Clock // default: real clock
}

func NewService(params *ServiceParams) *Service {
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Service{
		database: params.Database,
		store:    params.Store,
		broker:   params.Broker,
		events:   params.Events,
		listings: params.Listings,
		assets:   params.Assets,
		clock:    clock,
		log:      slog.With("component", "build"),
	}
	s.enabled.Store(params.Config.Enabled)
	return s
}

// SetEnabled turns intake on or off at runtime.
func (s *Service) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
	s.log.Info("set queue state", "enabled", enabled)
}

func (s *Service) Enabled() bool {
	return s.enabled.Load()
}

// job is what a worker needs besides the sources. It is stored next to them.
type job struct {
	Entry        string              `json:"entry"`
	Capabilities string              `json:"capabilities,omitempty"`
	Pins         map[string]string   `json:"pins,omitempty"`
	Assets       []asset.CustomAsset `json:"assets,omitempty"`
}

type EnqueueParams struct {
	Files        map[string][]byte // required, slash-separated paths relative to the app root
	Entry        string            // default: detected from Files
	Capabilities []byte            // JSON or YAML capability manifest, default policy when empty
	Assets       []asset.Input
	Pins         map[string]string
	ListingID    string
}

var entryCandidates = []string{
	"app.tsx", "App.tsx", "index.tsx", "main.tsx",
	"app.jsx", "App.jsx", "index.jsx", "main.jsx",
	"app.ts", "index.ts", "app.js", "index.js", "main.js",
	"index.html",
}

// Enqueue validates a publish request, stores its sources and queues a
// build. Nothing is created when validation fails.
func (s *Service) Enqueue(ctx context.Context, params *EnqueueParams) (*Build, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("build.Service: %w", ErrQueueDisabled)
	}

	j, kind, err := s.validate(params)
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}
	jobData, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}

	id := uuid.New()
	for name, data := range params.Files {
		if err := s.store.Write(ctx, id, path.Join(artifact.SourceDir, name), data); err != nil {
			return nil, fmt.Errorf("build.Service: %w", err)
		}
	}
	if err := s.store.Write(ctx, id, jobFile, jobData); err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}

	b, err := s.database.CreateBuild(ctx, &DatabaseCreateBuildParams{
		ID:         id,
		ListingID:  params.ListingID,
		SourceKind: kind,
	})
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}

	if err := s.broker.SendBuildCreated(ctx, b.ID); err != nil {
		s.log.Error("didn't send build created", "build_id", b.ID, "error", err)
		failed, uerr := s.database.UpdateBuild(ctx, &DatabaseUpdateBuildParams{
			ID:            b.ID,
			State:         StateFailed,
			Progress:      b.Progress,
			Error:         "build queue unavailable",
			ErrorCategory: CategoryInternal,
		})
		if uerr == nil {
			s.publish(ctx, failed)
		}
		return nil, fmt.Errorf("build.Service: %w", errors.Join(ErrQueueUnavailable, err))
	}

	if params.ListingID != "" && s.listings != nil {
		if err := s.listings.SetPendingBuild(ctx, params.ListingID, b.ID); err != nil {
			s.log.Warn("didn't set pending build", "build_id", b.ID, "listing_id", params.ListingID, "error", err)
		}
	}

	metrics.ObserveEnqueued()
	s.publish(ctx, b)
	s.log.Info("enqueued build", "build_id", b.ID, "source_kind", kind, "files", len(params.Files))
	return b, nil
}

func (s *Service) validate(params *EnqueueParams) (*job, SourceKind, error) {
	if len(params.Files) == 0 {
		return nil, "", fmt.Errorf("%w: no source files", ErrInvalidRequest)
	}
	if len(params.Files) > maxSourceFiles {
		return nil, "", fmt.Errorf("%w: more than %d source files", ErrInvalidRequest, maxSourceFiles)
	}
	total := 0
	for name, data := range params.Files {
		if !validSourcePath(name) {
			return nil, "", fmt.Errorf("%w: invalid source path %q", ErrInvalidRequest, name)
		}
		total += len(data)
	}
	if total > maxSourceBytes {
		return nil, "", fmt.Errorf("%w: sources exceed %d bytes", ErrInvalidRequest, maxSourceBytes)
	}

	entry := params.Entry
	if entry == "" {
		for _, candidate := range entryCandidates {
			if _, ok := params.Files[candidate]; ok {
				entry = candidate
				break
			}
		}
	}
	source, ok := params.Files[entry]
	if entry == "" || !ok {
		return nil, "", fmt.Errorf("%w: entry file not found", ErrInvalidRequest)
	}
	kind := SourceTSX
	if bundler.IsHTML(source) {
		kind = SourceHTML
	}

	if _, err := capability.Parse(params.Capabilities); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	assets, err := asset.Normalize(params.Assets, nil, s.clock.Now())
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	return &job{
		Entry:        entry,
		Capabilities: string(params.Capabilities),
		Pins:         params.Pins,
		Assets:       assets,
	}, kind, nil
}

func validSourcePath(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	return path.Clean(name) == name && filepath.IsLocal(filepath.FromSlash(name))
}

func (s *Service) publish(ctx context.Context, b *Build) {
	if err := s.events.PublishEvent(ctx, b.Event()); err != nil {
		s.log.Warn("didn't publish build event", "build_id", b.ID, "state", b.State, "error", err)
	}
}

// Get returns a build without checking its artifacts.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Build, error) {
	b, err := s.database.GetBuild(ctx, &DatabaseGetBuildParams{ID: id})
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}
	return b, nil
}

type Artifacts struct {
	IndexPath    string
	ManifestPath string
	BundlePath   string
	Public       string // URL path of the served index.html, empty until it exists
}

type Status struct {
	Build     *Build
	Artifacts *Artifacts
	Missing   []string // required artifacts not stored yet
}

// GetStatus returns ErrNotFound for an unknown build and
// *ArtifactsMissingError for a known build whose files are gone or, for a
// successful build, incomplete.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*Status, error) {
	b, err := s.database.GetBuild(ctx, &DatabaseGetBuildParams{ID: id})
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}

	exists, err := s.store.Exists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}
	missing, err := s.store.Missing(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}
	if !exists || (b.State == StateSuccess && len(missing) > 0) {
		return nil, fmt.Errorf("build.Service: %w", &ArtifactsMissingError{Missing: missing})
	}

	indexPath := path.Join(artifact.BuildDir, bundler.IndexFile)
	a := &Artifacts{
		IndexPath:    indexPath,
		ManifestPath: path.Join(artifact.BuildDir, bundler.ManifestFile),
		BundlePath:   artifact.BundleFile,
	}
	indexMissing := false
	for _, m := range missing {
		if m == indexPath {
			indexMissing = true
		}
	}
	if !indexMissing {
		a.Public = "/public/builds/" + id.String() + "/" + indexPath
	}
	return &Status{Build: b, Artifacts: a, Missing: missing}, nil
}

// Cancel fails a build that hasn't finished. A worker running it stops at
// its next milestone.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Build, error) {
	b, err := s.database.GetBuild(ctx, &DatabaseGetBuildParams{ID: id})
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}
	if b.State.IsTerminal() {
		return nil, fmt.Errorf("build.Service: %w", ErrAlreadyDone)
	}

	b, err = s.database.UpdateBuild(ctx, &DatabaseUpdateBuildParams{
		ID:            id,
		State:         StateFailed,
		Progress:      b.Progress,
		Error:         "build canceled",
		ErrorCategory: CategoryCanceled,
	})
	if errors.Is(err, ErrInvalidTransition) {
		return nil, fmt.Errorf("build.Service: %w", ErrAlreadyDone)
	} else if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}

	metrics.ObserveFinished(string(b.State), string(b.ErrorCategory), b.UpdatedAt.Sub(b.CreatedAt))
	s.publish(ctx, b)
	s.log.Info("canceled build", "build_id", id)
	return b, nil
}

type ListParams struct {
	Cursor string
	Limit  int // default: 20, at most 100
}

type ListResult struct {
	Builds     []*Build
	NextCursor string // empty on the last page
}

// List pages through builds newest first. Cursors are opaque to clients.
func (s *Service) List(ctx context.Context, params *ListParams) (*ListResult, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	dbParams := &DatabaseListBuildsParams{Limit: limit + 1}
	if params.Cursor != "" {
		createdAt, id, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, fmt.Errorf("build.Service: %w", err)
		}
		dbParams.AfterCreatedAt = &createdAt
		dbParams.AfterID = id
	}

	builds, err := s.database.ListBuilds(ctx, dbParams)
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}

	result := &ListResult{Builds: builds}
	if len(builds) > limit {
		result.Builds = builds[:limit]
		last := result.Builds[limit-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return result, nil
}

func encodeCursor(createdAt time.Time, id uuid.UUID) string {
	raw := strconv.FormatInt(createdAt.UnixMicro(), 10) + "_" + id.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.UUID{}, ErrInvalidCursor
	}
	micros, idString, ok := strings.Cut(string(raw), "_")
	if !ok {
		return time.Time{}, uuid.UUID{}, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return time.Time{}, uuid.UUID{}, ErrInvalidCursor
	}
	id, err := uuid.Parse(idString)
	if err != nil {
		return time.Time{}, uuid.UUID{}, ErrInvalidCursor
	}
	return time.UnixMicro(n).UTC(), id, nil
}

// ResumePending sends every queued build to the workers again. It is run
// when a worker starts so builds queued during an outage aren't lost.
func (s *Service) ResumePending(ctx context.Context) (int, error) {
	builds, err := s.database.ListBuildsByState(ctx, &DatabaseListBuildsByStateParams{
		States: []State{StateQueued},
	})
	if err != nil {
		return 0, fmt.Errorf("build.Service: %w", err)
	}
	for _, b := range builds {
		if err := s.broker.SendBuildCreated(ctx, b.ID); err != nil {
			return 0, fmt.Errorf("build.Service: %w", errors.Join(ErrQueueUnavailable, err))
		}
	}
	if len(builds) > 0 {
		s.log.Info("resumed pending builds", "count", len(builds))
	}
	return len(builds), nil
}

// FailStale fails builds that haven't changed for longer than ceiling.
func (s *Service) FailStale(ctx context.Context, ceiling time.Duration) (int, error) {
	builds, err := s.database.ListBuildsByState(ctx, &DatabaseListBuildsByStateParams{
		States:        []State{StateQueued, StateBundling, StateVerifying},
		UpdatedBefore: s.clock.Now().Add(-ceiling),
	})
	if err != nil {
		return 0, fmt.Errorf("build.Service: %w", err)
	}

	failed := 0
	for _, b := range builds {
		updated, err := s.database.UpdateBuild(ctx, &DatabaseUpdateBuildParams{
			ID:            b.ID,
			State:         StateFailed,
			Progress:      b.Progress,
			Error:         "build timed out",
			ErrorCategory: CategoryTimeout,
		})
		if errors.Is(err, ErrInvalidTransition) {
			continue
		} else if err != nil {
			return failed, fmt.Errorf("build.Service: %w", err)
		}
		failed++
		metrics.ObserveFinished(string(updated.State), string(updated.ErrorCategory), updated.UpdatedAt.Sub(updated.CreatedAt))
		s.publish(ctx, updated)
		s.log.Warn("failed stale build", "build_id", b.ID, "state", b.State, "updated_at", b.UpdatedAt)
	}
	return failed, nil
}

// UpdateAssets replaces the custom assets of a build. A finished build is
// rewritten and republished, a queued one picks the assets up when it runs.
func (s *Service) UpdateAssets(ctx context.Context, id uuid.UUID, inputs []asset.Input) ([]asset.CustomAsset, error) {
	if s.assets == nil {
		return nil, errors.New("build.Service: no asset manager")
	}
	b, err := s.database.GetBuild(ctx, &DatabaseGetBuildParams{ID: id})
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}
	if b.State != StateQueued && b.State != StateSuccess {
		return nil, fmt.Errorf("build.Service: %w: build is %s", ErrInvalidRequest, b.State)
	}

	data, err := s.store.ReadFile(ctx, id, jobFile)
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}
	var j job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}

	next, err := asset.Normalize(inputs, j.Assets, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w: %w", ErrInvalidRequest, err)
	}
	if b.State == StateSuccess {
		if err := s.store.Download(ctx, id, artifact.BuildDir); err != nil {
			return nil, fmt.Errorf("build.Service: %w", err)
		}
		if err := s.assets.ApplyToBuild(ctx, id, next, j.Assets); err != nil {
			return nil, fmt.Errorf("build.Service: %w", err)
		}
	}

	j.Assets = next
	if data, err = json.Marshal(&j); err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}
	if err := s.store.Write(ctx, id, jobFile, data); err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}
	return next, nil
}

// Policy returns the capability policy a build was published with.
func (s *Service) Policy(ctx context.Context, id uuid.UUID) (*capability.Policy, error) {
	data, err := s.store.ReadFile(ctx, id, jobFile)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, fmt.Errorf("build.Service: %w", ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}
	var j job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}
	policy, err := capability.Parse([]byte(j.Capabilities))
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}
	return policy, nil
}
