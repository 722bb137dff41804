package build

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	callCreateBuild       = "CreateBuild"
	callGetBuild          = "GetBuild"
	callUpdateBuild       = "UpdateBuild"
	callListBuilds        = "ListBuilds"
	callListBuildsByState = "ListBuildsByState"
)

// MemDatabase is an in-memory Database that records its calls.
type MemDatabase struct {
	Clock clockwork.Clock

	mu     sync.Mutex
	builds map[uuid.UUID]*Build
	Calls  []string
}

func NewMemDatabase(clock clockwork.Clock) *MemDatabase {
	return &MemDatabase{Clock: clock, builds: make(map[uuid.UUID]*Build)}
}

func (d *MemDatabase) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.Calls)
}

func (d *MemDatabase) CreateBuild(ctx context.Context, params *DatabaseCreateBuildParams) (*Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, callCreateBuild)
	if _, ok := d.builds[params.ID]; ok {
		return nil, errors.New("duplicate build id")
	}
	now := d.Clock.Now().UTC()
	b := &Build{
		ID:         params.ID,
		State:      StateQueued,
		ListingID:  params.ListingID,
		SourceKind: params.SourceKind,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	d.builds[b.ID] = b
	c := *b
	return &c, nil
}

func (d *MemDatabase) GetBuild(ctx context.Context, params *DatabaseGetBuildParams) (*Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, callGetBuild)
	b, ok := d.builds[params.ID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *b
	return &c, nil
}

func (d *MemDatabase) UpdateBuild(ctx context.Context, params *DatabaseUpdateBuildParams) (*Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, callUpdateBuild)
	b, ok := d.builds[params.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(b.State, params.State) {
		return nil, ErrInvalidTransition
	}
	now := d.Clock.Now().UTC()
	if b.State == StateQueued && params.State != StateQueued && b.StartedAt == nil {
		b.StartedAt = &now
	}
	if params.State.IsTerminal() {
		b.FinishedAt = &now
	}
	b.State = params.State
	b.Progress = params.Progress
	b.Error = params.Error
	b.ErrorCategory = params.ErrorCategory
	b.UpdatedAt = now
	c := *b
	return &c, nil
}

func (d *MemDatabase) sorted() []*Build {
	builds := make([]*Build, 0, len(d.builds))
	for _, b := range d.builds {
		c := *b
		builds = append(builds, &c)
	}
	slices.SortFunc(builds, func(a, b *Build) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(b.ID[:], a.ID[:])
	})
	return builds
}

func (d *MemDatabase) ListBuilds(ctx context.Context, params *DatabaseListBuildsParams) ([]*Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, callListBuilds)
	var builds []*Build
	for _, b := range d.sorted() {
		if params.AfterCreatedAt != nil {
			c := b.CreatedAt.Compare(*params.AfterCreatedAt)
			if c > 0 || (c == 0 && bytes.Compare(b.ID[:], params.AfterID[:]) >= 0) {
				continue
			}
		}
		builds = append(builds, b)
		if len(builds) == params.Limit {
			break
		}
	}
	return builds, nil
}

func (d *MemDatabase) ListBuildsByState(ctx context.Context, params *DatabaseListBuildsByStateParams) ([]*Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, callListBuildsByState)
	var builds []*Build
	for _, b := range d.sorted() {
		if !slices.Contains(params.States, b.State) {
			continue
		}
		if !params.UpdatedBefore.IsZero() && !b.UpdatedAt.Before(params.UpdatedBefore) {
			continue
		}
		builds = append(builds, b)
		if params.Limit > 0 && len(builds) == params.Limit {
			break
		}
	}
	return builds, nil
}

// SpyBroker records sent builds and fails while Err is set.
type SpyBroker struct {
	mu   sync.Mutex
	Err  error
	Sent []uuid.UUID
}

func (b *SpyBroker) SendBuildCreated(ctx context.Context, id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Sent = append(b.Sent, id)
	return nil
}

type SpyEvents struct {
	mu     sync.Mutex
	Events []*Event
}

func (p *SpyEvents) PublishEvent(ctx context.Context, e *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, e)
	return nil
}

func (p *SpyEvents) events() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.Events)
}

type SpyListings struct {
	Err     error
	Pending map[string]uuid.UUID
}

func (l *SpyListings) SetPendingBuild(ctx context.Context, listingID string, buildID uuid.UUID) error {
	if l.Err != nil {
		return l.Err
	}
	if l.Pending == nil {
		l.Pending = make(map[string]uuid.UUID)
	}
	l.Pending[listingID] = buildID
	return nil
}

var testEpoch = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
