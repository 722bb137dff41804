package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/Zivotu/git-Clean2-sub005/internal/build"
	"github.com/Zivotu/git-Clean2-sub005/internal/listing"
	"github.com/Zivotu/git-Clean2-sub005/internal/retention"
)

type SpyAcknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue []bool
}

func (a *SpyAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *SpyAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *SpyAcknowledger) Reject(uint64, bool) error {
	return nil
}

type SpyPool struct {
	mu        sync.Mutex
	submitted []uuid.UUID
	canceled  []uuid.UUID
	running   map[uuid.UUID]bool
	submitErr error
}

func (p *SpyPool) Submit(_ context.Context, id uuid.UUID, _ func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return p.submitErr
	}
	p.submitted = append(p.submitted, id)
	return nil
}

func (p *SpyPool) Cancel(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, id)
	return p.running[id]
}

func delivery(ack amqp091.Acknowledger, body string) amqp091.Delivery {
	return amqp091.Delivery{Acknowledger: ack, Body: []byte(body)}
}

func TestHandlerBuildCreated(t *testing.T) {
	id := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")

	tests := []struct {
		name          string
		body          string
		submitErr     error
		wantSubmitted []uuid.UUID
		wantAcks      int
		wantRequeue   []bool
	}{
		{
			name:          "submitted",
			body:          `{"id":"` + id.String() + `"}`,
			wantSubmitted: []uuid.UUID{id},
			wantAcks:      1,
		},
		{
			name:        "malformed body",
			body:        `{"id":`,
			wantRequeue: []bool{false},
		},
		{
			name:        "missing id",
			body:        `{}`,
			wantRequeue: []bool{false},
		},
		{
			name:        "shutting down",
			body:        `{"id":"` + id.String() + `"}`,
			submitErr:   context.Canceled,
			wantRequeue: []bool{true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := &SpyPool{submitErr: tt.submitErr}
			ack := &SpyAcknowledger{}
			h := NewHandler(pool)

			h.BuildCreated(context.Background())(delivery(ack, tt.body))

			if got, want := pool.submitted, tt.wantSubmitted; !reflect.DeepEqual(got, want) {
				t.Fatalf("got %v, want %v", got, want)
			}
			if got, want := ack.acks, tt.wantAcks; got != want {
				t.Fatalf("got %v acks, want %v", got, want)
			}
			if got, want := ack.requeue, tt.wantRequeue; !reflect.DeepEqual(got, want) {
				t.Fatalf("got %v, want %v", got, want)
			}
		})
	}
}

func TestHandlerBuildEvent(t *testing.T) {
	running := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")
	other := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000000")

	pool := &SpyPool{running: map[uuid.UUID]bool{running: true}}
	h := NewHandler(pool)

	for _, e := range []*build.Event{
		{BuildID: running, State: build.StateVerifying, Progress: 70},
		{BuildID: other, State: build.StateSuccess, Progress: 100},
		{BuildID: running, State: build.StateFailed, Progress: 70, Error: "build canceled"},
	} {
		body, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		h.BuildEvent(amqp091.Delivery{Body: body})
	}
	h.BuildEvent(amqp091.Delivery{Body: []byte(`not json`)})

	if got, want := pool.canceled, []uuid.UUID{running}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// StubConsumer hands its deliveries to the handler and then blocks until
// ctx ends.
type StubConsumer struct {
	deliveries []amqp091.Delivery
}

func (c *StubConsumer) ConsumeWithRetry(ctx context.Context, handle func(m amqp091.Delivery)) error {
	for _, m := range c.deliveries {
		handle(m)
	}
	<-ctx.Done()
	return ctx.Err()
}

type SpyMaintainer struct {
	mu      sync.Mutex
	resumed int
	stale   []time.Duration
}

func (m *SpyMaintainer) ResumePending(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumed++
	return 0, nil
}

func (m *SpyMaintainer) FailStale(_ context.Context, ceiling time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale = append(m.stale, ceiling)
	return 1, nil
}

type StubRunner struct {
	mu  sync.Mutex
	ran []uuid.UUID
}

func (r *StubRunner) Do(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, id)
	return nil
}

type StubListings []*listing.Listing

func (s StubListings) ListListings(context.Context) ([]*listing.Listing, error) {
	return s, nil
}

type SpyRemover struct {
	removed []uuid.UUID
}

func (r *SpyRemover) Remove(_ context.Context, id uuid.UUID) error {
	r.removed = append(r.removed, id)
	return nil
}

func TestWorkerRun(t *testing.T) {
	id := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")
	ack := &SpyAcknowledger{}
	runner := &StubRunner{}
	service := &SpyMaintainer{}

	w := NewWorker(&WorkerParams{
		Pool:    build.NewPool(runner, 2),
		Service: service,
		Scanner: retention.NewScanner(&retention.ScannerParams{
			Listings: StubListings{},
			Remover:  &SpyRemover{},
			Root:     t.TempDir(),
		}),
		BuildCreated: &StubConsumer{deliveries: []amqp091.Delivery{delivery(ack, `{"id":"`+id.String()+`"}`)}},
		BuildEvents:  &StubConsumer{},
		StaleCeiling: 15 * time.Minute,
		Config:       &Config{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		runner.mu.Lock()
		n := len(runner.ran)
		runner.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("build didn't run")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := service.resumed, 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := ack.acks, 1; got != want {
		t.Fatalf("got %v acks, want %v", got, want)
	}
}

func TestWorkerRunInvalidSchedule(t *testing.T) {
	w := NewWorker(&WorkerParams{
		Pool:         build.NewPool(&StubRunner{}, 1),
		Service:      &SpyMaintainer{},
		Scanner:      retention.NewScanner(&retention.ScannerParams{Listings: StubListings{}, Remover: &SpyRemover{}, Root: t.TempDir()}),
		BuildCreated: &StubConsumer{},
		BuildEvents:  &StubConsumer{},
		Config:       &Config{StaleSchedule: "every minute"},
	})

	if err := w.Run(context.Background()); err == nil {
		t.Fatalf("got nil error, want one")
	}
}

func TestWorkerFailStale(t *testing.T) {
	service := &SpyMaintainer{}
	w := NewWorker(&WorkerParams{
		Pool:         build.NewPool(&StubRunner{}, 1),
		Service:      service,
		StaleCeiling: 15 * time.Minute,
		Config:       &Config{},
	})

	w.failStale(context.Background())

	if got, want := service.stale, []time.Duration{15 * time.Minute}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestWorkerSweep(t *testing.T) {
	root := t.TempDir()
	expired := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")
	active := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000000")
	old := time.Now().Add(-30 * 24 * time.Hour)
	for _, id := range []uuid.UUID{expired, active} {
		dir := filepath.Join(root, "builds", id.String())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "bundle.zip"), []byte("PK"), 0o644); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err := os.Chtimes(dir, old, old); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	}

	tests := []struct {
		name        string
		prune       bool
		wantRemoved []uuid.UUID
	}{
		{name: "report only", prune: false},
		{name: "prune", prune: true, wantRemoved: []uuid.UUID{expired}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remover := &SpyRemover{}
			w := NewWorker(&WorkerParams{
				Pool:    build.NewPool(&StubRunner{}, 1),
				Service: &SpyMaintainer{},
				Scanner: retention.NewScanner(&retention.ScannerParams{
					Listings: StubListings{{ID: "1", BuildID: &active}},
					Remover:  remover,
					Root:     root,
				}),
				Config: &Config{Prune: tt.prune},
			})

			w.sweep(context.Background())

			if got, want := remover.removed, tt.wantRemoved; !reflect.DeepEqual(got, want) {
				t.Fatalf("got %v, want %v", got, want)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	conf := &Config{}
	if conf.concurrency() < 1 {
		t.Fatalf("got concurrency %v, want at least 1", conf.concurrency())
	}
	if got, want := conf.retention(), retention.DefaultRetention; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := conf.staleSchedule(), "@every 1m"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, want := conf.retentionSchedule(), "@daily"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
