// Package buildevent fans build events out to SSE and WebSocket
// subscribers.
package buildevent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Zivotu/git-Clean2-sub005/internal/build"
	"github.com/Zivotu/git-Clean2-sub005/internal/metrics"
)

const subscriptionBuffer = 16

var _ build.EventPublisher = (*Hub)(nil)

// Hub delivers events to the subscribers of a build. Publishing never
// blocks on a slow subscriber: when its buffer is full the oldest pending
// event is dropped.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[*Subscription]struct{}
	log  *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[uuid.UUID]map[*Subscription]struct{}),
		log:  slog.With("component", "buildevent"),
	}
}

type Subscription struct {
	BuildID uuid.UUID
	C       <-chan *build.Event

	hub  *Hub
	ch   chan *build.Event
	once sync.Once
}

func (h *Hub) Subscribe(buildID uuid.UUID) *Subscription {
	ch := make(chan *build.Event, subscriptionBuffer)
	s := &Subscription{BuildID: buildID, C: ch, hub: h, ch: ch}

	h.mu.Lock()
	if h.subs[buildID] == nil {
		h.subs[buildID] = make(map[*Subscription]struct{})
	}
	h.subs[buildID][s] = struct{}{}
	h.mu.Unlock()

	metrics.AddSubscribers(1)
	return s
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		delete(h.subs[s.BuildID], s)
		if len(h.subs[s.BuildID]) == 0 {
			delete(h.subs, s.BuildID)
		}
		h.mu.Unlock()
		metrics.AddSubscribers(-1)
	})
}

// Subscribers returns the number of open subscriptions of a build.
func (h *Hub) Subscribers(buildID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[buildID])
}

// PublishEvent implements build.EventPublisher.
func (h *Hub) PublishEvent(_ context.Context, e *build.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[e.BuildID] {
		select {
		case s.ch <- e:
			continue
		default:
		}
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- e:
		default:
			h.log.Warn("dropped build event", "build_id", e.BuildID, "state", e.State)
		}
	}
	return nil
}

// Publishers fans events out to several publishers. Every publisher is
// tried and the errors are joined.
type Publishers []build.EventPublisher

func (p Publishers) PublishEvent(ctx context.Context, e *build.Event) error {
	var errs []error
	for _, publisher := range p {
		if err := publisher.PublishEvent(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newer reports whether e moves a subscriber past last. Relayed events can
// arrive out of order and a subscriber never sees a build go backwards.
func newer(last, e *build.Event) bool {
	if last == nil {
		return true
	}
	if last.State == e.State {
		return !last.Final() && e.Progress > last.Progress
	}
	return build.CanTransition(last.State, e.State)
}
