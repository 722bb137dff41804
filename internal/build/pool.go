package build

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Runner runs one build. *Doer is a Runner.
type Runner interface {
	Do(ctx context.Context, id uuid.UUID) error
}

// Pool runs builds on a fixed number of goroutines.
type Pool struct {
	runner Runner
	slots  chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc

	log *slog.Logger
}

func NewPool(runner Runner, size int) *Pool {
	size = max(size, 1)
	return &Pool{
		runner:  runner,
		slots:   make(chan struct{}, size),
		running: make(map[uuid.UUID]context.CancelFunc),
		log:     slog.With("component", "build", "pool_size", size),
	}
}

// Submit starts the build on a free worker and blocks while every worker is
// busy. done, if not nil, is called with the result once the build returns.
// Submit returns ctx.Err() if ctx ends before a worker frees up. Once
// started, a build is stopped only by Cancel, so ending ctx lets running
// builds drain.
func (p *Pool) Submit(ctx context.Context, id uuid.UUID, done func(error)) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.running[id] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		defer func() {
			p.mu.Lock()
			delete(p.running, id)
			p.mu.Unlock()
			cancel()
		}()

		err := p.runner.Do(runCtx, id)
		if err != nil {
			p.log.Warn("didn't do build", "build_id", id, "error", err)
		}
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// Cancel stops a build running in this pool and reports whether it was
// found.
func (p *Pool) Cancel(id uuid.UUID) bool {
	p.mu.Lock()
	cancel, ok := p.running[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every submitted build has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
