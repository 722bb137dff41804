package build

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// BlockingRunner blocks every build until it is released or canceled.
type BlockingRunner struct {
	started chan uuid.UUID
	release chan struct{}
}

func NewBlockingRunner() *BlockingRunner {
	return &BlockingRunner{started: make(chan uuid.UUID, 10), release: make(chan struct{})}
}

func (r *BlockingRunner) Do(ctx context.Context, id uuid.UUID) error {
	r.started <- id
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPoolSubmitBlocksWhenFull(t *testing.T) {
	runner := NewBlockingRunner()
	pool := NewPool(runner, 1)

	first := uuid.New()
	if err := pool.Submit(context.Background(), first, nil); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, uuid.New(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want %v", err, context.DeadlineExceeded)
	}

	close(runner.release)
	pool.Wait()

	if err := pool.Submit(context.Background(), uuid.New(), nil); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	pool.Wait()
}

func TestPoolCancel(t *testing.T) {
	runner := NewBlockingRunner()
	pool := NewPool(runner, 2)

	id := uuid.New()
	var (
		mu     sync.Mutex
		result error
	)
	done := make(chan struct{})
	err := pool.Submit(context.Background(), id, func(err error) {
		mu.Lock()
		result = err
		mu.Unlock()
		close(done)
	})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	<-runner.started

	if !pool.Cancel(id) {
		t.Fatal("got false, want true")
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(result, context.Canceled) {
		t.Fatalf("got %v, want %v", result, context.Canceled)
	}
	if pool.Cancel(uuid.New()) {
		t.Fatal("got true, want false")
	}
}

func TestPoolSubmitContextEndDrains(t *testing.T) {
	runner := NewBlockingRunner()
	pool := NewPool(runner, 1)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	if err := pool.Submit(ctx, uuid.New(), func(err error) { result <- err }); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	<-runner.started

	cancel()
	select {
	case err := <-result:
		t.Fatalf("got build result %v before release, want it still running", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	pool.Wait()
	if err := <-result; err != nil {
		t.Fatalf("didn't want %q", err)
	}
}
