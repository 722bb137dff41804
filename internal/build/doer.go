package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
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
	DefaultTimeout = 5 * time.Minute

	maxErrorLength = 300
)

// Progress milestones reported while a build runs.
const (
	progressBundling  = 10
	progressBundled   = 40
	progressVerifying = 70
	progressAssets    = 80
	progressPersisted = 90
	progressDone      = 100
)

// Bundler compiles a build's sources into its output directory.
type Bundler interface {
	Bundle(ctx context.Context, params *bundler.BundleParams) (*bundler.Result, error)
}

// failure is an error with the category and creator-facing message the
// build is failed with.
type failure struct {
	category ErrorCategory
	message  string
	err      error
}

func (f *failure) Error() string {
	return fmt.Sprintf("%s: %v", f.category, f.err)
}

func (f *failure) Unwrap() error {
	return f.err
}

func fail(category ErrorCategory, message string, err error) error {
	return &failure{category: category, message: message, err: err}
}

type Doer struct {
	database Database
	store    *artifact.Store
	bundler  Bundler
	assets   *asset.Manager
	events   EventPublisher
	timeout  time.Duration
	clock    clockwork.Clock
	log      *slog.Logger
}

type DoerParams struct {
	Database Database        // required
	Store    *artifact.Store // required
	Bundler  Bundler         // required
	Assets   *asset.Manager  // required
	Events   EventPublisher  // required
	Timeout  time.Duration   // default: DefaultTimeout
	Clock    clockwork.Clock // default: real clock
}

func NewDoer(params *DoerParams) *Doer {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Doer{
		database: params.Database,
		store:    params.Store,
		bundler:  params.Bundler,
		assets:   params.Assets,
		events:   params.Events,
		timeout:  timeout,
		clock:    clock,
		log:      slog.With("component", "build"),
	}
}

// Do runs a queued build to a terminal state. It returns ErrAlreadyDone for
// a build that is finished or was taken by another worker and
// ErrInvalidTransition when the build was failed elsewhere while running,
// for example by Cancel. Build failures are recorded on the build and are
// not returned.
func (d *Doer) Do(ctx context.Context, id uuid.UUID) error {
	b, err := d.database.GetBuild(ctx, &DatabaseGetBuildParams{ID: id})
	if err != nil {
		return fmt.Errorf("build.Doer: %w", err)
	}
	if b.State != StateQueued {
		return fmt.Errorf("build.Doer: %w", ErrAlreadyDone)
	}

	b, err = d.advance(ctx, id, StateBundling, progressBundling)
	if errors.Is(err, ErrInvalidTransition) {
		return fmt.Errorf("build.Doer: %w", ErrAlreadyDone)
	} else if err != nil {
		return fmt.Errorf("build.Doer: %w", err)
	}
	start := d.clock.Now()
	log := d.log.With("build_id", id)
	log.Info("started build", "source_kind", b.SourceKind)

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err = d.run(runCtx, id)
	if errors.Is(err, ErrInvalidTransition) {
		log.Warn("stopped build changed elsewhere", "error", err)
		return fmt.Errorf("build.Doer: %w", err)
	}

	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		f := d.classify(runCtx, ctx, id, err)
		log.Error("build failed", "category", f.category, "error", err, "diagnostics", diagnostics(err))
		progress := b.Progress
		if cur, err := d.database.GetBuild(finishCtx, &DatabaseGetBuildParams{ID: id}); err == nil {
			progress = cur.Progress
		}
		b, err = d.update(finishCtx, &DatabaseUpdateBuildParams{
			ID:            id,
			State:         StateFailed,
			Progress:      progress,
			Error:         f.message,
			ErrorCategory: f.category,
		})
		if err != nil {
			return fmt.Errorf("build.Doer: %w", err)
		}
	} else {
		b, err = d.advance(finishCtx, id, StateSuccess, progressDone)
		if err != nil {
			return fmt.Errorf("build.Doer: %w", err)
		}
		log.Info("finished build", "duration", d.clock.Since(start))
	}

	metrics.ObserveFinished(string(b.State), string(b.ErrorCategory), d.clock.Since(start))
	return nil
}

func (d *Doer) run(ctx context.Context, id uuid.UUID) error {
	j, policy, err := d.loadJob(ctx, id)
	if err != nil {
		return err
	}

	root := d.store.Dir(id)
	sourceDir := filepath.Join(root, artifact.SourceDir)
	outDir := filepath.Join(root, artifact.BuildDir)
	if err := os.RemoveAll(outDir); err != nil {
		return fail(CategoryStorage, "build output could not be prepared", err)
	}

	result, err := d.bundler.Bundle(ctx, &bundler.BundleParams{
		EntryFile: filepath.Join(sourceDir, filepath.FromSlash(j.Entry)),
		OutDir:    outDir,
		AppRoot:   sourceDir,
		Policy:    policy,
		Pins:      j.Pins,
	})
	if err != nil {
		return err
	}
	if _, err := d.advance(ctx, id, StateBundling, progressBundled); err != nil {
		return err
	}

	if _, err := d.advance(ctx, id, StateVerifying, progressVerifying); err != nil {
		return err
	}
	if err := verifyOutput(outDir, result.Manifest); err != nil {
		return fail(CategoryCompile, "bundle output is incomplete", err)
	}

	if _, err := d.assets.Materialize(ctx, j.Assets, outDir); err != nil {
		return err
	}
	if _, err := d.advance(ctx, id, StateVerifying, progressAssets); err != nil {
		return err
	}

	if err := d.store.Publish(ctx, id); err != nil {
		return fail(CategoryStorage, "build artifacts could not be stored", err)
	}
	if _, err := d.advance(ctx, id, StateVerifying, progressPersisted); err != nil {
		return err
	}
	return nil
}

func (d *Doer) loadJob(ctx context.Context, id uuid.UUID) (*job, *capability.Policy, error) {
	if err := d.store.Download(ctx, id, artifact.SourceDir); err != nil {
		return nil, nil, fail(CategoryStorage, "build sources could not be loaded", err)
	}
	data, err := d.store.ReadFile(ctx, id, jobFile)
	if err != nil {
		return nil, nil, fail(CategoryStorage, "build sources could not be loaded", err)
	}
	var j job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, nil, fail(CategoryInternal, "build job is corrupt", err)
	}
	policy, err := capability.Parse([]byte(j.Capabilities))
	if err != nil {
		return nil, nil, fail(CategoryValidation, err.Error(), err)
	}
	return &j, policy, nil
}

func verifyOutput(outDir string, manifest *bundler.Manifest) error {
	for _, name := range manifest.RequiredFiles() {
		info, err := os.Stat(filepath.Join(outDir, filepath.FromSlash(name)))
		if err != nil {
			return err
		}
		if info.Size() == 0 {
			return fmt.Errorf("%s is empty", name)
		}
	}
	return nil
}

func (d *Doer) advance(ctx context.Context, id uuid.UUID, state State, progress int) (*Build, error) {
	return d.update(ctx, &DatabaseUpdateBuildParams{ID: id, State: state, Progress: progress})
}

func (d *Doer) update(ctx context.Context, params *DatabaseUpdateBuildParams) (*Build, error) {
	b, err := d.database.UpdateBuild(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := d.events.PublishEvent(ctx, b.Event()); err != nil {
		d.log.Warn("didn't publish build event", "build_id", b.ID, "state", b.State, "error", err)
	}
	return b, nil
}

// classify maps a build error to the category and message stored on the
// build. Messages never contain local paths.
func (d *Doer) classify(runCtx, parentCtx context.Context, id uuid.UUID, err error) *failure {
	var f *failure
	var bundleErr *bundler.BundleError
	var validationErr *asset.ValidationError
	switch {
	case parentCtx.Err() != nil:
		f = &failure{category: CategoryCanceled, message: "build canceled"}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		f = &failure{category: CategoryTimeout, message: "build timed out"}
	case errors.As(err, &f):
	case errors.As(err, &bundleErr):
		// Err is set only by module resolution and CDN loading.
		category := CategoryCompile
		if bundleErr.Err != nil {
			category = CategoryResolution
		}
		f = &failure{category: category, message: bundleErr.Message}
	case errors.As(err, &validationErr):
		f = &failure{category: CategoryValidation, message: validationErr.Error()}
	default:
		f = &failure{category: CategoryInternal, message: "internal build error"}
	}
	return &failure{
		category: f.category,
		message:  sanitizeMessage(f.message, d.store.Dir(id)),
		err:      err,
	}
}

// sanitizeMessage strips local paths and control characters and keeps the
// first line.
func sanitizeMessage(msg, root string) string {
	if root != "" {
		msg = strings.ReplaceAll(msg, root+string(filepath.Separator), "")
		msg = strings.ReplaceAll(msg, root, "")
	}
	msg, _, _ = strings.Cut(msg, "\n")
	msg = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, msg)
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorLength {
		msg = strings.ToValidUTF8(msg[:maxErrorLength], "") + "…"
	}
	if msg == "" {
		msg = "build failed"
	}
	return msg
}

func diagnostics(err error) []string {
	var bundleErr *bundler.BundleError
	if errors.As(err, &bundleErr) {
		return bundleErr.Diagnostics
	}
	return nil
}
