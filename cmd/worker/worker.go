package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/robfig/cron/v3"

	"github.com/Zivotu/git-Clean2-sub005/internal/build"
	"github.com/Zivotu/git-Clean2-sub005/internal/retention"
)

// consumer is the part of *amqputil.Client the worker uses.
type consumer interface {
	ConsumeWithRetry(ctx context.Context, handle func(m amqp091.Delivery)) error
}

// maintainer is the part of *build.Service the worker uses.
type maintainer interface {
	ResumePending(ctx context.Context) (int, error)
	FailStale(ctx context.Context, ceiling time.Duration) (int, error)
}

type Worker struct {
	handler      *Handler
	pool         *build.Pool
	service      maintainer
	scanner      *retention.Scanner
	buildCreated consumer
	buildEvents  consumer
	staleCeiling time.Duration
	conf         *Config
	log          *slog.Logger
}

type WorkerParams struct {
	Pool         *build.Pool        // required
	Service      maintainer         // required
	Scanner      *retention.Scanner // required
	BuildCreated consumer           // required
	BuildEvents  consumer           // required
	StaleCeiling time.Duration      // required
	Config       *Config            // required
}

func NewWorker(params *WorkerParams) *Worker {
	return &Worker{
		handler:      NewHandler(params.Pool),
		pool:         params.Pool,
		service:      params.Service,
		scanner:      params.Scanner,
		buildCreated: params.BuildCreated,
		buildEvents:  params.BuildEvents,
		staleCeiling: params.StaleCeiling,
		conf:         params.Config,
		log:          slog.With("component", "worker"),
	}
}

// Run consumes builds until ctx ends and then waits for running builds to
// return.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.service.ResumePending(ctx); err != nil {
		w.log.Error("didn't resume pending builds", "error", err)
	}

	c := cron.New()
	if _, err := c.AddFunc(w.conf.staleSchedule(), func() { w.failStale(ctx) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(w.conf.retentionSchedule(), func() { w.sweep(ctx) }); err != nil {
		return err
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	go func() {
		if err := w.buildEvents.ConsumeWithRetry(ctx, w.handler.BuildEvent); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("stopped consuming build events", "error", err)
		}
	}()

	w.log.Info("starting consuming")
	err := w.buildCreated.ConsumeWithRetry(ctx, w.handler.BuildCreated(ctx))
	w.log.Info("waiting for running builds")
	w.pool.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) failStale(ctx context.Context) {
	n, err := w.service.FailStale(ctx, w.staleCeiling)
	if err != nil {
		w.log.Error("didn't fail stale builds", "error", err)
		return
	}
	if n > 0 {
		w.log.Warn("failed stale builds", "count", n)
	}
}

func (w *Worker) sweep(ctx context.Context) {
	report, err := w.scanner.Scan(ctx)
	if err != nil {
		w.log.Error("didn't scan builds", "error", err)
		return
	}
	w.log.Info(
		"scanned builds",
		"total", report.TotalBuilds,
		"active", report.ActiveBuilds,
		"orphaned", report.OrphanedBuilds,
		"reclaimable_bytes", report.ReclaimableBytes,
	)
	if !w.conf.Prune || len(report.Orphaned) == 0 {
		return
	}

	n, err := w.scanner.Prune(ctx, report)
	if err != nil {
		w.log.Error("didn't prune builds", "error", err, "pruned", n)
		return
	}
	w.log.Info("pruned builds", "count", n)
}
