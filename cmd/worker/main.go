package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zivotu/git-Clean2-sub005/internal/app"
	"github.com/Zivotu/git-Clean2-sub005/internal/build"
	"github.com/Zivotu/git-Clean2-sub005/internal/build/buildamqp"
	"github.com/Zivotu/git-Clean2-sub005/internal/build/buildpg"
	"github.com/Zivotu/git-Clean2-sub005/internal/listing/listingpg"
	"github.com/Zivotu/git-Clean2-sub005/internal/metrics"
)

func main() {
	if err := run(os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(environ []string) error {
	cfg, err := app.Parse[config](environ)
	if err != nil {
		return err
	}
	log := app.NewLogger(cfg.Development)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := cfg.NewPostgresPool(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := cfg.NewStore()
	if err != nil {
		return err
	}
	bundler, err := cfg.NewBundler()
	if err != nil {
		return err
	}

	buildCreatedClient := cfg.NewBuildCreatedClient()
	defer func() { _ = buildCreatedClient.Close() }()
	buildEventClient := cfg.NewBuildEventClient()
	defer func() { _ = buildEventClient.Close() }()

	database := buildpg.NewDatabase(db)
	events := buildamqp.NewEventPublisher(buildEventClient)
	assets := cfg.NewAssetManager(store)
	listings := listingpg.NewDatabase(db)

	doer := build.NewDoer(&build.DoerParams{
		Database: database,
		Store:    store,
		Bundler:  bundler,
		Assets:   assets,
		Events:   events,
		Timeout:  cfg.Build.Timeout,
	})
	service := build.NewService(&build.ServiceParams{
		Config:   &build.Config{Enabled: !cfg.Build.Disabled},
		Database: database,
		Store:    store,
		Broker:   buildamqp.NewBroker(buildCreatedClient),
		Events:   events,
		Listings: listings,
		Assets:   assets,
	})

	conf := &cfg.Worker
	if conf.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              conf.MetricsAddr,
			Handler:           metrics.Handler(),
			ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelError),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("starting metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("stopped metrics server", "error", err)
			}
		}()
		defer func() { _ = metricsServer.Close() }()
	}

	worker := NewWorker(&WorkerParams{
		Pool:         build.NewPool(doer, conf.concurrency()),
		Service:      service,
		Scanner:      cfg.NewScanner(listings, store, conf.retention()),
		BuildCreated: buildCreatedClient,
		BuildEvents:  buildEventClient,
		StaleCeiling: cfg.Build.StaleCeiling(),
		Config:       conf,
	})

	log.Info("starting worker", "concurrency", conf.concurrency())
	return worker.Run(ctx)
}
