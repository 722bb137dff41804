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

	"github.com/Zivotu/git-Clean2-sub005/internal/alias"
	"github.com/Zivotu/git-Clean2-sub005/internal/app"
	"github.com/Zivotu/git-Clean2-sub005/internal/build"
	"github.com/Zivotu/git-Clean2-sub005/internal/build/buildamqp"
	"github.com/Zivotu/git-Clean2-sub005/internal/build/buildpg"
	"github.com/Zivotu/git-Clean2-sub005/internal/buildevent"
	"github.com/Zivotu/git-Clean2-sub005/internal/listing/listingpg"
)

const shutdownTimeout = 10 * time.Second

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

	buildCreatedClient := cfg.NewBuildCreatedClient()
	defer closeClient(buildCreatedClient)
	buildEventClient := cfg.NewBuildEventClient()
	defer closeClient(buildEventClient)

	listings := listingpg.NewDatabase(db)
	service := build.NewService(&build.ServiceParams{
		Config:   &build.Config{Enabled: !cfg.Build.Disabled},
		Database: buildpg.NewDatabase(db),
		Store:    store,
		Broker:   buildamqp.NewBroker(buildCreatedClient),
		Events:   buildamqp.NewEventPublisher(buildEventClient),
		Listings: listings,
		Assets:   cfg.NewAssetManager(store),
	})

	hub := buildevent.NewHub()
	relay := buildevent.NewRelay(buildEventClient, hub)
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("stopped relaying build events", "error", err)
		}
	}()

	conf := &cfg.Server
	streamer := buildevent.NewStreamer(&buildevent.StreamerParams{
		Hub:            hub,
		Heartbeat:      conf.Heartbeat,
		AllowedOrigins: conf.AllowedOrigins,
	})
	resolver := alias.NewResolver(&alias.ResolverParams{
		Listings: listings,
		Files:    store,
		Shims:    conf.shims(),
	})
	h := NewHandler(&HandlerParams{
		Builds:   service,
		Files:    store,
		Streamer: streamer,
		Resolver: resolver,
		Config:   conf,
	})
	server := NewServer(conf, h)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", server.Addr, "queue_enabled", service.Enabled())
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

type closer interface {
	Close() error
}

func closeClient(c closer) {
	if err := c.Close(); err != nil {
		slog.Warn("didn't close client", "error", err)
	}
}
