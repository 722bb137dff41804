package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Zivotu/git-Clean2-sub005/internal/app"
	"github.com/Zivotu/git-Clean2-sub005/internal/apppg"
)

func main() {
	if err := run(os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// run migrates the database and creates the storage bucket of a remote
// backend.
func run(environ []string) error {
	cfg, err := app.Parse[app.Config](environ)
	if err != nil {
		return err
	}
	log := app.NewLogger(cfg.Development)

	if err := apppg.Setup(cfg.PostgresConnectionString()); err != nil {
		return err
	}
	log.Info("migrated database")

	if err := cfg.SetupStorage(context.Background()); err != nil {
		return err
	}
	log.Info("set up storage", "backend", cfg.Storage.Backend)
	return nil
}
