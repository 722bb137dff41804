// maintenance reports build folders that no listing references and, when
// asked to, prunes the ones past retention.
//
//	maintenance [--json] [--retention 168h] [--prune [--confirm]]
//
// --prune without --confirm only prints what would be removed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/Zivotu/git-Clean2-sub005/internal/app"
	"github.com/Zivotu/git-Clean2-sub005/internal/listing/listingpg"
	"github.com/Zivotu/git-Clean2-sub005/internal/retention"
)

func main() {
	if err := run(os.Args[1:], os.Environ(), os.Stdout); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

type options struct {
	JSON      bool
	Prune     bool
	Confirm   bool
	Retention time.Duration
}

func parseOptions(args []string) (*options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("maintenance", pflag.ContinueOnError)
	flagSet.BoolVar(&opts.JSON, "json", false, "print the report as JSON")
	flagSet.BoolVar(&opts.Prune, "prune", false, "remove orphaned builds past retention")
	flagSet.BoolVar(&opts.Confirm, "confirm", false, "actually remove when pruning, otherwise only report")
	flagSet.DurationVar(&opts.Retention, "retention", retention.DefaultRetention, "how long orphaned builds are kept")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	return &opts, nil
}

func run(args, environ []string, stdout io.Writer) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	cfg, err := app.Parse[app.Config](environ)
	if err != nil {
		return err
	}
	_ = app.NewLogger(cfg.Development)

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

	scanner := cfg.NewScanner(listingpg.NewDatabase(db), store, opts.Retention)
	return maintain(ctx, scanner, opts, stdout)
}

// result is what a run prints.
type result struct {
	*retention.Report
	DryRun bool `json:"dryRun"`
	Pruned int  `json:"pruned"`
}

type scanner interface {
	Scan(ctx context.Context) (*retention.Report, error)
	Prune(ctx context.Context, report *retention.Report) (int, error)
}

func maintain(ctx context.Context, s scanner, opts *options, stdout io.Writer) error {
	report, err := s.Scan(ctx)
	if err != nil {
		return err
	}

	res := &result{Report: report, DryRun: !opts.Prune || !opts.Confirm}
	var pruneErr error
	if opts.Prune && opts.Confirm {
		res.Pruned, pruneErr = s.Prune(ctx, report)
	}

	if opts.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if err := printResult(stdout, res, opts.Prune); err != nil {
		return err
	}
	return pruneErr
}

func printResult(w io.Writer, res *result, prune bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "BUILD\tSTATUS\tLISTING\tSIZE\tMODIFIED")
	for _, d := range res.Details {
		status := string(d.Status)
		if d.Expired {
			status += " (expired)"
		}
		l := d.ListingID
		if d.Slug != "" {
			l += " " + d.Slug
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.BuildID, status, l, d.Size, d.ModTime.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\n%d builds, %d referenced, %d reclaimable (%d bytes)\n",
		res.TotalBuilds, res.ActiveBuilds, res.OrphanedBuilds, res.ReclaimableBytes)
	if err != nil {
		return err
	}
	switch {
	case !prune:
	case res.DryRun:
		_, err = fmt.Fprintf(w, "dry run: %d builds would be removed, pass --confirm to remove them\n", len(res.Orphaned))
	default:
		_, err = fmt.Fprintf(w, "removed %d builds\n", res.Pruned)
	}
	return err
}
