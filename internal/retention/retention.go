// Package retention finds build folders no listing references and prunes
// them once they are past the retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Zivotu/git-Clean2-sub005/internal/listing"
	"github.com/Zivotu/git-Clean2-sub005/internal/metrics"
)

const DefaultRetention = 7 * 24 * time.Hour

const StatusOrphaned listing.Status = "orphaned"

type Listings interface {
	ListListings(ctx context.Context) ([]*listing.Listing, error)
}

type Remover interface {
	Remove(ctx context.Context, buildID uuid.UUID) error
}

type Scanner struct {
	listings  Listings // required
	remover   Remover  // required
	dir       string
	retention time.Duration
	clock     clockwork.Clock
	log       *slog.Logger
}

type ScannerParams struct {
	Listings  Listings        // required
	Remover   Remover         // required
	Root      string          // required, local artifact root
	Retention time.Duration   // default: DefaultRetention
	Clock     clockwork.Clock // default: real clock
}

func NewScanner(params *ScannerParams) *Scanner {
	retention := params.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scanner{
		listings:  params.Listings,
		remover:   params.Remover,
		dir:       filepath.Join(params.Root, "builds"),
		retention: retention,
		clock:     clock,
		log:       slog.With("component", "retention"),
	}
}

type Detail struct {
	BuildID   uuid.UUID      `json:"buildId"`
	Path      string         `json:"path"`
	Size      int64          `json:"size"`
	ModTime   time.Time      `json:"modTime"`
	Status    listing.Status `json:"status"`
	ListingID string         `json:"listingId,omitempty"`
	Slug      string         `json:"slug,omitempty"`
	// Expired is set for orphaned folders past retention.
	Expired bool `json:"expired,omitempty"`
}

type Report struct {
	TotalBuilds      int         `json:"totalBuilds"`
	ActiveBuilds     int         `json:"activeBuilds"`
	OrphanedBuilds   int         `json:"orphanedBuilds"`
	ReclaimableBytes int64       `json:"reclaimableBytes"`
	Orphaned         []uuid.UUID `json:"orphaned"`
	Details          []Detail    `json:"details"`
}

// Scan cross-references the local build folders with every listing. Only
// orphaned folders past retention count as reclaimable.
func (s *Scanner) Scan(ctx context.Context) (*Report, error) {
	listings, err := s.listings.ListListings(ctx)
	if err != nil {
		return nil, fmt.Errorf("retention.Scanner: %w", err)
	}
	refs := listing.References(listings)

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		entries = nil
	} else if err != nil {
		return nil, fmt.Errorf("retention.Scanner: %w", err)
	}

	report := &Report{ActiveBuilds: len(refs), Orphaned: []uuid.UUID{}, Details: []Detail{}}
	now := s.clock.Now()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			s.log.Warn("skipped unknown folder", "name", entry.Name())
			continue
		}
		report.TotalBuilds++

		p := filepath.Join(s.dir, entry.Name())
		d := Detail{BuildID: id, Path: p}
		if info, err := entry.Info(); err == nil {
			d.ModTime = info.ModTime().UTC()
		}
		d.Size, err = dirSize(p)
		if err != nil {
			s.log.Warn("didn't size build folder", "build_id", id, "error", err)
		}

		if ref, ok := refs[id]; ok {
			d.Status = ref.Status
			d.ListingID = ref.ListingID
			d.Slug = ref.Slug
		} else {
			d.Status = StatusOrphaned
			d.Expired = now.Sub(d.ModTime) > s.retention
			if d.Expired {
				report.OrphanedBuilds++
				report.ReclaimableBytes += d.Size
				report.Orphaned = append(report.Orphaned, id)
			}
		}
		report.Details = append(report.Details, d)
	}

	sort.SliceStable(report.Details, func(i, j int) bool {
		a, b := report.Details[i], report.Details[j]
		if (a.Status == listing.StatusActive) != (b.Status == listing.StatusActive) {
			return a.Status == listing.StatusActive
		}
		return a.ModTime.After(b.ModTime)
	})

	metrics.SetReclaimableBytes(report.ReclaimableBytes)
	s.log.Info("scanned builds",
		"total", report.TotalBuilds,
		"orphaned", report.OrphanedBuilds,
		"reclaimable_bytes", report.ReclaimableBytes,
	)
	return report, nil
}

// Prune removes the reclaimable builds of report. Listings are read again
// first and a build referenced since the scan is kept.
func (s *Scanner) Prune(ctx context.Context, report *Report) (int, error) {
	listings, err := s.listings.ListListings(ctx)
	if err != nil {
		return 0, fmt.Errorf("retention.Scanner: %w", err)
	}
	refs := listing.References(listings)

	removed := 0
	var errs []error
	for _, id := range report.Orphaned {
		if _, ok := refs[id]; ok {
			s.log.Info("kept build referenced since scan", "build_id", id)
			continue
		}
		if err := s.remover.Remove(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		s.log.Info("pruned build", "build_id", id)
	}
	if err := errors.Join(errs...); err != nil {
		return removed, fmt.Errorf("retention.Scanner: %w", err)
	}
	return removed, nil
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}
