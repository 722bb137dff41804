package main

import (
	"runtime"
	"time"

	"github.com/Zivotu/git-Clean2-sub005/internal/app"
	"github.com/Zivotu/git-Clean2-sub005/internal/retention"
)

// config holds the application configuration.
type config struct {
	app.Config
	Worker Config `envPrefix:"BUILDS_WORKER_"`
}

// Config holds the worker configuration.
type Config struct {
	Concurrency int `env:"CONCURRENCY"` // default: runtime.NumCPU()

	// Schedules use robfig/cron syntax, e.g. "@every 1m" or "0 3 * * *".
	StaleSchedule     string `env:"STALE_SCHEDULE"`     // default: "@every 1m"
	RetentionSchedule string `env:"RETENTION_SCHEDULE"` // default: "@daily"

	Retention time.Duration `env:"RETENTION"` // default: retention.DefaultRetention
	// Prune deletes expired builds after each scheduled scan. Otherwise the
	// scan only reports.
	Prune bool `env:"PRUNE"`

	MetricsAddr string `env:"METRICS_ADDR"` // e.g. ":9090", disabled when empty
}

func (c *Config) concurrency() int {
	n := c.Concurrency
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return n
}

func (c *Config) staleSchedule() string {
	s := c.StaleSchedule
	if s == "" {
		s = "@every 1m"
	}
	return s
}

func (c *Config) retentionSchedule() string {
	s := c.RetentionSchedule
	if s == "" {
		s = "@daily"
	}
	return s
}

func (c *Config) retention() time.Duration {
	d := c.Retention
	if d <= 0 {
		d = retention.DefaultRetention
	}
	return d
}
