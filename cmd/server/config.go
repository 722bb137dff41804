package main

import (
	"time"

	"github.com/Zivotu/git-Clean2-sub005/internal/alias"
	"github.com/Zivotu/git-Clean2-sub005/internal/app"
)

// config holds the application configuration.
type config struct {
	app.Config
	Server Config `envPrefix:"BUILDS_SERVER_"`
}

// Config holds the server configuration.
type Config struct {
	Host              string        `env:"HOST"` // default: "127.0.0.1"
	Port              int           `env:"PORT"` // default: 8080
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"`

	// AllowedOrigins are the CORS and WebSocket origins besides localhost.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	// PublicOrigin is the platform origin proxied network modes talk to.
	PublicOrigin   string   `env:"PUBLIC_ORIGIN"`
	FrameAncestors []string `env:"FRAME_ANCESTORS" envSeparator:","`
	Shims          []string `env:"SHIMS" envSeparator:","` // default: alias.DefaultShims

	PublishRate  float64       `env:"PUBLISH_RATE"`  // publish requests per second, default: 2
	PublishBurst int           `env:"PUBLISH_BURST"` // default: 10
	Heartbeat    time.Duration `env:"HEARTBEAT"`     // default: buildevent.DefaultHeartbeat
}

func (c *Config) host() string {
	h := c.Host
	if h == "" {
		h = "127.0.0.1"
	}
	return h
}

func (c *Config) port() int {
	p := c.Port
	if p == 0 {
		p = 8080
	}
	return p
}

func (c *Config) shims() []string {
	if len(c.Shims) == 0 {
		return alias.DefaultShims
	}
	return c.Shims
}

func (c *Config) publishRate() float64 {
	r := c.PublishRate
	if r <= 0 {
		r = 2
	}
	return r
}

func (c *Config) publishBurst() int {
	b := c.PublishBurst
	if b <= 0 {
		b = 10
	}
	return b
}
