package main

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/Zivotu/git-Clean2-sub005/internal/build"
	"github.com/Zivotu/git-Clean2-sub005/internal/build/buildamqp"
)

// pool is the part of *build.Pool the handler uses.
type pool interface {
	Submit(ctx context.Context, id uuid.UUID, done func(error)) error
	Cancel(id uuid.UUID) bool
}

type Handler struct {
	pool pool
	log  *slog.Logger
}

func NewHandler(p pool) *Handler {
	return &Handler{pool: p, log: slog.With("component", "worker")}
}

// BuildCreated returns the handler of build.created deliveries. A delivery
// is acknowledged once a worker has taken the build; the build row, not the
// message, tracks it from then on. Malformed deliveries are dropped.
func (h *Handler) BuildCreated(ctx context.Context) func(m amqp091.Delivery) {
	return func(m amqp091.Delivery) {
		if err := m.Headers.Validate(); err != nil {
			h.log.Error("dropped delivery with invalid header", "error", err)
			_ = m.Nack(false, false)
			return
		}

		id, err := buildamqp.DecodeBuildCreated(m.Body)
		if err != nil {
			h.log.Error("dropped delivery", "error", err)
			_ = m.Nack(false, false)
			return
		}

		if err := h.pool.Submit(ctx, id, nil); err != nil {
			h.log.Warn("didn't submit build", "build_id", id, "error", err)
			_ = m.Nack(false, true)
			return
		}
		_ = m.Ack(false)
	}
}

// BuildEvent handles build.events deliveries. A failed event stops the
// build if it still runs here, so a cancel request or a stale sweep on
// another process ends the work.
func (h *Handler) BuildEvent(m amqp091.Delivery) {
	e, err := buildamqp.DecodeEvent(m.Body)
	if err != nil {
		h.log.Warn("didn't decode build event", "error", err)
		return
	}
	if e.State != build.StateFailed {
		return
	}
	if h.pool.Cancel(e.BuildID) {
		h.log.Info("stopped failed build", "build_id", e.BuildID, "error", e.Error)
	}
}
