package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Zivotu/git-Clean2-sub005/internal/alias"
	"github.com/Zivotu/git-Clean2-sub005/internal/asset"
	"github.com/Zivotu/git-Clean2-sub005/internal/build"
	"github.com/Zivotu/git-Clean2-sub005/internal/buildevent"
	"github.com/Zivotu/git-Clean2-sub005/internal/capability"
)

// builds is the part of *build.Service the handlers use.
type builds interface {
	Enqueue(ctx context.Context, params *build.EnqueueParams) (*build.Build, error)
	Get(ctx context.Context, id uuid.UUID) (*build.Build, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*build.Status, error)
	Cancel(ctx context.Context, id uuid.UUID) (*build.Build, error)
	List(ctx context.Context, params *build.ListParams) (*build.ListResult, error)
	UpdateAssets(ctx context.Context, id uuid.UUID, inputs []asset.Input) ([]asset.CustomAsset, error)
	Policy(ctx context.Context, id uuid.UUID) (*capability.Policy, error)
}

// files is the part of *artifact.Store the handlers use.
type files interface {
	Open(ctx context.Context, buildID uuid.UUID, name string) (io.ReadCloser, error)
}

type Handler struct {
	builds   builds
	files    files
	streamer *buildevent.Streamer
	resolver *alias.Resolver
	limiter  *clientLimiters
	conf     *Config
	log      *slog.Logger
}

type HandlerParams struct {
	Builds   builds               // required
	Files    files                // required
	Streamer *buildevent.Streamer // required
	Resolver *alias.Resolver      // required
	Config   *Config              // required
}

func NewHandler(params *HandlerParams) *Handler {
	conf := params.Config
	return &Handler{
		builds:   params.Builds,
		files:    params.Files,
		streamer: params.Streamer,
		resolver: params.Resolver,
		limiter:  newClientLimiters(rate.Limit(conf.publishRate()), conf.publishBurst()),
		conf:     conf,
		log:      slog.With("component", "server"),
	}
}

type errorResponse struct {
	Error   string   `json:"error"`
	Detail  string   `json:"detail,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("didn't write response", "error", err)
	}
}

func (h *Handler) serveClientError(w http.ResponseWriter, r *http.Request, status int, resp *errorResponse) {
	h.log.Info("client error", "method", r.Method, "path", r.URL.Path, "status", status, "error", resp.Error, "detail", resp.Detail)
	h.writeJSON(w, status, resp)
}

func (h *Handler) serveServerError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("server error", "method", r.Method, "path", r.URL.Path, "error", err)
	h.writeJSON(w, http.StatusInternalServerError, &errorResponse{Error: "internal_error"})
}

// serveBuildError maps a build.Service error to a response.
func (h *Handler) serveBuildError(w http.ResponseWriter, r *http.Request, err error) {
	var missingErr *build.ArtifactsMissingError
	switch {
	case errors.Is(err, build.ErrNotFound):
		h.serveClientError(w, r, http.StatusNotFound, &errorResponse{Error: "not_found"})
	case errors.As(err, &missingErr):
		h.serveClientError(w, r, http.StatusNotFound, &errorResponse{Error: "artifacts_missing", Missing: missingErr.Missing})
	case errors.Is(err, build.ErrQueueDisabled):
		h.serveClientError(w, r, http.StatusServiceUnavailable, &errorResponse{Error: "build_queue_disabled"})
	case errors.Is(err, build.ErrQueueUnavailable):
		h.serveClientError(w, r, http.StatusServiceUnavailable, &errorResponse{Error: "build_queue_unavailable"})
	case errors.Is(err, build.ErrInvalidRequest), errors.Is(err, build.ErrInvalidCursor):
		h.serveClientError(w, r, http.StatusBadRequest, &errorResponse{Error: "invalid_request", Detail: detail(err)})
	case errors.Is(err, build.ErrAlreadyDone):
		h.serveClientError(w, r, http.StatusConflict, &errorResponse{Error: "already_done"})
	default:
		h.serveServerError(w, r, err)
	}
}

// detail strips the "build.Service: " prefix the service adds.
func detail(err error) string {
	return strings.TrimPrefix(err.Error(), "build.Service: ")
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string `json:"status"`
	}

	h.writeJSON(w, http.StatusOK, &response{Status: "ok"})
}
