package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Zivotu/git-Clean2-sub005/internal/asset"
	"github.com/Zivotu/git-Clean2-sub005/internal/build"
	"github.com/Zivotu/git-Clean2-sub005/internal/bundler"
	"github.com/Zivotu/git-Clean2-sub005/internal/csp"
)

const maxRequestBytes = 8 << 20

type createBuildRequest struct {
	// InlineCode is a single source file, HTML or TSX.
	InlineCode   string            `json:"inlineCode,omitempty"`
	Files        map[string]string `json:"files,omitempty"`
	Entry        string            `json:"entry,omitempty"`
	Capabilities json.RawMessage   `json:"capabilities,omitempty"`
	Assets       []asset.Input     `json:"assets,omitempty"`
	Pins         map[string]string `json:"pins,omitempty"`
	ListingID    string            `json:"listingId,omitempty"`
}

type createBuildResponse struct {
	BuildID uuid.UUID `json:"buildId"`
}

// decodeJSON decodes exactly one JSON value from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: multiple top-level values")
	}
	return nil
}

// CreateBuild queues a publish request.
//
//	@Summary	Queue a build
//	@Accept		json
//	@Produce	json
//	@Param		request	body		createBuildRequest	true	"Sources and capabilities"
//	@Success	202		{object}	createBuildResponse
//	@Failure	400		{object}	errorResponse
//	@Failure	429		{object}	errorResponse
//	@Failure	503		{object}	errorResponse
//	@Router		/build [post]
func (h *Handler) CreateBuild(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(r) {
		w.Header().Set("Retry-After", "1")
		h.serveClientError(w, r, http.StatusTooManyRequests, &errorResponse{Error: "rate_limited"})
		return
	}

	var req createBuildRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.serveClientError(w, r, http.StatusBadRequest, &errorResponse{Error: "invalid_request", Detail: err.Error()})
		return
	}

	files := make(map[string][]byte, len(req.Files)+1)
	for name, content := range req.Files {
		files[name] = []byte(content)
	}
	if req.InlineCode != "" {
		name := "App.tsx"
		if bundler.IsHTML([]byte(req.InlineCode)) {
			name = bundler.IndexFile
		}
		files[name] = []byte(req.InlineCode)
	}

	var capabilities []byte
	if len(req.Capabilities) > 0 && string(req.Capabilities) != "null" {
		capabilities = req.Capabilities
		// A manifest may also be sent as a JSON or YAML string.
		var s string
		if json.Unmarshal(req.Capabilities, &s) == nil {
			capabilities = []byte(s)
		}
	}

	b, err := h.builds.Enqueue(r.Context(), &build.EnqueueParams{
		Files:        files,
		Entry:        req.Entry,
		Capabilities: capabilities,
		Assets:       req.Assets,
		Pins:         req.Pins,
		ListingID:    req.ListingID,
	})
	if err != nil {
		h.serveBuildError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, &createBuildResponse{BuildID: b.ID})
}

// buildIDParam parses the {id} path parameter, writing the error response
// when it isn't a build id.
func (h *Handler) buildIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.serveClientError(w, r, http.StatusNotFound, &errorResponse{Error: "not_found"})
		return uuid.UUID{}, false
	}
	return id, true
}

type artifactsResponse struct {
	IndexPath    string `json:"indexPath"`
	ManifestPath string `json:"manifestPath"`
	BundlePath   string `json:"bundlePath"`
	Public       string `json:"public,omitempty"`
}

type buildResponse struct {
	BuildID       uuid.UUID          `json:"buildId"`
	State         build.State        `json:"state"`
	Progress      int                `json:"progress"`
	Error         string             `json:"error,omitempty"`
	ErrorCategory string             `json:"errorCategory,omitempty"`
	ListingID     string             `json:"listingId,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
	Artifacts     *artifactsResponse `json:"artifacts,omitempty"`
	Missing       []string           `json:"missing,omitempty"`
}

func newBuildResponse(b *build.Build) *buildResponse {
	return &buildResponse{
		BuildID:       b.ID,
		State:         b.State,
		Progress:      b.Progress,
		Error:         b.Error,
		ErrorCategory: string(b.ErrorCategory),
		ListingID:     b.ListingID,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

// GetBuildStatus returns a build and where its artifacts are.
//
//	@Summary	Get build status
//	@Produce	json
//	@Param		id	path		string	true	"Build id"
//	@Success	200	{object}	buildResponse
//	@Failure	404	{object}	errorResponse
//	@Router		/build/{id}/status [get]
func (h *Handler) GetBuildStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildIDParam(w, r)
	if !ok {
		return
	}

	status, err := h.builds.GetStatus(r.Context(), id)
	if err != nil {
		h.serveBuildError(w, r, err)
		return
	}

	resp := newBuildResponse(status.Build)
	resp.Artifacts = &artifactsResponse{
		IndexPath:    status.Artifacts.IndexPath,
		ManifestPath: status.Artifacts.ManifestPath,
		BundlePath:   status.Artifacts.BundlePath,
		Public:       status.Artifacts.Public,
	}
	resp.Missing = status.Missing
	h.writeJSON(w, http.StatusOK, resp)
}

// StreamBuildEvents streams build progress as Server-Sent Events.
//
//	@Summary	Stream build events
//	@Produce	text/event-stream
//	@Param		id	path	string	true	"Build id"
//	@Success	200
//	@Failure	404	{object}	errorResponse
//	@Router		/build/{id}/events [get]
func (h *Handler) StreamBuildEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildIDParam(w, r)
	if !ok {
		return
	}
	if err := h.streamer.ServeSSE(w, r, id, h.builds.Get); err != nil {
		h.serveBuildError(w, r, err)
	}
}

// StreamBuildWS streams build progress over a WebSocket.
//
//	@Summary	Stream build events over WebSocket
//	@Param		id	path	string	true	"Build id"
//	@Success	101
//	@Failure	404	{object}	errorResponse
//	@Router		/build/{id}/ws [get]
func (h *Handler) StreamBuildWS(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildIDParam(w, r)
	if !ok {
		return
	}
	if err := h.streamer.ServeWS(w, r, id, h.builds.Get); err != nil {
		h.serveBuildError(w, r, err)
	}
}

type policyResponse struct {
	CSP     string `json:"csp"`
	Sandbox string `json:"sandbox"`
}

// contentSecurityPolicy compiles the CSP a build is served with.
// extraAncestors are added to the configured frame ancestors.
func (h *Handler) contentSecurityPolicy(r *http.Request, id uuid.UUID, extraAncestors []string, legacy bool) (string, string, error) {
	policy, err := h.builds.Policy(r.Context(), id)
	if err != nil {
		return "", "", err
	}
	ancestors := append(append([]string(nil), h.conf.FrameAncestors...), extraAncestors...)
	header := csp.Build(&csp.Params{
		Policy:         policy,
		FrameAncestors: ancestors,
		LegacyScript:   legacy,
		PublicOrigin:   h.conf.PublicOrigin,
	})
	return header, strings.Join(policy.SandboxTokens(), " "), nil
}

// GetBuildPolicy returns the CSP and iframe sandbox of a build.
//
//	@Summary	Get build security policy
//	@Produce	json
//	@Param		id			path		string	true	"Build id"
//	@Param		ancestors	query		string	false	"Comma-separated extra frame ancestors"
//	@Param		legacy		query		string	false	"1 for bundles that need unsafe-eval"
//	@Success	200			{object}	policyResponse
//	@Failure	404			{object}	errorResponse
//	@Router		/build/{id}/policy [get]
func (h *Handler) GetBuildPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildIDParam(w, r)
	if !ok {
		return
	}

	var ancestors []string
	for _, a := range strings.Split(r.URL.Query().Get("ancestors"), ",") {
		if a = strings.TrimSpace(a); a != "" {
			ancestors = append(ancestors, a)
		}
	}
	legacy, _ := strconv.ParseBool(r.URL.Query().Get("legacy"))

	header, sandbox, err := h.contentSecurityPolicy(r, id, ancestors, legacy)
	if err != nil {
		h.serveBuildError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, &policyResponse{CSP: header, Sandbox: sandbox})
}

// CancelBuild fails a build that hasn't finished.
//
//	@Summary	Cancel a build
//	@Produce	json
//	@Param		id	path		string	true	"Build id"
//	@Success	200	{object}	buildResponse
//	@Failure	404	{object}	errorResponse
//	@Failure	409	{object}	errorResponse
//	@Router		/build/{id}/cancel [post]
func (h *Handler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildIDParam(w, r)
	if !ok {
		return
	}
	b, err := h.builds.Cancel(r.Context(), id)
	if err != nil {
		h.serveBuildError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newBuildResponse(b))
}

type listBuildsResponse struct {
	Builds     []*buildResponse `json:"builds"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// ListBuilds pages through builds, newest first.
//
//	@Summary	List builds
//	@Produce	json
//	@Param		cursor	query		string	false	"Cursor of the next page"
//	@Param		limit	query		int		false	"Page size, at most 100"
//	@Success	200		{object}	listBuildsResponse
//	@Failure	400		{object}	errorResponse
//	@Router		/builds [get]
func (h *Handler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	params := &build.ListParams{Cursor: r.URL.Query().Get("cursor")}
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			h.serveClientError(w, r, http.StatusBadRequest, &errorResponse{Error: "invalid_request", Detail: "invalid limit"})
			return
		}
		params.Limit = limit
	}

	result, err := h.builds.List(r.Context(), params)
	if err != nil {
		h.serveBuildError(w, r, err)
		return
	}

	resp := &listBuildsResponse{Builds: make([]*buildResponse, 0, len(result.Builds)), NextCursor: result.NextCursor}
	for _, b := range result.Builds {
		resp.Builds = append(resp.Builds, newBuildResponse(b))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type updateAssetsRequest struct {
	Assets []asset.Input `json:"assets"`
}

type updateAssetsResponse struct {
	Assets []asset.CustomAsset `json:"assets"`
}

// UpdateBuildAssets replaces the custom assets of a build.
//
//	@Summary	Replace build assets
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string				true	"Build id"
//	@Param		request	body		updateAssetsRequest	true	"The complete asset list"
//	@Success	200		{object}	updateAssetsResponse
//	@Failure	400		{object}	errorResponse
//	@Failure	404		{object}	errorResponse
//	@Router		/build/{id}/assets [put]
func (h *Handler) UpdateBuildAssets(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildIDParam(w, r)
	if !ok {
		return
	}
	var req updateAssetsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.serveClientError(w, r, http.StatusBadRequest, &errorResponse{Error: "invalid_request", Detail: err.Error()})
		return
	}

	assets, err := h.builds.UpdateAssets(r.Context(), id, req.Assets)
	if err != nil {
		h.serveBuildError(w, r, err)
		return
	}
	if assets == nil {
		assets = []asset.CustomAsset{}
	}
	h.writeJSON(w, http.StatusOK, &updateAssetsResponse{Assets: assets})
}
