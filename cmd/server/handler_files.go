package main

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Zivotu/git-Clean2-sub005/internal/alias"
	"github.com/Zivotu/git-Clean2-sub005/internal/artifact"
	"github.com/Zivotu/git-Clean2-sub005/internal/bundler"
)

// servable reports whether a stored name may be served publicly. Sources
// and the job description stay private.
func servable(name string) bool {
	return name == artifact.BundleFile || strings.HasPrefix(name, artifact.BuildDir+"/")
}

func contentTypeOf(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ServeBuildFile serves a stored artifact of a build. HTML documents get the
// build's Content-Security-Policy.
//
//	@Summary	Get a build artifact
//	@Param		id	path	string	true	"Build id"
//	@Param		*	path	string	true	"Artifact path, e.g. build/index.html"
//	@Success	200
//	@Failure	404	{object}	errorResponse
//	@Router		/builds/{id}/{path} [get]
func (h *Handler) ServeBuildFile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.buildIDParam(w, r)
	if !ok {
		return
	}

	segments := alias.SanitizeTail(chi.URLParam(r, "*"))
	name := strings.Join(segments, "/")
	if name != "" && strings.HasSuffix(r.URL.Path, "/") {
		name = path.Join(name, bundler.IndexFile)
	}
	if !servable(name) {
		h.serveClientError(w, r, http.StatusNotFound, &errorResponse{Error: "not_found"})
		return
	}

	f, err := h.files.Open(r.Context(), id, name)
	if errors.Is(err, artifact.ErrNotFound) {
		h.serveClientError(w, r, http.StatusNotFound, &errorResponse{Error: "not_found"})
		return
	} else if err != nil {
		h.serveServerError(w, r, err)
		return
	}
	defer f.Close()

	contentType := contentTypeOf(name)
	if strings.HasPrefix(contentType, "text/html") {
		header, _, err := h.contentSecurityPolicy(r, id, nil, false)
		if err != nil {
			h.serveBuildError(w, r, err)
			return
		}
		w.Header().Set("Content-Security-Policy", header)
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=300")
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		h.log.Warn("didn't write artifact", "build_id", id, "name", name, "error", err)
	}
}

// ServeAlias serves a listing's current build. The document is served in
// place with the runtime shims, everything else redirects to the canonical
// build URL.
//
//	@Summary	Get a listing's build
//	@Param		listingId	path	string	true	"Listing id or slug"
//	@Param		*			path	string	false	"Path below build/"
//	@Success	200
//	@Success	307
//	@Failure	404	{object}	errorResponse
//	@Router		/{listingId}/build/{path} [get]
func (h *Handler) ServeAlias(w http.ResponseWriter, r *http.Request) {
	target, err := h.resolver.Resolve(r.Context(), chi.URLParam(r, "listingId"), chi.URLParam(r, "*"))
	if errors.Is(err, alias.ErrNotFound) {
		h.serveClientError(w, r, http.StatusNotFound, &errorResponse{Error: "not_found"})
		return
	} else if err != nil {
		h.serveServerError(w, r, err)
		return
	}

	if !target.Inline() {
		location := target.Location()
		if r.URL.RawQuery != "" {
			location += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, location, http.StatusTemporaryRedirect)
		return
	}

	doc, err := h.resolver.Index(r.Context(), target.BuildID)
	if errors.Is(err, alias.ErrNotFound) {
		h.serveClientError(w, r, http.StatusNotFound, &errorResponse{Error: "not_found"})
		return
	} else if err != nil {
		h.serveServerError(w, r, err)
		return
	}
	header, _, err := h.contentSecurityPolicy(r, target.BuildID, nil, false)
	if err != nil {
		h.serveBuildError(w, r, err)
		return
	}

	w.Header().Set("Content-Security-Policy", header)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}
