package main

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/Zivotu/git-Clean2-sub005/internal/apidoc"
	"github.com/Zivotu/git-Clean2-sub005/internal/metrics"
)

// NewServer returns a new HTTP server.
// It should be started with http.Server's ListenAndServe.
func NewServer(conf *Config, h *Handler) *http.Server {
	addr := net.JoinHostPort(conf.host(), strconv.Itoa(conf.port()))

	subLogger := slog.With("component", "server")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	return &http.Server{
		Addr:              addr,
		ErrorLog:          subLogLogger,
		Handler:           NewRouter(conf, h),
		ReadHeaderTimeout: conf.ReadHeaderTimeout,
	}
}

// NewRouter returns the routes of the server.
func NewRouter(conf *Config, h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   append([]string{"http://localhost:*", "http://127.0.0.1:*"}, conf.AllowedOrigins...),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Last-Event-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(func(next http.Handler) http.Handler {
		return metrics.InstrumentHandler(routePattern, next)
	})

	r.Post("/build", h.CreateBuild)
	r.Route("/build/{id}", func(r chi.Router) {
		r.Get("/status", h.GetBuildStatus)
		r.Get("/events", h.StreamBuildEvents)
		r.Get("/ws", h.StreamBuildWS)
		r.Get("/policy", h.GetBuildPolicy)
		r.Post("/cancel", h.CancelBuild)
		r.Put("/assets", h.UpdateBuildAssets)
	})
	r.Get("/builds", h.ListBuilds)
	r.Get("/builds/{id}/*", h.ServeBuildFile)
	r.Get("/public/builds/{id}/*", h.ServeBuildFile)
	r.Get("/{listingId}/build", h.ServeAlias)
	r.Get("/{listingId}/build/*", h.ServeAlias)

	r.Get("/health", h.GetHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	return r
}

// routePattern labels a request with its matched route so metrics stay
// bounded by the number of routes.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unmatched"
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return "unmatched"
}
