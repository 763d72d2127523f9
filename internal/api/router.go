// Package api serves the moderation operations over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abelbrown/happyfeed/internal/audit"
	"github.com/abelbrown/happyfeed/internal/classify"
	"github.com/abelbrown/happyfeed/internal/logging"
	"github.com/abelbrown/happyfeed/internal/metrics"
	"github.com/abelbrown/happyfeed/internal/moderation"
	"github.com/abelbrown/happyfeed/internal/store"
	"github.com/abelbrown/happyfeed/internal/work"
)

// Service is the moderation surface the handlers call.
type Service interface {
	Feed(ctx context.Context, limit int) ([]store.Item, error)
	ToggleVisibility(ctx context.Context, id string) (bool, error)
	MarkRead(ctx context.Context, ids []string) (int, error)
	Stats(ctx context.Context) (store.Counts, error)
	AnalysisStats(ctx context.Context) (store.AnalysisStats, error)

	ListPolicy(ctx context.Context) (moderation.PolicyEntries, error)
	AddBlockedGroup(ctx context.Context, name string) (int, error)
	RemoveBlockedGroup(ctx context.Context, name string) (int, error)
	AddBlockedKeyword(ctx context.Context, keyword string) (int, error)
	RemoveBlockedKeyword(ctx context.Context, keyword string) (int, error)

	AnalyzeBatch(ctx context.Context, limit int) (classify.BatchResult, error)
	ModerateAll(ctx context.Context) (uint64, int, error)
	Job(id uint64) (work.Job, bool)
	Clear(ctx context.Context, scope store.ClearScope) (store.ClearResult, error)
	ReinitializeTags(ctx context.Context) (int, error)
	Events(n int) []audit.Event
}

// Server holds the handlers.
type Server struct {
	svc Service
}

// NewRouter builds the HTTP handler for svc.
func NewRouter(svc Service) http.Handler {
	s := &Server{svc: svc}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/items", s.listItems)
		r.Post("/items/read", s.markRead)
		r.Post("/items/{id}/toggle", s.toggleItem)

		r.Get("/stats", s.stats)
		r.Get("/analysis/stats", s.analysisStats)

		r.Route("/policy", func(r chi.Router) {
			r.Get("/", s.listPolicy)
			r.Post("/groups", s.addGroup)
			r.Delete("/groups/{name}", s.removeGroup)
			r.Post("/keywords", s.addKeyword)
			r.Delete("/keywords/{keyword}", s.removeKeyword)
		})

		r.Post("/analyze", s.analyze)
		r.Post("/moderate-all", s.moderateAll)
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/moderation/clear", s.clear)
		r.Post("/tags/reinitialize", s.reinitializeTags)
		r.Get("/events", s.listEvents)
	})
	return r
}

// requestLogger logs each request and records its duration by route pattern.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())

		logging.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", elapsed.Round(time.Microsecond),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}
