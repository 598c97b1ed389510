// Package api exposes discovery scans over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/resource-discovery/internal/discovery"
	"github.com/sells-group/resource-discovery/internal/monitoring"
)

// Runner runs one scan. *discovery.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, trig discovery.Trigger, sink discovery.Sink) (*discovery.Summary, error)
}

// StatusCollector summarizes recent scans.
type StatusCollector interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.Snapshot, error)
}

// Options configures the router.
type Options struct {
	Runner Runner
	Status StatusCollector
	// APIToken authorizes force scans. Force is refused when empty.
	APIToken    string
	CORSOrigins []string
	Gatherer    prometheus.Gatherer
}

const tokenHeader = "X-Api-Token"

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", tokenHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	h := &handler{opts: opts}
	r.Route("/api/discovery", func(r chi.Router) {
		r.Post("/scan", h.scan)
		if opts.Status != nil {
			r.Get("/status", h.status)
		}
	})
	return r
}

type handler struct {
	opts Options
}

type scanRequest struct {
	City   string `json:"city"`
	State  string `json:"state"`
	Force  bool   `json:"force"`
	IsTest bool   `json:"isTest"`
}

type cachedResponse struct {
	Status         string `json:"status"`
	Reason         string `json:"reason"`
	ResourcesFound int    `json:"resourcesFound"`
}

func (h *handler) scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	trig := discovery.Trigger{
		City:        req.City,
		State:       req.State,
		Force:       req.Force,
		IsTest:      req.IsTest,
		InitiatorID: initiator(r),
	}
	if err := trig.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if trig.Force && !h.authorized(r) {
		writeError(w, http.StatusForbidden, "force requires an authorized caller")
		return
	}

	sink := &streamSink{w: w}
	sum, err := h.opts.Runner.Run(r.Context(), trig, sink)
	if sink.started {
		return
	}

	// Nothing was streamed: the area was cached or the run failed before
	// its first event.
	if sum != nil && sum.State == discovery.StateCached {
		writeJSON(w, http.StatusOK, cachedResponse{Status: "cached", Reason: sum.Reason, ResourcesFound: 0})
		return
	}
	zap.L().Error("scan ended without output", zap.String("area", trig.AreaKey()), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "discovery scan failed")
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	snap, err := h.opts.Status.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("collect scan status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to collect scan status")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) authorized(r *http.Request) bool {
	if h.opts.APIToken == "" {
		return false
	}
	got := r.Header.Get(tokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.APIToken)) == 1
}

func initiator(r *http.Request) string {
	if id := r.Header.Get("X-Initiator-Id"); id != "" {
		return id
	}
	return "api"
}

// streamSink switches the response to NDJSON on the first event.
type streamSink struct {
	w       http.ResponseWriter
	nd      *discovery.NDJSONSink
	started bool
}

func (s *streamSink) Emit(e discovery.Event) error {
	if !s.started {
		s.started = true
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.nd = discovery.NewNDJSONSink(s.w)
	}
	return s.nd.Emit(e)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
