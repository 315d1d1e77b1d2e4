package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/lazypower/pantry/internal/engine"
	"github.com/lazypower/pantry/internal/memory"
	"github.com/lazypower/pantry/internal/store"
)

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pantry_http_requests_total",
	Help: "HTTP requests by route pattern, method and status code",
}, []string{"route", "method", "code"})

// Server is the pantry HTTP API server.
type Server struct {
	registry *engine.Registry
	router   chi.Router
	version  string
	started  time.Time
}

// New creates a new Server over the given household registry.
func New(reg *engine.Registry, version string) *Server {
	s := &Server{
		registry: reg,
		version:  version,
		started:  time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(countRequests)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/households/{householdID}", func(r chi.Router) {
			r.Use(checkHousehold)

			r.Get("/context", s.handleGetContext)
			r.Get("/restock", s.handleRestock)
			r.Post("/orders", s.handleImportOrders)
			r.Post("/slots/rank", s.handleRankSlots)
			r.Post("/substitutes/rank", s.handleRankSubstitutes)
			r.Post("/substitutions", s.handleRecordSubstitution)

			r.Get("/runs", s.handleListRuns)
			r.Post("/runs", s.handleStartRun)
			r.Get("/runs/{runID}", s.handleGetRun)
			r.Post("/runs/{runID}/phase", s.handleAdvancePhase)
			r.Post("/runs/{runID}/actions", s.handleAddAction)
			r.Post("/runs/{runID}/complete", s.handleCompleteRun)
		})
	})

	s.router = r
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}

func checkHousehold(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := store.ValidateHouseholdID(chi.URLParam(r, "householdID")); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storageOK := true
	if p, ok := s.registry.Backend().(interface{ Ping() error }); ok {
		storageOK = p.Ping() == nil
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime":     time.Since(s.started).Seconds(),
		"storage":    storageOK,
		"backend":    fmt.Sprintf("%T", s.registry.Backend()),
		"households": len(s.registry.Open()),
	})
}

// withEngine runs fn against the household named in the URL and writes its
// result, or the mapped error.
func (s *Server) withEngine(w http.ResponseWriter, r *http.Request, status int, fn func(e *engine.Engine) (any, error)) {
	var out any
	err := s.registry.With(chi.URLParam(r, "householdID"), func(e *engine.Engine) error {
		var err error
		out, err = fn(e)
		return err
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, status, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrInvalid), errors.Is(err, memory.ErrPhaseBackward):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrDuplicateRun), errors.Is(err, memory.ErrRunCompleted):
		return http.StatusConflict
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= 500 {
		log.Error().Err(err).Str("path", r.URL.Path).Bool("schema", store.IsSchemaError(err)).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}
