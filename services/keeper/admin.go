package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"campaignkeeper/faults"
	"campaignkeeper/health"
	"campaignkeeper/journal"
	"campaignkeeper/ledger"
	"campaignkeeper/observability"
)

// FailureLister reads the failure journal.
type FailureLister interface {
	Recent(ctx context.Context, campaign string, limit int) ([]journal.Entry, error)
}

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	engine   *Engine
	health   *health.Aggregator
	failures FailureLister
	auth     *Authenticator
	handler  http.Handler
}

// NewAdminServer constructs the admin router. /healthz and /metrics are
// public; everything else requires the bearer token.
func NewAdminServer(engine *Engine, agg *health.Aggregator, failures FailureLister, auth *Authenticator) *AdminServer {
	s := &AdminServer{engine: engine, health: agg, failures: failures, auth: auth}
	s.handler = otelhttp.NewHandler(s.routes(), "keeper.admin")
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *AdminServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(observeRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(protected chi.Router) {
		protected.Use(s.auth.Middleware)
		protected.Get("/status", s.handleStatus)
		protected.Post("/pause", s.handlePause)
		protected.Post("/resume", s.handleResume)
		protected.Post("/tick", s.handleTick)
		protected.Get("/failures", s.handleFailures)
		protected.Post("/campaigns/{id}/delegate", s.handleDelegate)
	})
	return r
}

func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.AdminMetrics().Observe(route, status, time.Since(start))
	})
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, ok := s.health.Last()
	if !ok {
		report, _ = s.health.Check(r.Context())
	}
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type statusResponse struct {
	Status
	Health *health.Report `json:"health,omitempty"`
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Status: s.engine.Status()}
	if report, ok := s.health.Last(); ok {
		resp.Health = &report
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.engine.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.engine.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleTick(w http.ResponseWriter, r *http.Request) {
	summary := s.engine.Tick(r.Context())
	status := http.StatusOK
	if summary.Error != "" {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, summary)
}

func (s *AdminServer) handleFailures(w http.ResponseWriter, r *http.Request) {
	if s.failures == nil {
		writeError(w, http.StatusNotFound, errors.New("failure journal disabled"))
		return
	}
	limit := journal.DefaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("limit must be an integer"))
			return
		}
		limit = parsed
	}
	campaign := strings.TrimSpace(r.URL.Query().Get("campaign"))
	entries, err := s.failures.Recent(r.Context(), campaign, journal.ClampLimit(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": entries})
}

type delegateRequest struct {
	Delegate string `json:"delegate"`
}

func (s *AdminServer) handleDelegate(w http.ResponseWriter, r *http.Request) {
	campaign, err := ledger.ParseAccountID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req delegateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request"))
		return
	}
	delegate, err := ledger.ParseAccountID(req.Delegate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.SetDelegate(r.Context(), campaign, delegate); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusForError(err error) int {
	if errors.Is(err, ErrEngineStopped) {
		return http.StatusServiceUnavailable
	}
	switch faults.ClassOf(err) {
	case faults.ClassRejection:
		return http.StatusConflict
	case faults.ClassDataIntegrity:
		return http.StatusUnprocessableEntity
	case faults.ClassInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
