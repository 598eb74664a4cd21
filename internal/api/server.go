// Package api exposes research sessions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/siteintel/internal/executor"
	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/resilience"
	"github.com/sells-group/siteintel/internal/store"
)

// Cycles runs and inspects research cycles.
type Cycles interface {
	Execute(ctx context.Context, req executor.Request) *executor.Result
	GetSessionStatus(ctx context.Context, id string) (*executor.StatusReport, error)
	Suggest(ctx context.Context, id string, maxBudget *float64) (*executor.Suggestion, error)
}

// Sessions creates and lists sessions.
type Sessions interface {
	CreateSession(ctx context.Context, domain string, maxPhase int) (*model.Session, error)
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.Session, error)
}

// Options configures the server.
type Options struct {
	CORSOrigins []string
	MaxPhase    int
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Breakers reports circuit states on /health when set.
	Breakers func() map[string]resilience.CircuitState
}

// Server wires HTTP handlers to the executor and session store.
type Server struct {
	router   chi.Router
	cycles   Cycles
	sessions Sessions
	opts     Options
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cycles Cycles, sessions Sessions, opts Options) *Server {
	if opts.MaxPhase <= 0 {
		opts.MaxPhase = model.DefaultMaxPhase
	}
	s := &Server{cycles: cycles, sessions: sessions, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Get("/", s.listSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/status", s.sessionStatus)
			r.Post("/execute", s.execute)
			r.Get("/suggestion", s.suggestion)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.opts.Breakers != nil {
		breakers := make(map[string]string)
		for name, st := range s.opts.Breakers() {
			breakers[name] = st.String()
			if st == resilience.CircuitOpen {
				resp["status"] = "degraded"
			}
		}
		resp["breakers"] = breakers
	}
	writeJSON(w, http.StatusOK, resp)
}

type createSessionRequest struct {
	Domain   string `json:"domain"`
	MaxPhase int    `json:"max_phase,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}
	maxPhase := req.MaxPhase
	if maxPhase <= 0 {
		maxPhase = s.opts.MaxPhase
	}
	sess, err := s.sessions.CreateSession(r.Context(), req.Domain, maxPhase)
	if err != nil {
		zap.L().Error("api: create session failed", zap.String("domain", req.Domain), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		Domain: q.Get("domain"),
		Status: model.SessionStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	sessions, err := s.sessions.ListSessions(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.cycles.GetSessionStatus(r.Context(), id)
	if err != nil {
		writeLookupError(w, "status", id, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type executeRequest struct {
	Domain      string   `json:"domain,omitempty"`
	ScraperType string   `json:"scraper_type,omitempty"`
	URLs        []string `json:"urls,omitempty"`
	MaxBudget   *float64 `json:"max_budget,omitempty"`
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	req := executor.Request{
		SessionID: chi.URLParam(r, "id"),
		Domain:    body.Domain,
		URLs:      body.URLs,
		MaxBudget: body.MaxBudget,
	}
	if body.ScraperType != "" {
		st, err := model.ParseScraperType(body.ScraperType)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.ScraperType = st
	}

	res := s.cycles.Execute(r.Context(), req)
	writeJSON(w, statusFor(res.Code), res)
}

func (s *Server) suggestion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var maxBudget *float64
	if v := r.URL.Query().Get("max_budget"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			writeError(w, http.StatusBadRequest, "invalid max_budget")
			return
		}
		maxBudget = &f
	}

	sug, err := s.cycles.Suggest(r.Context(), id, maxBudget)
	if err != nil {
		writeLookupError(w, "suggest", id, err)
		return
	}
	writeJSON(w, http.StatusOK, sug)
}

// statusFor maps a cycle result code to an HTTP status.
func statusFor(code executor.Code) int {
	switch code {
	case executor.CodeOK:
		return http.StatusOK
	case executor.CodeSessionNotFound:
		return http.StatusNotFound
	case executor.CodeLockHeld, executor.CodeLockLost, executor.CodeSessionComplete, executor.CodeScrapersExhausted:
		return http.StatusConflict
	case executor.CodeBudgetExceeded:
		return http.StatusPaymentRequired
	case executor.CodeInvalidScraper, executor.CodeNoURLsFound:
		return http.StatusUnprocessableEntity
	case executor.CodeScraperFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeLookupError(w http.ResponseWriter, op, id string, err error) {
	if errors.Is(err, model.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	zap.L().Error("api: "+op+" failed", zap.String("session_id", id), zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				zap.L().Error("api: panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("api: write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
