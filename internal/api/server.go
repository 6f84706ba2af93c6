package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/metrics"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/quota"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/runner"
)

// RunService starts catalog runs.
type RunService interface {
	Submit(ctx context.Context, trigger string, sites []string) (crawler.Run, error)
}

// QuotaChecker reports the current allowance.
type QuotaChecker interface {
	Check(ctx context.Context) (quota.Allowance, error)
}

// Options configure cross-cutting middleware.
type Options struct {
	// APIKey, when set, is required on every /v1 route.
	APIKey      string
	CORSOrigins []string
	Timeout     time.Duration
}

// Server wires HTTP handlers to the runner and stores.
type Server struct {
	router chi.Router
	runs   RunService
	store  crawler.RunStore
	quota  QuotaChecker
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runs RunService, store crawler.RunStore, quota QuotaChecker, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	s := &Server{
		runs:   runs,
		store:  store,
		quota:  quota,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	}
	r.Use(middleware.Timeout(opts.Timeout))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/quota", s.getQuota)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.submitRun)
			r.Get("/", s.listRuns)
			r.Get("/{run_id}", s.getRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	allowance, err := s.quota.Check(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, quotaResponse{Allowance: allowance, Allowed: true})
	case errors.Is(err, quota.ErrQuotaExceeded):
		s.writeJSON(w, http.StatusOK, quotaResponse{Allowance: allowance, Allowed: false, Reason: err.Error()})
	default:
		s.logger.Error("quota check failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "quota unavailable")
	}
}

type quotaResponse struct {
	quota.Allowance
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

type runRequest struct {
	Sites []string `json:"sites"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	run, err := s.runs.Submit(r.Context(), "api", req.Sites)
	if err != nil {
		if errors.Is(err, runner.ErrUnknownSite) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit run failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not start run")
		return
	}
	w.Header().Set("Location", "/v1/runs/"+run.ID)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID, "status": string(run.Status)})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, crawler.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "run lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "run listing failed")
		return
	}
	if runs == nil {
		runs = []crawler.Run{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
