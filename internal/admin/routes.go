package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postify/internal/connection"
	"postify/internal/gateway"
	"postify/internal/schedule"
	"postify/internal/storage"
	"postify/internal/task/engine"
	"postify/internal/task/scheduler"
	logx "postify/pkg/logx"
)

// Deps are the components the routes read from. Nil members disable the
// routes that need them.
type Deps struct {
	Connections interface{ Snapshot() connection.Snapshot }
	Jobs        interface {
		JobsPerChannel(ctx context.Context) ([]storage.ChannelJobCount, error)
	}
	Tasks    interface{ Snapshot() engine.Snapshot }
	Triggers interface{ Snapshot() scheduler.Snapshot }
	Gateway  Gateway
	Store    interface{ Ping(ctx context.Context) error }
	Metrics  http.Handler
}

// Gateway is the request path for tenant schedule changes.
type Gateway interface {
	SchedulePost(ctx context.Context, req gateway.ScheduleRequest) (schedule.Result, error)
	CancelPost(ctx context.Context, tenantID, postID string) (storage.Job, error)
}

// Handler builds the router for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg, deps := s.cfg, s.deps
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	// Probes stay open so supervisors and load balancers need no token.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))

		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics)
		}
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}

		r.Route("/v1", func(r chi.Router) {
			r.Get("/connections", s.handleConnections)
			r.Get("/jobs/channels", s.handleJobsPerChannel)
			r.Get("/tasks", s.handleTasks)

			r.Group(func(r chi.Router) {
				r.Use(requireToken(cfg.Token, cfg.AllowInsecure))
				r.Post("/tenants/{tenant}/posts/{post}/schedule", s.handleSchedule)
				r.Delete("/tenants/{tenant}/posts/{post}/schedule", s.handleCancel)
			})
		})
	})
	return r
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		respondError(w, r, http.StatusServiceUnavailable, "not_ready", "starting or stopping")
		return
	}
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			respondError(w, r, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Service) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.deps.Connections == nil {
		respondError(w, r, http.StatusNotFound, "not_found", "connections are not available")
		return
	}
	respondOK(w, r, s.deps.Connections.Snapshot())
}

func (s *Service) handleJobsPerChannel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		respondError(w, r, http.StatusNotFound, "not_found", "jobs are not available")
		return
	}
	counts, err := s.deps.Jobs.JobsPerChannel(r.Context())
	if err != nil {
		s.log.Error("jobs per channel", logx.Err(err))
		respondError(w, r, http.StatusInternalServerError, "internal", "could not count jobs")
		return
	}
	if counts == nil {
		counts = []storage.ChannelJobCount{}
	}
	respondOK(w, r, counts)
}

func (s *Service) handleTasks(w http.ResponseWriter, r *http.Request) {
	out := struct {
		Engine   *engine.Snapshot    `json:"engine,omitempty"`
		Triggers *scheduler.Snapshot `json:"triggers,omitempty"`
	}{}
	if s.deps.Tasks != nil {
		snap := s.deps.Tasks.Snapshot()
		out.Engine = &snap
	}
	if s.deps.Triggers != nil {
		snap := s.deps.Triggers.Snapshot()
		out.Triggers = &snap
	}
	respondOK(w, r, out)
}

func (s *Service) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gateway == nil {
		respondError(w, r, http.StatusNotFound, "not_found", "scheduling is not available")
		return
	}
	var req gateway.ScheduleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.When) == "" && req.At.IsZero() {
		respondError(w, r, http.StatusBadRequest, "validation", "one of when or at is required")
		return
	}
	req.TenantID = chi.URLParam(r, "tenant")
	req.PostID = chi.URLParam(r, "post")

	res, err := s.deps.Gateway.SchedulePost(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusCreated, res, nil)
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gateway == nil {
		respondError(w, r, http.StatusNotFound, "not_found", "scheduling is not available")
		return
	}
	j, err := s.deps.Gateway.CancelPost(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "post"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, r, j)
}

// fail maps domain errors onto HTTP statuses. Anything unrecognized is a
// server error and is logged.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	var pe *schedule.ParseError
	switch {
	case errors.As(err, &pe):
		respondError(w, r, http.StatusBadRequest, "validation", pe.Error())
	case errors.Is(err, schedule.ErrUnauthorized):
		respondError(w, r, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, schedule.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, schedule.ErrInvalidState):
		respondError(w, r, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, gateway.ErrBusy):
		respondError(w, r, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, gateway.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		respondError(w, r, http.StatusTooManyRequests, "rate_limited", err.Error())
	default:
		s.log.Error("admin request failed", logx.String("path", r.URL.Path), logx.Err(err))
		respondError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Service) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.log.Enabled(logx.LevelDebug) {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("admin request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>. An
// empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				ah := r.Header.Get("Authorization")
				if rest, ok := strings.CutPrefix(ah, "Bearer "); ok {
					got = strings.TrimSpace(rest)
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				respondError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireToken refuses state-changing routes when no token is configured.
func requireToken(token string, allowInsecure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token != "" || allowInsecure {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, r, http.StatusForbidden, "forbidden", "tenant routes require admin.token")
		})
	}
}
