// Package api exposes the generation service over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
	"github.com/nanjiek/pixiu-quota/internal/credential"
	"github.com/nanjiek/pixiu-quota/internal/engine"
	"github.com/nanjiek/pixiu-quota/internal/gate"
	"github.com/nanjiek/pixiu-quota/internal/identity"
	"github.com/nanjiek/pixiu-quota/internal/metrics"
	"github.com/nanjiek/pixiu-quota/internal/policy"
	"github.com/nanjiek/pixiu-quota/internal/quota"
	"github.com/nanjiek/pixiu-quota/internal/store"
	"github.com/nanjiek/pixiu-quota/internal/util"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators the handlers call.
type Deps struct {
	Resolver *identity.Resolver
	Gate     *gate.Gate
	Policies *policy.Cache
	Engine   engine.Engine
	Store    *store.Store
	Keys     *credential.Manager
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer
	// Checks run on /readyz, keyed by name.
	Checks map[string]func(context.Context) error
	Logger *slog.Logger
}

type Server struct {
	cfg config.ServerCfg
	Deps
	logger *slog.Logger
	srv    *http.Server
}

func NewServer(cfg config.ServerCfg, d Deps) *Server {
	s := &Server{cfg: cfg, Deps: d, logger: d.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "api")
	s.srv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutMs) * time.Millisecond,
	}
	return s
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/generate", s.generateHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/images", s.createImageHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/images/{id}", s.getImageHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/usage", s.usageHandler).Methods(http.MethodGet)

	r.HandleFunc("/v1/keys", s.getKeyHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys", s.putKeyHandler).Methods(http.MethodPut)
	r.HandleFunc("/v1/keys", s.deleteKeyHandler).Methods(http.MethodDelete)

	r.HandleFunc("/v1/worlds", s.listWorldsHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/worlds", s.createWorldHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/worlds/{id}", s.getWorldHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/worlds/{id}", s.updateWorldHandler).Methods(http.MethodPut)
	r.HandleFunc("/v1/worlds/{id}", s.deleteWorldHandler).Methods(http.MethodDelete)

	admin := r.PathPrefix("/v1/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/usage/{subject}", s.adminUsageHandler).Methods(http.MethodGet)
	admin.HandleFunc("/usage/{subject}", s.adminResetHandler).Methods(http.MethodDelete)
	admin.HandleFunc("/policy", s.getPolicyHandler).Methods(http.MethodGet)
	admin.HandleFunc("/policy", s.putPolicyHandler).Methods(http.MethodPut)

	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyHandler).Methods(http.MethodGet)
	if s.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.Gatherer)).Methods(http.MethodGet)
	}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)
	s.RegisterRoutes(r)
	return r
}

// ListenAndServe blocks until the server stops. Write timeouts stay off so
// streams are bounded by their request context.
func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ---------------- Middleware ----------------

// statusRecorder captures the status code. Unwrap keeps
// http.ResponseController flushing through to the real writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.Metrics.ObserveHTTP(route, r.Method, status, elapsed)
		if status >= 500 {
			s.logger.Warn("request failed", "method", r.Method, "route", route, "status", status, "elapsed", elapsed)
		} else {
			s.logger.Debug("request", "method", r.Method, "route", route, "status", status, "elapsed", elapsed)
		}
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			errResp(w, http.StatusNotFound, "admin API disabled")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			errResp(w, http.StatusUnauthorized, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------- Callers ----------------

// caller is a resolved identity plus the personal engine key in effect.
type caller struct {
	id       identity.ClientKey
	personal string
	source   string
}

func (c caller) subject() gate.Subject {
	return gate.Subject{Key: c.id.Key, IP: c.id.IP, HasCredential: c.personal != ""}
}

// resolveCaller writes the error response itself when it returns false.
func (s *Server) resolveCaller(w http.ResponseWriter, r *http.Request) (caller, bool) {
	id, err := s.Resolver.Resolve(r)
	if err != nil {
		if errors.Is(err, identity.ErrAuthentication) {
			errResp(w, http.StatusUnauthorized, err.Error())
		} else {
			errResp(w, http.StatusBadRequest, err.Error())
		}
		return caller{}, false
	}
	c := caller{id: id}
	if id.Credential != "" {
		c.personal, c.source = id.Credential, "header"
	} else if id.Authenticated() && s.Keys != nil {
		key, ok, err := s.Keys.Get(r.Context(), id.Key)
		if err != nil {
			// Counted against the free tier rather than failing the request.
			s.logger.Warn("stored credential lookup failed", "subject", id.Key, "err", err)
		} else if ok {
			c.personal, c.source = key, "stored"
		}
	}
	if c.personal != "" {
		s.logger.Debug("personal credential in use", "subject", id.Key, "source", c.source, "key_fp", util.FNV64(c.personal))
	}
	return c, true
}

// requireUser is resolveCaller for routes that need a verified identity.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (caller, bool) {
	c, ok := s.resolveCaller(w, r)
	if !ok {
		return caller{}, false
	}
	if !c.id.Authenticated() {
		errResp(w, http.StatusUnauthorized, "authentication required")
		return caller{}, false
	}
	return c, true
}

// consume runs the gate for op and writes the rejection when it returns
// false.
func (s *Server) consume(w http.ResponseWriter, r *http.Request, op string, c caller) bool {
	if _, err := s.Gate.Consume(r.Context(), op, c.subject()); err != nil {
		s.gateError(w, err)
		return false
	}
	return true
}

func (s *Server) gateError(w http.ResponseWriter, err error) {
	var rl *gate.RateLimitError
	switch {
	case errors.As(err, &rl):
		secs := int64(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeJSON(w, http.StatusTooManyRequests, RateLimitResponse{
			Error:          "rate limit exceeded",
			UsageCount:     rl.Count,
			DailyLimit:     rl.Limit,
			RequiresAPIKey: rl.RequiresAPIKey,
			BurstLimit:     rl.BurstLimit,
			Reason:         rl.Reason,
			RetryAfter:     secs,
		})
	case errors.Is(err, quota.ErrBackendUnavailable):
		s.logger.Error("quota backend unavailable", "err", err)
		errResp(w, http.StatusServiceUnavailable, "quota backend unavailable")
	case errors.Is(err, context.Canceled):
		// client left; nothing to send
	default:
		s.logger.Error("quota check failed", "err", err)
		errResp(w, http.StatusInternalServerError, "quota check failed")
	}
}

// ---------------- Health ----------------

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(s.Checks))}
	status := http.StatusOK
	for name, check := range s.Checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

// ---------------- Helpers ----------------

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errResp(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
