package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"offerbot/internal/broadcast"
	logx "offerbot/pkg/logx"
)

// Registry is the part of broadcast.Registry the API drives.
type Registry interface {
	Start(ctx context.Context, botID int64) error
	Stop(botID int64) bool
	Tenant(botID int64) (broadcast.TenantInfo, bool)
	Snapshot() []broadcast.TenantInfo
}

type Config struct {
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Pprof        bool
}

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
	shutdownTimeout     = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Server is the operator API: read the loops of every tenant and restart or
// stop the loops of one.
type Server struct {
	cfg Config
	reg Registry
	log logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(cfg Config, reg Registry, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg: cfg.withDefaults(),
		reg: reg,
		log: log.With(logx.String("comp", "httpapi")),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/broadcasts", s.listAll)
		r.Route("/bots/{botID}/broadcasts", func(r chi.Router) {
			r.Get("/", s.listTenant)
			r.Post("/start", s.startTenant)
			r.Post("/stop", s.stopTenant)
		})
		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// Start listens on cfg.Addr and serves in the background. An empty Addr is a no-op.
func (s *Server) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || strings.TrimSpace(s.cfg.Addr) == "" {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", addr))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	s.log.Info("http api stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) listAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tenants": s.reg.Snapshot()})
}

func (s *Server) listTenant(w http.ResponseWriter, r *http.Request) {
	botID, ok := botIDParam(w, r)
	if !ok {
		return
	}
	ti, found := s.reg.Tenant(botID)
	if !found {
		writeError(w, r, http.StatusNotFound, "not_found", "no broadcasts running for bot")
		return
	}
	writeJSON(w, http.StatusOK, ti)
}

func (s *Server) startTenant(w http.ResponseWriter, r *http.Request) {
	botID, ok := botIDParam(w, r)
	if !ok {
		return
	}
	if err := s.reg.Start(r.Context(), botID); err != nil {
		s.log.Warn("broadcast start failed", logx.Int64("bot_id", botID), logx.Err(err))
		switch {
		case broadcast.IsFetch(err):
			writeError(w, r, http.StatusBadGateway, "fetch_failed", "could not load scheduled broadcasts")
		case errors.Is(err, broadcast.ErrClosed):
			writeError(w, r, http.StatusServiceUnavailable, "shutting_down", "scheduler is shutting down")
		default:
			writeError(w, r, http.StatusInternalServerError, "internal", "unexpected error")
		}
		return
	}
	ti, _ := s.reg.Tenant(botID)
	ti.BotID = botID
	if ti.Loops == nil {
		ti.Loops = []broadcast.HandleInfo{}
	}
	writeJSON(w, http.StatusOK, ti)
}

func (s *Server) stopTenant(w http.ResponseWriter, r *http.Request) {
	botID, ok := botIDParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": s.reg.Stop(botID)})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.cfg.Token
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(want)) != 1 {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func botIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "botID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_bot_id", "bot id must be a positive integer")
		return 0, false
	}
	return id, true
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      code,
		Message:   msg,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"internal","message":"failed to marshal response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
