package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	rtsup "plugsched/internal/runtime/supervisor"
	logx "plugsched/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8088"

// Config controls the admin HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires Token.
type Config struct {
	Addr  string
	Token string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Server runs the admin API under a supervised restart loop.
type Server struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	h   *Handler

	addr string
	srv  *http.Server
	sup  *rtsup.Supervisor
}

func NewServer(cfg Config, h *Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg.withDefaults(), h: h, log: log}
}

// Addr is the bound listener address while serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start is idempotent. A refused or failed bind is retried with backoff.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("api.serve", s.serveOnce, rtsup.Policy{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
		Report:     true,
	})
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	_ = sup.Wait(ctx)
	s.log.Info("api stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Error("api refused to start: non-loopback addr requires token", logx.String("addr", cfg.Addr))
		return errors.New("api refused to start: insecure bind")
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	srv := &http.Server{
		Handler:      NewRouter(s.h, cfg.Token, s.log),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.addr = ""
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("api server exited unexpectedly")
	}
	return err
}

// NewRouter wires every route. An empty token disables auth, except for
// /api/v1/health which is always open.
func NewRouter(h *Handler, token string, log logx.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(log))

	r.HandleFunc("/api/v1/health", h.Health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(authMiddleware(token))
	v1.HandleFunc("/tasks", h.ListTasks).Methods(http.MethodGet)
	v1.HandleFunc("/tasks", h.CreateTask).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}", h.GetTask).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/{id}", h.UpdateTask).Methods(http.MethodPut)
	v1.HandleFunc("/tasks/{id}", h.DeleteTask).Methods(http.MethodDelete)
	v1.HandleFunc("/tasks/{id}/enable", h.EnableTask).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}/disable", h.DisableTask).Methods(http.MethodPost)
	v1.HandleFunc("/trigger", h.Trigger).Methods(http.MethodPost)
	v1.HandleFunc("/executions/{handle}", h.GetExecution).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{handle}", h.CancelExecution).Methods(http.MethodDelete)
	v1.HandleFunc("/plugins", h.ListPlugins).Methods(http.MethodGet)
	return r
}

func loggingMiddleware(log logx.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			log.Debug("request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", rw.status),
				logx.Duration("took", time.Since(start)),
				logx.String("remote", r.RemoteAddr),
			)
		})
	}
}

// authMiddleware accepts "Authorization: Bearer <token>".
func authMiddleware(token string) mux.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, p) && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(ah[len(p):])), []byte(tok)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
