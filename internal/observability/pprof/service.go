// Package pprof serves the runtime profiling endpoints plus small health
// and status pages on a local HTTP listener. The server is optional and
// never takes the daemon down with it.
package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"taskd/pkg/zlog"
)

// Config controls the debug HTTP server. Prefer a loopback Addr; binding
// anything else logs a warning, the endpoints carry no auth.
type Config struct {
	Enabled bool
	Addr    string
}

const defaultAddr = "127.0.0.1:6060"

// StatusFunc supplies the /statusz payload. It must be safe to call from
// any goroutine.
type StatusFunc func() any

type Service struct {
	mu     sync.Mutex
	log    zlog.Logger
	cfg    Config
	status StatusFunc

	ln   net.Listener
	srv  *http.Server
	done chan struct{}
}

func New(cfg Config, status StatusFunc, log zlog.Logger) *Service {
	if log.IsZero() {
		log = zlog.Nop()
	}
	return &Service{cfg: cfg, status: status, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr reports the bound listen address, or "" when not running. With a
// ":0" config this is how callers learn the assigned port.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves until Stop. Idempotent; a disabled
// service returns nil without binding.
func (s *Service) Start(_ context.Context) error {
	s.mu.Lock()
	if !s.cfg.Enabled || s.srv != nil {
		s.mu.Unlock()
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	s.mu.Unlock()

	if !isLoopbackAddr(addr) {
		s.log.Warn("debug server on a non-loopback address; endpoints carry no auth",
			zlog.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler: s.routes(),
		// Profile endpoints stream for tens of seconds, so only the header
		// read gets a deadline.
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.ln, s.srv, s.done = ln, srv, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("debug server exited", zlog.Err(err))
		}
	}()

	s.log.Info("debug server started", zlog.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx
// expires. Safe to call when not running.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.ln, s.srv, s.done = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}

	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	s.log.Info("debug server stopped")
}

// Apply reconfigures the server during a hot reload: enable/disable
// transitions and address changes restart the listener as needed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled && running:
		s.Stop(ctx)
	case cfg.Enabled && !running:
		if err := s.Start(ctx); err != nil {
			s.log.Warn("debug server failed to start", zlog.Err(err))
		}
	case cfg.Enabled && running && strings.TrimSpace(prev.Addr) != strings.TrimSpace(cfg.Addr):
		s.Stop(ctx)
		if err := s.Start(ctx); err != nil {
			s.log.Warn("debug server failed to restart", zlog.Err(err))
		}
	}
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.status != nil {
		mux.HandleFunc("/statusz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(s.status()); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		})
	}

	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)

	return mux
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// An empty host binds every interface.
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
