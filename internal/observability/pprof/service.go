// Package pprof serves net/http/pprof on a separate, optional listener.
package pprof

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"busping/internal/runtime/supervisor"
	"busping/internal/token"
	logx "busping/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// ErrInsecureBind is returned when a non-loopback address has no token.
var ErrInsecureBind = errors.New("pprof: non-loopback addr requires a token")

type Config struct {
	Enabled bool
	Addr    string
	Token   string
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

type Service struct {
	log logx.Logger

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	sup  *supervisor.Supervisor
	addr net.Addr
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log.With(logx.String("comp", "pprof"))}
}

// Addr is the bound address, or nil when not running.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure starts, stops or restarts the listener to match cfg. Safe to
// call on every config reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev, running := s.cfg, s.srv != nil
	s.mu.Unlock()

	if running && (!cfg.Enabled || prev.addr() != cfg.addr() || prev.Token != cfg.Token) {
		s.Stop(ctx)
		running = false
	}
	if !cfg.Enabled || running {
		return nil
	}
	return s.start(ctx, cfg)
}

func (s *Service) start(ctx context.Context, cfg Config) error {
	addr := cfg.addr()
	if strings.TrimSpace(cfg.Token) == "" && !isLoopbackAddr(addr) {
		s.log.Error("pprof refused to start", logx.String("addr", addr))
		return ErrInsecureBind
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.handler(cfg.Token),
		ReadHeaderTimeout: 5 * time.Second,
	}
	// pprof is optional; a failure never cancels the server.
	sup := supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	sup.Go("pprof.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	s.mu.Lock()
	s.cfg, s.srv, s.sup, s.addr = cfg, srv, sup, ln.Addr()
	s.mu.Unlock()
	s.log.Info("pprof started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

// Stop shuts the listener down. Calling it when not running is a no-op.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.addr = nil, nil, nil
	s.cfg.Enabled = false
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("pprof stopped")
}

func (s *Service) handler(tok string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	return withAuth(tok, mux)
}

// withAuth accepts "Authorization: Bearer <tok>" or ?token=<tok>.
func withAuth(tok string, h http.Handler) http.Handler {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return h
	}
	want := []byte(tok)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = token.BearerToken(r.Header.Get("Authorization"))
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
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
