// Package httpapi exposes auth, settings and push scheduling over HTTP.
//
// Response bodies are short plain-text strings ("exists", "ok", "sent") except
// the token and the settings blob, which are JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"busping/internal/dispatch"
	"busping/internal/errs"
	logx "busping/pkg/logx"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Credentials is the passcode store.
type Credentials interface {
	Register(ctx context.Context, email, pin string) error
	Login(ctx context.Context, email, pin string) (bool, error)
	Exists(ctx context.Context, email string) (bool, error)
}

// Tokens issues session tokens.
type Tokens interface {
	Configured() bool
	Issue(email string) (string, error)
}

// Settings is the per-user blob store.
type Settings interface {
	Get(ctx context.Context, tok, email string) (json.RawMessage, bool, error)
	Put(ctx context.Context, tok, email string, blob json.RawMessage) error
}

// Dispatcher is the deferred push scheduler.
type Dispatcher interface {
	Accept(ctx context.Context, req dispatch.Request) (*dispatch.Job, error)
	Deliver(ctx context.Context, job *dispatch.Job) (dispatch.Outcome, error)
	Stats() dispatch.Stats
	History() []dispatch.HistoryItem
}

// Background runs detached work that outlives the request. The supervisor
// satisfies it.
type Background interface {
	Go0(name string, fn func(ctx context.Context))
}

type Deps struct {
	Credentials Credentials
	Tokens      Tokens
	Settings    Settings
	Dispatch    Dispatcher
	Background  Background
	Log         logx.Logger
	// Registry receives the HTTP and dispatch collectors. Nil creates a private one.
	Registry *prometheus.Registry
}

type Options struct {
	CORSOrigins    []string
	TrustedProxies []string
	// AuthRatePerMin limits /api/auth per client IP. <= 0 disables.
	AuthRatePerMin int
	AuthBurst      int
	// Background answers "accepted" and sends after the response.
	Background bool
}

type Server struct {
	deps    Deps
	log     logx.Logger
	engine  *gin.Engine
	reg     *prometheus.Registry
	metrics *metrics
	limiter *ipLimiter

	mu   sync.RWMutex
	opts Options

	background atomic.Bool
	started    time.Time
}

func New(deps Deps, opts Options) *Server {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{
		deps:    deps,
		log:     log.With(logx.String("comp", "httpapi")),
		reg:     reg,
		started: time.Now(),
	}
	s.metrics = newMetrics(reg, deps.Dispatch)
	s.limiter = newIPLimiter(opts.AuthRatePerMin, opts.AuthBurst)
	s.Apply(opts)
	s.engine = s.routes()
	return s
}

// Apply swaps the reloadable options. Trusted proxies are fixed at start.
func (s *Server) Apply(opts Options) {
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
	s.background.Store(opts.Background)
	s.limiter.Update(opts.AuthRatePerMin, opts.AuthBurst)
}

func (s *Server) options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	if err := r.SetTrustedProxies(s.options().TrustedProxies); err != nil {
		s.log.Warn("trusted proxies rejected", logx.Err(err))
	}

	r.Use(s.recovery(), s.requestID(), s.accessLog(), s.metrics.middleware(), s.cors())

	r.NoMethod(func(c *gin.Context) { c.String(http.StatusMethodNotAllowed, "Method Not Allowed") })
	r.NoRoute(func(c *gin.Context) { c.String(http.StatusNotFound, "Not found") })

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))
	r.GET("/api/status", s.handleStatus)

	auth := r.Group("/api/auth", s.rateLimit("/api/auth"))
	auth.GET("", s.handleAuthCheck)
	auth.POST("", s.handleAuthPost)

	r.GET("/api/user-settings", s.handleSettingsGet)
	r.POST("/api/user-settings", s.handleSettingsPost)

	r.POST("/api/schedule-notification", s.handleSchedule)
	return r
}

// fail writes the public form of err. The detail stays in the log.
func (s *Server) fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	msg := errs.PublicMessage(err)
	switch {
	case errors.Is(err, errs.ErrAuth):
		msg = "Unauthorized"
	case status >= http.StatusInternalServerError:
		s.log.Error("request failed", logx.String("route", c.FullPath()), logx.Int("status", status), logx.Err(err))
	default:
		s.log.Debug("request rejected", logx.String("route", c.FullPath()), logx.Int("status", status), logx.Err(err))
	}
	c.String(status, msg)
}

type statusResponse struct {
	Uptime   string                 `json:"uptime"`
	Mode     string                 `json:"mode"`
	Dispatch dispatch.Stats         `json:"dispatch"`
	History  []dispatch.HistoryItem `json:"history"`
}

func (s *Server) handleStatus(c *gin.Context) {
	mode := "sync"
	if s.background.Load() {
		mode = "background"
	}
	out := statusResponse{
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Mode:    mode,
		History: []dispatch.HistoryItem{},
	}
	if s.deps.Dispatch != nil {
		out.Dispatch = s.deps.Dispatch.Stats()
		if h := s.deps.Dispatch.History(); h != nil {
			out.History = h
		}
	}
	c.JSON(http.StatusOK, out)
}
