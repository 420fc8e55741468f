package httpapi

import (
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	logx "busping/pkg/logx"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const headerRequestID = "X-Request-ID"

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panicked",
					logx.String("path", c.Request.URL.Path),
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// accessLog never records query strings; they carry emails.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", c.Writer.Size()),
			logx.Int64("duration_ms", time.Since(start).Milliseconds()),
			logx.String("ip", c.ClientIP()),
			logx.String("request_id", c.GetString("request_id")),
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.log.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			s.log.Warn("http_request", fields...)
		default:
			s.log.Info("http_request", fields...)
		}
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origins := s.options().CORSOrigins
		if origin := c.GetHeader("Origin"); origin != "" && len(origins) > 0 {
			switch {
			case slices.Contains(origins, "*"):
				c.Header("Access-Control-Allow-Origin", "*")
			case slices.Contains(origins, origin):
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// rateLimit guards route per client IP.
func (s *Server) rateLimit(route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.ClientIP()) {
			s.metrics.rateLimitHits.WithLabelValues(route).Inc()
			c.String(http.StatusTooManyRequests, "Too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}

const limiterIdle = 10 * time.Minute

// ipLimiter keeps one token bucket per client address.
type ipLimiter struct {
	mu        sync.Mutex
	perMin    int
	burst     int
	entries   map[string]*ipEntry
	lastSweep time.Time
}

type ipEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIPLimiter(perMin, burst int) *ipLimiter {
	l := &ipLimiter{entries: map[string]*ipEntry{}}
	l.Update(perMin, burst)
	return l
}

// Update changes the limit. Existing buckets are dropped.
func (l *ipLimiter) Update(perMin, burst int) {
	if burst <= 0 {
		burst = max(perMin/6, 1)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perMin == perMin && l.burst == burst {
		return
	}
	l.perMin, l.burst = perMin, burst
	l.entries = map[string]*ipEntry{}
}

func (l *ipLimiter) Allow(ip string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perMin <= 0 {
		return true
	}
	if now.Sub(l.lastSweep) > limiterIdle {
		for k, e := range l.entries {
			if now.Sub(e.seen) > limiterIdle {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}
	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.burst)}
		l.entries[ip] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}
