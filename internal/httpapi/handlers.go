package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"busping/internal/dispatch"
	"busping/internal/errs"
	"busping/internal/push"
	"busping/internal/token"
	logx "busping/pkg/logx"

	"github.com/gin-gonic/gin"
)

// readBody returns the raw body, or nil when it is empty.
func readBody(c *gin.Context) []byte {
	b, err := c.GetRawData()
	if err != nil {
		return nil
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	return b
}

// looseString accepts a JSON string or number.
type looseString string

func (l *looseString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = looseString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*l = looseString(n.String())
	return nil
}

// ---- auth ----

func (s *Server) handleAuthCheck(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		c.String(http.StatusBadRequest, "Email required")
		return
	}
	ok, err := s.deps.Credentials.Exists(c.Request.Context(), email)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		c.String(http.StatusNotFound, "Not found")
		return
	}
	c.String(http.StatusOK, "exists")
}

type authRequest struct {
	Email  string      `json:"email"`
	Pin    looseString `json:"pin"`
	Action string      `json:"action"`
}

func (s *Server) handleAuthPost(c *gin.Context) {
	body := readBody(c)
	if body == nil {
		c.String(http.StatusBadRequest, "No body")
		return
	}
	var req authRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.String(http.StatusBadRequest, "Invalid JSON")
		return
	}
	email, pin := strings.TrimSpace(req.Email), string(req.Pin)
	if email == "" || pin == "" {
		c.String(http.StatusBadRequest, "Email and pin required")
		return
	}
	if req.Action != "register" && req.Action != "login" {
		c.String(http.StatusBadRequest, "Invalid action")
		return
	}
	// A register without a secret would store a passcode and then fail.
	if !s.deps.Tokens.Configured() {
		s.log.Error("auth request with no JWT secret configured")
		c.String(http.StatusInternalServerError, "JWT secret not configured")
		return
	}

	ctx := c.Request.Context()
	switch req.Action {
	case "register":
		if err := s.deps.Credentials.Register(ctx, email, pin); err != nil {
			s.fail(c, err)
			return
		}
	case "login":
		ok, err := s.deps.Credentials.Login(ctx, email, pin)
		if err != nil {
			s.fail(c, err)
			return
		}
		if !ok {
			s.metrics.authFailures.Inc()
			c.String(http.StatusUnauthorized, "Invalid pin")
			return
		}
	}

	tok, err := s.deps.Tokens.Issue(email)
	if err != nil {
		if errors.Is(err, errs.ErrConfig) {
			c.String(http.StatusInternalServerError, "JWT secret not configured")
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

// ---- settings ----

func (s *Server) handleSettingsGet(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		c.String(http.StatusBadRequest, "Email required")
		return
	}
	tok := token.BearerToken(c.GetHeader("Authorization"))
	blob, ok, err := s.deps.Settings.Get(c.Request.Context(), tok, email)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		blob = json.RawMessage("null")
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", blob)
}

type settingsRequest struct {
	Email string          `json:"email"`
	Data  json.RawMessage `json:"data"`
}

func (s *Server) handleSettingsPost(c *gin.Context) {
	var req settingsRequest
	if body := readBody(c); body != nil {
		if err := json.Unmarshal(body, &req); err != nil {
			c.String(http.StatusBadRequest, "Invalid JSON")
			return
		}
	}
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		email = strings.TrimSpace(req.Email)
	}
	if email == "" {
		c.String(http.StatusBadRequest, "Email required")
		return
	}
	tok := token.BearerToken(c.GetHeader("Authorization"))
	if err := s.deps.Settings.Put(c.Request.Context(), tok, email, req.Data); err != nil {
		s.fail(c, err)
		return
	}
	c.String(http.StatusOK, "ok")
}

// ---- schedule ----

type scheduleRequest struct {
	ID           string            `json:"id"`
	Subscription push.Subscription `json:"subscription"`
	Payload      json.RawMessage   `json:"payload"`
	Delay        json.RawMessage   `json:"delay"`
}

// delayMillis reads a number or numeric string. Anything else is 0.
func delayMillis(raw json.RawMessage) time.Duration {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		f = p
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return dispatch.ClampDelay(time.Duration(f * float64(time.Millisecond)))
}

func (s *Server) handleSchedule(c *gin.Context) {
	body := readBody(c)
	if body == nil {
		c.String(http.StatusBadRequest, "No body")
		return
	}
	var req scheduleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.String(http.StatusBadRequest, "Invalid JSON")
		return
	}
	dreq := dispatch.Request{
		ID:           req.ID,
		Subscription: req.Subscription,
		Payload:      req.Payload,
		Delay:        delayMillis(req.Delay),
	}

	// Clients cannot cancel a dispatch by disconnecting.
	ctx := context.WithoutCancel(c.Request.Context())
	job, err := s.deps.Dispatch.Accept(ctx, dreq)
	if err != nil {
		if errors.Is(err, errs.ErrConfig) {
			s.log.Error("schedule request with no VAPID keys configured")
			c.String(http.StatusInternalServerError, "VAPID keys not configured")
			return
		}
		s.fail(c, err)
		return
	}
	if job.Duplicate {
		c.String(http.StatusOK, string(dispatch.StatusDuplicate))
		return
	}

	if s.background.Load() && s.deps.Background != nil {
		s.deps.Background.Go0("dispatch", func(bctx context.Context) {
			if _, err := s.deps.Dispatch.Deliver(bctx, job); err != nil {
				s.log.Debug("background dispatch ended with error", logx.Err(err))
			}
		})
		c.String(http.StatusOK, "accepted")
		return
	}

	out, err := s.deps.Dispatch.Deliver(ctx, job)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.String(http.StatusOK, string(out.Status))
}
