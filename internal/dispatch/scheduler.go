package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"busping/internal/errs"
	"busping/internal/eventbus"
	"busping/internal/push"
	"busping/internal/storage"
	logx "busping/pkg/logx"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Sender delivers one encrypted message. push.WebPush implements it.
type Sender interface {
	Configured() bool
	Send(ctx context.Context, sub push.Subscription, payload []byte) (int, error)
}

// Scheduler is safe for concurrent use. Invocations share only the dedup set,
// the rate limiter and the counters.
type Scheduler struct {
	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	store  storage.Store
	clock  clock.Clock

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	accepted, deduped, sent, failed atomic.Uint64
	waiting                         atomic.Int64
}

// New builds a scheduler. bus, store and clk may be nil.
func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store, clk clock.Clock) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if clk == nil {
		clk = clock.New()
	}
	s := &Scheduler{
		log:    log.With(logx.String("comp", "dispatch")),
		sender: sender,
		bus:    bus,
		store:  store,
		clock:  clk,
		dedup:  map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

// Apply swaps throttling and dedup settings (config reload).
func (s *Scheduler) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 5000
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s.mu.Lock()
	s.cfg = cfg
	// Token bucket: burst = rate per sec so short spikes don't block.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Scheduler) config() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// ClampDelay bounds d into [0, MaxDelay].
func ClampDelay(d time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d > MaxDelay:
		return MaxDelay
	default:
		return d
	}
}

// Schedule waits for the clamped delay and sends once. It blocks for the whole
// wait; callers that must answer early use Accept and Deliver separately.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (Outcome, error) {
	job, err := s.Accept(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	return s.Deliver(ctx, job)
}

// Accept validates the request, clamps the delay and claims the dedup key.
// Configuration errors surface here, before any waiting.
func (s *Scheduler) Accept(ctx context.Context, req Request) (*Job, error) {
	if err := req.Subscription.Validate(); err != nil {
		return nil, err
	}
	if s.sender == nil || !s.sender.Configured() {
		return nil, fmt.Errorf("%w: VAPID keys not configured", errs.ErrConfig)
	}
	var payload []byte
	if p := strings.TrimSpace(string(req.Payload)); p != "" && p != "null" {
		if !json.Valid(req.Payload) {
			return nil, fmt.Errorf("%w: payload must be JSON", errs.ErrValidation)
		}
		payload = []byte(p)
	}

	job := &Job{
		sub:        req.Subscription,
		payload:    payload,
		Delay:      ClampDelay(req.Delay),
		AcceptedAt: s.clock.Now(),
	}
	if req.Delay > MaxDelay {
		s.log.Debug("delay clamped", logx.Duration("requested", req.Delay), logx.Duration("max", MaxDelay))
	}

	if id := strings.TrimSpace(req.ID); id != "" {
		job.key = dedupKey(id, req.Subscription.Endpoint)
		fresh, err := s.claim(ctx, job.key)
		if err != nil {
			return nil, err
		}
		if !fresh {
			job.Duplicate = true
			s.deduped.Add(1)
			s.bus.Publish(eventbus.Event{Type: EventDeduped, Time: job.AcceptedAt, Data: DispatchEvent{Key: job.key, Delay: job.Delay}})
			s.appendHistory(HistoryItem{At: job.AcceptedAt, Status: StatusDuplicate, Delay: job.Delay})
			s.log.Info("duplicate dispatch dropped", logx.String("key", job.key))
			return job, nil
		}
	}

	s.accepted.Add(1)
	s.bus.Publish(eventbus.Event{Type: EventAccepted, Time: job.AcceptedAt, Data: DispatchEvent{Key: job.key, Delay: job.Delay}})
	return job, nil
}

// Deliver waits for the job's delay, then sends exactly once. Delivery errors
// are not retried. Canceling ctx (server shutdown) abandons the job and
// releases its dedup claim.
func (s *Scheduler) Deliver(ctx context.Context, job *Job) (Outcome, error) {
	if job == nil {
		return Outcome{}, fmt.Errorf("%w: nil job", errs.ErrValidation)
	}
	if job.Duplicate {
		return Outcome{Status: StatusDuplicate, Delay: job.Delay}, nil
	}

	s.waiting.Add(1)
	defer s.waiting.Add(-1)

	if job.Delay > 0 {
		t := s.clock.Timer(job.Delay)
		s.bus.Publish(eventbus.Event{Type: EventWaiting, Time: s.clock.Now(), Data: DispatchEvent{Key: job.key, Delay: job.Delay}})
		select {
		case <-ctx.Done():
			t.Stop()
			s.release(job.key)
			s.log.Warn("dispatch abandoned before send", logx.Duration("delay", job.Delay), logx.Err(ctx.Err()))
			return Outcome{Delay: job.Delay}, ctx.Err()
		case <-t.C:
		}
	} else {
		s.bus.Publish(eventbus.Event{Type: EventWaiting, Time: s.clock.Now(), Data: DispatchEvent{Key: job.key}})
	}

	_, limiter := s.config()
	if err := limiter.Wait(ctx); err != nil {
		s.release(job.key)
		return Outcome{Delay: job.Delay}, err
	}

	code, err := s.sender.Send(ctx, job.sub, job.payload)
	now := s.clock.Now()
	if err != nil {
		if !errors.Is(err, errs.ErrDelivery) && !errors.Is(err, errs.ErrConfig) {
			err = fmt.Errorf("%w: %v", errs.ErrDelivery, err)
		}
		s.failed.Add(1)
		s.bus.Publish(eventbus.Event{Type: EventFailed, Time: now, Data: DispatchEvent{Key: job.key, Delay: job.Delay, StatusCode: code, Error: err.Error()}})
		s.appendHistory(HistoryItem{At: now, Status: StatusFailed, Delay: job.Delay, StatusCode: code, Error: err.Error()})
		s.log.Warn("push delivery failed", logx.Int("status", code), logx.Duration("delay", job.Delay), logx.Err(err))
		return Outcome{Status: StatusFailed, Delay: job.Delay, StatusCode: code}, err
	}

	s.sent.Add(1)
	s.bus.Publish(eventbus.Event{Type: EventSent, Time: now, Data: DispatchEvent{Key: job.key, Delay: job.Delay, StatusCode: code}})
	s.appendHistory(HistoryItem{At: now, Status: StatusSent, Delay: job.Delay, StatusCode: code})
	s.log.Info("push sent", logx.Int("status", code), logx.Duration("delay", job.Delay), logx.Duration("late_by", now.Sub(job.AcceptedAt)-job.Delay))
	return Outcome{Status: StatusSent, Delay: job.Delay, SentAt: now, StatusCode: code}, nil
}

// Stats returns cumulative counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Accepted: s.accepted.Load(),
		Deduped:  s.deduped.Load(),
		Sent:     s.sent.Load(),
		Failed:   s.failed.Load(),
		Waiting:  s.waiting.Load(),
	}
}

// History returns recent outcomes, oldest first.
func (s *Scheduler) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Scheduler) appendHistory(it HistoryItem) {
	cfg, _ := s.config()
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// dedupKey never stores the raw endpoint or client id.
func dedupKey(id, endpoint string) string {
	sum := sha256.Sum256([]byte(id + "\x00" + strings.TrimSpace(endpoint)))
	return hex.EncodeToString(sum[:16])
}
