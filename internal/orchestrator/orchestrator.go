// Package orchestrator turns "notify me about this bus" into a scheduled push
// plus a pending reminder.
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"busping/internal/arrivals"
	"busping/internal/push"
	"busping/internal/reminders"
	logx "busping/pkg/logx"

	"github.com/benbjohnson/clock"
)

// DefaultLeadTime is how long before arrival the push should fire.
const DefaultLeadTime = 2 * time.Minute

// Subscriber hands out this device's push subscription. ok=false means the
// user has not enabled notifications.
type Subscriber interface {
	Subscription(ctx context.Context) (sub push.Subscription, ok bool, err error)
}

// Pusher asks the server to deliver payload after delay.
type Pusher interface {
	SchedulePush(ctx context.Context, sub push.Subscription, payload any, delay time.Duration, id string) (string, error)
}

// Ledger records pending reminders.
type Ledger interface {
	Add(ctx context.Context, r reminders.Reminder) error
	RemoveAfter(id string, d time.Duration) (stop func() bool)
}

// Notices receives user-facing messages.
type Notices interface {
	Notice(n Notice)
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

type Notice struct {
	Level Level
	Text  string
}

// Result is the terminal state of one NotifyBus call.
type Result string

const (
	ResultArrived    Result = "arrived"
	ResultNotEnabled Result = "not_enabled"
	ResultFailed     Result = "failed"
	ResultScheduled  Result = "scheduled"
)

// Payload is what the service worker shows.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type Orchestrator struct {
	subs    Subscriber
	pusher  Pusher
	ledger  Ledger
	notices Notices
	clock   clock.Clock
	log     logx.Logger

	lead atomic.Int64
}

func New(subs Subscriber, pusher Pusher, ledger Ledger, notices Notices, clk clock.Clock, log logx.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Orchestrator{
		subs:    subs,
		pusher:  pusher,
		ledger:  ledger,
		notices: notices,
		clock:   clk,
		log:     log.With(logx.String("comp", "orchestrator")),
	}
	o.lead.Store(int64(DefaultLeadTime))
	return o
}

// SetLeadTime changes the lead for subsequent calls. d < 0 is treated as 0.
func (o *Orchestrator) SetLeadTime(d time.Duration) {
	if d < 0 {
		d = 0
	}
	o.lead.Store(int64(d))
}

func (o *Orchestrator) LeadTime() time.Duration { return time.Duration(o.lead.Load()) }

func (o *Orchestrator) notice(level Level, format string, args ...any) {
	if o.notices == nil {
		return
	}
	o.notices.Notice(Notice{Level: level, Text: fmt.Sprintf(format, args...)})
}

// NotifyBus runs one independent reminder flow for a. Failures are reported
// as notices; the returned Result names the terminal state.
func (o *Orchestrator) NotifyBus(ctx context.Context, a arrivals.Arrival) Result {
	now := o.clock.Now()
	remaining := a.At().Sub(now)
	if remaining <= 0 {
		o.notice(LevelInfo, "Bus is arriving now!")
		return ResultArrived
	}

	sub, ok, err := o.subs.Subscription(ctx)
	if err != nil {
		o.log.Warn("push subscription unavailable", logx.Err(err))
	}
	if err != nil || !ok {
		o.notice(LevelError, "Notifications not enabled")
		return ResultNotEnabled
	}

	delay := max(remaining-o.LeadTime(), 0)
	id := reminders.NewID(a.BusNo, now)
	payload := Payload{
		Title: fmt.Sprintf("Bus %s approaching", a.BusNo),
		Body:  fmt.Sprintf("Bus %s will arrive soon", a.BusNo),
	}
	ack, err := o.pusher.SchedulePush(ctx, sub, payload, delay, id)
	if err != nil {
		o.log.Warn("schedule push failed", logx.String("bus", a.BusNo), logx.Err(err))
		o.notice(LevelError, "Failed to set notification for Bus %s", a.BusNo)
		return ResultFailed
	}

	r := reminders.Reminder{ID: id, BusNo: a.BusNo, TargetTime: now.Add(delay).UnixMilli()}
	if err := o.ledger.Add(ctx, r); err != nil {
		// The push is already on its way; only local bookkeeping is lost.
		o.log.Warn("pending reminder not recorded", logx.String("id", id), logx.Err(err))
	} else {
		o.ledger.RemoveAfter(id, delay+time.Second)
	}

	o.log.Info("reminder scheduled",
		logx.String("bus", a.BusNo),
		logx.Duration("delay", delay),
		logx.String("ack", ack),
	)
	o.notice(LevelSuccess, "Notification set for Bus %s (%d min)", a.BusNo, remaining.Milliseconds()/60000)
	return ResultScheduled
}
