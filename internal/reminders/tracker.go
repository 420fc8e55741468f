// Package reminders keeps the client-local ledger of scheduled bus reminders.
package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"busping/internal/eventbus"
	"busping/internal/storage"
	logx "busping/pkg/logx"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
)

// KeyPending is the local-store key holding the whole ledger as one JSON array.
const KeyPending = "pendingNotifications"

// EventChanged is published with the new []Reminder after every mutation.
const EventChanged = "reminders.changed"

// Reminder is one pending notification. TargetTime is epoch milliseconds.
type Reminder struct {
	ID         string `json:"id"`
	BusNo      string `json:"busNo"`
	TargetTime int64  `json:"targetTime"`
}

// Target returns TargetTime as a time.Time.
func (r Reminder) Target() time.Time { return time.UnixMilli(r.TargetTime) }

// NewID builds "<busNo>-<unix millis>".
func NewID(busNo string, now time.Time) string {
	return busNo + "-" + strconv.FormatInt(now.UnixMilli(), 10)
}

// Tracker mutates the ledger with read-modify-write transactions on the store,
// so concurrent removers (sweep, timers, commands) never resurrect entries.
type Tracker struct {
	store storage.Store
	bus   eventbus.Bus
	clock clock.Clock
	log   logx.Logger
}

func New(store storage.Store, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Tracker {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{store: store, bus: bus, clock: clk, log: log.With(logx.String("comp", "reminders"))}
}

func (t *Tracker) decode(b []byte, ok bool) []Reminder {
	if !ok || len(b) == 0 {
		return nil
	}
	var list []Reminder
	if err := json.Unmarshal(b, &list); err != nil {
		t.log.Warn("pending reminders unreadable; starting empty", logx.Err(err))
		return nil
	}
	return list
}

// mutate applies fn to the latest stored list. fn reports whether it changed.
func (t *Tracker) mutate(ctx context.Context, fn func([]Reminder) ([]Reminder, bool)) ([]Reminder, error) {
	var out []Reminder
	changed := false
	err := t.store.Update(ctx, storage.BucketLocal, KeyPending, func(cur []byte, ok bool) ([]byte, error) {
		next, ch := fn(t.decode(cur, ok))
		out, changed = next, ch
		if !ch {
			return nil, storage.ErrNoChange
		}
		if next == nil {
			next = []Reminder{}
		}
		return json.Marshal(next)
	})
	if err != nil {
		return nil, fmt.Errorf("pending reminders: %w", err)
	}
	if changed {
		t.bus.Publish(eventbus.Event{Type: EventChanged, Time: t.clock.Now(), Data: append([]Reminder(nil), out...)})
	}
	return out, nil
}

// Add appends r. Ids are not deduplicated.
func (t *Tracker) Add(ctx context.Context, r Reminder) error {
	if r.ID == "" || r.BusNo == "" {
		return errors.New("reminder id and busNo required")
	}
	_, err := t.mutate(ctx, func(list []Reminder) ([]Reminder, bool) {
		return append(list, r), true
	})
	if err == nil {
		t.log.Debug("reminder added", logx.String("id", r.ID), logx.Time("target", r.Target()))
	}
	return err
}

// Remove deletes every entry with id. Removing an unknown id is a no-op.
func (t *Tracker) Remove(ctx context.Context, id string) error {
	_, err := t.mutate(ctx, func(list []Reminder) ([]Reminder, bool) {
		out := list[:0:0]
		for _, r := range list {
			if r.ID != id {
				out = append(out, r)
			}
		}
		return out, len(out) != len(list)
	})
	return err
}

// Clear empties the ledger.
func (t *Tracker) Clear(ctx context.Context) error {
	_, err := t.mutate(ctx, func(list []Reminder) ([]Reminder, bool) {
		return []Reminder{}, len(list) > 0
	})
	return err
}

// List returns the ledger in insertion order.
func (t *Tracker) List(ctx context.Context) ([]Reminder, error) {
	b, ok, err := t.store.Get(ctx, storage.BucketLocal, KeyPending)
	if err != nil {
		return nil, fmt.Errorf("pending reminders: %w", err)
	}
	return t.decode(b, ok), nil
}

// Sweep drops reminders whose target time has passed and returns how many.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	now := t.clock.Now().UnixMilli()
	removed := 0
	_, err := t.mutate(ctx, func(list []Reminder) ([]Reminder, bool) {
		out := list[:0:0]
		for _, r := range list {
			if r.TargetTime > now {
				out = append(out, r)
			}
		}
		removed = len(list) - len(out)
		return out, removed > 0
	})
	return removed, err
}

// Run sweeps every second until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc("@every 1s", func() {
		if n, err := t.Sweep(ctx); err != nil {
			t.log.Warn("reminder sweep failed", logx.Err(err))
		} else if n > 0 {
			t.log.Debug("expired reminders removed", logx.Int("count", n))
		}
	}); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RemoveAfter arms a best-effort timer that removes id after d. The returned
// func disarms it.
func (t *Tracker) RemoveAfter(id string, d time.Duration) (stop func() bool) {
	timer := t.clock.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.Remove(ctx, id); err != nil {
			t.log.Warn("reminder self-removal failed", logx.String("id", id), logx.Err(err))
		}
	})
	return timer.Stop
}
