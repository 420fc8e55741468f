package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"busping/internal/errs"
	"busping/internal/eventbus"
	"busping/internal/push"
	"busping/internal/storage"
	logx "busping/pkg/logx"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendCall struct {
	at      time.Time
	sub     push.Subscription
	payload []byte
}

type fakeSender struct {
	clk        clock.Clock
	configured bool
	status     int
	err        error

	mu    sync.Mutex
	calls []sendCall
}

func (f *fakeSender) Configured() bool { return f.configured }

func (f *fakeSender) Send(_ context.Context, sub push.Subscription, payload []byte) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{at: f.clk.Now(), sub: sub, payload: payload})
	f.mu.Unlock()
	if f.err != nil {
		return f.status, f.err
	}
	if f.status == 0 {
		return http.StatusCreated, nil
	}
	return f.status, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var testSub = push.Subscription{Endpoint: "https://relay.example/abc", Keys: push.Keys{P256dh: "p", Auth: "a"}}

func newScheduler(t *testing.T, cfg Config, store storage.Store) (*Scheduler, *fakeSender, *clock.Mock, eventbus.Bus) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	sender := &fakeSender{clk: clk, configured: true}
	bus := eventbus.New(eventbus.WithNow(clk.Now))
	return New(cfg, sender, logx.Nop(), bus, store, clk), sender, clk, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

type result struct {
	out Outcome
	err error
}

func TestScheduleWaitsFullDelay(t *testing.T) {
	t.Parallel()
	s, sender, clk, bus := newScheduler(t, Config{}, nil)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	start := clk.Now()
	done := make(chan result, 1)
	go func() {
		out, err := s.Schedule(context.Background(), Request{
			Subscription: testSub,
			Payload:      json.RawMessage(`{"title":"Bus 15 approaching","body":"Bus 15 will arrive soon"}`),
			Delay:        5000 * time.Millisecond,
		})
		done <- result{out, err}
	}()

	waitEvent(t, events, EventWaiting)
	clk.Add(4999 * time.Millisecond)
	select {
	case r := <-done:
		t.Fatalf("sent early: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, sender.count())

	clk.Add(time.Millisecond)
	var r result
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("not sent after delay elapsed")
	}
	require.NoError(t, r.err)
	assert.Equal(t, StatusSent, r.out.Status)
	assert.Equal(t, 5*time.Second, r.out.Delay)
	assert.False(t, r.out.SentAt.Before(start.Add(5*time.Second)))
	require.Equal(t, 1, sender.count())
	assert.JSONEq(t, `{"title":"Bus 15 approaching","body":"Bus 15 will arrive soon"}`, string(sender.calls[0].payload))
	assert.Equal(t, uint64(1), s.Stats().Sent)
}

func TestDelayIsClamped(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newScheduler(t, Config{}, nil)

	cases := []struct {
		in, want time.Duration
	}{
		{120000 * time.Millisecond, MaxDelay},
		{-5 * time.Second, 0},
		{59 * time.Second, 59 * time.Second},
	}
	for _, tc := range cases {
		job, err := s.Accept(context.Background(), Request{Subscription: testSub, Delay: tc.in})
		require.NoError(t, err)
		assert.Equal(t, tc.want, job.Delay, "delay %v", tc.in)
	}
}

func TestClampedDelayFiresAtCeiling(t *testing.T) {
	t.Parallel()
	s, sender, clk, bus := newScheduler(t, Config{}, nil)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	done := make(chan result, 1)
	go func() {
		out, err := s.Schedule(context.Background(), Request{Subscription: testSub, Delay: 120 * time.Second})
		done <- result{out, err}
	}()
	waitEvent(t, events, EventWaiting)
	clk.Add(MaxDelay)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, MaxDelay, r.out.Delay)
	case <-time.After(2 * time.Second):
		t.Fatalf("not sent at the ceiling")
	}
	assert.Equal(t, 1, sender.count())
}

func TestMissingKeysFailBeforeWaiting(t *testing.T) {
	t.Parallel()
	s, sender, _, _ := newScheduler(t, Config{}, nil)
	sender.configured = false

	_, err := s.Schedule(context.Background(), Request{Subscription: testSub, Delay: 30 * time.Second})
	require.ErrorIs(t, err, errs.ErrConfig)
	assert.Equal(t, 0, sender.count())
	assert.Equal(t, uint64(0), s.Stats().Accepted)
}

func TestInvalidRequests(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newScheduler(t, Config{}, nil)

	_, err := s.Schedule(context.Background(), Request{})
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = s.Schedule(context.Background(), Request{Subscription: testSub, Payload: json.RawMessage(`{oops`)})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestDeliveryErrorIsReported(t *testing.T) {
	t.Parallel()
	s, sender, _, _ := newScheduler(t, Config{}, nil)
	sender.status = http.StatusGone
	sender.err = fmt.Errorf("%w: push relay answered 410", errs.ErrDelivery)

	out, err := s.Schedule(context.Background(), Request{Subscription: testSub})
	require.ErrorIs(t, err, errs.ErrDelivery)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, http.StatusGone, out.StatusCode)
	assert.Equal(t, 1, sender.count())
	assert.Equal(t, uint64(1), s.Stats().Failed)

	h := s.History()
	require.Len(t, h, 1)
	assert.Equal(t, StatusFailed, h[0].Status)
}

func TestDuplicateIDIsSentOnce(t *testing.T) {
	t.Parallel()
	s, sender, _, _ := newScheduler(t, Config{}, nil)
	ctx := context.Background()

	out, err := s.Schedule(ctx, Request{ID: "15-1717228800000", Subscription: testSub})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, out.Status)

	out, err = s.Schedule(ctx, Request{ID: "15-1717228800000", Subscription: testSub})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, out.Status)
	assert.Equal(t, 1, sender.count())

	// Distinct ids and id-less requests are independent.
	_, err = s.Schedule(ctx, Request{ID: "15-1717228800001", Subscription: testSub})
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Request{Subscription: testSub})
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Request{Subscription: testSub})
	require.NoError(t, err)
	assert.Equal(t, 4, sender.count())
	assert.Equal(t, uint64(1), s.Stats().Deduped)
}

func TestDedupExpiresAfterWindow(t *testing.T) {
	t.Parallel()
	s, sender, clk, _ := newScheduler(t, Config{DedupWindow: time.Minute}, nil)
	ctx := context.Background()

	_, err := s.Schedule(ctx, Request{ID: "x", Subscription: testSub})
	require.NoError(t, err)
	clk.Add(61 * time.Second)
	out, err := s.Schedule(ctx, Request{ID: "x", Subscription: testSub})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, out.Status)
	assert.Equal(t, 2, sender.count())
}

func TestPersistedDedupIsShared(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	cfg := Config{PersistDedup: true}
	a, senderA, _, _ := newScheduler(t, cfg, store)
	b, senderB, _, _ := newScheduler(t, cfg, store)

	_, err := a.Schedule(context.Background(), Request{ID: "shared", Subscription: testSub})
	require.NoError(t, err)
	out, err := b.Schedule(context.Background(), Request{ID: "shared", Subscription: testSub})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, out.Status)
	assert.Equal(t, 1, senderA.count()+senderB.count())
}

func TestShutdownAbandonsAndReleasesClaim(t *testing.T) {
	t.Parallel()
	s, sender, _, bus := newScheduler(t, Config{}, nil)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan result, 1)
	go func() {
		out, err := s.Schedule(ctx, Request{ID: "y", Subscription: testSub, Delay: 10 * time.Second})
		done <- result{out, err}
	}()
	waitEvent(t, events, EventWaiting)
	cancel()

	r := <-done
	require.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 0, sender.count())

	out, err := s.Schedule(context.Background(), Request{ID: "y", Subscription: testSub})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, out.Status)
}
