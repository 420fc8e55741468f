package reminders

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"busping/internal/eventbus"
	"busping/internal/storage"
	logx "busping/pkg/logx"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T) (*Tracker, *clock.Mock, storage.Store) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	store := storage.NewMemory()
	return New(store, eventbus.New(), clk, logx.Nop()), clk, store
}

func TestAddListInInsertionOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, clk, _ := newTracker(t)

	now := clk.Now()
	a := Reminder{ID: NewID("15", now), BusNo: "15", TargetTime: now.Add(3 * time.Minute).UnixMilli()}
	b := Reminder{ID: NewID("15", now), BusNo: "15", TargetTime: now.Add(time.Minute).UnixMilli()}
	require.NoError(t, tr.Add(ctx, a))
	require.NoError(t, tr.Add(ctx, b))

	list, err := tr.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Reminder{a, b}, list)
	assert.Equal(t, "15-"+"1717228800000", a.ID)
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, clk, _ := newTracker(t)
	now := clk.Now()

	require.NoError(t, tr.Add(ctx, Reminder{ID: "a", BusNo: "15", TargetTime: now.Add(10 * time.Second).UnixMilli()}))
	require.NoError(t, tr.Add(ctx, Reminder{ID: "b", BusNo: "72", TargetTime: now.Add(2 * time.Minute).UnixMilli()}))

	n, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clk.Add(10 * time.Second)
	n, err = tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := tr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, _ := newTracker(t)

	require.NoError(t, tr.Add(ctx, Reminder{ID: "a", BusNo: "15", TargetTime: 1}))
	require.NoError(t, tr.Remove(ctx, "a"))
	require.NoError(t, tr.Remove(ctx, "a"))
	require.NoError(t, tr.Remove(ctx, "never-existed"))

	list, err := tr.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, _ := newTracker(t)
	require.NoError(t, tr.Add(ctx, Reminder{ID: "a", BusNo: "15", TargetTime: 1}))
	require.NoError(t, tr.Add(ctx, Reminder{ID: "b", BusNo: "16", TargetTime: 1}))
	require.NoError(t, tr.Clear(ctx))
	list, err := tr.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRemoveAfterFires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, clk, _ := newTracker(t)
	require.NoError(t, tr.Add(ctx, Reminder{ID: "a", BusNo: "15", TargetTime: clk.Now().Add(time.Hour).UnixMilli()}))

	tr.RemoveAfter("a", 5*time.Second)
	clk.Add(4 * time.Second)
	list, _ := tr.List(ctx)
	assert.Len(t, list, 1)

	clk.Add(time.Second)
	assert.Eventually(t, func() bool {
		list, _ := tr.List(ctx)
		return len(list) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentMutationsDoNotLoseWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "local.db")}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()
	tr := New(store, nil, clock.NewMock(), logx.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, tr.Add(ctx, Reminder{ID: NewID("15", time.UnixMilli(int64(i))), BusNo: "15", TargetTime: 1}))
		}(i)
	}
	wg.Wait()

	list, err := tr.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 10)
}

func TestChangesArePublished(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	tr := New(storage.NewMemory(), bus, clock.NewMock(), logx.Nop())

	require.NoError(t, tr.Add(ctx, Reminder{ID: "a", BusNo: "15", TargetTime: 1}))
	e := <-events
	assert.Equal(t, EventChanged, e.Type)
	assert.Len(t, e.Data.([]Reminder), 1)

	// A no-op remove publishes nothing.
	require.NoError(t, tr.Remove(ctx, "zzz"))
	select {
	case e := <-events:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestRunSweepsPeriodically(t *testing.T) {
	t.Parallel()
	tr, clk, _ := newTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, tr.Add(ctx, Reminder{ID: "gone", BusNo: "15", TargetTime: clk.Now().Add(-time.Second).UnixMilli()}))
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	assert.Eventually(t, func() bool {
		list, _ := tr.List(context.Background())
		return len(list) == 0
	}, 3*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
