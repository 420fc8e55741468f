package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"busping/internal/config"
	"busping/internal/credentials"
	"busping/internal/dispatch"
	"busping/internal/httpapi"
	"busping/internal/push"
	"busping/internal/reminders"
	"busping/internal/runtime/supervisor"
	"busping/internal/settings"
	"busping/internal/storage"
	"busping/internal/token"
	logx "busping/pkg/logx"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

type recordingSender struct {
	mu       sync.Mutex
	payloads []string
}

func (r *recordingSender) Configured() bool { return true }

func (r *recordingSender) Send(_ context.Context, _ push.Subscription, payload []byte) (int, error) {
	r.mu.Lock()
	r.payloads = append(r.payloads, string(payload))
	r.mu.Unlock()
	return http.StatusCreated, nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

type env struct {
	app    *App
	out    *bytes.Buffer
	store  storage.Store
	clock  *clock.Mock
	sender *recordingSender
	cfg    *config.Config
}

// newEnv starts a busping server and an arrivals stub that reports bus 12
// in durationMS.
func newEnv(t *testing.T, durationMS int64, withSubscription bool) *env {
	t.Helper()

	serverStore := storage.NewMemory()
	tokens := token.New("test-secret", 0, nil)
	sender := &recordingSender{}
	sup := supervisor.New(context.Background())
	t.Cleanup(func() {
		sup.Cancel()
		_ = sup.Wait(context.Background())
	})
	api := httpapi.New(httpapi.Deps{
		Credentials: credentials.New(serverStore, logx.Nop()),
		Tokens:      tokens,
		Settings:    settings.New(serverStore, tokens, logx.Nop()),
		Dispatch:    dispatch.New(dispatch.Config{}, sender, logx.Nop(), nil, nil, nil),
		Background:  sup,
	}, httpapi.Options{Background: true})
	apiSrv := httptest.NewServer(api.Handler())
	t.Cleanup(apiSrv.Close)

	arrSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"services":[{"no":"12","next":{"duration_ms":%d},"subsequent":{"duration_ms":%d}},{"no":"14","next":{"duration_ms":600000}}]}`,
			durationMS, durationMS+600000)
	}))
	t.Cleanup(arrSrv.Close)

	cfg := &config.Config{}
	cfg.Client.APIBase = apiSrv.URL
	cfg.Client.ArrivalsURL = arrSrv.URL
	if withSubscription {
		path := filepath.Join(t.TempDir(), "sub.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"endpoint":"https://push.example/abc","keys":{"p256dh":"k","auth":"a"}}`), 0o600))
		cfg.Client.SubscriptionPath = path
	}

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	out := &bytes.Buffer{}
	local := storage.NewMemory()
	app, err := NewApp(cfg, local, logx.Nop(), WithClock(mock), WithIO(strings.NewReader(""), out))
	require.NoError(t, err)
	return &env{app: app, out: out, store: local, clock: mock, sender: sender, cfg: cfg}
}

func (e *env) run(t *testing.T, args ...string) error {
	t.Helper()
	e.out.Reset()
	return e.app.Run(context.Background(), args)
}

func TestNotifySchedulesPushAndRecordsReminder(t *testing.T) {
	e := newEnv(t, 90_000, true)

	require.NoError(t, e.run(t, "notify", "-stop", "83139", "-bus", "12"))
	assert.Contains(t, e.out.String(), "[success] Notification set for Bus 12 (1 min)")

	require.Eventually(t, func() bool { return len(e.sender.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	sent := e.sender.sent()
	assert.Contains(t, sent[0], "Bus 12 approaching")
	assert.Contains(t, sent[0], "Bus 12 will arrive soon")

	list, err := e.app.tracker.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "12", list[0].BusNo)
	// 90s remaining is inside the 2m lead: fire now.
	assert.Equal(t, e.clock.Now().UnixMilli(), list[0].TargetTime)
	assert.Equal(t, reminders.NewID("12", e.clock.Now()), list[0].ID)
}

func TestNotifyWithoutSubscription(t *testing.T) {
	e := newEnv(t, 300_000, false)

	err := e.run(t, "notify", "-stop", "83139", "-bus", "12")
	require.ErrorIs(t, err, ErrNotScheduled)
	assert.Contains(t, e.out.String(), "Notifications not enabled")
	assert.Empty(t, e.sender.sent())

	list, err := e.app.tracker.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNotifyPicksLaterArrival(t *testing.T) {
	e := newEnv(t, 60_000, true)
	e.app.orch.SetLeadTime(0)

	// Second arrival is 11 min out; the server caps the send delay but the
	// ledger keeps the requested target.
	require.NoError(t, e.run(t, "notify", "-stop", "83139", "-bus", "12", "-n", "1"))
	list, err := e.app.tracker.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, e.clock.Now().Add(660*time.Second).UnixMilli(), list[0].TargetTime)

	err = e.run(t, "notify", "-stop", "83139", "-bus", "12", "-n", "5")
	require.Error(t, err)
}

func TestArrivalsListing(t *testing.T) {
	e := newEnv(t, 120_000, false)

	require.NoError(t, e.run(t, "arrivals", "-stop", "83139"))
	lines := strings.Split(strings.TrimSpace(e.out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "12"))
	assert.Contains(t, lines[0], "2 min")
	assert.True(t, strings.HasPrefix(lines[1], "14"))

	require.NoError(t, e.run(t, "arrivals", "-stop", "83139", "-bus", "14"))
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(e.out.String()), "\n")+1)

	err := e.run(t, "arrivals")
	require.ErrorIs(t, err, ErrUsage)

	require.NoError(t, e.run(t, "stations", "add", "-stop", "83139", "-bus", "12"))
	require.NoError(t, e.run(t, "arrivals"))
	assert.Contains(t, e.out.String(), "== 83139")
	assert.NotContains(t, e.out.String(), "14 ")
}

func TestPendingSweepsExpiredAndCancelClear(t *testing.T) {
	e := newEnv(t, 0, false)
	ctx := context.Background()
	now := e.clock.Now()

	require.NoError(t, e.app.tracker.Add(ctx, reminders.Reminder{ID: "12-1", BusNo: "12", TargetTime: now.Add(-time.Second).UnixMilli()}))
	require.NoError(t, e.app.tracker.Add(ctx, reminders.Reminder{ID: "14-2", BusNo: "14", TargetTime: now.Add(90 * time.Second).UnixMilli()}))
	require.NoError(t, e.app.tracker.Add(ctx, reminders.Reminder{ID: "15-3", BusNo: "15", TargetTime: now.Add(3 * time.Minute).UnixMilli()}))

	require.NoError(t, e.run(t, "pending"))
	assert.NotContains(t, e.out.String(), "12-1")
	assert.Contains(t, e.out.String(), "14-2")
	assert.Contains(t, e.out.String(), "1m30s")

	require.NoError(t, e.run(t, "cancel", "-id", "14-2"))
	require.NoError(t, e.run(t, "pending"))
	assert.NotContains(t, e.out.String(), "14-2")
	assert.Contains(t, e.out.String(), "15-3")

	require.ErrorIs(t, e.run(t, "cancel"), ErrUsage)

	require.NoError(t, e.run(t, "clear"))
	require.NoError(t, e.run(t, "pending"))
	assert.Contains(t, e.out.String(), "no pending reminders")
}

func TestRegisterLoginAndSyncRoundTrip(t *testing.T) {
	e := newEnv(t, 0, false)
	ctx := context.Background()

	require.Error(t, e.run(t, "sync", "push"))

	require.Error(t, e.run(t, "login", "-email", "a@b.sg", "-pin", "1234"), "unknown account")

	require.NoError(t, e.run(t, "register", "-email", "a@b.sg", "-pin", "1234"))
	require.Error(t, e.run(t, "login", "-email", "a@b.sg", "-pin", "9999"))
	require.NoError(t, e.run(t, "login", "-email", "a@b.sg", "-pin", "1234"))

	require.NoError(t, e.run(t, "sync", "pull"))
	assert.Contains(t, e.out.String(), "no settings stored")

	require.NoError(t, e.run(t, "stations", "add", "-stop", "83139", "-bus", "12,14"))
	require.NoError(t, e.run(t, "stations", "add", "-stop", "83139", "-bus", "14,15"))
	require.NoError(t, e.run(t, "sync", "push"))
	assert.Contains(t, e.out.String(), "pushed 1 stations")

	require.NoError(t, e.run(t, "stations", "remove", "-stop", "83139"))
	list, err := e.app.loadStations(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, e.run(t, "sync", "pull"))
	list, err = e.app.loadStations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Station{{StationID: "83139", BusNumbers: []string{"12", "14", "15"}}}, list)

	require.NoError(t, e.run(t, "logout"))
	require.ErrorIs(t, e.run(t, "sync", "pull"), ErrNotLoggedIn)
}

func TestSyncWithRejectedTokenDiscardsSession(t *testing.T) {
	e := newEnv(t, 0, false)
	ctx := context.Background()
	require.NoError(t, e.app.saveSession(ctx, "a@b.sg", "not-a-token"))

	err := e.run(t, "sync", "pull")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session expired")

	_, ok, err := e.store.Get(ctx, storage.BucketLocal, KeyAuthToken)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterReadsPINFromInput(t *testing.T) {
	e := newEnv(t, 0, false)
	e.app.in = strings.NewReader("4321\n")

	require.NoError(t, e.run(t, "register", "-email", "pin@b.sg"))
	assert.Contains(t, e.out.String(), "PIN: ")

	e.app.in = strings.NewReader("")
	require.Error(t, e.run(t, "login", "-email", "pin@b.sg"))

	require.NoError(t, e.run(t, "login", "-email", "pin@b.sg", "-pin", "4321"))
	_, tok, err := e.app.session(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
}

func TestUnknownCommand(t *testing.T) {
	e := newEnv(t, 0, false)
	require.ErrorIs(t, e.run(t, "fly"), ErrUsage)
	assert.Contains(t, e.out.String(), "Usage:")
	require.ErrorIs(t, e.run(t), ErrUsage)
}

func TestWatchStopsWithContext(t *testing.T) {
	e := newEnv(t, 0, false)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.app.Run(ctx, []string{"watch"}) }()

	require.Eventually(t, func() bool {
		return e.app.tracker.Add(context.Background(), reminders.Reminder{ID: "x", BusNo: "12", TargetTime: e.clock.Now().Add(time.Minute).UnixMilli()}) == nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestAddStationMerges(t *testing.T) {
	t.Parallel()

	list := addStation(nil, "1", []string{"12"})
	list = addStation(list, "2", nil)
	list = addStation(list, "1", []string{"12", "14"})
	assert.Equal(t, []Station{
		{StationID: "1", BusNumbers: []string{"12", "14"}},
		{StationID: "2", BusNumbers: []string{}},
	}, list)

	b, err := json.Marshal(list)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"stationId":"1","busNumbers":["12","14"]},{"stationId":"2","busNumbers":[]}]`, string(b))
}

func TestFormatRemaining(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "due", formatRemaining(0))
	assert.Equal(t, "0m05s", formatRemaining(5*time.Second))
	assert.Equal(t, "12m00s", formatRemaining(12*time.Minute))
}

func TestWatchFollowsLeadTimeReload(t *testing.T) {
	e := newEnv(t, 0, false)
	m := config.NewConfigManager("")
	m.SetEnv(func(string) string { return "" })
	_, err := m.Load()
	require.NoError(t, err)
	e.app.cfgm = m

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.app.Run(ctx, []string{"watch"}) }()

	next := *m.Get()
	next.Client.LeadTime = "30s"
	require.Eventually(t, func() bool {
		m.Publish(&next)
		return e.app.orch.LeadTime() == 30*time.Second
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
