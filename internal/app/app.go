// Package app wires the busping server: config, logging, storage, the push
// dispatcher and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"busping/internal/config"
	"busping/internal/credentials"
	"busping/internal/dispatch"
	"busping/internal/eventbus"
	"busping/internal/httpapi"
	"busping/internal/observability/pprof"
	"busping/internal/push"
	"busping/internal/runtime/supervisor"
	"busping/internal/settings"
	"busping/internal/storage"
	"busping/internal/token"
	"busping/internal/transport/telegram"
	logx "busping/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
)

type App struct {
	cfgm *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	bot   *telegram.Bot

	tokens   *token.Issuer
	webpush  *push.WebPush
	dispatch *dispatch.Scheduler
	api      *httpapi.Server
	pprof    *pprof.Service

	httpSrv  *http.Server
	timeouts serverTimeouts

	// sup runs app loops; jobs runs background dispatches so shutdown can
	// drain them separately.
	sup  *supervisor.Supervisor
	jobs *supervisor.Supervisor

	mu   sync.Mutex
	addr net.Addr
}

// New loads cfgPath (empty means defaults plus environment) and builds every
// component. Nothing listens until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	var bot *telegram.Bot
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		bot, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			AdminChatID: cfg.Telegram.AlertChatID,
		}, log)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		logSvc.SetSender(bot)
	}
	appLog := log.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	ttl, _ := tokenTTL(cfg)
	tokens := token.New(cfg.Auth.JWTSecret, ttl, nil)

	vapid, sendTimeout, _ := mapVAPID(cfg)
	wp := push.NewWebPush(vapid, sendTimeout, nil)

	bus := eventbus.New()
	dc, _ := mapDispatchConfig(cfg)
	disp := dispatch.New(dc, wp, log, bus, store, nil)

	jobs := supervisor.New(context.Background(), supervisor.WithLogger(log.With(logx.String("comp", "dispatch.jobs"))))
	api := httpapi.New(httpapi.Deps{
		Credentials: credentials.New(store, log),
		Tokens:      tokens,
		Settings:    settings.New(store, tokens, log),
		Dispatch:    disp,
		Background:  jobs,
		Log:         log,
		Registry:    prometheus.NewRegistry(),
	}, mapHTTPOptions(cfg))

	timeouts, _ := mapServerTimeouts(cfg)

	if !tokens.Configured() {
		appLog.Warn("auth.jwt_secret is not set; logins will fail")
	}
	if !wp.Configured() {
		appLog.Warn("VAPID keys are not set; scheduling will fail")
	}

	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		bot:      bot,
		tokens:   tokens,
		webpush:  wp,
		dispatch: disp,
		api:      api,
		pprof:    pprof.New(log),
		timeouts: timeouts,
		jobs:     jobs,
	}
	a.httpSrv = &http.Server{
		Addr:              addrOrDefault(cfg),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       timeouts.read,
		WriteTimeout:      timeouts.write,
	}
	if bot != nil {
		bot.OnStatus(a.statusText)
	}
	return a, nil
}

// Addr is the bound listener address once Start returned.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.httpSrv.Addr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	a.sup.Go("http", func(context.Context) error {
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if a.bot != nil {
		a.sup.GoRestart("telegram.poll", a.bot.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	lastApplied := a.cfgm.Get()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.apply(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	if err := a.pprof.Reconfigure(ctx, mapPprof(a.cfgm.Get())); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("server started", logx.String("addr", ln.Addr().String()))
	return nil
}

// apply pushes a reloaded config into the live components.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" || s == "telegram" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if oldCfg != nil && addrOrDefault(oldCfg) != addrOrDefault(newCfg) {
		a.log.Warn("server.addr changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if ttl, err := tokenTTL(newCfg); err != nil {
		a.log.Warn("invalid auth config; keeping previous", logx.Err(err))
	} else {
		a.tokens.Update(newCfg.Auth.JWTSecret, ttl)
	}
	if v, timeout, err := mapVAPID(newCfg); err != nil {
		a.log.Warn("invalid push config; keeping previous", logx.Err(err))
	} else {
		a.webpush.Update(v, timeout)
	}
	if dc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatch.Apply(dc)
	}
	a.api.Apply(mapHTTPOptions(newCfg))
	if err := a.pprof.Reconfigure(a.sup.Context(), mapPprof(newCfg)); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}
	if t, err := mapServerTimeouts(newCfg); err == nil {
		a.mu.Lock()
		a.timeouts.shutdown = t.shutdown
		a.mu.Unlock()
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) statusText() string {
	st := a.dispatch.Stats()
	return fmt.Sprintf("busping: accepted=%d sent=%d failed=%d deduped=%d waiting=%d",
		st.Accepted, st.Sent, st.Failed, st.Deduped, st.Waiting)
}

// Stop drains in-flight dispatches (up to server.shutdown_timeout), then
// releases every resource.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.mu.Lock()
	drain := a.timeouts.shutdown
	a.mu.Unlock()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// No new requests; in-flight sync dispatches finish inside Shutdown.
	step("http", drain, func(c context.Context) error { return a.httpSrv.Shutdown(c) })
	step("dispatch.drain", drain, func(c context.Context) error {
		if n := a.dispatch.Stats().Waiting; n > 0 {
			a.log.Info("waiting for in-flight dispatches", logx.Int64("count", n))
		}
		return a.jobs.Wait(c)
	})
	// Anything still waiting is abandoned; its dedup claim is released.
	step("dispatch.cancel", 2*time.Second, func(c context.Context) error { return a.jobs.Stop(c) })

	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// Run starts the server and blocks until ctx is done or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	reason := StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = StopFatalError
	}
	_ = a.Stop(context.WithoutCancel(ctx), reason)
	if reason == StopFatalError {
		return a.Err()
	}
	return nil
}
