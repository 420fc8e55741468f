package app

import (
	"fmt"
	"strings"
	"time"

	"busping/internal/config"
	"busping/internal/dispatch"
	"busping/internal/httpapi"
	"busping/internal/observability/pprof"
	"busping/internal/push"
	"busping/internal/storage"
	logx "busping/pkg/logx"
)

const (
	defaultReadTimeout = 15 * time.Second
	// Sync dispatch holds the request open for up to dispatch.MaxDelay.
	defaultWriteTimeout = dispatch.MaxDelay + 30*time.Second
	defaultBusyTimeout  = time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) != "",
			ChatID:     cfg.Telegram.AlertChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "redis":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, DSN: sc.DSN}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapVAPID(cfg *config.Config) (push.VAPID, time.Duration, error) {
	timeout, err := config.ParseDurationOrDefault("push.send_timeout", cfg.Push.SendTimeout, config.DefaultSendTimeout)
	if err != nil {
		return push.VAPID{}, 0, err
	}
	ttl := cfg.Push.TTLSeconds
	if ttl <= 0 {
		ttl = config.DefaultPushTTLSeconds
	}
	return push.VAPID{
		PublicKey:  cfg.Push.VAPIDPublicKey,
		PrivateKey: cfg.Push.VAPIDPrivateKey,
		Contact:    cfg.Push.Contact(),
		TTLSeconds: ttl,
	}, timeout, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	window, err := config.ParseDurationOrDefault("push.dedup_window", cfg.Push.DedupWindow, config.DefaultDedupWindow)
	if err != nil {
		return dispatch.Config{}, err
	}
	dc := dispatch.Config{
		RatePerSec:      cfg.Push.RatePerSec,
		DedupWindow:     window,
		DedupMaxEntries: cfg.Push.DedupMaxEntries,
		PersistDedup:    cfg.Push.PersistDedup,
		HistorySize:     cfg.Push.HistorySize,
	}
	if dc.RatePerSec == 0 {
		dc.RatePerSec = config.DefaultPushRatePerSec
	}
	if dc.DedupMaxEntries == 0 {
		dc.DedupMaxEntries = config.DefaultDedupMaxEntries
	}
	if dc.HistorySize == 0 {
		dc.HistorySize = config.DefaultHistorySize
	}
	return dc, nil
}

func mapHTTPOptions(cfg *config.Config) httpapi.Options {
	rate := cfg.Auth.RatePerMin
	if rate == 0 {
		rate = config.DefaultAuthRatePerMin
	}
	return httpapi.Options{
		CORSOrigins:    cfg.Server.CORSOrigins,
		TrustedProxies: cfg.Server.TrustedProxies,
		AuthRatePerMin: rate,
		AuthBurst:      cfg.Auth.Burst,
		Background:     cfg.Push.BackgroundEnabled(),
	}
}

func mapPprof(cfg *config.Config) pprof.Config {
	pc := cfg.Server.Pprof
	return pprof.Config{Enabled: pc.Enabled, Addr: pc.Addr, Token: pc.Token}
}

func tokenTTL(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("auth.token_ttl", cfg.Auth.TokenTTL, config.DefaultTokenTTL)
}

type serverTimeouts struct {
	read, write, shutdown time.Duration
}

func mapServerTimeouts(cfg *config.Config) (serverTimeouts, error) {
	var (
		t   serverTimeouts
		err error
	)
	if t.read, err = config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, defaultReadTimeout); err != nil {
		return t, err
	}
	if t.write, err = config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, defaultWriteTimeout); err != nil {
		return t, err
	}
	if t.shutdown, err = config.ParseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, config.DefaultShutdownTimeout); err != nil {
		return t, err
	}
	return t, nil
}

// validate rejects configs the server could not apply.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapVAPID(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := tokenTTL(cfg); err != nil {
		return err
	}
	_, err := mapServerTimeouts(cfg)
	return err
}

func addrOrDefault(cfg *config.Config) string {
	if a := strings.TrimSpace(cfg.Server.Addr); a != "" {
		return a
	}
	return config.DefaultAddr
}
