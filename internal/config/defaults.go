package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 65 * time.Second
	DefaultTokenTTL        = 7 * 24 * time.Hour
	DefaultAuthRatePerMin  = 30
	DefaultVAPIDContact    = "mailto:example@example.com"
	DefaultPushTTLSeconds  = 60
	DefaultSendTimeout     = 10 * time.Second
	DefaultPushRatePerSec  = 10
	DefaultDedupWindow     = 5 * time.Minute
	DefaultDedupMaxEntries = 5000
	DefaultHistorySize     = 200
	DefaultArrivalsURL     = "https://arrivelah2.busrouter.sg/"
	DefaultLeadTime        = 2 * time.Minute
	DefaultHTTPTimeout     = 10 * time.Second
)

// Env var names recognized by ApplyEnv.
const (
	EnvJWTSecret       = "JWT_SECRET"
	EnvVAPIDPublicKey  = "VAPID_PUBLIC_KEY"
	EnvVAPIDPrivateKey = "VAPID_PRIVATE_KEY"
	EnvVAPIDContact    = "VAPID_CONTACT"
	EnvDatabaseURL     = "BUSPING_DATABASE_URL"
	EnvTelegramToken   = "BUSPING_TELEGRAM_TOKEN"
)

// ApplyEnv overlays secrets from the environment. A non-empty env value wins over
// the file value so deployments can keep secrets out of the config file.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Auth.JWTSecret, EnvJWTSecret)
	set(&cfg.Push.VAPIDPublicKey, EnvVAPIDPublicKey)
	set(&cfg.Push.VAPIDPrivateKey, EnvVAPIDPrivateKey)
	set(&cfg.Push.VAPIDContact, EnvVAPIDContact)
	set(&cfg.Storage.DSN, EnvDatabaseURL)
	set(&cfg.Telegram.Token, EnvTelegramToken)
}

// BackgroundEnabled reports whether dispatch answers before the send completes.
func (p PushConfig) BackgroundEnabled() bool {
	if p.Background == nil {
		return true
	}
	return *p.Background
}

// Contact returns the VAPID subscriber contact with its default applied.
func (p PushConfig) Contact() string {
	if s := strings.TrimSpace(p.VAPIDContact); s != "" {
		return s
	}
	return DefaultVAPIDContact
}

// Validate checks every field that would otherwise fail late at runtime.
// Missing secrets are not errors here: the components that need them report
// a configuration error per request instead.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	durs := []struct{ path, raw string }{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"auth.token_ttl", c.Auth.TokenTTL},
		{"push.send_timeout", c.Push.SendTimeout},
		{"push.dedup_window", c.Push.DedupWindow},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"client.lead_time", c.Client.LeadTime},
		{"client.http_timeout", c.Client.HTTPTimeout},
	}
	for _, d := range durs {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "file", "sqlite", "sqlite3", "postgres", "postgresql", "redis":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Auth.RatePerMin < 0 || c.Push.RatePerSec < 0 || c.Push.DedupMaxEntries < 0 || c.Push.HistorySize < 0 {
		errs = append(errs, errors.New("rates and sizes must be >= 0"))
	}
	if c.Logging.Telegram.Enabled && c.Telegram.AlertChatID == 0 {
		errs = append(errs, errors.New("logging.telegram.enabled requires telegram.alert_chat_id"))
	}
	return errors.Join(errs...)
}
