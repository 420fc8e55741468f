package config

// Config is the single configuration document shared by busping-server and the
// busping client. Each binary reads the sections it needs.
//
// Secrets may be left out of the file and supplied through the environment
// (see ApplyEnv).
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Push     PushConfig     `json:"push"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Client   ClientConfig   `json:"client,omitempty"`
}

// ServerConfig controls the HTTP listener.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ServerConfig struct {
	Addr            string      `json:"addr"`
	ReadTimeout     string      `json:"read_timeout,omitempty"`
	WriteTimeout    string      `json:"write_timeout,omitempty"`
	ShutdownTimeout string      `json:"shutdown_timeout,omitempty"`
	CORSOrigins     []string    `json:"cors_origins,omitempty"`
	TrustedProxies  []string    `json:"trusted_proxies,omitempty"`
	Pprof           PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig controls the optional profiling listener. A non-loopback Addr
// requires Token.
type PprofConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

// AuthConfig controls passcode login and session tokens.
type AuthConfig struct {
	// JWTSecret signs session tokens (do not log). Env: JWT_SECRET.
	JWTSecret string `json:"jwt_secret,omitempty"`
	// TokenTTL defaults to 7 days ("168h").
	TokenTTL string `json:"token_ttl,omitempty"`
	// RatePerMin limits auth attempts per client IP. 0 uses the default (30).
	RatePerMin int `json:"rate_per_min,omitempty"`
	Burst      int `json:"burst,omitempty"`
}

// PushConfig controls deferred Web Push dispatch.
//
// Defaults (when fields are omitted/zero):
//   - vapid_contact: "mailto:example@example.com"
//   - ttl_seconds: 60
//   - send_timeout: "10s"
//   - background: true
//   - rate_per_sec: 10
//   - dedup_window: "5m"
//   - dedup_max_entries: 5000
//   - history_size: 200
type PushConfig struct {
	// Env: VAPID_PUBLIC_KEY, VAPID_PRIVATE_KEY, VAPID_CONTACT.
	VAPIDPublicKey  string `json:"vapid_public_key,omitempty"`
	VAPIDPrivateKey string `json:"vapid_private_key,omitempty"`
	VAPIDContact    string `json:"vapid_contact,omitempty"`

	TTLSeconds  int    `json:"ttl_seconds,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`

	// Background answers "accepted" before the wait-then-send completes.
	// Pointer so an omitted key can default to true.
	Background *bool `json:"background,omitempty"`

	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

// StorageConfig selects the blob store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./busping.db" }
//
// Drivers: memory, file, sqlite, postgres, redis.
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// DSN is the postgres connection string or redis URL (do not log).
	// Env: BUSPING_DATABASE_URL.
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the operator alert channel used by the logging sink.
type TelegramConfig struct {
	Token       string `json:"token,omitempty"` // Env: BUSPING_TELEGRAM_TOKEN
	AlertChatID int64  `json:"alert_chat_id,omitempty"`
}

// ClientConfig is read by the busping CLI.
type ClientConfig struct {
	// APIBase is the busping-server origin, e.g. "https://busping.example".
	APIBase     string `json:"api_base,omitempty"`
	ArrivalsURL string `json:"arrivals_url,omitempty"`
	// LeadTime is how long before arrival a reminder fires. Default "2m".
	LeadTime    string `json:"lead_time,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
	// SubscriptionPath points at a push subscription JSON exported from a browser.
	SubscriptionPath string `json:"subscription_path,omitempty"`
}
