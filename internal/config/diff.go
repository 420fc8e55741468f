package config

import (
	"reflect"
	"sort"
	"strings"

	logx "busping/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (JWT secret, VAPID keys, DSN, bot token)
// are reported only as "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.String("server.shutdown_timeout", strings.TrimSpace(newCfg.Server.ShutdownTimeout)),
			logx.Int("server.cors_origins", len(newCfg.Server.CORSOrigins)),
		)
	}

	oa, na := oldCfg.Auth, newCfg.Auth
	if oa.TokenTTL != na.TokenTTL || oa.RatePerMin != na.RatePerMin || oa.Burst != na.Burst ||
		isSet(oa.JWTSecret) != isSet(na.JWTSecret) || oa.JWTSecret != na.JWTSecret {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.String("auth.token_ttl", strings.TrimSpace(na.TokenTTL)),
			logx.Int("auth.rate_per_min", na.RatePerMin),
			logx.Bool("auth.jwt_secret_set", isSet(na.JWTSecret)),
		)
	}

	op, np := oldCfg.Push, newCfg.Push
	if !reflect.DeepEqual(op, np) {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Bool("push.vapid_public_set", isSet(np.VAPIDPublicKey)),
			logx.Bool("push.vapid_private_set", isSet(np.VAPIDPrivateKey)),
			logx.String("push.vapid_contact", np.Contact()),
			logx.Bool("push.background", np.BackgroundEnabled()),
			logx.Int("push.rate_per_sec", np.RatePerSec),
			logx.String("push.dedup_window", strings.TrimSpace(np.DedupWindow)),
			logx.Bool("push.persist_dedup", np.PersistDedup),
		)
	}

	oStore, nStore := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(oStore.Driver), strings.TrimSpace(nStore.Driver)) ||
		strings.TrimSpace(oStore.Path) != strings.TrimSpace(nStore.Path) ||
		oStore.DSN != nStore.DSN || strings.TrimSpace(oStore.BusyTimeout) != strings.TrimSpace(nStore.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nStore.Driver)),
			logx.Bool("storage.path_set", isSet(nStore.Path)),
			logx.Bool("storage.dsn_set", isSet(nStore.DSN)),
			logx.String("storage.busy_timeout", strings.TrimSpace(nStore.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Telegram.AlertChatID != newCfg.Telegram.AlertChatID || oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", isSet(newCfg.Telegram.Token)),
			logx.Bool("telegram.alert_chat_set", newCfg.Telegram.AlertChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Client, newCfg.Client) {
		changed = append(changed, "client")
		attrs = append(attrs,
			logx.String("client.api_base", strings.TrimSpace(newCfg.Client.APIBase)),
			logx.String("client.lead_time", strings.TrimSpace(newCfg.Client.LeadTime)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }
