package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func noEnv(string) string { return "" }

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		body string
	}{
		{"yaml", "busping.yaml", "server:\n  addr: \":9090\"\npush:\n  background: false\n"},
		{"json", "busping.json", `{"server":{"addr":":9090"},"push":{"background":false}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, tc.file, tc.body))
			m.SetEnv(noEnv)
			cfg, err := m.Load()
			require.NoError(t, err)
			assert.Equal(t, ":9090", cfg.Server.Addr)
			assert.False(t, cfg.Push.BackgroundEnabled())
			assert.Same(t, cfg, m.Get())
		})
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "a.json", `{"server":{"adr":":1"}}`))
	m.SetEnv(noEnv)
	_, err := m.Parse()
	require.Error(t, err)

	m = NewConfigManager(writeFile(t, "b.json", `{"server":{}}{"server":{}}`))
	m.SetEnv(noEnv)
	_, err = m.Parse()
	require.Error(t, err)
}

func TestParseRejectsBadDuration(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "c.yaml", "client:\n  lead_time: soon\n"))
	m.SetEnv(noEnv)
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client.lead_time")
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvJWTSecret:       "from-env",
		EnvVAPIDPublicKey:  "pub",
		EnvVAPIDPrivateKey: "priv",
		EnvDatabaseURL:     "postgres://x",
	}
	m := NewConfigManager(writeFile(t, "d.yaml", "auth:\n  jwt_secret: from-file\n"))
	m.SetEnv(func(k string) string { return env[k] })
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "pub", cfg.Push.VAPIDPublicKey)
	assert.Equal(t, "priv", cfg.Push.VAPIDPrivateKey)
	assert.Equal(t, DefaultVAPIDContact, cfg.Push.Contact())
	assert.Equal(t, "postgres://x", cfg.Storage.DSN)
}

func TestEmptyPathYieldsDefaults(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("")
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.True(t, cfg.Push.BackgroundEnabled())
	assert.Equal(t, 2*time.Minute, DurationOr(cfg.Client.LeadTime, DefaultLeadTime))
}

func TestPublishDropsOldestForSlowSubscriber(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{Client: ClientConfig{LeadTime: "1m"}}
	second := &Config{Client: ClientConfig{LeadTime: "3m"}}
	m.Publish(first)
	m.Publish(second)

	got := <-ch
	assert.Same(t, second, got)
	assert.Same(t, second, m.Get())
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Auth: AuthConfig{JWTSecret: "a"}}
	newCfg := &Config{Auth: AuthConfig{JWTSecret: "b"}, Client: ClientConfig{LeadTime: "5m"}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"auth", "client"}, changed)
	assert.NotEmpty(t, attrs)
}
