package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/threadsync"
)

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("THREADSYNC_CONFIG_DIR", dir)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg, "missing file yields zero config")

	require.NoError(t, setConfigValue(cfg, "auth.token", "tok-123"))
	require.NoError(t, setConfigValue(cfg, "default.base_url", "http://localhost:9000"))
	require.NoError(t, setConfigValue(cfg, "realtime.transport", "nats"))
	require.NoError(t, setConfigValue(cfg, "realtime.nats_url", "nats://127.0.0.1:4222"))
	require.NoError(t, saveConfig(cfg))

	data, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[realtime]")

	got, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestSetConfigValue_Errors(t *testing.T) {
	cfg := &Config{}
	assert.EqualError(t, setConfigValue(cfg, "token", "x"), "key must use dot notation: section.field (e.g. auth.token)")
	assert.Error(t, setConfigValue(cfg, "auth.password", "x"))
	assert.Error(t, setConfigValue(cfg, "server.port", "x"))
	assert.Error(t, setConfigValue(cfg, "realtime.transport", "carrier-pigeon"))
}

func TestLoadEffectiveConfig_EnvOverrides(t *testing.T) {
	t.Setenv("THREADSYNC_CONFIG_DIR", t.TempDir())
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile(".env", []byte("THREADSYNC_BASE_URL=http://from-dotenv\n"), 0o600))
	t.Setenv("THREADSYNC_TOKEN", "env-token")
	// godotenv.Load never overrides variables already set; this makes t.Setenv restore it.
	t.Setenv("THREADSYNC_BASE_URL", "")
	os.Unsetenv("THREADSYNC_BASE_URL")

	require.NoError(t, saveConfig(&Config{Auth: ConfigAuth{Token: "file-token"}}))

	cfg, err := loadEffectiveConfig()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Auth.Token)
	assert.Equal(t, "http://from-dotenv", cfg.Default.BaseURL)
}

func TestTransportFactory(t *testing.T) {
	f, err := transportFactory(ConfigRealtime{})
	require.NoError(t, err)
	_, ok := f(threadsync.RealtimeConfig{}, threadsync.TransportHooks{}).(*threadsync.WSTransport)
	assert.True(t, ok)

	f, err = transportFactory(ConfigRealtime{Transport: "sse"})
	require.NoError(t, err)
	_, ok = f(threadsync.RealtimeConfig{}, threadsync.TransportHooks{}).(*threadsync.SSETransport)
	assert.True(t, ok)

	_, err = transportFactory(ConfigRealtime{Transport: "nats"})
	assert.Error(t, err)
	_, err = transportFactory(ConfigRealtime{Transport: "nats", NATSURL: "nats://127.0.0.1:4222"})
	assert.NoError(t, err)
	_, err = transportFactory(ConfigRealtime{Transport: "carrier-pigeon"})
	assert.EqualError(t, err, `unknown realtime transport "carrier-pigeon"`)
}

func TestNewLogger(t *testing.T) {
	l, err := newLogger("")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(-1), "debug disabled by default")

	l, err = newLogger("debug")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(-1))

	_, err = newLogger("loud")
	assert.ErrorContains(t, err, `invalid log level "loud"`)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "eyJhbGci...wxyz", maskKey("eyJhbGciOiJIUzI1NiJ9.wxyz"))
}

func TestTailPrinterTracksSeen(t *testing.T) {
	p := newTailPrinter("me", "")
	p.prime(threadsync.State{Messages: map[string][]threadsync.Message{"T1": {{ID: "1"}}}, UnreadTotal: 1})

	p.print(threadsync.State{
		Messages: map[string][]threadsync.Message{"T1": {{ID: "1"}, {ID: "2", SenderID: "ann"}, {ID: "tmp-x", State: threadsync.DeliveryPending}}},
		Typing:   map[string][]string{"T1": {"ann"}},
	})
	_, seen := p.seen["2"]
	assert.True(t, seen)
	_, seen = p.seen["tmp-x"]
	assert.False(t, seen, "pending messages are not printed")
	assert.Equal(t, "ann", p.typing["T1"])
	assert.Equal(t, 0, p.unread)

	p.print(threadsync.State{})
	assert.Empty(t, p.typing)
}
