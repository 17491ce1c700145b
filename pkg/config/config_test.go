package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/meshcall/pkg/mesh"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MESHCALL_SIGNALING_URL", "ws://127.0.0.1:3001/ws")

	c, err := Load(viper.New(), "", "")
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:3001/ws", c.Signaling.URL)
	assert.Equal(t, 5, c.Signaling.ReconnectAttempts)
	assert.Equal(t, 2*time.Second, c.Signaling.ReconnectDelay)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, c.ICE.STUN)
	assert.Empty(t, c.ICE.TURN)
	assert.Equal(t, 8080, c.HTTP.Port)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, SourceStatic, c.Media.Source)
	assert.False(t, c.Room.AutoMesh)
	assert.Empty(t, c.Telemetry.Endpoint)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("MESHCALL_SIGNALING_URL", "wss://relay.example.com/ws")
	t.Setenv("MESHCALL_SIGNALING_RECONNECT_ATTEMPTS", "-1")
	t.Setenv("MESHCALL_SIGNALING_RECONNECT_DELAY", "500ms")
	t.Setenv("MESHCALL_ICE_STUN", "stun:a.example.com:3478,stun:b.example.com:3478")
	t.Setenv("MESHCALL_HTTP_PORT", "9090")
	t.Setenv("MESHCALL_LOG_LEVEL", "debug")
	t.Setenv("MESHCALL_ROOM_AUTO_MESH", "true")

	c, err := Load(viper.New(), "", "")
	require.NoError(t, err)

	assert.Equal(t, -1, c.Signaling.ReconnectAttempts)
	assert.Equal(t, 500*time.Millisecond, c.Signaling.ReconnectDelay)
	assert.Equal(t, []string{"stun:a.example.com:3478", "stun:b.example.com:3478"}, c.ICE.STUN)
	assert.Equal(t, 9090, c.HTTP.Port)
	assert.True(t, c.Room.AutoMesh)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshcall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
signaling:
  url: ws://relay.local/ws
  token: secret
ice:
  turn:
    - turn:turn.local:3478|alice|pw
media:
  source: device
`), 0o600))

	c, err := Load(viper.New(), path, "")
	require.NoError(t, err)

	assert.Equal(t, "ws://relay.local/ws", c.Signaling.URL)
	assert.Equal(t, "secret", c.Signaling.Token)
	assert.Equal(t, SourceDevice, c.Media.Source)

	turn, err := c.TURNServers()
	require.NoError(t, err)
	assert.Equal(t, []mesh.TURNServer{{URLs: []string{"turn:turn.local:3478"}, Username: "alice", Credential: "pw"}}, turn)

	_, err = Load(viper.New(), filepath.Join(dir, "missing.yaml"), "")
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	const key = "MESHCALL_TELEMETRY_ENDPOINT"
	t.Setenv("MESHCALL_SIGNALING_URL", "ws://127.0.0.1/ws")
	t.Cleanup(func() { os.Unsetenv(key) })

	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(key+"=collector:4318\n"), 0o600))

	c, err := Load(viper.New(), "", envFile)
	require.NoError(t, err)
	assert.Equal(t, "collector:4318", c.Telemetry.Endpoint)

	// a missing env file is not an error
	_, err = Load(viper.New(), "", filepath.Join(dir, "nope.env"))
	assert.NoError(t, err)
}

func TestBindFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("signaling-url", "", "")
	flags.Int("http-port", 8080, "")
	flags.Bool("verbose", false, "")
	require.NoError(t, flags.Parse([]string{"--signaling-url", "ws://flag/ws", "--http-port", "7000"}))

	v := viper.New()
	require.NoError(t, BindFlags(v, flags))

	c, err := Load(v, "", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://flag/ws", c.Signaling.URL)
	assert.Equal(t, 7000, c.HTTP.Port)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		var c Config
		c.Signaling.URL = "ws://relay/ws"
		c.Signaling.ReconnectAttempts = 5
		c.HTTP.Port = 8080
		c.Log.Level = "info"
		c.Media.Source = SourceStatic
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing url", func(c *Config) { c.Signaling.URL = "" }, "signaling.url"},
		{"http url", func(c *Config) { c.Signaling.URL = "http://relay/ws" }, "signaling.url"},
		{"bad attempts", func(c *Config) { c.Signaling.ReconnectAttempts = -2 }, "signaling.reconnect_attempts"},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }, "http.port"},
		{"bad level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"bad source", func(c *Config) { c.Media.Source = "screen" }, "media.source"},
		{"bad turn", func(c *Config) { c.ICE.TURN = []string{"turn:x"} }, "ice.turn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
