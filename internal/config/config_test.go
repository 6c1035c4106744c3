package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-mesh/internal/core"
)

func TestLoadDefaults(t *testing.T) {
	conf, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, core.DevelopmentEnv, conf.Env)
	assert.Equal(t, "ws://localhost:12345/ws", conf.Signaling.URL)
	assert.Equal(t, 45*time.Second, conf.Signaling.HandshakeTimeout)
	assert.Equal(t, DefaultStunServers, conf.RTC.ICEServers)
	assert.Equal(t, []CodecSpec{{Mime: webrtc.MimeTypeOpus}, {Mime: webrtc.MimeTypeVP8}}, conf.Peer.EnabledCodecs)
	assert.Equal(t, 500, conf.Chat.HistoryLimit)
	assert.NoError(t, conf.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yml")
	content := []byte(`
env: production
signaling:
  url: wss://relay.example.com/ws
rtc:
  ice_port_range_start: 50000
  ice_port_range_end: 60000
media:
  camera:
    video: /tmp/cam.ivf
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("LIVELOOK_CHAT_HISTORY_LIMIT", "10")

	conf, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, core.ProductionEnv, conf.Env)
	assert.Equal(t, "wss://relay.example.com/ws", conf.Signaling.URL)
	assert.Equal(t, uint32(50000), conf.RTC.ICEPortRangeStart)
	assert.Equal(t, "/tmp/cam.ivf", conf.Media.Camera.Video)
	assert.Equal(t, "camera.ogg", conf.Media.Camera.Audio)
	assert.Equal(t, 10, conf.Chat.HistoryLimit)
	assert.NoError(t, conf.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		err    error
	}{
		{"given unknown env when validate then error", func(c *Config) { c.Env = "staging" }, core.ErrUnknownEnvironment},
		{"given http url when validate then error", func(c *Config) { c.Signaling.URL = "http://localhost/ws" }, ErrInvalidSignalingURL},
		{"given half port range when validate then error", func(c *Config) { c.RTC.ICEPortRangeStart = 5000 }, ErrInvalidPortRange},
		{"given reversed port range when validate then error", func(c *Config) {
			c.RTC.ICEPortRangeStart = 6000
			c.RTC.ICEPortRangeEnd = 5000
		}, ErrInvalidPortRange},
		{"given no codecs when validate then error", func(c *Config) { c.Peer.EnabledCodecs = nil }, ErrNoCodecs},
		{"given negative history when validate then error", func(c *Config) { c.Chat.HistoryLimit = -1 }, ErrInvalidHistoryLimit},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conf, err := Load("")
			require.NoError(t, err)

			tc.mutate(conf)
			assert.ErrorIs(t, conf.Validate(), tc.err)
		})
	}
}

func TestNewWebRTCConfig(t *testing.T) {
	conf, err := Load("")
	require.NoError(t, err)
	conf.RTC.ICEPortRangeStart = 50000
	conf.RTC.ICEPortRangeEnd = 50100

	rtcConf, err := NewWebRTCConfig(conf)
	require.NoError(t, err)

	assert.Equal(t, webrtc.SDPSemanticsUnifiedPlan, rtcConf.Configuration.SDPSemantics)
	require.Len(t, rtcConf.Configuration.ICEServers, 1)
	assert.Equal(t, DefaultStunServers, rtcConf.Configuration.ICEServers[0].URLs)
	assert.NotEmpty(t, rtcConf.Video.HeaderExtensions)
	assert.Len(t, rtcConf.EnabledCodecs, 2)
	assert.Equal(t, 1_000_000, rtcConf.InitialBitrate)
}

func TestMediaFiles(t *testing.T) {
	m := MediaConfig{Camera: SourceFiles{Video: "a.ivf"}, Screen: SourceFiles{Video: "b.ivf"}}

	files, ok := m.Files(core.SourceScreen)
	assert.True(t, ok)
	assert.Equal(t, "b.ivf", files.Video)

	_, ok = m.Files(core.SourceNone)
	assert.False(t, ok)
}
