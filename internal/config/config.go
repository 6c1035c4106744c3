package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/viper"

	"github.com/isqad/livelook-mesh/internal/core"
)

const envPrefix = "livelook"

var DefaultStunServers = []string{
	"stun:stun.l.google.com:19302",
}

var (
	ErrInvalidSignalingURL = errors.New("invalid signaling url")
	ErrInvalidPortRange    = errors.New("invalid ICE port range")
	ErrNoCodecs            = errors.New("no codecs enabled")
	ErrInvalidHistoryLimit = errors.New("invalid chat history limit")
)

type Config struct {
	Env       core.Environment `mapstructure:"env"`
	Signaling SignalingConfig  `mapstructure:"signaling"`
	RTC       RTCConfig        `mapstructure:"rtc"`
	Peer      PeerConfig       `mapstructure:"peer"`
	Media     MediaConfig      `mapstructure:"media"`
	Chat      ChatConfig       `mapstructure:"chat"`
	Status    StatusConfig     `mapstructure:"status"`
}

type SignalingConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
}

type RTCConfig struct {
	ICEServers        []string `mapstructure:"ice_servers"`
	ICEPortRangeStart uint32   `mapstructure:"ice_port_range_start"`
	ICEPortRangeEnd   uint32   `mapstructure:"ice_port_range_end"`
	UDPOnly           bool     `mapstructure:"udp_only"`
	// InitialBitrate enables send side congestion control when positive.
	InitialBitrate int `mapstructure:"initial_bitrate"`
}

type CodecSpec struct {
	Mime     string `mapstructure:"mime"`
	FmtpLine string `mapstructure:"fmtp_line"`
}

type PeerConfig struct {
	EnabledCodecs []CodecSpec `mapstructure:"enabled_codecs"`
}

// SourceFiles points a capture kind at media files. Audio is optional.
type SourceFiles struct {
	Video string `mapstructure:"video"`
	Audio string `mapstructure:"audio"`
}

type MediaConfig struct {
	Camera SourceFiles `mapstructure:"camera"`
	Screen SourceFiles `mapstructure:"screen"`
}

type ChatConfig struct {
	HistoryLimit int `mapstructure:"history_limit"`
}

type StatusConfig struct {
	Address string `mapstructure:"address"`
}

// Load reads configuration from defaults, the optional file at path and
// LIVELOOK_* environment variables, in increasing priority.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return conf, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", string(core.DevelopmentEnv))

	v.SetDefault("signaling.url", "ws://localhost:12345/ws")
	v.SetDefault("signaling.handshake_timeout", 45*time.Second)
	v.SetDefault("signaling.write_timeout", 10*time.Second)
	v.SetDefault("signaling.max_message_size", 200*1024)

	v.SetDefault("rtc.ice_servers", DefaultStunServers)
	v.SetDefault("rtc.ice_port_range_start", 0)
	v.SetDefault("rtc.ice_port_range_end", 0)
	v.SetDefault("rtc.udp_only", true)
	v.SetDefault("rtc.initial_bitrate", 1_000_000)

	v.SetDefault("peer.enabled_codecs", []map[string]string{
		{"mime": webrtc.MimeTypeOpus},
		{"mime": webrtc.MimeTypeVP8},
	})

	v.SetDefault("media.camera.video", "camera.ivf")
	v.SetDefault("media.camera.audio", "camera.ogg")
	v.SetDefault("media.screen.video", "screen.ivf")
	v.SetDefault("media.screen.audio", "")

	v.SetDefault("chat.history_limit", 500)

	v.SetDefault("status.address", "")
}

func (c *Config) Validate() error {
	if err := c.Env.Validate(); err != nil {
		return err
	}

	u, err := url.Parse(c.Signaling.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignalingURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidSignalingURL, u.Scheme)
	}

	start, end := c.RTC.ICEPortRangeStart, c.RTC.ICEPortRangeEnd
	if (start == 0) != (end == 0) || start > end || end > 65535 {
		return fmt.Errorf("%w: %d-%d", ErrInvalidPortRange, start, end)
	}

	if len(c.Peer.EnabledCodecs) == 0 {
		return ErrNoCodecs
	}

	if c.Chat.HistoryLimit < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidHistoryLimit, c.Chat.HistoryLimit)
	}

	return nil
}

// Files returns the media files configured for kind.
func (m MediaConfig) Files(kind core.SourceKind) (SourceFiles, bool) {
	switch kind {
	case core.SourceCamera:
		return m.Camera, true
	case core.SourceScreen:
		return m.Screen, true
	default:
		return SourceFiles{}, false
	}
}
