package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Transcoder  TranscoderConfig  `mapstructure:"transcoder"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Device      DeviceConfig      `mapstructure:"device"`
	Accessories []AccessoryConfig `mapstructure:"accessories"`
}

type ServerConfig struct {
	// HTTP/1.1 API server, always enabled
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DebugEndpoints  bool          `mapstructure:"debug_endpoints"`

	// HTTP/3 is served only when a port and a certificate pair are configured
	HTTP3Port          int           `mapstructure:"http3_port"`
	TLSCertFile        string        `mapstructure:"tls_cert_file"`
	TLSKeyFile         string        `mapstructure:"tls_key_file"`
	MaxIncomingStreams int64         `mapstructure:"max_incoming_streams"`
	MaxIdleTimeout     time.Duration `mapstructure:"max_idle_timeout"`
}

// HTTP3Enabled reports whether the QUIC listener should be started.
func (s *ServerConfig) HTTP3Enabled() bool {
	return s.HTTP3Port > 0 && s.TLSCertFile != "" && s.TLSKeyFile != ""
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"` // Expiry of registry entries
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`     // json or text
	Output     string `mapstructure:"output"`     // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"`   // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// TranscoderConfig describes the external transcoding executable.
type TranscoderConfig struct {
	Path             string        `mapstructure:"path"`
	KillGrace        time.Duration `mapstructure:"kill_grace"`        // Wait after closing stdin before SIGKILL
	RequiredEncoders []string      `mapstructure:"required_encoders"` // Checked by the health endpoint
}

type StreamConfig struct {
	SourceArgs        string        `mapstructure:"source_args"`       // Input args for the synthetic feed
	AudioSourceArgs   string        `mapstructure:"audio_source_args"` // Silent input for the audio leg
	FeedInterval      time.Duration `mapstructure:"feed_interval"`     // ~30 fps
	PendingTTL        time.Duration `mapstructure:"pending_ttl"`
	DefaultVideoCodec string        `mapstructure:"default_vcodec"`
	DefaultPacketSize int           `mapstructure:"default_packet_size"`
}

type SnapshotConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`     // In-flight fetch retention after resolution
	VisitorTTL   time.Duration `mapstructure:"visitor_ttl"`   // Motion auto-clear window
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"` // Device image download bound
}

type DeviceConfig struct {
	ImageDir  string `mapstructure:"image_dir"`  // <index>.jpg or <index>.hex per visitor image
	IdleImage string `mapstructure:"idle_image"` // Fallback image file
}

// AccessoryConfig is one camera exposed to the hub.
type AccessoryConfig struct {
	Name              string `mapstructure:"name"`
	MaxWidth          int    `mapstructure:"max_width"`
	MaxHeight         int    `mapstructure:"max_height"`
	MaxFPS            int    `mapstructure:"max_fps"`
	MaxBitrate        int    `mapstructure:"max_bitrate"` // kbit/s
	ForceMax          bool   `mapstructure:"force_max"`
	VideoFilter       string `mapstructure:"video_filter"` // Comma separated, "none" disables scaling
	PacketSize        int    `mapstructure:"packet_size"`
	VideoCodec        string `mapstructure:"vcodec"`
	EncoderOptions    string `mapstructure:"encoder_options"`
	Audio             bool   `mapstructure:"audio"`
	ReturnAudioTarget string `mapstructure:"return_audio_target"`
	Debug             bool   `mapstructure:"debug"`
	DebugReturn       bool   `mapstructure:"debug_return"`
}

// SingleTokenWithWhitespace lists settings that are passed to the transcoder as a single
// argument but contain whitespace. Arguments are split on whitespace without quoting, so
// such values reach the transcoder broken up.
func (a *AccessoryConfig) SingleTokenWithWhitespace() []string {
	var fields []string
	if strings.ContainsAny(a.VideoFilter, " \t\r\n") {
		fields = append(fields, "video_filter")
	}
	if strings.ContainsAny(a.VideoCodec, " \t\r\n") {
		fields = append(fields, "vcodec")
	}
	return fields
}

// Load reads the YAML file at configPath, applies DOORWAY_ environment
// overrides and defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(configPath)

	// Environment variable override
	v.SetEnvPrefix("DOORWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.debug_endpoints", false)
	v.SetDefault("server.http3_port", 0)
	v.SetDefault("server.max_incoming_streams", 100)
	v.SetDefault("server.max_idle_timeout", "30s")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.session_ttl", "10m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)

	// Transcoder defaults
	v.SetDefault("transcoder.path", "ffmpeg")
	v.SetDefault("transcoder.kill_grace", "2s")
	v.SetDefault("transcoder.required_encoders", []string{"libx264", "mjpeg"})

	// Stream defaults
	v.SetDefault("stream.source_args", "-f image2pipe -use_wallclock_as_timestamps 1 -i pipe:")
	v.SetDefault("stream.audio_source_args", "-f lavfi -i anullsrc=channel_layout=mono:sample_rate=16000")
	v.SetDefault("stream.feed_interval", "33ms")
	v.SetDefault("stream.pending_ttl", "60s")
	v.SetDefault("stream.default_vcodec", "libx264")
	v.SetDefault("stream.default_packet_size", 1316)

	// Snapshot defaults
	v.SetDefault("snapshot.cache_ttl", "3s")
	v.SetDefault("snapshot.visitor_ttl", "120s")
	v.SetDefault("snapshot.fetch_timeout", "10s")

	// Device defaults
	v.SetDefault("device.image_dir", "/var/lib/doorway/images")
	v.SetDefault("device.idle_image", "/var/lib/doorway/idle.jpg")
}
