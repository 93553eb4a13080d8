package config

import (
	"fmt"
	"os"
)

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Transcoder.Validate(); err != nil {
		return fmt.Errorf("transcoder config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.Snapshot.Validate(); err != nil {
		return fmt.Errorf("snapshot config: %w", err)
	}

	if len(c.Accessories) == 0 {
		return fmt.Errorf("at least one accessory is required")
	}

	seen := make(map[string]bool, len(c.Accessories))
	for i := range c.Accessories {
		a := &c.Accessories[i]
		if err := a.Validate(); err != nil {
			return fmt.Errorf("accessory %d: %w", i, err)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate accessory name: %s", a.Name)
		}
		seen[a.Name] = true
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if s.HTTPPort < 1 || s.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", s.HTTPPort)
	}

	if s.HTTP3Port < 0 || s.HTTP3Port > 65535 {
		return fmt.Errorf("invalid HTTP3 port: %d", s.HTTP3Port)
	}

	if s.HTTP3Port == 0 {
		return nil
	}

	if s.HTTP3Port == s.HTTPPort {
		return fmt.Errorf("HTTP and HTTP3 ports must be different")
	}

	if s.TLSCertFile == "" {
		return fmt.Errorf("TLS certificate file is required")
	}

	if s.TLSKeyFile == "" {
		return fmt.Errorf("TLS key file is required")
	}

	// Check if certificate files exist
	if _, err := os.Stat(s.TLSCertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file not found: %s", s.TLSCertFile)
	}

	if _, err := os.Stat(s.TLSKeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file not found: %s", s.TLSKeyFile)
	}

	if s.MaxIncomingStreams <= 0 {
		return fmt.Errorf("max_incoming_streams must be positive")
	}

	return nil
}

func (r *RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if len(r.Addresses) == 0 {
		return fmt.Errorf("at least one Redis address is required")
	}

	if r.DB < 0 {
		return fmt.Errorf("invalid Redis database number: %d", r.DB)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	if r.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}

	if r.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns cannot be negative")
	}

	if r.MinIdleConns > r.PoolSize {
		return fmt.Errorf("min_idle_conns cannot be greater than pool_size")
	}

	if r.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"panic": true,
		"fatal": true,
		"error": true,
		"warn":  true,
		"info":  true,
		"debug": true,
		"trace": true,
	}

	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("log format must be 'json' or 'text'")
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		if l.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive for file output")
		}
		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}
		if l.MaxAge < 0 {
			return fmt.Errorf("max_age cannot be negative")
		}
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.Port < 1 || m.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", m.Port)
		}

		if m.Path == "" {
			return fmt.Errorf("metrics path cannot be empty")
		}
	}

	return nil
}

func (t *TranscoderConfig) Validate() error {
	if t.Path == "" {
		return fmt.Errorf("transcoder path cannot be empty")
	}

	if t.KillGrace <= 0 {
		return fmt.Errorf("kill_grace must be positive")
	}

	return nil
}

func (s *StreamConfig) Validate() error {
	if s.SourceArgs == "" {
		return fmt.Errorf("source_args cannot be empty")
	}

	if s.FeedInterval <= 0 {
		return fmt.Errorf("feed_interval must be positive")
	}

	if s.PendingTTL <= 0 {
		return fmt.Errorf("pending_ttl must be positive")
	}

	if s.DefaultVideoCodec == "" {
		return fmt.Errorf("default_vcodec cannot be empty")
	}

	if s.DefaultPacketSize <= 0 || s.DefaultPacketSize > 65507 {
		return fmt.Errorf("default_packet_size must be between 1 and 65507")
	}

	return nil
}

func (s *SnapshotConfig) Validate() error {
	if s.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl cannot be negative")
	}

	if s.VisitorTTL <= 0 {
		return fmt.Errorf("visitor_ttl must be positive")
	}

	if s.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be positive")
	}

	return nil
}

func (a *AccessoryConfig) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if a.MaxWidth < 0 || a.MaxHeight < 0 {
		return fmt.Errorf("max_width and max_height cannot be negative")
	}

	if a.MaxFPS < 0 {
		return fmt.Errorf("max_fps cannot be negative")
	}

	if a.MaxBitrate < 0 {
		return fmt.Errorf("max_bitrate cannot be negative")
	}

	if a.PacketSize < 0 || a.PacketSize > 65507 {
		return fmt.Errorf("packet_size must be between 0 and 65507")
	}

	return nil
}
