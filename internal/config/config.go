package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`

	JWT       JWTConfig       `mapstructure:"jwt" yaml:"jwt"`
	SFU       SFUConfig       `mapstructure:"sfu" yaml:"sfu"`
	Calls     CallsConfig     `mapstructure:"calls" yaml:"calls"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	WS        WSConfig        `mapstructure:"ws" yaml:"ws"`
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	Secret   string        `mapstructure:"secret" yaml:"secret"`
	Issuer   string        `mapstructure:"issuer" yaml:"issuer"`
	Audience string        `mapstructure:"audience" yaml:"audience"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// SFUConfig configures the media gateway connection.
type SFUConfig struct {
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint"`
	Plugin          string        `mapstructure:"plugin" yaml:"plugin"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxEvents       int           `mapstructure:"max_events" yaml:"max_events"`
	EventCacheSize  int           `mapstructure:"event_cache_size" yaml:"event_cache_size"`
	KeepaliveSpec   string        `mapstructure:"keepalive_spec" yaml:"keepalive_spec"`
	// Publishers is the per-room publisher limit sent on room creation.
	Publishers int `mapstructure:"publishers" yaml:"publishers"`
}

// CallsConfig holds call lifecycle limits.
type CallsConfig struct {
	RingTimeout     time.Duration `mapstructure:"ring_timeout" yaml:"ring_timeout"`
	EndGrace        time.Duration `mapstructure:"end_grace" yaml:"end_grace"`
	MaxActive       int           `mapstructure:"max_active" yaml:"max_active"`
	SoundsDir       string        `mapstructure:"sounds_dir" yaml:"sounds_dir"`
	DefaultSound    string        `mapstructure:"default_sound" yaml:"default_sound"`
	SoundsURLPrefix string        `mapstructure:"sounds_url_prefix" yaml:"sounds_url_prefix"`
	// CleanupTimeout bounds compensation and timer work detached from requests.
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout" yaml:"cleanup_timeout"`
}

// SchedulerConfig configures delayed task execution.
type SchedulerConfig struct {
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// WSConfig limits realtime connections.
type WSConfig struct {
	ReadLimit    int64         `mapstructure:"read_limit" yaml:"read_limit"`
	RateLimit    int           `mapstructure:"rate_limit" yaml:"rate_limit"` // inbound messages per minute, 0 disables
	HelloTimeout time.Duration `mapstructure:"hello_timeout" yaml:"hello_timeout"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		DatabasePath:      "wirecall.db",
		JWT: JWTConfig{
			Secret:   "change-me",
			Issuer:   "wirecall",
			Audience: "wirecall-clients",
			TTL:      24 * time.Hour,
		},
		SFU: SFUConfig{
			Endpoint:        "http://localhost:8088/janus",
			Plugin:          "janus.plugin.videoroom",
			RequestTimeout:  5 * time.Second,
			ResponseTimeout: 10 * time.Second,
			PollInterval:    100 * time.Millisecond,
			MaxEvents:       10,
			EventCacheSize:  256,
			KeepaliveSpec:   "@every 25s",
			Publishers:      10,
		},
		Calls: CallsConfig{
			RingTimeout:     20 * time.Second,
			EndGrace:        time.Second,
			MaxActive:       10,
			SoundsDir:       "sounds",
			DefaultSound:    "default.mp3",
			SoundsURLPrefix: "/sounds/",
			CleanupTimeout:  15 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Workers: 8,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		WS: WSConfig{
			ReadLimit:    64 << 10,
			RateLimit:    120,
			HelloTimeout: 10 * time.Second,
		},
	}
}

// UpdateFrom overwrites non-zero top-level values from other config into receiver.
// Used for CLI flag overrides.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.SFU.Endpoint != "" {
		c.SFU.Endpoint = other.SFU.Endpoint
	}
}
