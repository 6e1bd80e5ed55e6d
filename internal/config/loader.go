package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envConfigDefaultPath = "WIRECALL_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// Load builds configuration from defaults, optional config file, env vars, and returns the resolved path.
// Precedence: defaults < config file < env vars < caller overrides.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix("WIRECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, configPath, nil
}

// setDefaults registers every key so AutomaticEnv can resolve nested values.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("read_header_timeout", cfg.ReadHeaderTimeout)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("database_path", cfg.DatabasePath)

	v.SetDefault("jwt.secret", cfg.JWT.Secret)
	v.SetDefault("jwt.issuer", cfg.JWT.Issuer)
	v.SetDefault("jwt.audience", cfg.JWT.Audience)
	v.SetDefault("jwt.ttl", cfg.JWT.TTL)

	v.SetDefault("sfu.endpoint", cfg.SFU.Endpoint)
	v.SetDefault("sfu.plugin", cfg.SFU.Plugin)
	v.SetDefault("sfu.request_timeout", cfg.SFU.RequestTimeout)
	v.SetDefault("sfu.response_timeout", cfg.SFU.ResponseTimeout)
	v.SetDefault("sfu.poll_interval", cfg.SFU.PollInterval)
	v.SetDefault("sfu.max_events", cfg.SFU.MaxEvents)
	v.SetDefault("sfu.event_cache_size", cfg.SFU.EventCacheSize)
	v.SetDefault("sfu.keepalive_spec", cfg.SFU.KeepaliveSpec)
	v.SetDefault("sfu.publishers", cfg.SFU.Publishers)

	v.SetDefault("calls.ring_timeout", cfg.Calls.RingTimeout)
	v.SetDefault("calls.end_grace", cfg.Calls.EndGrace)
	v.SetDefault("calls.max_active", cfg.Calls.MaxActive)
	v.SetDefault("calls.sounds_dir", cfg.Calls.SoundsDir)
	v.SetDefault("calls.default_sound", cfg.Calls.DefaultSound)
	v.SetDefault("calls.sounds_url_prefix", cfg.Calls.SoundsURLPrefix)
	v.SetDefault("calls.cleanup_timeout", cfg.Calls.CleanupTimeout)

	v.SetDefault("scheduler.workers", cfg.Scheduler.Workers)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetDefault("ws.read_limit", cfg.WS.ReadLimit)
	v.SetDefault("ws.rate_limit", cfg.WS.RateLimit)
	v.SetDefault("ws.hello_timeout", cfg.WS.HelloTimeout)
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
