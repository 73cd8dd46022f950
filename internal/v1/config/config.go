// Package config loads the orchestrator configuration from a TOML file with
// environment variable overrides (prefix SM_, e.g. SM_RTC_API_SECRET).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the validated process configuration.
type Config struct {
	Server        ServerConfig       `mapstructure:"server"`
	RTC           RTCConfig          `mapstructure:"rtc"`
	Microservices MicroserviceConfig `mapstructure:"microservices"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	LogShipper    LogShipperConfig   `mapstructure:"log_shipper"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Workers int    `mapstructure:"workers"`
}

// RTCConfig configures the room-control API client and token minting.
type RTCConfig struct {
	ServerURL string `mapstructure:"server_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`

	// Room options applied to every created room.
	EmptyTimeoutSecs int `mapstructure:"empty_timeout"`
	MaxParticipants  int `mapstructure:"max_participants"`

	// CreateRoomRetries bounds the create-room retry loop.
	CreateRoomRetries int `mapstructure:"create_room_retries"`
}

// MicroserviceConfig configures join-rendezvous timing. All values are in
// seconds in the config document.
type MicroserviceConfig struct {
	RegistrationTimeoutSecs int `mapstructure:"registration_timeout"`
	JoinTimeoutSecs         int `mapstructure:"join_timeout"`
	RetryIntervalSecs       int `mapstructure:"retry_interval"`
	ClientJoinTimeoutSecs   int `mapstructure:"client_join_timeout"`
}

// RegistrationTimeout is the per-call HTTP timeout for join dispatch.
func (m MicroserviceConfig) RegistrationTimeout() time.Duration {
	return time.Duration(m.RegistrationTimeoutSecs) * time.Second
}

// JoinTimeout is the overall service-join deadline.
func (m MicroserviceConfig) JoinTimeout() time.Duration {
	return time.Duration(m.JoinTimeoutSecs) * time.Second
}

// RetryInterval is the wait between join-dispatch attempts.
func (m MicroserviceConfig) RetryInterval() time.Duration {
	return time.Duration(m.RetryIntervalSecs) * time.Second
}

// ClientJoinTimeout is the client-join deadline armed on entry to Ready.
func (m MicroserviceConfig) ClientJoinTimeout() time.Duration {
	return time.Duration(m.ClientJoinTimeoutSecs) * time.Second
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LogShipperConfig configures the Vector log sink.
type LogShipperConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Endpoint   string `mapstructure:"endpoint"`
	SourceName string `mapstructure:"source_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.workers", 0)

	v.SetDefault("rtc.server_url", "ws://localhost:7880")
	// Registered empty so SM_RTC_API_KEY / SM_RTC_API_SECRET are picked up
	// from the environment during Unmarshal.
	v.SetDefault("rtc.api_key", "")
	v.SetDefault("rtc.api_secret", "")
	v.SetDefault("rtc.empty_timeout", 300)
	v.SetDefault("rtc.max_participants", 50)
	v.SetDefault("rtc.create_room_retries", 3)

	v.SetDefault("microservices.registration_timeout", 30)
	v.SetDefault("microservices.join_timeout", 60)
	v.SetDefault("microservices.retry_interval", 30)
	v.SetDefault("microservices.client_join_timeout", 300)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("log_shipper.enabled", false)
	v.SetDefault("log_shipper.endpoint", "http://localhost:8686")
	v.SetDefault("log_shipper.source_name", "session-manager")
}

// Load reads the config file at path (optional; pass "" for defaults plus
// environment) and applies SM_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	v.SetEnvPrefix("SM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535 (got %d)", c.Server.Port))
	}
	if c.RTC.ServerURL == "" {
		errs = append(errs, "rtc.server_url is required")
	}
	if c.RTC.APIKey == "" {
		errs = append(errs, "rtc.api_key is required (SM_RTC_API_KEY)")
	}
	if c.RTC.APISecret == "" {
		errs = append(errs, "rtc.api_secret is required (SM_RTC_API_SECRET)")
	}
	if c.Microservices.JoinTimeoutSecs <= 0 {
		errs = append(errs, "microservices.join_timeout must be positive")
	}
	if c.Microservices.RegistrationTimeoutSecs <= 0 {
		errs = append(errs, "microservices.registration_timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
