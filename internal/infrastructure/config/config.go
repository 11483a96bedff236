package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the client's static configuration, loaded from config.yaml with
// WATCHPARTY_* environment overrides.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Sync   SyncConfig   `mapstructure:"sync"`
}

type ServerConfig struct {
	// SocketURL is the real-time channel endpoint (ws:// or wss://).
	SocketURL string `mapstructure:"socket_url"`
	// APIURL is the base URL of the request/response surface.
	APIURL string `mapstructure:"api_url"`
}

type AuthConfig struct {
	Token    string `mapstructure:"token"`
	UserID   string `mapstructure:"user_id"`
	Username string `mapstructure:"username"`
}

type SyncConfig struct {
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	BackoffMin        time.Duration `mapstructure:"backoff_min"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// Load reads config.yaml from path (and the working directory) and applies
// environment overrides. A missing file is fine as long as the required keys
// arrive through the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	// Register every key so environment-only configuration works without a
	// config file present.
	v.SetDefault("server.socket_url", "")
	v.SetDefault("server.api_url", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.user_id", "")
	v.SetDefault("auth.username", "")
	v.SetDefault("sync.reconnect_attempts", 5)
	v.SetDefault("sync.backoff_min", time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Second)
	v.SetDefault("sync.poll_interval", 5*time.Second)

	v.SetEnvPrefix("WATCHPARTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if c.Server.SocketURL == "" || c.Server.APIURL == "" {
		return nil, fmt.Errorf("config: server.socket_url and server.api_url are required")
	}
	return &c, nil
}
