package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/bazaarlab/notisync/internal/notify"
)

// Config represents the runtime configuration for the notisync daemon.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	API     APIConfig     `mapstructure:"api"`
	Push    PushConfig    `mapstructure:"push"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Surface SurfaceConfig `mapstructure:"surface"`
}

// ServerConfig configures the local surface HTTP server.
type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	LogLevel string `mapstructure:"log_level"`
}

// APIConfig describes the remote notification REST API.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PushConfig describes the websocket push channel.
type PushConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Disabled     bool          `mapstructure:"disabled"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

// SyncConfig tunes page fetching and degraded-mode polling.
type SyncConfig struct {
	PageSize     int           `mapstructure:"page_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// CacheConfig describes the offline sqlite snapshot.
type CacheConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Path           string        `mapstructure:"path"`
	FlushDelay     time.Duration `mapstructure:"flush_delay"`
	Retention      time.Duration `mapstructure:"retention"`
	PruneSchedule  string        `mapstructure:"prune_schedule"`
	ResyncSchedule string        `mapstructure:"resync_schedule"`
}

// SurfaceConfig scopes what the local surfaces render.
type SurfaceConfig struct {
	Audience      string `mapstructure:"audience"`
	DropdownLimit int    `mapstructure:"dropdown_limit"`
}

// LoadConfig initialises configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("NOTISYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

// Validate checks the settings a session cannot run without.
func (c *Config) Validate() error {
	c.API.BaseURL = strings.TrimSpace(c.API.BaseURL)
	if c.API.BaseURL == "" {
		return errors.New("api.base_url must be configured")
	}
	if _, err := url.Parse(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url is not a valid url: %w", err)
	}

	c.API.Token = strings.TrimSpace(c.API.Token)
	if c.API.Token == "" {
		return errors.New("api.token must be configured")
	}

	if aud := notify.RecipientType(strings.TrimSpace(c.Surface.Audience)); !aud.Valid() {
		return fmt.Errorf("surface.audience must be one of buyer, seller, all (got %q)", c.Surface.Audience)
	}

	return nil
}

// PushEndpoint returns the configured push endpoint, deriving a ws:// URL
// from the API base when none is set.
func (c *Config) PushEndpoint() string {
	endpoint := strings.TrimSpace(c.Push.Endpoint)
	if endpoint != "" {
		return endpoint
	}

	derived := strings.TrimRight(c.API.BaseURL, "/")
	switch {
	case strings.HasPrefix(derived, "https://"):
		derived = "wss://" + strings.TrimPrefix(derived, "https://")
	case strings.HasPrefix(derived, "http://"):
		derived = "ws://" + strings.TrimPrefix(derived, "http://")
	}
	return derived + "/ws/notifications"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8620")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("api.timeout", "15s")

	v.SetDefault("push.disabled", false)
	v.SetDefault("push.reconnect_min", "2s")
	v.SetDefault("push.reconnect_max", "60s")

	v.SetDefault("sync.page_size", 20)
	v.SetDefault("sync.poll_interval", "60s")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.path", "./data/notisync.sqlite")
	v.SetDefault("cache.flush_delay", "2s")
	v.SetDefault("cache.retention", "720h") // 30 days
	v.SetDefault("cache.prune_schedule", "@daily")
	v.SetDefault("cache.resync_schedule", "@every 1h")

	v.SetDefault("surface.audience", "buyer")
	v.SetDefault("surface.dropdown_limit", 5)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
