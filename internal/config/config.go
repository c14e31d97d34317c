// Package config loads server settings from defaults, an optional config
// file, a .env file and CHA_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	HTTP  HTTPConfig  `mapstructure:"http"`
	Store StoreConfig `mapstructure:"store"`
	Admin AdminConfig `mapstructure:"admin"`
	Redis RedisConfig `mapstructure:"redis"`
	RSVP  RSVPConfig  `mapstructure:"rsvp"`
	Items ItemsConfig `mapstructure:"items"`
	Log   LogConfig   `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr          string `mapstructure:"addr"`
	AllowedOrigin string `mapstructure:"allowed_origin"`
}

type StoreConfig struct {
	Driver         string   `mapstructure:"driver"` // postgres | memory
	DSN            string   `mapstructure:"dsn"`
	ConnectRetries uint64   `mapstructure:"connect_retries"`
	Items          []string `mapstructure:"items"` // seed; empty means the default list
}

// AdminConfig carries the shared admin secret. PasswordHash (bcrypt) wins
// over the plain Password when both are set.
type AdminConfig struct {
	Password     string `mapstructure:"password"`
	PasswordHash string `mapstructure:"password_hash"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"` // empty disables the cross-replica relay
}

type RSVPConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type ItemsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func Default() *Config {
	return &Config{
		HTTP:  HTTPConfig{Addr: ":8080", AllowedOrigin: "*"},
		Store: StoreConfig{Driver: "memory", ConnectRetries: 5},
		RSVP:  RSVPConfig{Limit: 5, Window: 5 * time.Minute},
		Items: ItemsConfig{CacheTTL: 15 * time.Second},
		Log:   LogConfig{Level: "info"},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.allowed_origin", d.HTTP.AllowedOrigin)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.connect_retries", d.Store.ConnectRetries)
	v.SetDefault("store.items", d.Store.Items)
	v.SetDefault("admin.password", "")
	v.SetDefault("admin.password_hash", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("rsvp.limit", d.RSVP.Limit)
	v.SetDefault("rsvp.window", d.RSVP.Window)
	v.SetDefault("items.cache_ttl", d.Items.CacheTTL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

// Load reads configuration. file may be empty. A missing .env is fine.
func Load(file string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("CHA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want postgres or memory", c.Store.Driver))
	}
	if c.RSVP.Limit <= 0 || c.RSVP.Window <= 0 {
		errs = append(errs, errors.New("rsvp.limit and rsvp.window must be positive"))
	}
	if c.Items.CacheTTL < 0 {
		errs = append(errs, errors.New("items.cache_ttl must not be negative"))
	}
	return errors.Join(errs...)
}

// AdminConfigured reports whether admin routes can ever authorize.
func (c *Config) AdminConfigured() bool {
	return c.Admin.Password != "" || c.Admin.PasswordHash != ""
}
