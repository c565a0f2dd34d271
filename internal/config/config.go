package config

import "time"

// Store drivers.
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverBadger = "badger"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string        `mapstructure:"log_format" yaml:"log_format"`
	Store             StoreConfig   `mapstructure:"store" yaml:"store"`
	// StaticDir is served under /static when set.
	StaticDir string `mapstructure:"static_dir" yaml:"static_dir"`
	// PollTimeout ends receive requests that waited this long. Zero waits forever.
	// A timed-out receiver goes offline as on disconnect: messages sent before its
	// next poll reach only the room log, not its queue.
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	// SendRateLimit caps send requests per sender per minute. Zero disables it.
	SendRateLimit int `mapstructure:"send_rate_limit" yaml:"send_rate_limit"`
}

// StoreConfig selects and locates the storage backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		LogFormat:         "console",
		Store: StoreConfig{
			Driver: StoreDriverSQLite,
			Path:   "slimchat.db",
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
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
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.Store.Driver != "" {
		c.Store.Driver = other.Store.Driver
	}
	if other.Store.Path != "" {
		c.Store.Path = other.Store.Path
	}
	if other.StaticDir != "" {
		c.StaticDir = other.StaticDir
	}
	if other.PollTimeout != 0 {
		c.PollTimeout = other.PollTimeout
	}
	if other.SendRateLimit != 0 {
		c.SendRateLimit = other.SendRateLimit
	}
}
