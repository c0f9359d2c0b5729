package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string        `mapstructure:"log_format" yaml:"log_format"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	UploadDir    string `mapstructure:"upload_dir" yaml:"upload_dir"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	// Inbound frames per second allowed on one connection; 0 disables limiting.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`

	SweepCron      string `mapstructure:"sweep_cron" yaml:"sweep_cron"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		LogFormat:         "console",
		DatabasePath:      "chat.db",
		UploadDir:         "uploads",
		RateLimitRPS:      10,
		RateLimitBurst:    20,
		SweepCron:         "* * * * *",
		MetricsEnabled:    true,
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
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.UploadDir != "" {
		c.UploadDir = other.UploadDir
	}
	if other.JWTSecret != "" {
		c.JWTSecret = other.JWTSecret
	}
	if other.JWTIssuer != "" {
		c.JWTIssuer = other.JWTIssuer
	}
	if other.JWTAudience != "" {
		c.JWTAudience = other.JWTAudience
	}
	if other.RateLimitRPS != 0 {
		c.RateLimitRPS = other.RateLimitRPS
	}
	if other.RateLimitBurst != 0 {
		c.RateLimitBurst = other.RateLimitBurst
	}
	if other.SweepCron != "" {
		c.SweepCron = other.SweepCron
	}
}
