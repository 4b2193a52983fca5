package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Images   ImageConfig    `mapstructure:"images"`
	Surface  SurfaceConfig  `mapstructure:"surface"`
	Sessions SessionConfig  `mapstructure:"sessions"`
	Report   ReportConfig   `mapstructure:"report"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	MaxImagePixels int64         `mapstructure:"max_image_pixels"`
	PublicBaseURL  string        `mapstructure:"public_base_url"`
	EnableMetrics  bool          `mapstructure:"enable_metrics"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// CacheConfig represents the image byte cache. An empty RedisURL disables
// the Redis tier.
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// ImageConfig controls how submission images are fetched and decoded.
type ImageConfig struct {
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	MaxBytes         int64         `mapstructure:"max_bytes"`
	MaxPixels        int64         `mapstructure:"max_pixels"`
	RateLimit        int           `mapstructure:"rate_limit"`
	DecodedCacheSize int           `mapstructure:"decoded_cache_size"`
	BreakerFailures  int           `mapstructure:"breaker_failures"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
	AllowFileURLs    bool          `mapstructure:"allow_file_urls"`
}

// SurfaceConfig sets the annotation canvas geometry.
type SurfaceConfig struct {
	Width       int     `mapstructure:"width"`
	Height      int     `mapstructure:"height"`
	StrokeWidth float64 `mapstructure:"stroke_width"`
}

// SessionConfig controls review session lifetime.
type SessionConfig struct {
	IdleTTL         time.Duration `mapstructure:"idle_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// ReportConfig controls PDF output.
type ReportConfig struct {
	Compress bool   `mapstructure:"compress"`
	Author   string `mapstructure:"author"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
