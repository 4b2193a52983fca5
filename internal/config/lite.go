// Package config provides configuration management for the review server.
// This file contains the lightweight configuration for standalone operation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dental-scribe-server/internal/domain"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no external databases and uses sensible defaults.
type LiteConfig struct {
	// Data storage
	DataDir string // Base directory for the SQLite database and uploads

	// Image cache settings
	CacheMaxItems  int           // Decoded images kept in memory
	MaxImagePixels int64         // Largest width*height decoded from untrusted input
	SessionTTL     time.Duration // Idle lifetime of a review session

	// Canvas
	CanvasWidth  int
	CanvasHeight int

	// Transport settings
	Transport string // Transport type: stdio, http
	HTTPPort  int    // HTTP port (if transport is http)

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".dental-scribe")

	return &LiteConfig{
		DataDir:       dataDir,
		CacheMaxItems:  64,
		MaxImagePixels: 40_000_000,
		SessionTTL:     30 * time.Minute,
		CanvasWidth:    800,
		CanvasHeight:   600,
		Transport:      "http",
		HTTPPort:       8080,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("DENTAL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("DENTAL_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("DENTAL_MAX_IMAGE_PIXELS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxImagePixels = n
		}
	}
	if v := os.Getenv("DENTAL_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionTTL = d
		}
	}

	if v := os.Getenv("DENTAL_CANVAS_WIDTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CanvasWidth = n
		}
	}
	if v := os.Getenv("DENTAL_CANVAS_HEIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CanvasHeight = n
		}
	}

	if v := os.Getenv("DENTAL_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("DENTAL_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}

	if v := os.Getenv("DENTAL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DENTAL_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// SubmissionsDBPath returns the path to the submissions SQLite database.
func (c *LiteConfig) SubmissionsDBPath() string {
	return filepath.Join(c.DataDir, "submissions.db")
}

// AuditDBPath returns the path to the review audit SQLite database.
func (c *LiteConfig) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// PublicBaseURL is the loopback address artifact URLs are built on.
func (c *LiteConfig) PublicBaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.HTTPPort)
}

// ExportDir returns the directory for JSON exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}

// Logging returns the logging section in the full-config shape.
func (c *LiteConfig) Logging() domain.LoggingConfig {
	return domain.LoggingConfig{Level: c.LogLevel, Format: c.LogFormat, Output: "stderr"}
}

// ServerConfig returns HTTP settings for the gin API in lite mode.
func (c *LiteConfig) ServerConfig() domain.ServerConfig {
	return domain.ServerConfig{
		Host:           "127.0.0.1",
		Port:           c.HTTPPort,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxUploadBytes: 20 << 20,
		MaxImagePixels: c.MaxImagePixels,
		PublicBaseURL:  c.PublicBaseURL(),
		EnableMetrics:  true,
	}
}

// SurfaceConfig returns the canvas geometry.
func (c *LiteConfig) SurfaceConfig() domain.SurfaceConfig {
	return domain.SurfaceConfig{Width: c.CanvasWidth, Height: c.CanvasHeight, StrokeWidth: 4}
}

// ImageConfig returns image fetch settings. Local file URLs are allowed in
// lite mode since everything runs on one machine.
func (c *LiteConfig) ImageConfig() domain.ImageConfig {
	return domain.ImageConfig{
		FetchTimeout:     15 * time.Second,
		MaxBytes:         20 << 20,
		MaxPixels:        c.MaxImagePixels,
		RateLimit:        10,
		DecodedCacheSize: c.CacheMaxItems,
		BreakerFailures:  5,
		BreakerTimeout:   30 * time.Second,
		AllowFileURLs:    true,
	}
}
