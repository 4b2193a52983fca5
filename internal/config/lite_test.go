package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLiteConfig(t *testing.T) {
	cfg := DefaultLiteConfig()

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, 64, cfg.CacheMaxItems)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 800, cfg.CanvasWidth)
	assert.Equal(t, 600, cfg.CanvasHeight)
	assert.Equal(t, "http", cfg.Transport)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadLiteConfig_Defaults(t *testing.T) {
	clearEnvVars(t)

	cfg := LoadLiteConfig()

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, 64, cfg.CacheMaxItems)
	assert.Equal(t, "http", cfg.Transport)
}

func TestLoadLiteConfig_EnvironmentOverrides(t *testing.T) {
	clearEnvVars(t)

	t.Setenv("DENTAL_DATA_DIR", "/tmp/test-dental")
	t.Setenv("DENTAL_CACHE_MAX_ITEMS", "16")
	t.Setenv("DENTAL_SESSION_TTL", "5m")
	t.Setenv("DENTAL_CANVAS_WIDTH", "1024")
	t.Setenv("DENTAL_CANVAS_HEIGHT", "768")
	t.Setenv("DENTAL_TRANSPORT", "stdio")
	t.Setenv("DENTAL_HTTP_PORT", "9090")
	t.Setenv("DENTAL_LOG_LEVEL", "debug")
	t.Setenv("DENTAL_MAX_IMAGE_PIXELS", "1000000")

	cfg := LoadLiteConfig()

	assert.Equal(t, "/tmp/test-dental", cfg.DataDir)
	assert.Equal(t, 16, cfg.CacheMaxItems)
	assert.Equal(t, 5*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 1024, cfg.CanvasWidth)
	assert.Equal(t, 768, cfg.CanvasHeight)
	assert.Equal(t, "stdio", cfg.Transport)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(1_000_000), cfg.ImageConfig().MaxPixels)
	assert.Equal(t, int64(1_000_000), cfg.ServerConfig().MaxImagePixels)
}

func TestLoadLiteConfig_IgnoresBadNumbers(t *testing.T) {
	clearEnvVars(t)

	t.Setenv("DENTAL_HTTP_PORT", "not-a-port")
	t.Setenv("DENTAL_CANVAS_WIDTH", "-5")

	cfg := LoadLiteConfig()

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 800, cfg.CanvasWidth)
}

func TestLiteConfig_SubmissionsDBPath(t *testing.T) {
	cfg := &LiteConfig{DataDir: "/home/user/.dental-scribe"}

	assert.Equal(t, "/home/user/.dental-scribe/submissions.db", cfg.SubmissionsDBPath())
	assert.Equal(t, "/home/user/.dental-scribe/exports", cfg.ExportDir())
	assert.Equal(t, "/home/user/.dental-scribe/audit.db", cfg.AuditDBPath())
}

func TestLiteConfig_ServerConfigUsesLoopbackBaseURL(t *testing.T) {
	cfg := &LiteConfig{HTTPPort: 9191}

	server := cfg.ServerConfig()
	assert.Equal(t, "127.0.0.1", server.Host)
	assert.Equal(t, 9191, server.Port)
	assert.Equal(t, "http://127.0.0.1:9191", server.PublicBaseURL)
}

func TestLiteConfig_EnsureDataDir(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "config-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	cfg := &LiteConfig{DataDir: filepath.Join(tmpDir, "dental")}

	err = cfg.EnsureDataDir()
	require.NoError(t, err)

	_, err = os.Stat(cfg.DataDir)
	assert.NoError(t, err)

	_, err = os.Stat(cfg.ExportDir())
	assert.NoError(t, err)
}

func TestLiteConfig_DerivedSections(t *testing.T) {
	cfg := DefaultLiteConfig()

	assert.Equal(t, "stderr", cfg.Logging().Output)
	assert.Equal(t, cfg.HTTPPort, cfg.ServerConfig().Port)
	assert.Equal(t, 800, cfg.SurfaceConfig().Width)
	assert.True(t, cfg.ImageConfig().AllowFileURLs)
	assert.Equal(t, cfg.CacheMaxItems, cfg.ImageConfig().DecodedCacheSize)
}

func clearEnvVars(t *testing.T) {
	t.Helper()
	vars := []string{
		"DENTAL_DATA_DIR",
		"DENTAL_CACHE_MAX_ITEMS",
		"DENTAL_MAX_IMAGE_PIXELS",
		"DENTAL_SESSION_TTL",
		"DENTAL_CANVAS_WIDTH",
		"DENTAL_CANVAS_HEIGHT",
		"DENTAL_TRANSPORT",
		"DENTAL_HTTP_PORT",
		"DENTAL_LOG_LEVEL",
		"DENTAL_LOG_FORMAT",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
}
