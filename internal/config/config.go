package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the plugin host.
type Config struct {
	// Plugin identity
	PluginName  string
	PluginValue string
	BaseDir     string

	// Control plane
	UIPort          int
	AuthKey         string
	ControlPlaneURL string

	// Polling
	SuccessIntervalMS int
	RetryIntervalMS   int
	DrainIntervalMS   int
	SessionBatchSize  int
	ParserBatchFrames int
	MaxFrameRetries   int

	// Frame capture
	FrameBufferCapacity int
	FrameBufferTrim     int
	MaxFrameBytes       int
	FrameArchive        bool
	FrameArchiveMaxMB   int

	// Status API; empty disables it
	StatusBindAddr         string
	StatusPortCandidates   []string
	StatusPortAutoFallback bool

	LogLevel  string
	LogFile   string
	LogToFile bool

	OptionsFile string
	Headers     HeaderNames
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		PluginName:          getEnvOrDefault("PLUGIN_NAME", "whistle.bridge"),
		PluginValue:         getEnvOrDefault("PLUGIN_VALUE", "echo"),
		BaseDir:             getEnvOrDefault("PLUGIN_BASE_DIR", "./plugin_data"),
		UIPort:              getEnvIntOrDefault("WHISTLE_UI_PORT", 8899),
		AuthKey:             getEnvOrDefault("WHISTLE_AUTH_KEY", ""),
		ControlPlaneURL:     getEnvOrDefault("CONTROL_PLANE_URL", ""),
		SuccessIntervalMS:   getEnvIntOrDefault("POLL_SUCCESS_INTERVAL_MS", 300),
		RetryIntervalMS:     getEnvIntOrDefault("POLL_RETRY_INTERVAL_MS", 1000),
		DrainIntervalMS:     getEnvIntOrDefault("POLL_DRAIN_INTERVAL_MS", 20),
		SessionBatchSize:    getEnvIntOrDefault("SESSION_BATCH_SIZE", 100),
		ParserBatchFrames:   getEnvIntOrDefault("PARSER_BATCH_FRAMES", 10),
		MaxFrameRetries:     getEnvIntOrDefault("FRAME_MAX_RETRIES", 0),
		FrameBufferCapacity: getEnvIntOrDefault("FRAME_BUFFER_CAPACITY", 600),
		FrameBufferTrim:     getEnvIntOrDefault("FRAME_BUFFER_TRIM", 80),
		MaxFrameBytes:       getEnvIntOrDefault("FRAME_MAX_BYTES", 200*1024),
		FrameArchive:        getEnvBoolOrDefault("FRAME_ARCHIVE", false),
		FrameArchiveMaxMB:   getEnvIntOrDefault("FRAME_ARCHIVE_MAX_MB", 100),
		StatusBindAddr:      getEnvOrDefault("STATUS_BIND_ADDR", ""),
		LogLevel:            strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		LogFile:             getEnvOrDefault("LOG_FILE", "logs/pluginhost.log"),
		LogToFile:           getEnvBoolOrDefault("LOG_TO_FILE", true),
		OptionsFile:         getEnvOrDefault("PLUGIN_OPTIONS_FILE", ""),
		Headers:             DefaultHeaders(),
	}
	cfg.StatusPortCandidates = getEnvListOrDefault("STATUS_PORT_CANDIDATES",
		[]string{"127.0.0.1:8190", "127.0.0.1:8191", "127.0.0.1:8192"})
	cfg.StatusPortAutoFallback = getEnvBoolOrDefault("STATUS_PORT_AUTO_FALLBACK", true)

	if cfg.OptionsFile != "" {
		opts, err := LoadOptions(cfg.OptionsFile)
		if err != nil {
			return nil, err
		}
		cfg.Headers = cfg.Headers.Merge(opts.Headers)
	}

	cfg.clamp()
	return cfg, nil
}

func (c *Config) clamp() {
	if c.SuccessIntervalMS < 1 {
		c.SuccessIntervalMS = 300
	}
	if c.RetryIntervalMS < 1 {
		c.RetryIntervalMS = 1000
	}
	if c.DrainIntervalMS < 1 {
		c.DrainIntervalMS = 20
	}
	if c.SessionBatchSize < 1 {
		c.SessionBatchSize = 100
	}
	if c.ParserBatchFrames < 1 {
		c.ParserBatchFrames = 10
	}
	if c.MaxFrameRetries < 0 {
		c.MaxFrameRetries = 0
	}
	if c.FrameArchiveMaxMB < 1 {
		c.FrameArchiveMaxMB = 100
	}
}

// BaseURL returns the control-plane base URL, derived from the UI port
// unless CONTROL_PLANE_URL overrides it.
func (c *Config) BaseURL() string {
	if c.ControlPlaneURL != "" {
		return c.ControlPlaneURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d/cgi-bin/", c.UIPort)
}

// ArchiveDir is where archived frames are written when FrameArchive is set.
func (c *Config) ArchiveDir() string {
	return filepath.Join(c.BaseDir, "archive")
}

// ShortName is the plugin name without its scope prefix.
func (c *Config) ShortName() string {
	return c.PluginName[strings.Index(c.PluginName, "/")+1:]
}

func (c *Config) SuccessInterval() time.Duration {
	return time.Duration(c.SuccessIntervalMS) * time.Millisecond
}

func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMS) * time.Millisecond
}

func (c *Config) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
