package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server      ServerConfig      `toml:"server"`      // HTTP server settings
	Logging     LoggingConfig     `toml:"logging"`     // Application logging settings
	Storage     StorageConfig     `toml:"storage"`     // Data persistence settings
	Session     SessionConfig     `toml:"session"`     // Session lifecycle settings
	Presence    PresenceConfig    `toml:"presence"`    // Participant presence settings
	Broadcast   BroadcastConfig   `toml:"broadcast"`   // Viewer fan-out settings
	Bookmarks   BookmarksConfig   `toml:"bookmarks"`   // Bookmark idempotency settings
	Persistence PersistenceConfig `toml:"persistence"` // Background persistence settings
	Summary     SummaryConfig     `toml:"summary"`     // Post-meeting summarization settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // Primary HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, required for streaming)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
	AdditionalPorts    []int    `toml:"additional_ports"`      // Additional HTTP ports to listen on (useful for multiple interfaces)
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	SQLiteBasePath string `toml:"sqlite_base_path"` // Base path for SQLite database files (filename is generated as sessions-YYYY-MM-DD.db)
}

// SessionConfig contains session lifecycle configuration
type SessionConfig struct {
	EvictionGraceSecs  int `toml:"eviction_grace_seconds"` // How long a completed session stays in memory for late reconnects and late corrections (default: 60)
	AttachTimeoutSecs  int `toml:"attach_timeout_seconds"` // Maximum time a viewer attach request may wait for a snapshot before failing (default: 10)
	MaxInterimRetained int `toml:"max_interim_retained"`   // Maximum interim segments retained per speaker for correction matching (default: 64)
}

// PresenceConfig contains participant presence configuration
type PresenceConfig struct {
	SpeakingQuietIntervalMs int `toml:"speaking_quiet_interval_ms"` // Minimum silence before the speaking indicator clears, to avoid flicker (default: 1500)
}

// BroadcastConfig contains viewer fan-out configuration
type BroadcastConfig struct {
	ViewerBufferSize int `toml:"viewer_buffer_size"`    // Outbound event buffer per viewer; a viewer whose buffer fills is drained and disconnected (default: 256)
	DrainTimeoutSecs int `toml:"drain_timeout_seconds"` // Maximum time a draining viewer gets to flush its buffered events before force close (default: 5)
}

// BookmarksConfig contains bookmark idempotency configuration
type BookmarksConfig struct {
	NonceRetentionMins int `toml:"nonce_retention_minutes"` // How long (session_id, creator_id, nonce) keys are remembered for retry deduplication (default: 10)
}

// PersistenceConfig contains background persistence configuration
type PersistenceConfig struct {
	QueueSize        int `toml:"queue_size"`          // Pending write queue size; live delivery never blocks on this queue (default: 4096)
	RetryBaseDelayMs int `toml:"retry_base_delay_ms"` // Initial retry delay after a failed store write (default: 250)
	RetryMaxDelayMs  int `toml:"retry_max_delay_ms"`  // Maximum retry delay after repeated failures (default: 15000)
	MaxRetries       int `toml:"max_retries"`         // Failed-write retries before the session is flagged degraded (default: 10)
}

// SummaryConfig contains post-meeting summarization settings
type SummaryConfig struct {
	Enabled        bool   `toml:"enabled"`             // Enable post-meeting summary generation for completed sessions
	OpenAIAPIKey   string `toml:"openai_api_key"`      // OpenAI API key for the summarization service
	OpenAIBaseURL  string `toml:"openai_api_base_url"` // Optional OpenAI base URL (e.g., for proxies). Defaults to https://api.openai.com
	Model          string `toml:"model"`               // Chat model to use (e.g., "gpt-4o-mini")
	TimeoutSeconds int    `toml:"timeout_seconds"`     // Per-request timeout for summarization calls (default: 60)
}

// Load loads the configuration from the specified TOML file
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			// File exists, try to load it
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// applyDefaults fills in defaults for unset tunables
func (c *Config) applyDefaults() {
	if c.Session.EvictionGraceSecs <= 0 {
		c.Session.EvictionGraceSecs = 60
	}
	if c.Session.AttachTimeoutSecs <= 0 {
		c.Session.AttachTimeoutSecs = 10
	}
	if c.Session.MaxInterimRetained <= 0 {
		c.Session.MaxInterimRetained = 64
	}
	if c.Presence.SpeakingQuietIntervalMs <= 0 {
		c.Presence.SpeakingQuietIntervalMs = 1500
	}
	if c.Broadcast.ViewerBufferSize <= 0 {
		c.Broadcast.ViewerBufferSize = 256
	}
	if c.Broadcast.DrainTimeoutSecs <= 0 {
		c.Broadcast.DrainTimeoutSecs = 5
	}
	if c.Bookmarks.NonceRetentionMins <= 0 {
		c.Bookmarks.NonceRetentionMins = 10
	}
	if c.Persistence.QueueSize <= 0 {
		c.Persistence.QueueSize = 4096
	}
	if c.Persistence.RetryBaseDelayMs <= 0 {
		c.Persistence.RetryBaseDelayMs = 250
	}
	if c.Persistence.RetryMaxDelayMs <= 0 {
		c.Persistence.RetryMaxDelayMs = 15000
	}
	if c.Persistence.MaxRetries <= 0 {
		c.Persistence.MaxRetries = 10
	}
	if c.Summary.Model == "" {
		c.Summary.Model = "gpt-4o-mini"
	}
	if c.Summary.TimeoutSeconds <= 0 {
		c.Summary.TimeoutSeconds = 60
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.ValidateServer(); err != nil {
		return err
	}
	if err := c.ValidateLogging(); err != nil {
		return err
	}
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if err := c.ValidateSummary(); err != nil {
		return err
	}
	return nil
}

// ValidateServer validates the server configuration section
func (c *Config) ValidateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	for _, port := range c.Server.AdditionalPorts {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("additional server port must be between 1 and 65535, got %d", port)
		}
		if port == c.Server.Port {
			return fmt.Errorf("additional port %d duplicates the primary port", port)
		}
	}
	return nil
}

// ValidateLogging validates the logging configuration section
func (c *Config) ValidateLogging() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}
	return nil
}

// ValidateStorage validates the storage configuration section
func (c *Config) ValidateStorage() error {
	if c.Storage.SQLiteBasePath == "" {
		return fmt.Errorf("storage sqlite_base_path is required")
	}
	return nil
}

// ValidateSummary validates the summarization configuration section
func (c *Config) ValidateSummary() error {
	if c.Summary.Enabled && c.Summary.OpenAIAPIKey == "" {
		return fmt.Errorf("summary is enabled but openai_api_key is not set")
	}
	return nil
}

// EvictionGrace returns the configured eviction grace period as a duration
func (c *SessionConfig) EvictionGrace() time.Duration {
	return time.Duration(c.EvictionGraceSecs) * time.Second
}

// AttachTimeout returns the configured attach timeout as a duration
func (c *SessionConfig) AttachTimeout() time.Duration {
	return time.Duration(c.AttachTimeoutSecs) * time.Second
}

// SpeakingQuietInterval returns the configured quiet interval as a duration
func (c *PresenceConfig) SpeakingQuietInterval() time.Duration {
	return time.Duration(c.SpeakingQuietIntervalMs) * time.Millisecond
}

// DrainTimeout returns the configured drain timeout as a duration
func (c *BroadcastConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSecs) * time.Second
}

// NonceRetention returns the configured nonce retention window as a duration
func (c *BookmarksConfig) NonceRetention() time.Duration {
	return time.Duration(c.NonceRetentionMins) * time.Minute
}
