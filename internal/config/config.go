package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Live     LiveConfig     `yaml:"live"`
	Database DatabaseConfig `yaml:"database"`
	Session  SessionConfig  `yaml:"session"`
	Media    MediaConfig    `yaml:"media"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP/WebSocket server configuration
type ServerConfig struct {
	Port           int    `yaml:"port"`
	Address        string `yaml:"address"`
	ReadBufferSize int    `yaml:"read_buffer_size"` // WebSocket read buffer, bytes
	MaxFrameSize   int64  `yaml:"max_frame_size"`   // Maximum WebSocket message size, bytes
}

// AudioConfig contains audio format parameters for both directions
type AudioConfig struct {
	InputSampleRate  int     `yaml:"input_sample_rate"`  // Client question audio, Hz
	OutputSampleRate int     `yaml:"output_sample_rate"` // Synthesized answer audio, Hz
	MaxUtterance     float64 `yaml:"max_utterance"`      // Maximum question length, seconds
	MaxSequenceGap   int     `yaml:"max_sequence_gap"`   // Frames to wait for before declaring loss
}

// LiveConfig contains upstream live-inference API configuration
type LiveConfig struct {
	Endpoint          string  `yaml:"endpoint"`
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	Voice             string  `yaml:"voice"`
	SystemPrompt      string  `yaml:"system_prompt"`
	DialTimeout       int     `yaml:"dial_timeout"` // seconds
	MaxRetries        int     `yaml:"max_retries"`
	HeartbeatInterval float64 `yaml:"heartbeat_interval"` // seconds
}

// DatabaseConfig contains Postgres connection configuration
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxConns     int    `yaml:"max_conns"`
	QueryTimeout int    `yaml:"query_timeout"` // seconds
}

// SessionConfig contains relay session lifecycle configuration
type SessionConfig struct {
	MaxConcurrent     int `yaml:"max_concurrent"`
	IdleTimeout       int `yaml:"idle_timeout"`        // seconds
	OutboundQueueSize int `yaml:"outbound_queue_size"` // frames
	DefaultDailyQuota int `yaml:"default_daily_quota"` // questions per profile per day
}

// MediaConfig contains audio archival configuration
type MediaConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Environment variable overlays for secrets. Values present in the
// environment take precedence over the YAML file.
const (
	EnvLiveAPIKey  = "DEWEY_LIVE_API_KEY"
	EnvDatabaseURL = "DATABASE_URL"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides overlays secrets from the environment
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvLiveAPIKey); v != "" {
		c.Live.APIKey = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Database.URL = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Live.Validate(); err != nil {
		return fmt.Errorf("live config: %w", err)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Media.Validate(); err != nil {
		return fmt.Errorf("media config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadBufferSize < 1024 {
		return fmt.Errorf("read_buffer_size must be at least 1024 bytes, got %d", s.ReadBufferSize)
	}

	if s.MaxFrameSize < 1024 {
		return fmt.Errorf("max_frame_size must be at least 1024 bytes, got %d", s.MaxFrameSize)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.InputSampleRate != 16000 {
		return fmt.Errorf("input_sample_rate must be 16000 Hz, got %d", a.InputSampleRate)
	}

	if a.OutputSampleRate != 24000 {
		return fmt.Errorf("output_sample_rate must be 24000 Hz, got %d", a.OutputSampleRate)
	}

	if a.MaxUtterance <= 0 {
		return fmt.Errorf("max_utterance must be positive, got %f", a.MaxUtterance)
	}

	if a.MaxSequenceGap < 1 {
		return fmt.Errorf("max_sequence_gap must be at least 1, got %d", a.MaxSequenceGap)
	}

	return nil
}

// Validate validates live-inference API configuration
func (l *LiveConfig) Validate() error {
	if l.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if l.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set %s or live.api_key)", EnvLiveAPIKey)
	}

	if l.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if l.DialTimeout < 1 {
		return fmt.Errorf("dial_timeout must be at least 1 second, got %d", l.DialTimeout)
	}

	if l.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", l.MaxRetries)
	}

	if l.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %f", l.HeartbeatInterval)
	}

	return nil
}

// Validate validates database configuration
func (d *DatabaseConfig) Validate() error {
	if d.URL == "" {
		return fmt.Errorf("url cannot be empty (set %s or database.url)", EnvDatabaseURL)
	}

	if d.MaxConns < 1 {
		return fmt.Errorf("max_conns must be at least 1, got %d", d.MaxConns)
	}

	if d.QueryTimeout < 1 {
		return fmt.Errorf("query_timeout must be at least 1 second, got %d", d.QueryTimeout)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.OutboundQueueSize < 16 {
		return fmt.Errorf("outbound_queue_size must be at least 16 frames, got %d", s.OutboundQueueSize)
	}

	if s.DefaultDailyQuota < 1 {
		return fmt.Errorf("default_daily_quota must be at least 1, got %d", s.DefaultDailyQuota)
	}

	return nil
}

// Validate validates media configuration
func (m *MediaConfig) Validate() error {
	if m.Enabled && m.Dir == "" {
		return fmt.Errorf("dir cannot be empty when media archival is enabled")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetMaxUtteranceDuration returns the maximum utterance length as a time.Duration
func (a *AudioConfig) GetMaxUtteranceDuration() time.Duration {
	return time.Duration(a.MaxUtterance * float64(time.Second))
}

// GetDialTimeoutDuration returns the live API dial timeout as a time.Duration
func (l *LiveConfig) GetDialTimeoutDuration() time.Duration {
	return time.Duration(l.DialTimeout) * time.Second
}

// GetHeartbeatDuration returns the heartbeat interval as a time.Duration
func (l *LiveConfig) GetHeartbeatDuration() time.Duration {
	return time.Duration(l.HeartbeatInterval * float64(time.Second))
}

// GetQueryTimeoutDuration returns the database query timeout as a time.Duration
func (d *DatabaseConfig) GetQueryTimeoutDuration() time.Duration {
	return time.Duration(d.QueryTimeout) * time.Second
}

// GetIdleTimeoutDuration returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}
