/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the voice service
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Engine    EngineConfig
	Transcode TranscodeConfig
	Mail      MailConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	NATS      NATSConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Debug          bool     // Include error detail in HTTP error bodies
	PublicBaseURL  string   // Base address used to build artifact URLs
	AllowedOrigins []string // CORS origins
	MaxUploadBytes int64
}

// StorageConfig holds the asset roots and metadata database location
type StorageConfig struct {
	StagingDir string
	VoicesDir  string
	OutputsDir string
	DBPath     string
}

// EngineConfig holds external synthesis engine configuration
type EngineConfig struct {
	URL           string
	Timeout       time.Duration
	DefaultVoices []string // Empty allows any default_ voice the engine knows
}

// TranscodeConfig holds ffmpeg configuration
type TranscodeConfig struct {
	FFmpegPath string
	Bitrate    string
	Timeout    time.Duration
}

// MailConfig holds outbound SMTP configuration
type MailConfig struct {
	Service  string // gmail, naver or smtp
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	TLS      string // mandatory, opportunistic or none
	Timeout  time.Duration
}

// Enabled reports whether a mail host is configured
func (m MailConfig) Enabled() bool {
	return m.Host != ""
}

// AuthConfig holds bearer token verification settings
type AuthConfig struct {
	JWTSecret string
}

// RateLimitConfig bounds synthesis requests per owner
type RateLimitConfig struct {
	ConvertPerMinute int // 0 disables limiting
	ConvertBurst     int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// NATSConfig holds NATS messaging configuration
type NATSConfig struct {
	URL           string // Empty disables event publishing
	SubjectPrefix string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// mailPresets maps well-known providers to their submission endpoints
var mailPresets = map[string]struct {
	host string
	port int
}{
	"gmail": {host: "smtp.gmail.com", port: 587},
	"naver": {host: "smtp.naver.com", port: 587},
}

// Load loads configuration from defaults, an optional TOML file and the
// environment, in increasing order of precedence. A .env file is read into
// the environment first when present.
func Load() (*Config, error) {
	if err := loadDotEnv(getEnvString("LOQA_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	config := defaults()

	if path := os.Getenv("LOQA_CONFIG_FILE"); path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()
	config.applyMailPreset()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           3001,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   120 * time.Second,
			PublicBaseURL:  "http://localhost:3001",
			AllowedOrigins: []string{"*"},
			MaxUploadBytes: 20 << 20,
		},
		Storage: StorageConfig{
			StagingDir: "./data/staging",
			VoicesDir:  "./data/voices",
			OutputsDir: "./data/outputs",
			DBPath:     "./data/loqa-voice.db",
		},
		Engine: EngineConfig{
			URL:           "http://localhost:8000",
			Timeout:       60 * time.Second,
			DefaultVoices: []string{"default_female", "default_male"},
		},
		Transcode: TranscodeConfig{
			FFmpegPath: "ffmpeg",
			Bitrate:    "128k",
			Timeout:    60 * time.Second,
		},
		Mail: MailConfig{
			Service:  "smtp",
			Port:     587,
			FromName: "Avocado",
			TLS:      "mandatory",
			Timeout:  30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			ConvertPerMinute: 30,
			ConvertBurst:     5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		NATS: NATSConfig{
			SubjectPrefix: "loqa.voice",
			MaxReconnect:  10,
			ReconnectWait: 2 * time.Second,
		},
	}
}

// applyEnv overrides the current values with any environment variable set
func (c *Config) applyEnv() {
	c.Server.Host = getEnvString("LOQA_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("LOQA_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("LOQA_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("LOQA_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.Debug = getEnvBool("LOQA_DEBUG", c.Server.Debug)
	c.Server.PublicBaseURL = strings.TrimRight(getEnvString("PUBLIC_BASE_URL", c.Server.PublicBaseURL), "/")
	c.Server.AllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.MaxUploadBytes = getEnvInt64("MAX_UPLOAD_BYTES", c.Server.MaxUploadBytes)

	c.Storage.StagingDir = getEnvString("STORAGE_STAGING_DIR", c.Storage.StagingDir)
	c.Storage.VoicesDir = getEnvString("STORAGE_VOICES_DIR", c.Storage.VoicesDir)
	c.Storage.OutputsDir = getEnvString("STORAGE_OUTPUTS_DIR", c.Storage.OutputsDir)
	c.Storage.DBPath = getEnvString("DB_PATH", c.Storage.DBPath)

	c.Engine.URL = strings.TrimRight(getEnvString("SYNTH_ENGINE_URL", c.Engine.URL), "/")
	c.Engine.Timeout = getEnvDuration("SYNTH_ENGINE_TIMEOUT", c.Engine.Timeout)
	c.Engine.DefaultVoices = getEnvList("DEFAULT_VOICES", c.Engine.DefaultVoices)

	c.Transcode.FFmpegPath = getEnvString("FFMPEG_PATH", c.Transcode.FFmpegPath)
	c.Transcode.Bitrate = getEnvString("TRANSCODE_BITRATE", c.Transcode.Bitrate)
	c.Transcode.Timeout = getEnvDuration("TRANSCODE_TIMEOUT", c.Transcode.Timeout)

	c.Mail.Service = strings.ToLower(getEnvString("MAIL_SERVICE", c.Mail.Service))
	c.Mail.Host = getEnvString("MAIL_HOST", c.Mail.Host)
	c.Mail.Port = getEnvInt("MAIL_PORT", c.Mail.Port)
	c.Mail.Username = getEnvString("MAIL_USERNAME", c.Mail.Username)
	c.Mail.Password = getEnvString("MAIL_PASSWORD", c.Mail.Password)
	c.Mail.From = getEnvString("MAIL_FROM", c.Mail.From)
	c.Mail.FromName = getEnvString("MAIL_FROM_NAME", c.Mail.FromName)
	c.Mail.TLS = strings.ToLower(getEnvString("MAIL_TLS", c.Mail.TLS))
	c.Mail.Timeout = getEnvDuration("MAIL_TIMEOUT", c.Mail.Timeout)

	c.Auth.JWTSecret = getEnvString("JWT_SECRET", c.Auth.JWTSecret)

	c.RateLimit.ConvertPerMinute = getEnvInt("CONVERT_RATE_PER_MINUTE", c.RateLimit.ConvertPerMinute)
	c.RateLimit.ConvertBurst = getEnvInt("CONVERT_RATE_BURST", c.RateLimit.ConvertBurst)

	c.Logging.Level = getEnvString("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvString("LOG_FORMAT", c.Logging.Format)

	c.NATS.URL = getEnvString("NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnvString("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)
	c.NATS.MaxReconnect = getEnvInt("NATS_MAX_RECONNECT", c.NATS.MaxReconnect)
	c.NATS.ReconnectWait = getEnvDuration("NATS_RECONNECT_WAIT", c.NATS.ReconnectWait)
}

// applyMailPreset fills host and port for known providers and defaults the
// sender address to the login name
func (c *Config) applyMailPreset() {
	if preset, ok := mailPresets[c.Mail.Service]; ok && c.Mail.Host == "" {
		c.Mail.Host = preset.host
		c.Mail.Port = preset.port
	}
	if c.Mail.From == "" {
		c.Mail.From = c.Mail.Username
	}
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if _, err := url.ParseRequestURI(c.Server.PublicBaseURL); err != nil {
		return fmt.Errorf("invalid public base URL %q: %w", c.Server.PublicBaseURL, err)
	}

	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive: %d", c.Server.MaxUploadBytes)
	}

	if c.Storage.StagingDir == "" || c.Storage.VoicesDir == "" || c.Storage.OutputsDir == "" {
		return fmt.Errorf("storage directories must be provided")
	}

	if c.Storage.VoicesDir == c.Storage.OutputsDir {
		return fmt.Errorf("voices and outputs directories must differ: %s", c.Storage.VoicesDir)
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("database path must be provided")
	}

	if c.Engine.URL == "" {
		return fmt.Errorf("synthesis engine URL must be provided")
	}

	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("synthesis engine timeout must be positive: %s", c.Engine.Timeout)
	}

	for _, name := range c.Engine.DefaultVoices {
		if !strings.HasPrefix(name, "default_") {
			return fmt.Errorf("default voice %q must start with default_", name)
		}
	}

	if c.Transcode.Timeout <= 0 {
		return fmt.Errorf("transcode timeout must be positive: %s", c.Transcode.Timeout)
	}

	switch c.Mail.Service {
	case "gmail", "naver", "smtp":
	default:
		return fmt.Errorf("unknown mail service: %q", c.Mail.Service)
	}

	switch c.Mail.TLS {
	case "mandatory", "opportunistic", "none":
	default:
		return fmt.Errorf("unknown mail TLS policy: %q", c.Mail.TLS)
	}

	if c.Mail.Enabled() && (c.Mail.Port <= 0 || c.Mail.Port > 65535) {
		return fmt.Errorf("invalid mail port: %d", c.Mail.Port)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be provided")
	}

	if c.RateLimit.ConvertPerMinute < 0 || c.RateLimit.ConvertBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}

	if c.RateLimit.ConvertPerMinute > 0 && c.RateLimit.ConvertBurst == 0 {
		return fmt.Errorf("convert burst must be positive when rate limiting is enabled")
	}

	return nil
}

// loadDotEnv reads a dotenv file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// fileConfig mirrors Config for TOML decoding. Durations are whole seconds.
type fileConfig struct {
	Server struct {
		Host                string   `toml:"host"`
		Port                int      `toml:"port"`
		ReadTimeoutSeconds  int      `toml:"read_timeout_seconds"`
		WriteTimeoutSeconds int      `toml:"write_timeout_seconds"`
		Debug               *bool    `toml:"debug"`
		PublicBaseURL       string   `toml:"public_base_url"`
		AllowedOrigins      []string `toml:"allowed_origins"`
		MaxUploadBytes      int64    `toml:"max_upload_bytes"`
	} `toml:"server"`
	Storage struct {
		StagingDir string `toml:"staging_dir"`
		VoicesDir  string `toml:"voices_dir"`
		OutputsDir string `toml:"outputs_dir"`
		DBPath     string `toml:"db_path"`
	} `toml:"storage"`
	Engine struct {
		URL            string   `toml:"url"`
		TimeoutSeconds int      `toml:"timeout_seconds"`
		DefaultVoices  []string `toml:"default_voices"`
	} `toml:"engine"`
	Transcode struct {
		FFmpegPath     string `toml:"ffmpeg_path"`
		Bitrate        string `toml:"bitrate"`
		TimeoutSeconds int    `toml:"timeout_seconds"`
	} `toml:"transcode"`
	Mail struct {
		Service        string `toml:"service"`
		Host           string `toml:"host"`
		Port           int    `toml:"port"`
		Username       string `toml:"username"`
		From           string `toml:"from"`
		FromName       string `toml:"from_name"`
		TLS            string `toml:"tls"`
		TimeoutSeconds int    `toml:"timeout_seconds"`
	} `toml:"mail"`
	RateLimit struct {
		ConvertPerMinute *int `toml:"convert_per_minute"`
		ConvertBurst     *int `toml:"convert_burst"`
	} `toml:"rate_limit"`
	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`
	NATS struct {
		URL           string `toml:"url"`
		SubjectPrefix string `toml:"subject_prefix"`
	} `toml:"nats"`
}

// applyFile overlays non-zero values from a TOML file. Secrets are read from
// the environment only.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&c.Server.Host, fc.Server.Host)
	setInt(&c.Server.Port, fc.Server.Port)
	setSeconds(&c.Server.ReadTimeout, fc.Server.ReadTimeoutSeconds)
	setSeconds(&c.Server.WriteTimeout, fc.Server.WriteTimeoutSeconds)
	if fc.Server.Debug != nil {
		c.Server.Debug = *fc.Server.Debug
	}
	setString(&c.Server.PublicBaseURL, fc.Server.PublicBaseURL)
	if fc.Server.AllowedOrigins != nil {
		c.Server.AllowedOrigins = fc.Server.AllowedOrigins
	}
	if fc.Server.MaxUploadBytes > 0 {
		c.Server.MaxUploadBytes = fc.Server.MaxUploadBytes
	}

	setString(&c.Storage.StagingDir, fc.Storage.StagingDir)
	setString(&c.Storage.VoicesDir, fc.Storage.VoicesDir)
	setString(&c.Storage.OutputsDir, fc.Storage.OutputsDir)
	setString(&c.Storage.DBPath, fc.Storage.DBPath)

	setString(&c.Engine.URL, fc.Engine.URL)
	setSeconds(&c.Engine.Timeout, fc.Engine.TimeoutSeconds)
	if fc.Engine.DefaultVoices != nil {
		c.Engine.DefaultVoices = fc.Engine.DefaultVoices
	}

	setString(&c.Transcode.FFmpegPath, fc.Transcode.FFmpegPath)
	setString(&c.Transcode.Bitrate, fc.Transcode.Bitrate)
	setSeconds(&c.Transcode.Timeout, fc.Transcode.TimeoutSeconds)

	setString(&c.Mail.Service, strings.ToLower(fc.Mail.Service))
	setString(&c.Mail.Host, fc.Mail.Host)
	setInt(&c.Mail.Port, fc.Mail.Port)
	setString(&c.Mail.Username, fc.Mail.Username)
	setString(&c.Mail.From, fc.Mail.From)
	setString(&c.Mail.FromName, fc.Mail.FromName)
	setString(&c.Mail.TLS, strings.ToLower(fc.Mail.TLS))
	setSeconds(&c.Mail.Timeout, fc.Mail.TimeoutSeconds)

	if fc.RateLimit.ConvertPerMinute != nil {
		c.RateLimit.ConvertPerMinute = *fc.RateLimit.ConvertPerMinute
	}
	if fc.RateLimit.ConvertBurst != nil {
		c.RateLimit.ConvertBurst = *fc.RateLimit.ConvertBurst
	}

	setString(&c.Logging.Level, fc.Logging.Level)
	setString(&c.Logging.Format, fc.Logging.Format)

	setString(&c.NATS.URL, fc.NATS.URL)
	setString(&c.NATS.SubjectPrefix, fc.NATS.SubjectPrefix)

	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value != 0 {
		*dst = value
	}
}

func setSeconds(dst *time.Duration, seconds int) {
	if seconds > 0 {
		*dst = time.Duration(seconds) * time.Second
	}
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable. A variable that is set but
// empty yields an empty list.
func getEnvList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	list := []string{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
