// Package config provides configuration management for abrcore using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jmylchreest/abrcore/internal/version"
)

// Default configuration values.
const (
	defaultRequestTimeout     = 30 * time.Second
	defaultConnectTimeout     = 10 * time.Second
	defaultRetryAttempts      = 2
	defaultRetryDelay         = 500 * time.Millisecond
	defaultCircuitThreshold   = 5
	defaultCircuitTimeout     = 30 * time.Second
	defaultMaxConnections     = 8
	defaultBlockSize          = 32 * 1024
	defaultMaxBuffered        = 8 * 1024 * 1024
	defaultDownloaderWorkers  = 4
	defaultFixedBitrate       = 1_000_000
	defaultServerAddress      = "127.0.0.1:9480"
	defaultServerReadTimeout  = 10 * time.Second
	defaultServerWriteTimeout = 10 * time.Second
	defaultBufferAhead        = 10 * time.Second
)

// Adaptation logic names.
const (
	LogicRate  = "rate"
	LogicFixed = "fixed"
)

// MPEG-TS demuxer backends.
const (
	TSBackendMediacommon = "mediacommon"
	TSBackendAstits      = "astits"
)

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Buffer     BufferConfig     `mapstructure:"buffer"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	Adaptation AdaptationConfig `mapstructure:"adaptation"`
	Demux      DemuxConfig      `mapstructure:"demux"`
	Playback   PlaybackConfig   `mapstructure:"playback"`
	Server     ServerConfig     `mapstructure:"server"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// TransportConfig holds segment transport configuration.
type TransportConfig struct {
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
	// MaxConnections caps the number of pooled connections (0 = unlimited).
	MaxConnections int    `mapstructure:"max_connections"`
	UserAgent      string `mapstructure:"user_agent"`
	// Buffered selects the buffered chunk source instead of the synchronous one.
	Buffered bool `mapstructure:"buffered"`
}

// BufferConfig holds chunk buffering configuration.
type BufferConfig struct {
	// BlockSize is the unit read from the transport per fetch cycle.
	// Supports human-readable values like "32KiB" or raw byte counts.
	BlockSize ByteSize `mapstructure:"block_size"`
	// MaxBuffered is the read-ahead limit of a buffered chunk source.
	MaxBuffered ByteSize `mapstructure:"max_buffered"`
}

// DownloaderConfig holds the background fetch service configuration.
type DownloaderConfig struct {
	Workers int `mapstructure:"workers"`
	// RequestsPerSecond paces fetch cycles (0 = unlimited).
	RequestsPerSecond int `mapstructure:"requests_per_second"`
}

// AdaptationConfig holds representation selection configuration.
type AdaptationConfig struct {
	Logic        string `mapstructure:"logic"`         // rate, fixed
	FixedBitrate uint64 `mapstructure:"fixed_bitrate"`
	MaxWidth     int    `mapstructure:"max_width"`
	MaxHeight    int    `mapstructure:"max_height"`
}

// DemuxConfig holds container demuxer configuration.
type DemuxConfig struct {
	TSBackend string `mapstructure:"ts_backend"` // mediacommon, astits
}

// PlaybackConfig holds output pacing configuration.
type PlaybackConfig struct {
	// Realtime paces the output to the wall clock.
	Realtime bool `mapstructure:"realtime"`
	// BufferAhead bounds how far demuxing runs ahead of playback.
	BufferAhead time.Duration `mapstructure:"buffer_ahead"`
}

// ServerConfig holds the status API configuration.
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with ABRCORE_ and use underscores for nesting.
// Example: ABRCORE_ADAPTATION_LOGIC=fixed.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("abrcore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.abrcore")
		v.AddConfigPath("/etc/abrcore")
	}

	v.SetEnvPrefix("ABRCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates configuration from an already populated Viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("transport.request_timeout", defaultRequestTimeout)
	v.SetDefault("transport.connect_timeout", defaultConnectTimeout)
	v.SetDefault("transport.retry_attempts", defaultRetryAttempts)
	v.SetDefault("transport.retry_delay", defaultRetryDelay)
	v.SetDefault("transport.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("transport.circuit_timeout", defaultCircuitTimeout)
	v.SetDefault("transport.max_connections", defaultMaxConnections)
	v.SetDefault("transport.user_agent", version.UserAgent())
	v.SetDefault("transport.buffered", true)

	v.SetDefault("buffer.block_size", defaultBlockSize)
	v.SetDefault("buffer.max_buffered", defaultMaxBuffered)

	v.SetDefault("downloader.workers", defaultDownloaderWorkers)
	v.SetDefault("downloader.requests_per_second", 0)

	v.SetDefault("adaptation.logic", LogicRate)
	v.SetDefault("adaptation.fixed_bitrate", defaultFixedBitrate)
	v.SetDefault("adaptation.max_width", 0)
	v.SetDefault("adaptation.max_height", 0)

	v.SetDefault("demux.ts_backend", TSBackendMediacommon)

	v.SetDefault("playback.realtime", false)
	v.SetDefault("playback.buffer_ahead", defaultBufferAhead)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.address", defaultServerAddress)
	v.SetDefault("server.read_timeout", defaultServerReadTimeout)
	v.SetDefault("server.write_timeout", defaultServerWriteTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Transport.RetryAttempts < 0 {
		return fmt.Errorf("transport.retry_attempts must not be negative")
	}
	if c.Transport.MaxConnections < 0 {
		return fmt.Errorf("transport.max_connections must not be negative")
	}

	if c.Buffer.BlockSize <= 0 {
		return fmt.Errorf("buffer.block_size must be positive")
	}
	if c.Buffer.MaxBuffered < c.Buffer.BlockSize {
		return fmt.Errorf("buffer.max_buffered must be at least buffer.block_size")
	}

	if c.Downloader.Workers < 1 {
		return fmt.Errorf("downloader.workers must be at least 1")
	}
	if c.Downloader.RequestsPerSecond < 0 {
		return fmt.Errorf("downloader.requests_per_second must not be negative")
	}

	switch c.Adaptation.Logic {
	case LogicRate:
	case LogicFixed:
		if c.Adaptation.FixedBitrate == 0 {
			return fmt.Errorf("adaptation.fixed_bitrate is required for the fixed logic")
		}
	default:
		return fmt.Errorf("adaptation.logic must be one of: rate, fixed")
	}
	if c.Adaptation.MaxWidth < 0 || c.Adaptation.MaxHeight < 0 {
		return fmt.Errorf("adaptation.max_width and adaptation.max_height must not be negative")
	}

	switch c.Demux.TSBackend {
	case TSBackendMediacommon, TSBackendAstits:
	default:
		return fmt.Errorf("demux.ts_backend must be one of: mediacommon, astits")
	}

	if c.Playback.BufferAhead <= 0 {
		return fmt.Errorf("playback.buffer_ahead must be positive")
	}

	if c.Server.Enabled && c.Server.Address == "" {
		return fmt.Errorf("server.address is required when the server is enabled")
	}

	return nil
}
