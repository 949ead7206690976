package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Logging:    LoggingConfig{Level: "info", Format: "json"},
		Buffer:     BufferConfig{BlockSize: 1024, MaxBuffered: 4096},
		Downloader: DownloaderConfig{Workers: 2},
		Adaptation: AdaptationConfig{Logic: LogicRate},
		Demux:      DemuxConfig{TSBackend: TSBackendMediacommon},
		Playback:   PlaybackConfig{BufferAhead: time.Second},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, 30*time.Second, cfg.Transport.RequestTimeout)
	assert.Equal(t, 2, cfg.Transport.RetryAttempts)
	assert.Equal(t, 8, cfg.Transport.MaxConnections)
	assert.True(t, cfg.Transport.Buffered)

	assert.Equal(t, ByteSize(32*1024), cfg.Buffer.BlockSize)
	assert.Equal(t, ByteSize(8*1024*1024), cfg.Buffer.MaxBuffered)

	assert.Equal(t, 4, cfg.Downloader.Workers)
	assert.Equal(t, LogicRate, cfg.Adaptation.Logic)
	assert.Equal(t, TSBackendMediacommon, cfg.Demux.TSBackend)
	assert.False(t, cfg.Playback.Realtime)
	assert.Equal(t, 10*time.Second, cfg.Playback.BufferAhead)
	assert.False(t, cfg.Server.Enabled)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "abrcore.yaml")
	content := `
logging:
  level: debug
  format: text
buffer:
  block_size: 64KiB
  max_buffered: 16MiB
adaptation:
  logic: fixed
  fixed_bitrate: 2500000
  max_width: 1280
demux:
  ts_backend: astits
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, ByteSize(64*1024), cfg.Buffer.BlockSize)
	assert.Equal(t, ByteSize(16*1024*1024), cfg.Buffer.MaxBuffered)
	assert.Equal(t, LogicFixed, cfg.Adaptation.Logic)
	assert.Equal(t, uint64(2500000), cfg.Adaptation.FixedBitrate)
	assert.Equal(t, 1280, cfg.Adaptation.MaxWidth)
	assert.Equal(t, TSBackendAstits, cfg.Demux.TSBackend)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ABRCORE_ADAPTATION_LOGIC", "fixed")
	t.Setenv("ABRCORE_TRANSPORT_REQUEST_TIMEOUT", "5s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, LogicFixed, cfg.Adaptation.Logic)
	assert.Equal(t, 5*time.Second, cfg.Transport.RequestTimeout)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "abrcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestFromViper_InvalidValue(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("demux.ts_backend", "ffmpeg")

	_, err := FromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "demux.ts_backend")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(_ *Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"negative retries", func(c *Config) { c.Transport.RetryAttempts = -1 }, "transport.retry_attempts"},
		{"zero block size", func(c *Config) { c.Buffer.BlockSize = 0 }, "buffer.block_size"},
		{"buffer smaller than block", func(c *Config) { c.Buffer.MaxBuffered = 512 }, "buffer.max_buffered"},
		{"no workers", func(c *Config) { c.Downloader.Workers = 0 }, "downloader.workers"},
		{"unknown logic", func(c *Config) { c.Adaptation.Logic = "bola" }, "adaptation.logic"},
		{"fixed without bitrate", func(c *Config) { c.Adaptation.Logic = LogicFixed }, "adaptation.fixed_bitrate"},
		{"negative caps", func(c *Config) { c.Adaptation.MaxHeight = -1 }, "adaptation.max_width"},
		{"no buffer ahead", func(c *Config) { c.Playback.BufferAhead = 0 }, "playback.buffer_ahead"},
		{"server without address", func(c *Config) { c.Server.Enabled = true }, "server.address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
