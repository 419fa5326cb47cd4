package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.WaitTimeout)
	assert.Equal(t, 15*time.Minute, cfg.RotationPeriod)
	assert.Empty(t, cfg.StorePath)
	assert.Equal(t, "blehost", cfg.DeviceName)
	assert.Equal(t, "rpa", cfg.AddressPolicy)
	assert.Equal(t, "all", cfg.Roles)
	assert.Equal(t, "no-input-no-output", cfg.IOCapability)
	assert.Equal(t, 2, cfg.SecurityLevel)
	assert.Equal(t, 7, cfg.MinKeySize)
	assert.True(t, cfg.Bondable)
	assert.Equal(t, "low-power", cfg.ScanMode)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: "debug",
			want:     logrus.DebugLevel,
		},
		{
			name:     "creates logger with info level",
			logLevel: "info",
			want:     logrus.InfoLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: "warn",
			want:     logrus.WarnLevel,
		},
		{
			name:     "falls back to info on garbage",
			logLevel: "chatty",
			want:     logrus.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel: tt.logLevel,
			}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blehost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
wait_timeout: 2s
device_name: kitchen
address_policy: random
roles: central, observer
security_level: 3
bondable: false
security_compat:
  - prefix: "00:1B:DC"
    below_version: 9
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.WaitTimeout)
	assert.Equal(t, 15*time.Minute, cfg.RotationPeriod, "unset keys MUST keep defaults")
	assert.Equal(t, "kitchen", cfg.DeviceName)
	assert.False(t, cfg.Bondable)

	opts, err := cfg.AdapterOptions()
	require.NoError(t, err)
	assert.Equal(t, "kitchen", opts.DeviceName)
	assert.Equal(t, bt.AddressStaticRandom, opts.AddressPolicy)
	assert.Equal(t, bt.RoleCentral|bt.RoleObserver, opts.Roles)
	assert.Equal(t, bt.SecurityAuthenticated, opts.Security.Level)
	assert.False(t, opts.Security.Bondable)
	assert.Equal(t, []security.CompatRule{{Prefix: "00:1B:DC", BelowVersion: 9}}, opts.Security.Compat)
	assert.Equal(t, 2*time.Second, opts.WaitTimeout)
	assert.Equal(t, 2*time.Second, opts.Advertiser.WaitTimeout)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("address_policy: [x"), 0o600))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "failed to parse config")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("address_policy: nowhere\n"), 0o600))
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "invalid address policy")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_AdapterOptionsValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad roles", func(c *Config) { c.Roles = "central,pilot" }, "invalid role"},
		{"empty roles", func(c *Config) { c.Roles = " , " }, "no roles"},
		{"bad discovery", func(c *Config) { c.Discovery = "sometimes" }, "invalid discovery mode"},
		{"bad io capability", func(c *Config) { c.IOCapability = "telepathy" }, "invalid io capability"},
		{"security level too low", func(c *Config) { c.SecurityLevel = 0 }, "invalid security level"},
		{"security level too high", func(c *Config) { c.SecurityLevel = 5 }, "invalid security level"},
		{"key size too small", func(c *Config) { c.MinKeySize = 6 }, "invalid min key size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			_, err := cfg.AdapterOptions()
			assert.ErrorContains(t, err, tt.wantErr)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_ValidateScanMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScanMode = "warp"
	assert.ErrorContains(t, cfg.Validate(), "invalid scan mode")
}
