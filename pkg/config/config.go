package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/adapter"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/scanner"
	"github.com/srg/blehost/security"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	WaitTimeout    time.Duration `yaml:"wait_timeout" default:"5s"`
	RotationPeriod time.Duration `yaml:"rotation_period" default:"15m"`
	// StorePath is the persisted identity and bond store; empty keeps it in memory.
	StorePath string `yaml:"store_path" default:""`

	DeviceName    string `yaml:"device_name" default:"blehost"`
	AddressPolicy string `yaml:"address_policy" default:"rpa"`
	Roles         string `yaml:"roles" default:"all"`
	Discovery     string `yaml:"discovery" default:"all"`

	IOCapability  string `yaml:"io_capability" default:"no-input-no-output"`
	SecurityLevel int    `yaml:"security_level" default:"2"`
	MinKeySize    int    `yaml:"min_key_size" default:"7"`
	Bondable      bool   `yaml:"bondable" default:"true"`
	// SecurityCompat lists peers that must pair without Secure Connections.
	SecurityCompat []security.CompatRule `yaml:"security_compat"`

	ScanMode    string `yaml:"scan_mode" default:"low-power"`
	EventBuffer int    `yaml:"event_buffer" default:"64"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load overlays the YAML file at path on top of the defaults.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Validate checks every enumerated value.
func (c *Config) Validate() error {
	_, err := c.AdapterOptions()
	if err != nil {
		return err
	}
	if _, err := scanner.ParseMode(c.ScanMode); err != nil {
		return err
	}
	_, err = logrus.ParseLevel(c.LogLevel)
	return err
}

// Level returns the configured log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// AdapterOptions maps the configuration onto adapter options.
func (c *Config) AdapterOptions() (adapter.Options, error) {
	opts := adapter.DefaultOptions()

	policy, err := bt.ParseAddressPolicy(c.AddressPolicy)
	if err != nil {
		return opts, err
	}
	roles, err := ParseRoles(c.Roles)
	if err != nil {
		return opts, err
	}
	discovery, err := bt.ParseDiscoveryMode(c.Discovery)
	if err != nil {
		return opts, err
	}
	io, err := bt.ParseIOCapability(c.IOCapability)
	if err != nil {
		return opts, err
	}
	if c.SecurityLevel < int(bt.SecurityNone) || c.SecurityLevel > int(bt.SecurityAuthenticatedSC) {
		return opts, fmt.Errorf("invalid security level: %d (must be 1-4)", c.SecurityLevel)
	}
	if c.MinKeySize < 7 || c.MinKeySize > 16 {
		return opts, fmt.Errorf("invalid min key size: %d (must be 7-16)", c.MinKeySize)
	}

	opts.DeviceName = c.DeviceName
	opts.AddressPolicy = policy
	opts.Roles = roles
	opts.Discovery = discovery
	opts.MinKeySize = uint8(c.MinKeySize)
	opts.Security.IOCapability = io
	opts.Security.Level = bt.SecurityLevel(c.SecurityLevel)
	opts.Security.Bondable = c.Bondable
	opts.Security.Compat = c.SecurityCompat
	if c.WaitTimeout > 0 {
		opts.WaitTimeout = c.WaitTimeout
		opts.Security.WaitTimeout = c.WaitTimeout
		opts.Advertiser.WaitTimeout = c.WaitTimeout
	}
	if c.RotationPeriod > 0 {
		opts.Advertiser.RotationPeriod = c.RotationPeriod
	}
	if c.EventBuffer > 0 {
		opts.EventBuffer = c.EventBuffer
	}
	return opts, nil
}

var roleNames = map[string]bt.Roles{
	"central":     bt.RoleCentral,
	"peripheral":  bt.RolePeripheral,
	"broadcaster": bt.RoleBroadcaster,
	"observer":    bt.RoleObserver,
	"all":         bt.RolesAll,
}

// ParseRoles accepts "all" or a comma separated list of role names.
func ParseRoles(s string) (bt.Roles, error) {
	var roles bt.Roles
	for _, name := range strings.Split(s, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		r, ok := roleNames[name]
		if !ok {
			return 0, fmt.Errorf("invalid role: %s (must be central, peripheral, broadcaster, observer, or all)", name)
		}
		roles |= r
	}
	if roles == 0 {
		return 0, fmt.Errorf("no roles given")
	}
	return roles, nil
}
