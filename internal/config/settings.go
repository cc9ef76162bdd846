package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Settings configures the daemon itself, as opposed to the entries it
// monitors. Values come from defaults, an optional settings file,
// GAMEMON_* environment variables and command line overrides, in
// increasing order of precedence.
type Settings struct {
	Config          string        `mapstructure:"config"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Shell           string        `mapstructure:"shell"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
	MatchMode       string        `mapstructure:"match_mode"`
	Scanner         string        `mapstructure:"scanner"`
	MaxScanFailures int           `mapstructure:"max_scan_failures"`
	StatusSchedule  string        `mapstructure:"status_schedule"`
	WatchConfig     bool          `mapstructure:"watch_config"`
	Listen          string        `mapstructure:"listen"`
	PoolSize        int           `mapstructure:"pool_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	LogFile         string        `mapstructure:"log_file"`
	Syslog          bool          `mapstructure:"syslog"`
	LockFile        string        `mapstructure:"lock_file"`
}

const (
	MatchExact    = "exact"
	MatchContains = "contains"

	ScannerPS       = "ps"
	ScannerGopsutil = "gopsutil"
)

// DefaultDir is where the entries file lives unless configured otherwise
func DefaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "gamemon")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config", filepath.Join(DefaultDir(), "config.toml"))
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("shell", "")
	v.SetDefault("command_timeout", time.Duration(0))
	v.SetDefault("match_mode", MatchExact)
	v.SetDefault("scanner", ScannerPS)
	v.SetDefault("max_scan_failures", 0)
	v.SetDefault("status_schedule", "0 */10 * * * *")
	v.SetDefault("watch_config", true)
	v.SetDefault("listen", "")
	v.SetDefault("pool_size", 2)
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_file", "")
	v.SetDefault("syslog", false)
	v.SetDefault("lock_file", "")
}

// LoadSettings resolves the daemon settings. settingsFile may be empty.
// overrides are applied last and usually come from command line flags.
func LoadSettings(settingsFile string, overrides map[string]any) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("gamemon")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if settingsFile != "" {
		v.SetConfigFile(settingsFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read settings %s", settingsFile)
		}
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}

	if s.LockFile == "" {
		s.LockFile = s.Config + ".lock"
	}

	return s, s.Validate()
}

// Validate checks the settings are usable
func (s *Settings) Validate() error {
	if s.Config == "" {
		return errors.New("config path must be set")
	}
	if s.PollInterval <= 0 {
		return errors.Errorf("poll_interval must be positive, got %s", s.PollInterval)
	}
	if s.CommandTimeout < 0 {
		return errors.Errorf("command_timeout must not be negative, got %s", s.CommandTimeout)
	}
	switch s.MatchMode {
	case MatchExact, MatchContains:
	default:
		return errors.Errorf("unsupported match_mode %q", s.MatchMode)
	}
	switch s.Scanner {
	case ScannerPS, ScannerGopsutil:
	default:
		return errors.Errorf("unsupported scanner %q", s.Scanner)
	}
	if s.PoolSize < 1 {
		return errors.Errorf("pool_size must be at least 1, got %d", s.PoolSize)
	}
	return nil
}
