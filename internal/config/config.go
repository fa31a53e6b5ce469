// Package config resolves tool configuration from, in rising
// precedence: built-in defaults, a config file, MUSYNC_* environment
// variables, and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jsarlin/musync/internal/encode"
	"github.com/jsarlin/musync/internal/fingerprint"
	"github.com/jsarlin/musync/internal/runner"
)

const envPrefix = "MUSYNC"

// Config is the fully resolved configuration for a run.
type Config struct {
	Jobs        int
	Preset      string
	BitrateKbps int // 0 means "use the preset as-is"
	Strategy    fingerprint.Strategy

	Prune  bool
	DryRun bool
	Yes    bool

	ConvertExts     []string
	PassthroughExts []string
	Exclude         []string

	// Watch mode timing.
	Debounce time.Duration
	Settle   time.Duration

	NoColor bool
	Verbose bool
	Quiet   bool
	LogFile string
}

// Dir returns the per-user configuration directory
// (e.g. ~/.config/musync on Linux).
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(base, "musync"), nil
}

// PresetsPath returns the location of the user's preset overrides.
func PresetsPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "presets.toml"), nil
}

// Load resolves the configuration. cfgFile, when non-empty, names an
// explicit config file that must exist; otherwise config.yaml is looked
// up in the user config directory and silently skipped when absent.
// flags, when non-nil, binds matching flag names at highest precedence.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("jobs", runner.DefaultJobs)
	v.SetDefault("preset", encode.DefaultPresetName)
	v.SetDefault("bitrate", 0)
	v.SetDefault("fingerprint", string(fingerprint.Full))
	v.SetDefault("debounce", "2s")
	v.SetDefault("settle", "500ms")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	strategy, err := fingerprint.ParseStrategy(v.GetString("fingerprint"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Jobs:            v.GetInt("jobs"),
		Preset:          v.GetString("preset"),
		BitrateKbps:     v.GetInt("bitrate"),
		Strategy:        strategy,
		Prune:           v.GetBool("prune"),
		DryRun:          v.GetBool("dry-run"),
		Yes:             v.GetBool("yes"),
		ConvertExts:     v.GetStringSlice("convert-exts"),
		PassthroughExts: v.GetStringSlice("passthrough-exts"),
		Exclude:         v.GetStringSlice("exclude"),
		Debounce:        v.GetDuration("debounce"),
		Settle:          v.GetDuration("settle"),
		NoColor:         v.GetBool("no-color"),
		Verbose:         v.GetBool("verbose"),
		Quiet:           v.GetBool("quiet"),
		LogFile:         v.GetString("log-file"),
	}

	if cfg.Jobs < 1 {
		return nil, fmt.Errorf("jobs must be at least 1, got %d", cfg.Jobs)
	}
	if cfg.Debounce <= 0 {
		return nil, fmt.Errorf("debounce must be positive, got %s", cfg.Debounce)
	}
	if cfg.Settle < 0 {
		return nil, fmt.Errorf("settle must not be negative, got %s", cfg.Settle)
	}
	return cfg, nil
}

// ResolvePreset turns the configured preset name and bitrate override
// into a concrete encoder preset, consulting the user's presets.toml
// when present.
func (c *Config) ResolvePreset() (encode.Preset, error) {
	path, err := PresetsPath()
	if err != nil {
		// No config dir: builtins only.
		path = ""
	}
	presets, err := encode.Load(path)
	if err != nil {
		return encode.Preset{}, err
	}
	p, ok := encode.Find(presets, c.Preset)
	if !ok {
		return encode.Preset{}, fmt.Errorf("unknown preset %q", c.Preset)
	}
	if c.BitrateKbps != 0 {
		p = p.WithBitrate(c.BitrateKbps)
	}
	if err := p.Validate(); err != nil {
		return encode.Preset{}, err
	}
	return p, nil
}
