package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/paulschiretz/pgl-archive/pkg/buildinfo"
	"github.com/paulschiretz/pgl-archive/pkg/flagparse"
	"github.com/paulschiretz/pgl-archive/pkg/joblist"
	"github.com/paulschiretz/pgl-archive/pkg/pathcompression"
	"github.com/paulschiretz/pgl-archive/pkg/plog"
	"github.com/paulschiretz/pgl-archive/pkg/util"
)

// ConfigFileName is the default name of the settings file, looked up in the
// working directory.
const ConfigFileName = "pgl-archive.toml"

// ErrConfigExists is returned by Generate when it would overwrite a file.
var ErrConfigExists = errors.New("settings file already exists")

type PerformanceConfig struct {
	BufferSizeKB int `toml:"bufferSizeKB" comment:"Size of the I/O buffer in kilobytes for compression. Default is 256 (256KB)."`
}

type HooksConfig struct {
	// Note: omitempty is intentionally not used so that the hook fields
	// appear in the generated settings file for better discoverability.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreRun   []string `toml:"preRun" comment:"Shell commands to run before the first job, e.g. to mount a network share."`
	PostRun  []string `toml:"postRun" comment:"Shell commands to run after the last job."`
	FailFast bool     `toml:"failFast" comment:"Abort the run when a hook command fails."`
}

type RuntimeConfig struct {
	DryRun bool
}

type Config struct {
	Version            string            `toml:"version"`
	LogLevel           string            `toml:"logLevel" comment:"One of debug, notice, info, warn, error."`
	JobsFile           string            `toml:"jobsFile" comment:"Job list with one 'source|destination[|S]' entry per line."`
	Extension          string            `toml:"extension" comment:"Archive file extension including the leading dot."`
	Format             string            `toml:"format" comment:"tar.zst, tar.gz, tar or zip. Inferred from the extension when empty."`
	Level              string            `toml:"level" comment:"default, fastest, better or best."`
	ModeMarkerPolicy   string            `toml:"modeMarkerPolicy" comment:"lenient treats unknown markers as whole-tree, strict rejects them."`
	Metrics            bool              `toml:"metrics"`
	FailOnArchiveError bool              `toml:"failOnArchiveError" comment:"Exit with status 1 when any archive could not be created."`
	Performance        PerformanceConfig `toml:"performance"`
	Hooks              HooksConfig       `toml:"hooks"`
	Runtime            RuntimeConfig     `toml:"-"` // Never added to the settings file
}

// NewDefault creates and returns a Config struct with the default values.
func NewDefault() Config {
	return Config{
		Version:            buildinfo.Version,
		LogLevel:           "info",
		JobsFile:           joblist.DefaultFileName,
		Extension:          ".tar.zst",
		Format:             "", // Inferred from the extension.
		Level:              pathcompression.Default.String(),
		ModeMarkerPolicy:   joblist.Lenient.String(),
		Metrics:            false,
		FailOnArchiveError: false,
		Performance: PerformanceConfig{
			BufferSizeKB: pathcompression.DefaultBufferSizeKB,
		},
		Hooks: HooksConfig{
			PreRun:  []string{},
			PostRun: []string{},
		},
	}
}

// Load reads the settings file at path on top of the defaults.
// If the file doesn't exist, it returns the default config without an error.
// If the file exists but fails to parse, it returns an error and a zero-value config.
func Load(path string) (Config, error) {
	config := NewDefault()

	md, err := toml.DecodeFile(path, &config)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			plog.Debug("No settings file found, using defaults", "path", path)
			return NewDefault(), nil
		}
		return Config{}, fmt.Errorf("error parsing settings file %s: %w", path, err)
	}
	plog.Info("Loaded settings", "path", path)

	for _, key := range md.Undecoded() {
		plog.Warn("Ignoring unknown settings key", "path", path, "key", key.String())
	}

	// NOTE: if config.Version differs from the app version a migration step goes here.
	config.Version = buildinfo.Version
	return config, nil
}

// Generate writes cfg to path. An existing file is only replaced when force is set.
func Generate(path string, cfg Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s (use -force to overwrite)", ErrConfigExists, path)
		}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	plog.Info("Successfully saved settings file", "path", path)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies.
// It expands a leading ~ in the job list path.
func (c *Config) Validate() error {
	if c.JobsFile == "" {
		return fmt.Errorf("jobsFile cannot be empty")
	}
	expanded, err := util.ExpandPath(c.JobsFile)
	if err != nil {
		return fmt.Errorf("could not expand jobsFile %s: %w", c.JobsFile, err)
	}
	c.JobsFile = expanded

	if !plog.IsValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid logLevel: %q. Must be 'debug', 'notice', 'info', 'warn' or 'error'", c.LogLevel)
	}

	if c.Extension == "" {
		return fmt.Errorf("extension cannot be empty")
	}

	if c.Format != "" {
		if _, err := pathcompression.ParseFormat(c.Format); err != nil {
			return err
		}
	} else if _, err := pathcompression.FormatFromExtension(c.Extension); err != nil {
		return err
	}

	if _, err := pathcompression.ParseLevel(c.Level); err != nil {
		return err
	}

	if _, err := joblist.ParseMarkerPolicy(c.ModeMarkerPolicy); err != nil {
		return err
	}

	if c.Performance.BufferSizeKB <= 0 {
		return fmt.Errorf("performance.bufferSizeKB must be greater than 0")
	}
	return nil
}

// LogSummary prints a summary of the effective configuration.
func (c *Config) LogSummary() {
	format := c.Format
	if format == "" {
		format = "auto"
	}
	logArgs := []any{
		"log_level", c.LogLevel,
		"jobs_file", c.JobsFile,
		"extension", c.Extension,
		"format", format,
		"level", c.Level,
		"mode_marker_policy", c.ModeMarkerPolicy,
		"dry_run", c.Runtime.DryRun,
		"metrics", c.Metrics,
		"fail_on_archive_error", c.FailOnArchiveError,
		"buffer_size_kb", c.Performance.BufferSizeKB,
	}
	if len(c.Hooks.PreRun) > 0 {
		logArgs = append(logArgs, "pre_run_hooks", strings.Join(c.Hooks.PreRun, "; "))
	}
	if len(c.Hooks.PostRun) > 0 {
		logArgs = append(logArgs, "post_run_hooks", strings.Join(c.Hooks.PostRun, "; "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "log-level":
			merged.LogLevel = value.(string)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "metrics":
			merged.Metrics = value.(bool)
		case "jobs":
			merged.JobsFile = value.(string)
		case "format":
			merged.Format = value.(string)
		case "level":
			merged.Level = value.(string)
		case "mode-marker-policy":
			merged.ModeMarkerPolicy = value.(string)
		case "fail-on-archive-error":
			merged.FailOnArchiveError = value.(bool)
		case "buffer-size-kb":
			merged.Performance.BufferSizeKB = value.(int)
		case "pre-run-hooks":
			merged.Hooks.PreRun = value.([]string)
		case "post-run-hooks":
			merged.Hooks.PostRun = value.([]string)
		case "hooks-fail-fast":
			merged.Hooks.FailFast = value.(bool)
		case flagparse.ExtensionArg:
			// The archive command takes it positionally, init as a flag.
			merged.Extension = value.(string)
		case "settings", "force":
			// Consumed by the command itself.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name, "command", command)
		}
	}
	return merged
}
