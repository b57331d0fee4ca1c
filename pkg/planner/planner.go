// Package planner turns settings and job list entries into concrete work: the
// run wide ArchivePlan and, per job, the list of ArchiveRequests to execute.
package planner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-archive/pkg/config"
	"github.com/paulschiretz/pgl-archive/pkg/hints"
	"github.com/paulschiretz/pgl-archive/pkg/hook"
	"github.com/paulschiretz/pgl-archive/pkg/joblist"
	"github.com/paulschiretz/pgl-archive/pkg/pathcompression"
	"github.com/paulschiretz/pgl-archive/pkg/preflight"
)

const (
	// TimestampLayout renders local time as YY_MM_DD_HH_MM.
	TimestampLayout = "06_01_02_15_04"
	// DefaultExtension is used when neither the settings nor the command line name one.
	DefaultExtension = ".tar.zst"
)

// ErrNoSubfolders is returned by Plan when a per-subfolder source has no
// immediate subdirectories. It is a hint, the job simply produces no archives.
var ErrNoSubfolders = hints.New("no subfolders to archive")

// ErrEnumerate marks a failure to list the children of a per-subfolder source.
var ErrEnumerate = errors.New("cannot enumerate source")

// ArchiveRequest is one unit of work for the compressor.
type ArchiveRequest struct {
	InputRoot  string
	OutputPath string
	Timestamp  time.Time
}

type ArchivePlan struct {
	DryRun             bool
	Metrics            bool
	FailOnArchiveError bool

	Extension        string
	ModeMarkerPolicy joblist.MarkerPolicy

	Preflight   *preflight.Plan
	Compression *pathcompression.Plan
	Hooks       *hook.Plan
}

// GenerateArchivePlan resolves the string based settings into typed plans for
// every component of an archive run.
func GenerateArchivePlan(cfg config.Config) (*ArchivePlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun
	metrics := cfg.Metrics

	extension := cfg.Extension
	if extension == "" {
		extension = DefaultExtension
	}

	markerPolicy, err := joblist.ParseMarkerPolicy(cfg.ModeMarkerPolicy)
	if err != nil {
		return nil, err
	}

	var format pathcompression.Format
	if cfg.Format != "" {
		format, err = pathcompression.ParseFormat(cfg.Format)
	} else {
		format, err = pathcompression.FormatFromExtension(extension)
	}
	if err != nil {
		return nil, err
	}

	level, err := pathcompression.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	return &ArchivePlan{
		DryRun:             dryRun,
		Metrics:            metrics,
		FailOnArchiveError: cfg.FailOnArchiveError,

		Extension:        extension,
		ModeMarkerPolicy: markerPolicy,

		Preflight: &preflight.Plan{
			SourceAccessible:        true,
			DestinationAccessible:   true,
			EnsureDestinationExists: true,
			DestinationWriteable:    true,
			// Global Flags
			DryRun: dryRun,
		},
		Compression: &pathcompression.Plan{
			Format:       format,
			Level:        level,
			BufferSizeKB: cfg.Performance.BufferSizeKB,
			// Global Flags
			Metrics: metrics,
		},
		Hooks: &hook.Plan{
			Enabled:          len(cfg.Hooks.PreRun) > 0 || len(cfg.Hooks.PostRun) > 0,
			PreHookCommands:  cfg.Hooks.PreRun,
			PostHookCommands: cfg.Hooks.PostRun,
			// Global Flags
			DryRun:   dryRun,
			FailFast: cfg.Hooks.FailFast,
		},
	}, nil
}

// ArchiveFileName builds "{base}_{YY_MM_DD_HH_MM}{ext}". The extension is used
// verbatim, including its leading separator.
func ArchiveFileName(base string, ts time.Time, ext string) string {
	return base + "_" + ts.Format(TimestampLayout) + ext
}

// Plan derives the archive requests for a single job. The timestamp is taken
// from now once per request, so a slow per-subfolder job may span minutes.
func Plan(job joblist.Job, extension string, now func() time.Time) ([]ArchiveRequest, error) {
	absDest, err := filepath.Abs(job.Destination)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve destination %s: %w", job.Destination, err)
	}

	switch job.Mode {
	case joblist.WholeTree:
		req, err := newRequest(job.Source, absDest, extension, now)
		if err != nil {
			return nil, err
		}
		return []ArchiveRequest{req}, nil

	case joblist.PerSubfolder:
		// os.ReadDir sorts by file name.
		entries, err := os.ReadDir(job.Source)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrEnumerate, job.Source, err)
		}
		var reqs []ArchiveRequest
		for _, e := range entries {
			// DirEntry.IsDir does not follow symlinks, so links to directories are skipped.
			if !e.IsDir() {
				continue
			}
			req, err := newRequest(filepath.Join(job.Source, e.Name()), absDest, extension, now)
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, req)
		}
		if len(reqs) == 0 {
			return nil, ErrNoSubfolders
		}
		return reqs, nil

	default:
		return nil, fmt.Errorf("unsupported mode: %s", job.Mode)
	}
}

func newRequest(inputRoot, absDest, extension string, now func() time.Time) (ArchiveRequest, error) {
	absInput, err := filepath.Abs(inputRoot)
	if err != nil {
		return ArchiveRequest{}, fmt.Errorf("cannot resolve source %s: %w", inputRoot, err)
	}
	base, err := baseName(absInput)
	if err != nil {
		return ArchiveRequest{}, err
	}
	ts := now()
	return ArchiveRequest{
		InputRoot:  absInput,
		OutputPath: filepath.Join(absDest, ArchiveFileName(base, ts, extension)),
		Timestamp:  ts,
	}, nil
}

// baseName returns the last path element of an absolute, cleaned path.
func baseName(absPath string) (string, error) {
	base := filepath.Base(absPath)
	if base == string(filepath.Separator) || base == "." || filepath.Dir(absPath) == absPath {
		return "", fmt.Errorf("cannot derive an archive name from root path %s", absPath)
	}
	return base, nil
}
