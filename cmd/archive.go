package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-archive/pkg/buildinfo"
	"github.com/paulschiretz/pgl-archive/pkg/config"
	"github.com/paulschiretz/pgl-archive/pkg/engine"
	"github.com/paulschiretz/pgl-archive/pkg/flagparse"
	"github.com/paulschiretz/pgl-archive/pkg/hints"
	"github.com/paulschiretz/pgl-archive/pkg/hook"
	"github.com/paulschiretz/pgl-archive/pkg/joblist"
	"github.com/paulschiretz/pgl-archive/pkg/pathcompression"
	"github.com/paulschiretz/pgl-archive/pkg/planner"
	"github.com/paulschiretz/pgl-archive/pkg/plog"
)

// ErrArchiveFailures is returned when failOnArchiveError is set and at least
// one archive could not be created.
var ErrArchiveFailures = errors.New("one or more archives failed")

// progressInterval is how often running metrics are logged.
const progressInterval = 10 * time.Second

// RunArchive handles the logic for the main archive execution.
func RunArchive(ctx context.Context, flagMap map[string]any) error {
	return runArchive(ctx, flagMap, exec.CommandContext)
}

func runArchive(ctx context.Context, flagMap map[string]any, commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) error {
	settingsPath := config.ConfigFileName
	if v, ok := flagMap["settings"].(string); ok && v != "" {
		settingsPath = v
	}

	loadedConfig, err := config.Load(settingsPath)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	// Merge the flag values over the loaded config to get the final run config.
	runConfig := config.MergeConfigWithFlags(flagparse.Archive, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return err
	}

	// Set the global log level based on the final configuration.
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	runID := uuid.NewString()
	plog.Info("Run started", "run_id", runID)
	runConfig.LogSummary()

	archivePlan, err := planner.GenerateArchivePlan(runConfig)
	if err != nil {
		return err
	}

	jobs, err := joblist.Load(joblist.FileLocator{Path: runConfig.JobsFile}, archivePlan.ModeMarkerPolicy)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		plog.Warn("Job list is empty, nothing to archive", "path", runConfig.JobsFile)
	}

	startTime := time.Now()
	hookExecutor := hook.NewHookExecutor(commandContext)

	if err := hookExecutor.RunPreHook(ctx, runID, archivePlan.Hooks, startTime); err != nil && !hints.IsHint(err) {
		errMsg := "pre-run hook failed"
		if errors.Is(err, context.Canceled) {
			errMsg = "pre-run hook canceled"
		}
		return fmt.Errorf("%s: %w", errMsg, err)
	}

	compressor := pathcompression.NewPathCompressor(archivePlan.Compression)
	metrics := compressor.Metrics()
	metrics.StartProgress("Compression progress", progressInterval)

	runner := engine.NewRunner(compressor, time.Now)
	summary, runErr := runner.Execute(ctx, jobs, archivePlan)

	metrics.StopProgress()
	metrics.LogSummary("Compression finished")

	// Post-run hooks run even when the run failed, e.g. to unmount a share.
	if err := hookExecutor.RunPostHook(ctx, runID, archivePlan.Hooks, startTime); err != nil && !hints.IsHint(err) {
		if errors.Is(err, context.Canceled) {
			plog.Info("Post-run hooks skipped due to cancellation.")
		} else if runErr == nil {
			runErr = fmt.Errorf("post-run hook failed: %w", err)
		} else {
			plog.Warn("Post-run hook failed", "error", err)
		}
	}

	if runErr != nil {
		return runErr // The error will be logged with full details by main()
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	if len(summary.Failures) > 0 {
		plog.Warn(buildinfo.Name+" finished with failed archives.", "failed", len(summary.Failures), "duration", duration, "run_id", runID)
		if archivePlan.FailOnArchiveError {
			return fmt.Errorf("%w: %d of %d", ErrArchiveFailures, len(summary.Failures), summary.Requests)
		}
		return nil
	}
	plog.Info(buildinfo.Name+" finished successfully.", "archives", summary.Archived, "duration", duration, "run_id", runID)
	return nil
}
