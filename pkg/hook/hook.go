// Package hook runs the user supplied shell commands before and after an
// archive run, for example to mount a network share that a job reads from.
package hook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/paulschiretz/pgl-archive/pkg/hints"
	"github.com/paulschiretz/pgl-archive/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("hook execution is disabled")

// Phase names the point of the run a hook command belongs to.
type Phase string

const (
	PreRun  Phase = "pre-run"
	PostRun Phase = "post-run"
)

// Environment variables handed to every hook command.
const (
	EnvPhase     = "PGL_ARCHIVE_PHASE"
	EnvRunID     = "PGL_ARCHIVE_RUN_ID"
	EnvTimestamp = "PGL_ARCHIVE_TIMESTAMP"
)

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor creates a new HookExecutor.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	return &HookExecutor{
		commandContext: commandContext,
	}
}

func (e *HookExecutor) RunPreHook(ctx context.Context, runID string, p *Plan, timestamp time.Time) error {
	return e.run(ctx, PreRun, p.PreHookCommands, runID, p, timestamp)
}

func (e *HookExecutor) RunPostHook(ctx context.Context, runID string, p *Plan, timestamp time.Time) error {
	return e.run(ctx, PostRun, p.PostHookCommands, runID, p, timestamp)
}

func (e *HookExecutor) run(ctx context.Context, phase Phase, commands []string, runID string, p *Plan, timestamp time.Time) error {
	if !p.Enabled {
		return ErrDisabled
	}

	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Running hook commands", "phase", phase)

	for _, hookCommand := range commands {

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.DryRun {
			plog.Info("[DRY RUN] Executing command", "phase", phase, "command", hookCommand)
			continue
		}
		plog.Info("Executing command", "phase", phase, "command", hookCommand)

		cmd := e.createCommand(ctx, hookCommand)
		cmd.Env = append(cmd.Environ(),
			EnvPhase+"="+string(phase),
			EnvRunID+"="+runID,
			EnvTimestamp+"="+timestamp.Format(time.RFC3339),
		)

		// Pipe output through for visibility
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// A canceled context makes cmd.Run fail too; report the cancellation.
			if ctx.Err() == context.Canceled {
				return context.Canceled
			}
			if p.FailFast {
				return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			}
			plog.Warn("Hook command failed", "phase", phase, "command", hookCommand, "error", err)
		}
	}
	return nil
}
