package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/paulschiretz/pgl-archive/cmd"
	"github.com/paulschiretz/pgl-archive/pkg/buildinfo"
	"github.com/paulschiretz/pgl-archive/pkg/engine"
	"github.com/paulschiretz/pgl-archive/pkg/flagparse"
	"github.com/paulschiretz/pgl-archive/pkg/joblist"
	"github.com/paulschiretz/pgl-archive/pkg/plog"
)

// Exit codes of the process.
const (
	exitOK            = 0
	exitFailure       = 1
	exitConfiguration = 2
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context, args []string) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil // the flag set printed its usage
		}
		return err
	}

	switch command {
	case flagparse.None:
		return nil // help was printed
	case flagparse.Version:
		return cmd.RunVersion()
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case flagparse.Archive:
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
		return cmd.RunArchive(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

// exitCode maps a run error to the process exit status. A malformed job list
// and a missing source are configuration problems, everything else is a
// runtime failure.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var formatErr *joblist.ConfigFormatError
	var missingErr *engine.MissingSourceError
	if errors.As(err, &formatErr) || errors.As(err, &missingErr) {
		return exitConfiguration
	}
	return exitFailure
}

func main() {
	// Cancel the context on Ctrl+C so the compressor can remove its temp file.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, os.Args[1:])
	if err != nil {
		if errors.Is(err, context.Canceled) {
			plog.Warn(buildinfo.Name + " was interrupted")
		} else {
			plog.Error(buildinfo.Name+" exited with error", "error", err)
		}
	}
	os.Exit(exitCode(err))
}
