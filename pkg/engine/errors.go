package engine

import (
	"fmt"

	"github.com/paulschiretz/pgl-archive/pkg/planner"
)

// MissingSourceError aborts the run: a job's source is not an existing directory.
type MissingSourceError struct {
	Source string
	Err    error
}

func (e *MissingSourceError) Error() string {
	return fmt.Sprintf("source folder not found: %s: %v", e.Source, e.Err)
}

func (e *MissingSourceError) Unwrap() error { return e.Err }

// IOError aborts the run when a destination cannot be prepared or locked, or
// when a per-subfolder source cannot be listed.
type IOError struct {
	Op   string
	Path string
	Err  error
}

const (
	OpCreateDestination = "create destination"
	OpLockDestination   = "lock destination"
	OpEnumerateSource   = "enumerate source"
)

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ArchiverFailureError records a single request the compressor could not
// complete. It never aborts the run.
type ArchiverFailureError struct {
	Request planner.ArchiveRequest
	Err     error
}

func (e *ArchiverFailureError) Error() string {
	return fmt.Sprintf("archiving %s to %s failed: %v", e.Request.InputRoot, e.Request.OutputPath, e.Err)
}

func (e *ArchiverFailureError) Unwrap() error { return e.Err }
