// Package engine drives an archive run: it walks the job list in order,
// prepares every destination and hands each archive request to a Compressor.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/paulschiretz/pgl-archive/pkg/hints"
	"github.com/paulschiretz/pgl-archive/pkg/joblist"
	"github.com/paulschiretz/pgl-archive/pkg/lockfile"
	"github.com/paulschiretz/pgl-archive/pkg/planner"
	"github.com/paulschiretz/pgl-archive/pkg/plog"
	"github.com/paulschiretz/pgl-archive/pkg/preflight"
)

// Compressor writes the archive for a single request.
type Compressor interface {
	Compress(ctx context.Context, absInputRoot, absOutputPath string) error
}

// Summary counts what a run did. Failures holds every request the
// compressor could not complete, in execution order.
type Summary struct {
	Jobs     int
	Requests int
	Archived int
	Failures []*ArchiverFailureError
}

type Runner struct {
	compressor Compressor
	now        func() time.Time
}

// NewRunner creates a Runner. A nil now defaults to time.Now.
func NewRunner(compressor Compressor, now func() time.Time) *Runner {
	if now == nil {
		now = time.Now
	}
	return &Runner{
		compressor: compressor,
		now:        now,
	}
}

// Execute runs the jobs strictly in order. A missing source or a destination
// that cannot be prepared stops the run; compressor failures are collected in
// the returned Summary and the run continues.
func (r *Runner) Execute(ctx context.Context, jobs []joblist.Job, p *planner.ArchivePlan) (Summary, error) {
	var summary Summary

	if p.DryRun {
		plog.Notice("Starting archive run (DRY RUN)", "jobs", len(jobs))
	} else {
		plog.Info("Starting archive run", "jobs", len(jobs))
	}

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		if err := r.executeJob(ctx, job, p, &summary); err != nil {
			return summary, err
		}
		summary.Jobs++
	}

	plog.Info("Archive run completed",
		"jobs", summary.Jobs,
		"requests", summary.Requests,
		"archived", summary.Archived,
		"failed", len(summary.Failures))
	return summary, nil
}

func (r *Runner) executeJob(ctx context.Context, job joblist.Job, p *planner.ArchivePlan, summary *Summary) error {
	plog.Info("Starting job", "line", job.Line, "source", job.Source, "destination", job.Destination, "mode", job.Mode)

	if err := r.prepareJob(job, p.Preflight); err != nil {
		return err
	}

	if !p.DryRun {
		lock, err := lockfile.Acquire(ctx, job.Destination, "pgl-archive:"+job.Destination)
		if err != nil {
			return &IOError{Op: OpLockDestination, Path: job.Destination, Err: err}
		}
		defer lock.Release()
	}

	requests, err := planner.Plan(job, p.Extension, r.now)
	if err != nil {
		if hints.IsHint(err) {
			plog.Info("Skipping job", "source", job.Source, "reason", err)
			return nil
		}
		if errors.Is(err, planner.ErrEnumerate) {
			return &IOError{Op: OpEnumerateSource, Path: job.Source, Err: err}
		}
		return err
	}

	for _, req := range requests {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		summary.Requests++

		if err := r.executeRequest(ctx, req, p.DryRun); err != nil {
			// A cancelled compressor is not an archiver failure.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failure := &ArchiverFailureError{Request: req, Err: err}
			plog.Warn("Archive failed, continuing", "source", req.InputRoot, "destination", req.OutputPath, "error", err)
			summary.Failures = append(summary.Failures, failure)
			continue
		}
		summary.Archived++
	}
	return nil
}

// prepareJob validates the source and makes sure the destination exists.
// Dry runs only check the destination.
func (r *Runner) prepareJob(job joblist.Job, p *preflight.Plan) error {
	if p.SourceAccessible {
		if err := preflight.CheckSourceAccessible(job.Source); err != nil {
			return &MissingSourceError{Source: job.Source, Err: err}
		}
	}

	if p.DestinationAccessible {
		if err := preflight.CheckDestinationAccessible(job.Destination); err != nil {
			return &IOError{Op: OpCreateDestination, Path: job.Destination, Err: err}
		}
	}

	if p.DryRun {
		plog.Notice("[DRY RUN] Would create destination", "path", job.Destination)
		return nil
	}

	if p.EnsureDestinationExists {
		if err := preflight.EnsureDestination(job.Destination); err != nil {
			return &IOError{Op: OpCreateDestination, Path: job.Destination, Err: err}
		}
	}

	if p.DestinationWriteable {
		if err := preflight.CheckDestinationWritable(job.Destination); err != nil {
			return &IOError{Op: OpCreateDestination, Path: job.Destination, Err: err}
		}
	}
	return nil
}

func (r *Runner) executeRequest(ctx context.Context, req planner.ArchiveRequest, dryRun bool) error {
	plog.Info(req.InputRoot + " -> " + req.OutputPath)
	start := time.Now()

	var err error
	if dryRun {
		plog.Notice("[DRY RUN] Would create archive", "source", req.InputRoot, "destination", req.OutputPath)
	} else {
		err = r.compressor.Compress(ctx, req.InputRoot, req.OutputPath)
	}

	status, exitCode := "success", 0
	if err != nil {
		status, exitCode = "failed", 1
	}
	plog.Info("Archive status", "destination", req.OutputPath, "status", status, "exit_code", exitCode)
	plog.Info("Archive elapsed", "destination", req.OutputPath, "elapsed_sec", int64(time.Since(start)/time.Second))
	return err
}
