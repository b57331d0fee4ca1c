// Package joblist reads the line-oriented job list that drives an archive run.
//
// Each non-empty line has the shape
//
//	<source>|<destination>[|<marker>]
//
// and becomes one Job. Lines are returned in file order, which is the order the
// engine processes them in. A malformed line aborts the whole load; there is no
// per-line skipping.
package joblist

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/paulschiretz/pgl-archive/pkg/plog"
	"github.com/paulschiretz/pgl-archive/pkg/util"
)

// Delimiter separates the fields of a job line.
const Delimiter = "|"

// DefaultFileName is the job list looked up in the working directory when no
// other path is configured.
const DefaultFileName = "config"

// Job is one archival task parsed from a single job-list line.
type Job struct {
	Source      string
	Destination string
	Mode        Mode
	// Line is the 1-based line number the job was read from.
	Line int
}

// ConfigFormatError reports a job-list line that does not have the
// `source|destination[|marker]` shape.
type ConfigFormatError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ConfigFormatError) Error() string {
	return fmt.Sprintf("job list is formatted incorrectly at line %d (%q): %s", e.Line, e.Text, e.Reason)
}

// Locator opens the job-list resource.
type Locator interface {
	Open() (io.ReadCloser, error)
	Name() string
}

// FileLocator locates the job list on the local filesystem.
type FileLocator struct {
	Path string
}

func (l FileLocator) Open() (io.ReadCloser, error) { return os.Open(l.Path) }
func (l FileLocator) Name() string                 { return l.Path }

// Load reads and parses the job list behind loc.
// A resource that does not exist or cannot be read yields no jobs and no error.
func Load(loc Locator, policy MarkerPolicy) ([]Job, error) {
	r, err := loc.Open()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			plog.Debug("Job list not found, nothing to do", "path", loc.Name())
		} else {
			plog.Warn("Job list could not be opened, nothing to do", "path", loc.Name(), "error", err)
		}
		return []Job{}, nil
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		plog.Warn("Job list could not be read, nothing to do", "path", loc.Name(), "error", err)
		return []Job{}, nil
	}

	plog.Debug("Loading job list", "path", loc.Name())
	return Parse(string(data), policy)
}

// Parse parses job-list content.
func Parse(content string, policy MarkerPolicy) ([]Job, error) {
	jobs := []Job{}
	for i, line := range strings.Split(content, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		job, err := parseLine(line, i+1, policy)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func parseLine(line string, lineNo int, policy MarkerPolicy) (Job, error) {
	fields := strings.Split(line, Delimiter)
	switch {
	case len(fields) < 2:
		return Job{}, &ConfigFormatError{Line: lineNo, Text: line, Reason: "expected source" + Delimiter + "destination"}
	case len(fields) > 3:
		return Job{}, &ConfigFormatError{Line: lineNo, Text: line, Reason: fmt.Sprintf("expected at most 3 fields, got %d", len(fields))}
	}

	source, err := util.ExpandPath(fields[0])
	if err != nil {
		return Job{}, fmt.Errorf("line %d: %w", lineNo, err)
	}
	destination, err := util.ExpandPath(fields[1])
	if err != nil {
		return Job{}, fmt.Errorf("line %d: %w", lineNo, err)
	}

	job := Job{Source: source, Destination: destination, Mode: WholeTree, Line: lineNo}
	if len(fields) == 3 {
		marker := fields[2]
		switch {
		case marker == PerSubfolderMarker:
			job.Mode = PerSubfolder
		case marker == "":
		case policy == Strict:
			return Job{}, &ConfigFormatError{Line: lineNo, Text: line, Reason: fmt.Sprintf("unknown mode marker %q", marker)}
		default:
			plog.Warn("Unknown mode marker, using whole-tree mode", "line", lineNo, "marker", marker)
		}
	}
	return job, nil
}
