package joblist_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-archive/pkg/joblist"
)

// stringLocator serves job-list content from memory.
type stringLocator struct {
	content string
	openErr error
}

func (l stringLocator) Open() (io.ReadCloser, error) {
	if l.openErr != nil {
		return nil, l.openErr
	}
	return io.NopCloser(strings.NewReader(l.content)), nil
}

func (l stringLocator) Name() string { return "memory" }

func TestParse(t *testing.T) {
	testCases := []struct {
		name     string
		content  string
		policy   joblist.MarkerPolicy
		expected []joblist.Job
	}{
		{
			name:    "Two fields",
			content: "/data/proj|/backups",
			policy:  joblist.Lenient,
			expected: []joblist.Job{
				{Source: "/data/proj", Destination: "/backups", Mode: joblist.WholeTree, Line: 1},
			},
		},
		{
			name:    "Per subfolder marker",
			content: "/data/proj|/backups|S",
			policy:  joblist.Lenient,
			expected: []joblist.Job{
				{Source: "/data/proj", Destination: "/backups", Mode: joblist.PerSubfolder, Line: 1},
			},
		},
		{
			name:    "Unknown marker falls back to whole tree",
			content: "/data/proj|/backups|s",
			policy:  joblist.Lenient,
			expected: []joblist.Job{
				{Source: "/data/proj", Destination: "/backups", Mode: joblist.WholeTree, Line: 1},
			},
		},
		{
			name:    "Empty marker is whole tree even when strict",
			content: "/data/proj|/backups|",
			policy:  joblist.Strict,
			expected: []joblist.Job{
				{Source: "/data/proj", Destination: "/backups", Mode: joblist.WholeTree, Line: 1},
			},
		},
		{
			name:    "Empty lines and CRLF",
			content: "\r\n/a|/b\r\n\n/c|/d|S\r\n\n",
			policy:  joblist.Lenient,
			expected: []joblist.Job{
				{Source: "/a", Destination: "/b", Mode: joblist.WholeTree, Line: 2},
				{Source: "/c", Destination: "/d", Mode: joblist.PerSubfolder, Line: 4},
			},
		},
		{
			name:     "Empty content",
			content:  "",
			policy:   joblist.Lenient,
			expected: []joblist.Job{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			jobs, err := joblist.Parse(tc.content, tc.policy)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(jobs) != len(tc.expected) {
				t.Fatalf("expected %d jobs, got %d: %+v", len(tc.expected), len(jobs), jobs)
			}
			for i := range jobs {
				if jobs[i] != tc.expected[i] {
					t.Errorf("job %d: expected %+v, got %+v", i, tc.expected[i], jobs[i])
				}
			}
		})
	}
}

func TestParse_PreservesOrder(t *testing.T) {
	var b strings.Builder
	const n = 25
	for i := 0; i < n; i++ {
		b.WriteString(filepath.Join("/src", string(rune('a'+i))))
		b.WriteString("|/dst")
		if i%3 == 0 {
			b.WriteString("|S")
		}
		b.WriteString("\n")
	}

	jobs, err := joblist.Parse(b.String(), joblist.Lenient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != n {
		t.Fatalf("expected %d jobs, got %d", n, len(jobs))
	}
	for i, job := range jobs {
		want := filepath.Join("/src", string(rune('a'+i)))
		if job.Source != want {
			t.Errorf("job %d: expected source %q, got %q", i, want, job.Source)
		}
	}
}

func TestParse_FormatErrors(t *testing.T) {
	testCases := []struct {
		name     string
		content  string
		policy   joblist.MarkerPolicy
		wantLine int
	}{
		{name: "No delimiter", content: "/data/proj", policy: joblist.Lenient, wantLine: 1},
		{name: "Bad line after good line", content: "/a|/b\n\n/c", policy: joblist.Lenient, wantLine: 3},
		{name: "Too many fields", content: "/a|/b|S|x", policy: joblist.Lenient, wantLine: 1},
		{name: "Whitespace only line", content: "/a|/b\n   ", policy: joblist.Lenient, wantLine: 2},
		{name: "Unknown marker when strict", content: "/a|/b|X", policy: joblist.Strict, wantLine: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			jobs, err := joblist.Parse(tc.content, tc.policy)
			if err == nil {
				t.Fatalf("expected error, got jobs %+v", jobs)
			}
			var formatErr *joblist.ConfigFormatError
			if !errors.As(err, &formatErr) {
				t.Fatalf("expected ConfigFormatError, got %T: %v", err, err)
			}
			if formatErr.Line != tc.wantLine {
				t.Errorf("expected error on line %d, got line %d", tc.wantLine, formatErr.Line)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("Missing file yields no jobs", func(t *testing.T) {
		loc := joblist.FileLocator{Path: filepath.Join(t.TempDir(), "config")}
		jobs, err := joblist.Load(loc, joblist.Lenient)
		if err != nil {
			t.Fatalf("expected no error for missing job list, got %v", err)
		}
		if len(jobs) != 0 {
			t.Errorf("expected no jobs, got %d", len(jobs))
		}
	})

	t.Run("Unreadable resource yields no jobs", func(t *testing.T) {
		loc := stringLocator{openErr: errors.New("permission denied")}
		jobs, err := joblist.Load(loc, joblist.Lenient)
		if err != nil {
			t.Fatalf("expected no error for unreadable job list, got %v", err)
		}
		if len(jobs) != 0 {
			t.Errorf("expected no jobs, got %d", len(jobs))
		}
	})

	t.Run("File on disk", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config")
		content := "/a|/b\n/c|/d|S\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write job list: %v", err)
		}
		jobs, err := joblist.Load(joblist.FileLocator{Path: path}, joblist.Lenient)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(jobs) != 2 {
			t.Fatalf("expected 2 jobs, got %d", len(jobs))
		}
		if jobs[1].Mode != joblist.PerSubfolder {
			t.Errorf("expected second job to be per-subfolder, got %s", jobs[1].Mode)
		}
	})

	t.Run("Malformed content is fatal", func(t *testing.T) {
		_, err := joblist.Load(stringLocator{content: "/a|/b\nbroken\n"}, joblist.Lenient)
		var formatErr *joblist.ConfigFormatError
		if !errors.As(err, &formatErr) {
			t.Fatalf("expected ConfigFormatError, got %v", err)
		}
	})
}

func TestParseMarkerPolicy(t *testing.T) {
	if p, err := joblist.ParseMarkerPolicy(""); err != nil || p != joblist.Lenient {
		t.Errorf("expected empty string to yield lenient, got %v, %v", p, err)
	}
	if p, err := joblist.ParseMarkerPolicy("strict"); err != nil || p != joblist.Strict {
		t.Errorf("expected strict, got %v, %v", p, err)
	}
	if _, err := joblist.ParseMarkerPolicy("sloppy"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
