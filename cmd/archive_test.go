package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-archive/pkg/engine"
	"github.com/paulschiretz/pgl-archive/pkg/flagparse"
	"github.com/paulschiretz/pgl-archive/pkg/joblist"
	"github.com/paulschiretz/pgl-archive/pkg/plog"
)

// TestHelperProcess is a helper for testing exec.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) > 0 && strings.Contains(args[0], "fail") {
		os.Exit(1)
	}
	os.Exit(0)
}

func mockExecutor(ctx context.Context, name string, arg ...string) *exec.Cmd {
	var cmdLine string
	if len(arg) > 1 && (arg[0] == "/C" || arg[0] == "-c") {
		cmdLine = strings.Join(arg[1:], " ")
	} else {
		cmdLine = name + " " + strings.Join(arg, " ")
	}

	cs := []string{"-test.run=TestHelperProcess", "--", cmdLine}
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	return cmd
}

type archiveFixture struct {
	base     string
	settings string
	jobs     string
	dest     string
}

// newArchiveFixture creates a project tree, a per-subfolder tree and a job list
// archiving both into one destination.
func newArchiveFixture(t *testing.T) archiveFixture {
	t.Helper()
	base := t.TempDir()
	f := archiveFixture{
		base:     base,
		settings: filepath.Join(base, "pgl-archive.toml"),
		jobs:     filepath.Join(base, "config"),
		dest:     filepath.Join(base, "out"),
	}

	proj := filepath.Join(base, "proj")
	clients := filepath.Join(base, "clients")
	for _, dir := range []string{proj, filepath.Join(clients, "acme"), filepath.Join(clients, "globex")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
		if err := os.WriteFile(filepath.Join(dir, "data.txt"), []byte("payload"), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
	}

	content := proj + "|" + f.dest + "\n\n" + clients + "|" + f.dest + "|S\n"
	if err := os.WriteFile(f.jobs, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write job list: %v", err)
	}
	return f
}

func (f archiveFixture) flags(extra map[string]any) map[string]any {
	m := map[string]any{
		"settings": f.settings,
		"jobs":     f.jobs,
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func countArchives(t *testing.T, dir, pattern string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	return len(matches)
}

func TestRunArchive(t *testing.T) {
	t.Run("Archives Every Job", func(t *testing.T) {
		f := newArchiveFixture(t)
		err := runArchive(context.Background(), f.flags(map[string]any{flagparse.ExtensionArg: ".tar.gz"}), mockExecutor)
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		for _, pattern := range []string{"proj_*.tar.gz", "acme_*.tar.gz", "globex_*.tar.gz"} {
			if n := countArchives(t, f.dest, pattern); n != 1 {
				t.Errorf("expected 1 archive matching %s, found %d", pattern, n)
			}
		}
		if n := countArchives(t, f.dest, "*.tmp"); n != 0 {
			t.Errorf("expected no temp files left behind, found %d", n)
		}
	})

	t.Run("Logs Run Start Once", func(t *testing.T) {
		var logBuf bytes.Buffer
		plog.SetOutput(&logBuf)
		t.Cleanup(func() { plog.SetOutput(os.Stderr) })

		f := newArchiveFixture(t)
		if err := runArchive(context.Background(), f.flags(nil), mockExecutor); err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		logs := logBuf.String()
		if !strings.Contains(logs, `msg="Run started" run_id=`) {
			t.Errorf("expected a run start line with run_id, got:\n%s", logs)
		}
		if n := strings.Count(logs, `msg="Starting archive run"`); n != 1 {
			t.Errorf("expected the engine start line exactly once, found %d", n)
		}
	})

	t.Run("Uses Settings File", func(t *testing.T) {
		f := newArchiveFixture(t)
		if err := os.WriteFile(f.settings, []byte("extension = \".zip\"\nlevel = \"fastest\"\n"), 0644); err != nil {
			t.Fatalf("failed to write settings: %v", err)
		}
		if err := runArchive(context.Background(), f.flags(nil), mockExecutor); err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if n := countArchives(t, f.dest, "*.zip"); n != 3 {
			t.Errorf("expected 3 zip archives, found %d", n)
		}
	})

	t.Run("Dry Run Writes Nothing", func(t *testing.T) {
		f := newArchiveFixture(t)
		if err := runArchive(context.Background(), f.flags(map[string]any{"dry-run": true, "metrics": true}), mockExecutor); err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if _, err := os.Stat(f.dest); !os.IsNotExist(err) {
			t.Errorf("expected destination not to exist after a dry run, stat err: %v", err)
		}
	})

	t.Run("Missing Job List Is Empty Run", func(t *testing.T) {
		f := newArchiveFixture(t)
		flags := f.flags(map[string]any{"jobs": filepath.Join(f.base, "missing")})
		if err := runArchive(context.Background(), flags, mockExecutor); err != nil {
			t.Fatalf("expected no error for a missing job list, got: %v", err)
		}
	})

	t.Run("Malformed Job List", func(t *testing.T) {
		f := newArchiveFixture(t)
		if err := os.WriteFile(f.jobs, []byte("only-one-field\n"), 0644); err != nil {
			t.Fatalf("failed to write job list: %v", err)
		}
		err := runArchive(context.Background(), f.flags(nil), mockExecutor)
		var formatErr *joblist.ConfigFormatError
		if !errors.As(err, &formatErr) {
			t.Fatalf("expected ConfigFormatError, got: %v", err)
		}
		if formatErr.Line != 1 {
			t.Errorf("expected line 1, got %d", formatErr.Line)
		}
	})

	t.Run("Missing Source", func(t *testing.T) {
		f := newArchiveFixture(t)
		content := filepath.Join(f.base, "gone") + "|" + f.dest + "\n"
		if err := os.WriteFile(f.jobs, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write job list: %v", err)
		}
		err := runArchive(context.Background(), f.flags(nil), mockExecutor)
		var missingErr *engine.MissingSourceError
		if !errors.As(err, &missingErr) {
			t.Fatalf("expected MissingSourceError, got: %v", err)
		}
	})

	t.Run("Invalid Settings", func(t *testing.T) {
		f := newArchiveFixture(t)
		err := runArchive(context.Background(), f.flags(map[string]any{flagparse.ExtensionArg: ".rar"}), mockExecutor)
		if err == nil {
			t.Fatal("expected an error for an extension without a known format, got nil")
		}
	})

	t.Run("Pre-Run Hook Fail Fast", func(t *testing.T) {
		f := newArchiveFixture(t)
		flags := f.flags(map[string]any{
			"pre-run-hooks":   []string{"fail mount"},
			"hooks-fail-fast": true,
		})
		err := runArchive(context.Background(), flags, mockExecutor)
		if err == nil || !strings.Contains(err.Error(), "pre-run hook failed") {
			t.Fatalf("expected a pre-run hook error, got: %v", err)
		}
		if _, err := os.Stat(f.dest); !os.IsNotExist(err) {
			t.Error("expected no archives after a failed pre-run hook")
		}
	})

	t.Run("Hooks Run Around Archiving", func(t *testing.T) {
		f := newArchiveFixture(t)
		flags := f.flags(map[string]any{
			"pre-run-hooks":  []string{"mount share"},
			"post-run-hooks": []string{"fail umount"},
		})
		// Without fail-fast a failing hook only logs a warning.
		if err := runArchive(context.Background(), flags, mockExecutor); err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if n := countArchives(t, f.dest, "*.tar.zst"); n != 3 {
			t.Errorf("expected 3 archives, found %d", n)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		f := newArchiveFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := runArchive(ctx, f.flags(nil), mockExecutor)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got: %v", err)
		}
	})
}

func TestRunArchive_FailOnArchiveError(t *testing.T) {
	f := newArchiveFixture(t)
	locked := filepath.Join(f.base, "proj", "data.txt")
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0o644) })
	if fh, err := os.Open(locked); err == nil {
		fh.Close()
		t.Skip("file is still readable (running as root or on Windows)")
	}

	t.Run("Failures Are Reported Only", func(t *testing.T) {
		if err := runArchive(context.Background(), f.flags(nil), mockExecutor); err != nil {
			t.Fatalf("expected archiver failures not to fail the run, got: %v", err)
		}
		if n := countArchives(t, f.dest, "acme_*.tar.zst"); n != 1 {
			t.Errorf("expected later jobs to be archived, found %d", n)
		}
	})

	t.Run("Failures Fail The Run", func(t *testing.T) {
		err := runArchive(context.Background(), f.flags(map[string]any{"fail-on-archive-error": true}), mockExecutor)
		if !errors.Is(err, ErrArchiveFailures) {
			t.Fatalf("expected ErrArchiveFailures, got: %v", err)
		}
	})
}
