package planner_test

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-archive/pkg/config"
	"github.com/paulschiretz/pgl-archive/pkg/joblist"
	"github.com/paulschiretz/pgl-archive/pkg/pathcompression"
	"github.com/paulschiretz/pgl-archive/pkg/planner"
	"github.com/paulschiretz/pgl-archive/pkg/util"
)

var fixedTime = time.Date(2024, 5, 1, 13, 7, 0, 0, time.Local)

func fixedNow() time.Time { return fixedTime }

func mkdirs(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if err := os.MkdirAll(p, util.UserWritableDirPerms); err != nil {
			t.Fatalf("failed to create %s: %v", p, err)
		}
	}
}

func TestArchiveFileName(t *testing.T) {
	tests := []struct {
		base string
		ts   time.Time
		ext  string
		want string
	}{
		{"proj", fixedTime, ".tar.zst", "proj_24_05_01_13_07.tar.zst"},
		{"photos", time.Date(2009, 12, 31, 23, 59, 59, 0, time.Local), ".tgz", "photos_09_12_31_23_59.tgz"},
		{"a b", time.Date(2030, 1, 2, 3, 4, 0, 0, time.Local), ".zip", "a b_30_01_02_03_04.zip"},
		{"raw", fixedTime, "", "raw_24_05_01_13_07"},
	}
	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			if got := planner.ArchiveFileName(tc.base, tc.ts, tc.ext); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestPlan_WholeTree(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "proj")
	dest := filepath.Join(base, "out")
	mkdirs(t, filepath.Join(src, "sub"))

	reqs, err := planner.Plan(joblist.Job{Source: src, Destination: dest, Mode: joblist.WholeTree}, planner.DefaultExtension, fixedNow)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected exactly 1 request, got %d", len(reqs))
	}
	want := filepath.Join(dest, "proj_24_05_01_13_07.tar.zst")
	if reqs[0].OutputPath != want {
		t.Errorf("expected output %s, got %s", want, reqs[0].OutputPath)
	}
	if reqs[0].InputRoot != src {
		t.Errorf("expected input root %s, got %s", src, reqs[0].InputRoot)
	}
	if !reqs[0].Timestamp.Equal(fixedTime) {
		t.Errorf("expected timestamp %v, got %v", fixedTime, reqs[0].Timestamp)
	}
}

func TestPlan_WholeTreeTrailingSeparator(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "proj")
	mkdirs(t, src)

	reqs, err := planner.Plan(joblist.Job{Source: src + string(filepath.Separator), Destination: base}, ".tar", fixedNow)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if got := filepath.Base(reqs[0].OutputPath); got != "proj_24_05_01_13_07.tar" {
		t.Errorf("expected basename to ignore the trailing separator, got %s", got)
	}
}

func TestPlan_PerSubfolder(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "clients")
	dest := filepath.Join(base, "out")
	mkdirs(t, filepath.Join(src, "beta"), filepath.Join(src, "alpha", "deep"))
	if err := os.WriteFile(filepath.Join(src, "notes.txt"), []byte("x"), util.UserWritableFilePerms); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	reqs, err := planner.Plan(joblist.Job{Source: src, Destination: dest, Mode: joblist.PerSubfolder}, ".tar.gz", fixedNow)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests (one per subfolder), got %d", len(reqs))
	}

	wantNames := []string{"alpha_24_05_01_13_07.tar.gz", "beta_24_05_01_13_07.tar.gz"}
	wantInputs := []string{filepath.Join(src, "alpha"), filepath.Join(src, "beta")}
	for i, r := range reqs {
		if r.OutputPath != filepath.Join(dest, wantNames[i]) {
			t.Errorf("request %d: expected output %s, got %s", i, filepath.Join(dest, wantNames[i]), r.OutputPath)
		}
		if r.InputRoot != wantInputs[i] {
			t.Errorf("request %d: expected input %s, got %s", i, wantInputs[i], r.InputRoot)
		}
	}
}

func TestPlan_PerSubfolderSkipsSymlinkedDirs(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "clients")
	other := filepath.Join(base, "elsewhere")
	mkdirs(t, filepath.Join(src, "real"), other)
	if err := os.Symlink(other, filepath.Join(src, "linked")); err != nil {
		if runtime.GOOS == "windows" {
			t.Skip("Skipping test: creating symlinks on Windows requires administrator privileges or Developer Mode.")
		}
		t.Fatalf("failed to create symlink: %v", err)
	}

	reqs, err := planner.Plan(joblist.Job{Source: src, Destination: base, Mode: joblist.PerSubfolder}, ".tar", fixedNow)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(reqs) != 1 || reqs[0].InputRoot != filepath.Join(src, "real") {
		t.Errorf("expected only the real directory to be planned, got %+v", reqs)
	}
}

func TestPlan_PerSubfolderWithoutSubfolders(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "flat")
	mkdirs(t, src)
	if err := os.WriteFile(filepath.Join(src, "only-file.txt"), []byte("x"), util.UserWritableFilePerms); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	reqs, err := planner.Plan(joblist.Job{Source: src, Destination: base, Mode: joblist.PerSubfolder}, ".tar", fixedNow)
	if !errors.Is(err, planner.ErrNoSubfolders) {
		t.Fatalf("expected ErrNoSubfolders, got %v (requests: %v)", err, reqs)
	}
}

func TestPlan_PerSubfolderEnumerationError(t *testing.T) {
	base := t.TempDir()
	_, err := planner.Plan(joblist.Job{Source: filepath.Join(base, "missing"), Destination: base, Mode: joblist.PerSubfolder}, ".tar", fixedNow)
	if !errors.Is(err, planner.ErrEnumerate) {
		t.Fatalf("expected ErrEnumerate, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected the underlying error to be kept, got %v", err)
	}
}

func TestPlan_RootSource(t *testing.T) {
	root := string(filepath.Separator)
	if runtime.GOOS == "windows" {
		root = filepath.VolumeName(t.TempDir()) + `\`
	}
	_, err := planner.Plan(joblist.Job{Source: root, Destination: t.TempDir()}, ".tar", fixedNow)
	if err == nil {
		t.Fatal("expected an error for a root source, got nil")
	}
}

func TestPlan_TimestampPerRequest(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "clients")
	mkdirs(t, filepath.Join(src, "a"), filepath.Join(src, "b"))

	calls := 0
	now := func() time.Time {
		calls++
		return fixedTime.Add(time.Duration(calls-1) * time.Minute)
	}

	reqs, err := planner.Plan(joblist.Job{Source: src, Destination: base, Mode: joblist.PerSubfolder}, ".tar", now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if got := filepath.Base(reqs[1].OutputPath); got != "b_24_05_01_13_08.tar" {
		t.Errorf("expected the second request to carry its own timestamp, got %s", got)
	}
}

func TestGenerateArchivePlan(t *testing.T) {
	tests := []struct {
		name        string
		configMod   func(*config.Config)
		expectError bool
		validate    func(*testing.T, *planner.ArchivePlan)
	}{
		{
			name:      "Defaults",
			configMod: func(c *config.Config) {},
			validate: func(t *testing.T, p *planner.ArchivePlan) {
				if p.Extension != ".tar.zst" {
					t.Errorf("expected default extension .tar.zst, got %s", p.Extension)
				}
				if p.Compression.Format != pathcompression.TarZst {
					t.Errorf("expected format inferred as tar.zst, got %s", p.Compression.Format)
				}
				if p.ModeMarkerPolicy != joblist.Lenient {
					t.Errorf("expected lenient marker policy, got %s", p.ModeMarkerPolicy)
				}
				if p.Hooks.Enabled {
					t.Error("expected hooks to be disabled without commands")
				}
				if !p.Preflight.SourceAccessible || !p.Preflight.EnsureDestinationExists {
					t.Error("expected source and destination preflight checks to be enabled")
				}
			},
		},
		{
			name: "Extension Override Picks Format",
			configMod: func(c *config.Config) {
				c.Extension = ".tgz"
			},
			validate: func(t *testing.T, p *planner.ArchivePlan) {
				if p.Compression.Format != pathcompression.TarGz {
					t.Errorf("expected tar.gz, got %s", p.Compression.Format)
				}
			},
		},
		{
			name: "Explicit Format Wins",
			configMod: func(c *config.Config) {
				c.Extension = ".bak"
				c.Format = "zip"
			},
			validate: func(t *testing.T, p *planner.ArchivePlan) {
				if p.Compression.Format != pathcompression.Zip {
					t.Errorf("expected zip, got %s", p.Compression.Format)
				}
				if p.Extension != ".bak" {
					t.Errorf("expected extension to be kept verbatim, got %s", p.Extension)
				}
			},
		},
		{
			name: "Global Flags Propagate",
			configMod: func(c *config.Config) {
				c.Runtime.DryRun = true
				c.Metrics = true
				c.FailOnArchiveError = true
				c.Hooks.PreRun = []string{"mount /mnt/share"}
				c.Hooks.FailFast = true
			},
			validate: func(t *testing.T, p *planner.ArchivePlan) {
				if !p.DryRun || !p.Hooks.DryRun || !p.Preflight.DryRun {
					t.Error("expected dry run to reach every component plan")
				}
				if !p.Metrics || !p.Compression.Metrics {
					t.Error("expected metrics to be enabled")
				}
				if !p.FailOnArchiveError {
					t.Error("expected FailOnArchiveError to be set")
				}
				if !p.Hooks.Enabled || !p.Hooks.FailFast || len(p.Hooks.PreHookCommands) != 1 {
					t.Errorf("unexpected hook plan: %+v", p.Hooks)
				}
			},
		},
		{
			name: "Unknown Extension Without Format",
			configMod: func(c *config.Config) {
				c.Extension = ".bak"
			},
			expectError: true,
		},
		{
			name: "Invalid Level",
			configMod: func(c *config.Config) {
				c.Level = "ultra"
			},
			expectError: true,
		},
		{
			name: "Invalid Marker Policy",
			configMod: func(c *config.Config) {
				c.ModeMarkerPolicy = "loose"
			},
			expectError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.NewDefault()
			tc.configMod(&cfg)

			plan, err := planner.GenerateArchivePlan(cfg)
			if tc.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tc.validate(t, plan)
		})
	}
}
