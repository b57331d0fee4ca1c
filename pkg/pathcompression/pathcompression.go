// Package pathcompression writes a directory tree into a single archive file.
//
// Every archive is first written to a temporary file next to its final path
// and renamed into place once complete, so an interrupted run never leaves a
// truncated archive under the final name. Tar based formats keep hard links
// as link entries; zip stores each linked file in full.
package pathcompression

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-archive/pkg/lockfile"
	"github.com/paulschiretz/pgl-archive/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/pgl-archive/pkg/plog"
	"github.com/paulschiretz/pgl-archive/pkg/pool"
	"github.com/paulschiretz/pgl-archive/pkg/util"
)

// DefaultBufferSizeKB is used when the plan does not set a buffer size.
const DefaultBufferSizeKB = 256

// tempPattern names the in-progress archive next to its destination.
const tempPattern = "pgl-archive-*.tmp"

// compressor is implemented once per archive family.
type compressor interface {
	compress(ctx context.Context, absSourcePath string, out io.Writer) error
}

type PathCompressor struct {
	plan         *Plan
	bufferSize   int
	ioBufferPool *pool.FixedBufferPool
	metrics      pathcompressionmetrics.Metrics
}

// NewPathCompressor creates a PathCompressor for the given plan.
func NewPathCompressor(p *Plan) *PathCompressor {
	bufferSizeKB := p.BufferSizeKB
	if bufferSizeKB <= 0 {
		bufferSizeKB = DefaultBufferSizeKB
	}
	bufferSize := bufferSizeKB * 1024

	var m pathcompressionmetrics.Metrics
	if p.Metrics {
		m = &pathcompressionmetrics.CompressionMetrics{}
	} else {
		m = &pathcompressionmetrics.NoopMetrics{}
	}

	return &PathCompressor{
		plan:         p,
		bufferSize:   bufferSize,
		metrics:      m,
		ioBufferPool: pool.NewFixedBufferPool(bufferSize),
	}
}

// Metrics exposes the counters of this compressor.
func (c *PathCompressor) Metrics() pathcompressionmetrics.Metrics {
	return c.metrics
}

// Compress archives the tree at absInputRoot into absOutputPath. The parent
// directory of absOutputPath must exist. An existing file at absOutputPath is
// replaced.
func (c *PathCompressor) Compress(ctx context.Context, absInputRoot, absOutputPath string) (retErr error) {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	plog.Notice("COMPRESS", "source", absInputRoot, "archive", absOutputPath, "format", c.plan.Format)

	defer func() {
		if retErr != nil {
			c.metrics.AddArchivesFailed(1)
		} else {
			c.metrics.AddArchivesCreated(1)
		}
	}()

	impl, err := c.newCompressor(absOutputPath)
	if err != nil {
		return err
	}

	// WalkDir does not descend into a symlinked root.
	absSourcePath, err := filepath.EvalSymlinks(absInputRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve source %s: %w", absInputRoot, err)
	}

	outputDir := filepath.Dir(absOutputPath)
	defer cleanupStaleTempFiles(outputDir)

	// 1. Create Temp File
	trgF, err := os.CreateTemp(outputDir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempTrgPath := trgF.Name()

	// Ensure cleanup on error
	defer func() {
		if retErr != nil {
			trgF.Close()
			os.Remove(tempTrgPath)
		}
	}()

	// 2. Write Archive Content
	mw := &compressMetricWriter{w: trgF, metrics: c.metrics}
	if err := impl.compress(ctx, absSourcePath, mw); err != nil {
		return err
	}

	// 3. Persist and close explicitly
	if err := trgF.Chmod(util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to set permissions on temp archive: %w", err)
	}
	if err := trgF.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp archive: %w", err)
	}
	if err := trgF.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// 4. Atomic Rename
	if err := os.Rename(tempTrgPath, absOutputPath); err != nil {
		return fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}
	return nil
}

// cleanupStaleTempFiles removes temp archives in dir left behind by crashed
// runs. A temp archive that is still being written keeps a fresh modification
// time, so only files older than the lock stale timeout are removed.
func cleanupStaleTempFiles(dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, tempPattern))
	if err != nil {
		plog.Warn("Failed to glob for temporary archives", "dir", dir, "error", err)
		return
	}

	threshold := time.Now().Add(-lockfile.StaleTimeout())
	for _, match := range matches {
		info, err := os.Lstat(match)
		if err != nil || !info.Mode().IsRegular() || !info.ModTime().Before(threshold) {
			continue
		}
		plog.Debug("Removing stale temporary archive", "path", match)
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove stale temporary archive", "path", match, "error", err)
		}
	}
}

// newCompressor returns the correct implementation based on the format.
// The output path is excluded from the walk in case it lies inside the input.
func (c *PathCompressor) newCompressor(absOutputPath string) (compressor, error) {
	skipDir := filepath.Dir(absOutputPath)
	// Walked paths are below the resolved root, so compare against the resolved directory.
	if resolved, err := filepath.EvalSymlinks(skipDir); err == nil {
		skipDir = resolved
	}
	skipPath := filepath.Join(skipDir, filepath.Base(absOutputPath))
	switch c.plan.Format {
	case TarZst, TarGz, Tar:
		return &tarCompressor{
			format:       c.plan.Format,
			level:        c.plan.Level,
			bufferSize:   c.bufferSize,
			ioBufferPool: c.ioBufferPool,
			metrics:      c.metrics,
			skip:         skipFunc(skipDir, skipPath),
		}, nil
	case Zip:
		return &zipCompressor{
			level:        c.plan.Level,
			bufferSize:   c.bufferSize,
			ioBufferPool: c.ioBufferPool,
			metrics:      c.metrics,
			skip:         skipFunc(skipDir, skipPath),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported compression format: %s", c.plan.Format)
	}
}

// skipFunc reports whether a walked path is this run's own output: the final
// archive, a temp archive or the destination lock in its directory.
func skipFunc(outputDir, absOutputPath string) func(absPath string) bool {
	return func(absPath string) bool {
		if absPath == absOutputPath {
			return true
		}
		if filepath.Dir(absPath) != outputDir {
			return false
		}
		name := filepath.Base(absPath)
		if name == lockfile.LockFileName {
			return true
		}
		for _, pattern := range []string{tempPattern, lockfile.TempPattern} {
			if matched, _ := filepath.Match(pattern, name); matched {
				return true
			}
		}
		return false
	}
}

// compressMetricWriter wraps an io.Writer and updates metrics on every write.
type compressMetricWriter struct {
	w       io.Writer
	metrics pathcompressionmetrics.Metrics
}

func (mw *compressMetricWriter) Write(p []byte) (n int, err error) {
	n, err = mw.w.Write(p)
	if n > 0 {
		mw.metrics.AddBytesWritten(int64(n))
	}
	return
}

// compressMetricReader wraps an io.Reader and updates metrics on every read.
type compressMetricReader struct {
	r       io.Reader
	metrics pathcompressionmetrics.Metrics
}

func (mr *compressMetricReader) Read(p []byte) (n int, err error) {
	n, err = mr.r.Read(p)
	if n > 0 {
		mr.metrics.AddBytesRead(int64(n))
	}
	return
}

// secureFileOpen verifies that the file at path is the same one we expected (TOCTOU check).
// A size change after the header was built would corrupt a tar stream.
func secureFileOpen(absFilePath string, expected os.FileInfo) (*os.File, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, err
	}

	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat opened file: %w", err)
	}

	if !os.SameFile(expected, openedInfo) {
		f.Close()
		return nil, fmt.Errorf("file changed during archiving (TOCTOU): %s", absFilePath)
	}

	if openedInfo.Size() != expected.Size() {
		f.Close()
		return nil, fmt.Errorf("file size changed during archiving: %s", absFilePath)
	}

	return f, nil
}
