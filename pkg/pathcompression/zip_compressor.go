package pathcompression

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/paulschiretz/pgl-archive/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/pgl-archive/pkg/plog"
	"github.com/paulschiretz/pgl-archive/pkg/pool"
)

type zipCompressor struct {
	level Level

	bufferSize   int
	ioBufferPool *pool.FixedBufferPool
	metrics      pathcompressionmetrics.Metrics
	skip         func(absPath string) bool

	zw *zip.Writer
}

func (c *zipCompressor) compress(ctx context.Context, absSourcePath string, out io.Writer) (retErr error) {
	bufWriter := bufio.NewWriterSize(out, c.bufferSize)
	c.zw = zip.NewWriter(bufWriter)

	lvl := c.level.flateLevel()
	c.zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, lvl)
	})

	defer func() {
		if err := c.zw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("zip writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	return archiveTree(ctx, absSourcePath, c.skip, c.ioBufferPool, c.writeItem)
}

func (c *zipCompressor) writeItem(e entry, buf []byte) error {
	c.metrics.AddEntriesProcessed(1)
	mode := e.info.Mode()
	switch {
	case mode.IsDir():
		return c.writeDir(e)
	case mode&os.ModeSymlink != 0:
		return c.writeSymlink(e)
	case mode.IsRegular():
		return c.writeFile(e, buf)
	default:
		plog.Warn("Skipping unsupported file type", "path", e.absSrcPath, "mode", mode.String())
		return nil
	}
}

func (c *zipCompressor) writeDir(e entry) error {
	header, err := zip.FileInfoHeader(e.info)
	if err != nil {
		return fmt.Errorf("failed to create zip header for %s: %w", e.relPathKey, err)
	}
	header.Name = e.relPathKey + "/"
	header.Method = zip.Store
	_, err = c.zw.CreateHeader(header)
	return err
}

func (c *zipCompressor) writeSymlink(e entry) error {
	linkTarget, err := os.Readlink(e.absSrcPath)
	if err != nil {
		return fmt.Errorf("failed to read link %s: %w", e.absSrcPath, err)
	}
	c.metrics.AddBytesRead(int64(len(linkTarget)))

	header, err := zip.FileInfoHeader(e.info)
	if err != nil {
		return fmt.Errorf("failed to create zip header for %s: %w", e.relPathKey, err)
	}
	header.Name = e.relPathKey
	// The link target is the entry body and is stored uncompressed.
	header.Method = zip.Store

	w, err := c.zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(linkTarget))
	return err
}

func (c *zipCompressor) writeFile(e entry, buf []byte) error {
	// Security: TOCTOU check
	fileToZip, err := secureFileOpen(e.absSrcPath, e.info)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", e.absSrcPath, err)
	}
	defer fileToZip.Close()

	header, err := zip.FileInfoHeader(e.info)
	if err != nil {
		return fmt.Errorf("failed to create zip header for %s: %w", e.relPathKey, err)
	}
	header.Name = e.relPathKey
	header.Method = zip.Deflate

	w, err := c.zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to write zip header for %s: %w", e.relPathKey, err)
	}

	mr := &compressMetricReader{r: fileToZip, metrics: c.metrics}
	if _, err := io.CopyBuffer(w, mr, buf); err != nil {
		return fmt.Errorf("failed to archive %s: %w", e.absSrcPath, err)
	}
	return nil
}
