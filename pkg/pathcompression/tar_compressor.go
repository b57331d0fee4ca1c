package pathcompression

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-archive/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/pgl-archive/pkg/plog"
	"github.com/paulschiretz/pgl-archive/pkg/pool"
)

type tarCompressor struct {
	format Format
	level  Level

	bufferSize   int
	ioBufferPool *pool.FixedBufferPool
	metrics      pathcompressionmetrics.Metrics
	skip         func(absPath string) bool

	tw *tar.Writer

	// links maps the identity of a multiply linked file to the first
	// archive name it was written under.
	links map[linkKey]string
}

func (c *tarCompressor) compress(ctx context.Context, absSourcePath string, out io.Writer) (retErr error) {
	bufWriter := bufio.NewWriterSize(out, c.bufferSize)

	compressedWriter, err := c.newCodecWriter(bufWriter)
	if err != nil {
		return err
	}

	c.tw = tar.NewWriter(compressedWriter)
	c.links = make(map[linkKey]string)

	defer func() {
		if err := c.tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	return archiveTree(ctx, absSourcePath, c.skip, c.ioBufferPool, c.writeItem)
}

func (c *tarCompressor) newCodecWriter(w io.Writer) (io.WriteCloser, error) {
	switch c.format {
	case TarZst:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level.zstdLevel()))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	case TarGz:
		gw, err := pgzip.NewWriterLevel(w, c.level.gzipLevel())
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return gw, nil
	case Tar:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported tar format: %s", c.format)
	}
}

func (c *tarCompressor) writeItem(e entry, buf []byte) error {
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

func (c *tarCompressor) writeDir(e entry) error {
	header, err := tar.FileInfoHeader(e.info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", e.relPathKey, err)
	}
	header.Name = e.relPathKey + "/"
	return c.tw.WriteHeader(header)
}

func (c *tarCompressor) writeSymlink(e entry) error {
	linkTarget, err := os.Readlink(e.absSrcPath)
	if err != nil {
		return fmt.Errorf("failed to read link %s: %w", e.absSrcPath, err)
	}
	c.metrics.AddBytesRead(int64(len(linkTarget)))

	header, err := tar.FileInfoHeader(e.info, linkTarget)
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", e.relPathKey, err)
	}
	header.Name = e.relPathKey
	return c.tw.WriteHeader(header)
}

func (c *tarCompressor) writeFile(e entry, buf []byte) error {
	key, linked, err := hardLinkKey(e.absSrcPath)
	if err != nil {
		return fmt.Errorf("failed to identify %s: %w", e.absSrcPath, err)
	}
	if linked {
		if first, seen := c.links[key]; seen {
			return c.writeHardLink(e, first)
		}
		c.links[key] = e.relPathKey
	}

	// Security: TOCTOU check
	fileToTar, err := secureFileOpen(e.absSrcPath, e.info)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", e.absSrcPath, err)
	}
	defer fileToTar.Close()

	header, err := tar.FileInfoHeader(e.info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", e.relPathKey, err)
	}
	header.Name = e.relPathKey

	if err := c.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", e.relPathKey, err)
	}

	mr := &compressMetricReader{r: fileToTar, metrics: c.metrics}
	if _, err := io.CopyBuffer(c.tw, mr, buf); err != nil {
		return fmt.Errorf("failed to archive %s: %w", e.absSrcPath, err)
	}
	return nil
}

func (c *tarCompressor) writeHardLink(e entry, first string) error {
	header, err := tar.FileInfoHeader(e.info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", e.relPathKey, err)
	}
	header.Typeflag = tar.TypeLink
	header.Name = e.relPathKey
	header.Linkname = first
	header.Size = 0

	c.metrics.AddLinksPreserved(1)
	plog.Debug("LINK", "file", e.relPathKey, "target", first)
	return c.tw.WriteHeader(header)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
