package pathcompression

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-archive/pkg/plog"
	"github.com/paulschiretz/pgl-archive/pkg/pool"
	"github.com/paulschiretz/pgl-archive/pkg/util"
)

// entry is one walked path, handed from the walker to the archive writer.
type entry struct {
	absSrcPath string
	relPathKey string
	info       os.FileInfo
}

// archiveTree walks root in one goroutine and feeds every entry to write in a
// second one. Archive writers are not safe for concurrent use, and a single
// consumer keeps the entry order identical to the lexical walk order.
func archiveTree(ctx context.Context, root string, skip func(string) bool, bufPool *pool.FixedBufferPool, write func(entry, []byte) error) error {
	g, gctx := errgroup.WithContext(ctx)
	entries := make(chan entry, 64)

	g.Go(func() error {
		defer close(entries)
		return walkTree(gctx, root, skip, func(e entry) error {
			select {
			case entries <- e:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	g.Go(func() error {
		bufPtr := bufPool.Get()
		defer bufPool.Put(bufPtr)

		for e := range entries {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := write(e, *bufPtr); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// walkTree visits every entry below root in lexical order and emits it with a
// slash separated path relative to root. The root itself is not emitted.
func walkTree(ctx context.Context, root string, skip func(string) bool, emit func(entry) error) error {
	return filepath.WalkDir(root, func(absSrcPath string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}
		if absSrcPath == root {
			return nil
		}
		if skip != nil && skip(absSrcPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info for %s: %w", absSrcPath, err)
		}

		relPathKey, err := filepath.Rel(root, absSrcPath)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", absSrcPath, err)
		}
		relPathKey = util.NormalizePath(relPathKey)

		plog.Debug("ADD", "file", relPathKey)
		return emit(entry{absSrcPath: absSrcPath, relPathKey: relPathKey, info: info})
	})
}
