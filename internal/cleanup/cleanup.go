package cleanup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/episode_downloader/internal/logctx"
	"github.com/italolelis/episode_downloader/internal/transfer"
)

// Writers reports whether a download currently owns a target file.
type Writers interface {
	IsWriting(path string) bool
}

// DeleteStalePartials removes partial downloads under dir that were last
// written more than retention ago. Partials whose download is still running
// are left alone. It returns the number of files removed.
func DeleteStalePartials(ctx context.Context, dir string, retention time.Duration, writers Writers) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()
	removed := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() || !strings.HasSuffix(path, transfer.PartialSuffix) {
			return nil
		}

		target := strings.TrimSuffix(path, transfer.PartialSuffix)
		if writers != nil && writers.IsWriting(target) {
			logger.Debug("skipping partial file of running download", "file", path)

			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if now.Sub(info.ModTime()) <= retention {
			return nil
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete stale partial file", "file", path, "err", err)

			return err
		}

		removed++

		logger.Info("Deleted stale partial file", "file", path)

		return nil
	})

	return removed, err
}
