// Package freshness decides whether an install tree needs to be synced
// from a source tree. The comparison is a bounded mtime heuristic, not a
// content diff: it samples a prefix of the source tree and compares each
// sampled file against the same relative path under the target. Changes
// confined to unsampled files are not seen, and a bare touch reports the
// tree as newer.
package freshness

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultSampleLimit bounds how many regular source files are examined,
// keeping the scan cheap on large trees.
const DefaultSampleLimit = 200

// SourceNewer reports whether the target tree is stale relative to the
// source tree. A missing target is trivially stale. Otherwise the walk
// samples up to sampleLimit regular files under source in lexical order;
// any sampled file that is absent from the target or strictly newer than
// its target counterpart makes the result true. A missing source is an
// error since there is nothing to sync from.
func SourceNewer(source, target string, sampleLimit int) (bool, error) {
	if sampleLimit <= 0 {
		sampleLimit = DefaultSampleLimit
	}

	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("stat target tree: %w", err)
	}

	newer := false
	seen := 0
	err := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		counterpart, err := os.Stat(filepath.Join(target, rel))
		switch {
		case os.IsNotExist(err):
			newer = true
			return fs.SkipAll
		case err != nil:
			return fmt.Errorf("stat target counterpart of %s: %w", rel, err)
		case !counterpart.Mode().IsRegular():
			newer = true
			return fs.SkipAll
		case info.ModTime().After(counterpart.ModTime()):
			newer = true
			return fs.SkipAll
		}

		seen++
		if seen >= sampleLimit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("scan source tree: %w", err)
	}
	return newer, nil
}
