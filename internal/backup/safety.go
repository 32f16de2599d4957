package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	safetyCopyPattern = "catalog-pre-restore-*.duckdb"
	defaultKeepLast   = 5
)

// writeSafetyCopy snapshots the local store into dir before it is overwritten
// and prunes older copies beyond keepLast.
func writeSafetyCopy(store LocalStore, dir string, keepLast int) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create local-dir: %w", err)
	}
	fileName := fmt.Sprintf("catalog-pre-restore-%s.duckdb", time.Now().UTC().Format("20060102-150405.000"))
	dst := filepath.Join(dir, fileName)
	if err := store.SnapshotTo(dst); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	if err := pruneLocalCopies(dir, keepLast); err != nil {
		return dst, fmt.Errorf("prune local copies: %w", err)
	}
	return dst, nil
}

func pruneLocalCopies(localDir string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(localDir, safetyCopyPattern))
	if err != nil {
		return err
	}
	if len(matches) <= keepLast {
		return nil
	}

	sort.Slice(matches, func(i, j int) bool {
		// timestamp is embedded in filename and lexical sort matches chronology
		return matches[i] > matches[j]
	})

	for _, oldPath := range matches[keepLast:] {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
