package subband

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Rename is one planned filename normalization.
type Rename struct {
	From string
	To   string
}

// NormalizePlan scans a directory and plans the renames that bring every
// sub-band filename onto its cluster's canonical group timestamp.
//
// The plan is a pure function of the current filenames and the tolerance:
// running it against an already-normalized directory yields an empty plan,
// so the pass is idempotent and safe to re-run. Files that fail to parse
// are skipped.
func NormalizePlan(dir string, tolerance time.Duration) ([]Rename, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := Parse(e.Name())
		if err != nil {
			continue
		}
		info.Path = filepath.Join(dir, e.Name())
		files = append(files, info)
	}

	var plan []Rename
	for _, c := range ClusterFiles(files, tolerance) {
		for _, f := range c.Files {
			if f.GroupID == c.GroupID {
				continue
			}
			plan = append(plan, Rename{
				From: f.Path,
				To:   filepath.Join(dir, FileName(c.GroupID, f.UnitIndex)),
			})
		}
	}

	return plan, nil
}

// ApplyRenames executes a normalization plan. Returns the number of files
// renamed; stops at the first failure.
func ApplyRenames(plan []Rename) (int, error) {
	for i, r := range plan {
		if err := os.Rename(r.From, r.To); err != nil {
			return i, fmt.Errorf("rename %s: %w", filepath.Base(r.From), err)
		}
	}
	return len(plan), nil
}
