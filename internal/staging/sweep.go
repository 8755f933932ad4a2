package staging

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// SweepResult summarizes one Sweep run.
type SweepResult struct {
	Scanned int   `json:"scanned"`
	Removed int   `json:"removed"`
	Bytes   int64 `json:"bytes"`
	Errors  int   `json:"errors"`
}

// Sweep removes staging directories directly under root whose modification
// time is older than now-ttl. A missing root is not an error.
func Sweep(root string, ttl time.Duration, now time.Time) (SweepResult, error) {
	var res SweepResult
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, nil
		}
		return res, err
	}
	cutoff := now.Add(-ttl)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		res.Scanned++
		info, err := e.Info()
		if err != nil {
			res.Errors++
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		dir := filepath.Join(root, e.Name())
		size := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			res.Errors++
			continue
		}
		res.Removed++
		res.Bytes += size
	}
	return res, nil
}

func dirSize(dir string) int64 {
	var n int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			n += info.Size()
		}
		return nil
	})
	return n
}
