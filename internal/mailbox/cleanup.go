package mailbox

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// entryInfo is one instruction file with the stat fields cleanup needs.
type entryInfo struct {
	path    string
	size    int64
	modTime time.Time
}

// cleanupScope removes expired and over-cap entries for one scope. Runs on
// every Deliver; failures are logged and never block delivery.
func (r *Router) cleanupScope(scope string) {
	dir := filepath.Join(r.root, scope)
	removed := r.sweep(dir, time.Now())
	if removed > 0 {
		log.Debug("cleanup",
			slog.String("scope", scope),
			slog.Int("removed", removed),
		)
	}
}

// CleanupAll sweeps every scope directory under the mailbox root and
// returns the total number of entries removed.
func (r *Router) CleanupAll() int {
	dirs, err := os.ReadDir(r.root)
	if err != nil {
		return 0
	}
	now := time.Now()
	total := 0
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		total += r.sweep(filepath.Join(r.root, d.Name()), now)
	}
	return total
}

// sweep applies the TTL pass then the size-cap pass to one scope directory.
func (r *Router) sweep(dir string, now time.Time) int {
	entries := listEntries(dir)
	if len(entries) == 0 {
		return 0
	}

	removed := 0
	ttl := r.cfg.TTL()
	var live []entryInfo
	for _, e := range entries {
		if ttl > 0 && now.Sub(e.modTime) > ttl {
			if tryRemove(e.path) {
				removed++
			}
			continue
		}
		live = append(live, e)
	}

	// Evict oldest first until the scope fits under the cap. The newest
	// entry survives even when it alone exceeds the cap.
	var total int64
	for _, e := range live {
		total += e.size
	}
	for i := 0; i < len(live)-1 && total > r.cfg.MaxTotalBytes; i++ {
		// A failed removal frees nothing; keep its size in the total so
		// eviction continues with the next-oldest entry.
		if tryRemove(live[i].path) {
			removed++
			total -= live[i].size
		}
	}

	return removed
}

// listEntries returns the scope's instruction files ordered oldest first.
// A missing directory is an empty scope.
func listEntries(dir string) []entryInfo {
	matches, err := filepath.Glob(filepath.Join(dir, "instruction_*.md"))
	if err != nil {
		return nil
	}
	entries := make([]entryInfo, 0, len(matches))
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil {
			// Raced with deletion; skip.
			continue
		}
		entries = append(entries, entryInfo{path: path, size: fi.Size(), modTime: fi.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})
	return entries
}

// tryRemove deletes a file, treating concurrent deletion as success.
func tryRemove(path string) bool {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return true
	}
	log.Warn("cleanup_remove_failed",
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
	return false
}
