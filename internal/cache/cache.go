// Package cache stores the discovered symbol universe between runs.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// UniverseCache holds the most recently discovered universe.
type UniverseCache interface {
	// Get returns the cached universe and when it was fetched. ok is false
	// when nothing is cached.
	Get(ctx context.Context) (symbols []string, fetchedAt time.Time, ok bool, err error)
	// Put replaces the cached universe.
	Put(ctx context.Context, symbols []string) error
}

// Compile-time interface check.
var _ UniverseCache = (*FileCache)(nil)

// FileCache keeps one universe snapshot per day as <Dir>/YYYY-MM-DD.txt, one
// symbol per line, sorted and deduplicated. The newest file is the cached
// universe and its modification time is the fetch time.
type FileCache struct {
	Dir string
	now func() time.Time
}

// NewFileCache creates a FileCache rooted at dir.
func NewFileCache(dir string) *FileCache {
	return &FileCache{Dir: dir, now: time.Now}
}

// Get reads the newest snapshot.
func (c *FileCache) Get(_ context.Context) ([]string, time.Time, bool, error) {
	path := c.latest()
	if path == "" {
		return nil, time.Time{}, false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("stat universe file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("reading universe file: %w", err)
	}

	var symbols []string
	for _, line := range strings.Split(string(data), "\n") {
		if sym := strings.TrimSpace(line); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 {
		return nil, time.Time{}, false, nil
	}
	return symbols, info.ModTime(), true, nil
}

// Put writes today's snapshot atomically.
func (c *FileCache) Put(_ context.Context, symbols []string) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("creating universe dir: %w", err)
	}
	lines := SortDedup(symbols)

	path := filepath.Join(c.Dir, c.now().Format("2006-01-02")+".txt")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing universe file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming universe file: %w", err)
	}
	return nil
}

// latest returns the newest YYYY-MM-DD.txt in Dir, or "".
func (c *FileCache) latest() string {
	matches, _ := filepath.Glob(filepath.Join(c.Dir, "????-??-??.txt"))
	if len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}

// SortDedup returns the trimmed, non-empty values of in sorted ascending
// with duplicates removed.
func SortDedup(in []string) []string {
	sorted := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			sorted = append(sorted, s)
		}
	}
	sort.Strings(sorted)

	deduped := sorted[:0]
	prev := ""
	for _, s := range sorted {
		if s != prev {
			deduped = append(deduped, s)
			prev = s
		}
	}
	return deduped
}
