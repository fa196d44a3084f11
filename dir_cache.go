package main

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DirCache holds the last-listed contents of the current remote working
// directory, tagged with a monotonically increasing version number. It
// replaces navigation state inferred from string concatenation with an
// explicit, addressable path-indexed listing.
type DirCache struct {
	mu      sync.RWMutex
	listing *DirectoryListing
	version uint64
	stale   bool
	logger  *zap.Logger
}

// NewDirCache creates an empty directory cache.
func NewDirCache(logger *zap.Logger) *DirCache {
	return &DirCache{logger: logger}
}

// Navigate performs a fresh list of the given remote path through the
// transport and makes it the current listing. Navigation into a missing
// path fails with ErrNotFound; navigation into an existing non-directory
// fails with ErrNotADirectory — never by silently listing something else.
func (c *DirCache) Navigate(t Transport, remotePath string) (*DirectoryListing, error) {
	if remotePath == "" {
		remotePath = "."
	}

	abs, err := t.RealPath(remotePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", remotePath, err)
	}

	isDir, err := t.IsDirectory(abs)
	if err != nil {
		return nil, err
	}
	if !isDir {
		return nil, fmt.Errorf("navigate %s: %w", abs, ErrNotADirectory)
	}

	entries, err := t.List(abs)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	c.listing = &DirectoryListing{
		Path:      abs,
		Version:   c.version,
		Entries:   entries,
		FetchedAt: time.Now(),
	}
	c.stale = false

	c.logger.Debug("directory listing refreshed",
		zap.String("path", abs),
		zap.Uint64("version", c.version),
		zap.Int("entries", len(entries)))

	return c.listing, nil
}

// Invalidate marks the cached listing stale without fetching. The next
// Current call fails with ErrStale until a Navigate repopulates it, so
// callers refresh explicitly instead of being served outdated data.
func (c *DirCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = true
}

// Current returns the most recent listing. It fails with ErrStale if the
// cache was invalidated and not yet refreshed, or if nothing was listed yet.
func (c *DirCache) Current() (*DirectoryListing, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.listing == nil || c.stale {
		return nil, ErrStale
	}
	return c.listing, nil
}

// Path returns the path of the current listing even when stale, so a
// refresh knows where to re-navigate. Empty when nothing was listed yet.
func (c *DirCache) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.listing == nil {
		return ""
	}
	return c.listing.Path
}

// Reset drops all cached state. Called when the session goes away.
func (c *DirCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listing = nil
	c.stale = false
}
