package journal

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

// Cached is a write-through LRU cache in front of another Journal.
type Cached struct {
	next  Journal
	cache *lru.Cache[syncpath.SyncPath, string]
}

// NewCached wraps next with an LRU of size entries.
func NewCached(next Journal, size int) (*Cached, error) {
	cache, err := lru.New[syncpath.SyncPath, string](size)
	if err != nil {
		return nil, fmt.Errorf("create journal cache: %w", err)
	}
	return &Cached{next: next, cache: cache}, nil
}

// Get implements Journal. Unknown paths are not cached.
func (c *Cached) Get(ctx context.Context, p syncpath.SyncPath) (string, error) {
	if checksum, ok := c.cache.Get(p); ok {
		return checksum, nil
	}
	checksum, err := c.next.Get(ctx, p)
	if err != nil {
		return "", err
	}
	if checksum != "" {
		c.cache.Add(p, checksum)
	}
	return checksum, nil
}

// Put implements Journal.
func (c *Cached) Put(ctx context.Context, p syncpath.SyncPath, checksum string) error {
	c.cache.Remove(p)
	if err := c.next.Put(ctx, p, checksum); err != nil {
		return err
	}
	c.cache.Add(p, checksum)
	return nil
}

// Delete implements Journal.
func (c *Cached) Delete(ctx context.Context, p syncpath.SyncPath) error {
	c.cache.Remove(p)
	return c.next.Delete(ctx, p)
}

// Close implements Journal.
func (c *Cached) Close() error {
	c.cache.Purge()
	return c.next.Close()
}
