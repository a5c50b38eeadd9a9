package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/kiesman99/tilecrop/internal/mosaic"
	"github.com/kiesman99/tilecrop/pkg/tile"
)

const (
	DefaultCacheTTL     = 1 * time.Hour
	DefaultCacheCleanup = 10 * time.Minute

	// SharedFetchTimeout bounds a download that outlives the caller that started it
	SharedFetchTimeout = 2 * time.Minute
)

// Store is an expiring in-memory tile store shared by any number of
// MemoryCache views. Entries expire after the configured TTL.
type Store struct {
	cache *gocache.Cache
	group singleflight.Group
}

// NewStore creates a tile store
func NewStore(ttl, cleanup time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if cleanup <= 0 {
		cleanup = DefaultCacheCleanup
	}
	return &Store{cache: gocache.New(ttl, cleanup)}
}

// Wrap returns a caching fetcher whose keys are isolated by namespace,
// typically the tile URL template.
func (s *Store) Wrap(namespace string, next mosaic.Fetcher) *MemoryCache {
	return &MemoryCache{store: s, namespace: namespace, next: next}
}

// Len is the number of cached tiles, expired ones included until cleanup
func (s *Store) Len() int {
	return s.cache.ItemCount()
}

// Flush drops every cached tile
func (s *Store) Flush() {
	s.cache.Flush()
}

// MemoryCache serves tiles from a Store, falling back to next on a miss
type MemoryCache struct {
	store     *Store
	namespace string
	next      mosaic.Fetcher
}

// NewMemoryCache wraps next with a private store
func NewMemoryCache(next mosaic.Fetcher, ttl, cleanup time.Duration) *MemoryCache {
	return NewStore(ttl, cleanup).Wrap("", next)
}

// Fetch serves from memory, collapsing concurrent misses for the same tile.
// The shared download is detached from ctx so one caller giving up does
// not fail the others waiting on it.
func (c *MemoryCache) Fetch(ctx context.Context, t tile.Index) ([]byte, error) {
	key := c.namespace + "|" + t.String()
	if item, found := c.store.cache.Get(key); found {
		return item.([]byte), nil
	}

	ch := c.store.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SharedFetchTimeout)
		defer cancel()

		data, err := c.next.Fetch(fctx, t)
		if err != nil {
			return nil, err
		}
		c.store.cache.SetDefault(key, data)
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Store returns the backing store
func (c *MemoryCache) Store() *Store {
	return c.store
}

// DiskCache stores raw tile bytes as {z}_{x}_{y}.tile files in a directory
type DiskCache struct {
	next mosaic.Fetcher
	dir  string
}

// NewDiskCache wraps next with a directory-backed cache, creating dir if needed
func NewDiskCache(next mosaic.Fetcher, dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create tile cache directory %s", dir)
	}
	return &DiskCache{next: next, dir: dir}, nil
}

// Path returns the cache file for t
func (c *DiskCache) Path(t tile.Index) string {
	return filepath.Join(c.dir, tileFileName(t))
}

// Fetch reads the cached file or fetches and stores it
func (c *DiskCache) Fetch(ctx context.Context, t tile.Index) ([]byte, error) {
	path := c.Path(t)

	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return data, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read cached tile %s", path)
	}

	data, err = c.next.Fetch(ctx, t)
	if err != nil {
		return nil, err
	}

	if err := writeFileAtomic(path, data); err != nil {
		return nil, errors.Wrapf(err, "cache tile %s", t)
	}
	return data, nil
}

func tileFileName(t tile.Index) string {
	return fmt.Sprintf("%d_%d_%d.tile", t.Z, t.X, t.Y)
}

// writeFileAtomic writes to a temp file in the same directory and renames it into place
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tile-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
