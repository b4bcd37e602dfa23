package loader

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/coocood/freecache"
	"github.com/dgraph-io/badger/v3"
	"github.com/dustin/go-humanize"
	"github.com/golang/groupcache/singleflight"
	"github.com/golang/snappy"

	"github.com/janelia-flyem/lvv/lvv"
)

// ByteCache keeps raw tile bytes fetched from slow sources.  Lookups check an
// in-memory freecache, then an optional badger store on local disk holding
// snappy-compressed copies.  Concurrent misses on the same key share one fetch.
type ByteCache struct {
	mem   *freecache.Cache
	disk  *badger.DB
	path  string
	group singleflight.Group

	fetches   atomic.Uint64
	diskHits  atomic.Uint64
	diskSkips atomic.Uint64
}

// NewByteCache returns a cache of roughly memoryMB megabytes, backed by a badger
// store at diskPath if it is not empty.
func NewByteCache(memoryMB int, diskPath string) (*ByteCache, error) {
	if memoryMB < 1 {
		memoryMB = DefaultCacheMB
	}
	c := &ByteCache{
		mem:  freecache.NewCache(memoryMB * lvv.Mega),
		path: diskPath,
	}
	lvv.Infof("Created freecache of ~ %s for tile bytes.\n", humanize.Bytes(uint64(memoryMB)*lvv.Mega))
	if diskPath != "" {
		opts := badger.DefaultOptions(diskPath).WithLogger(nil)
		db, err := badger.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("unable to open tile disk cache @ %s: %v", diskPath, err)
		}
		c.disk = db
		lvv.Infof("Opened badger tile cache @ %s\n", diskPath)
	}
	return c, nil
}

// Get returns the bytes for key, calling fetch on a miss.  Fetch errors are not
// cached.
func (c *ByteCache) Get(ctx context.Context, key string, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	k := []byte(key)
	if data, err := c.mem.Get(k); err == nil {
		return data, nil
	} else if err != freecache.ErrNotFound {
		lvv.Errorf("tile memory cache get %q: %v\n", key, err)
	}
	if data := c.diskGet(k); data != nil {
		c.diskHits.Add(1)
		c.memSet(k, data)
		return data, nil
	}
	v, err := c.group.Do(key, func() (interface{}, error) {
		c.fetches.Add(1)
		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.memSet(k, data)
		c.diskSet(k, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *ByteCache) memSet(k, data []byte) {
	// Objects too large for freecache segments only live on disk.
	if err := c.mem.Set(k, data, 0); err != nil && err != freecache.ErrLargeEntry {
		lvv.Errorf("tile memory cache set %q: %v\n", k, err)
	}
}

func (c *ByteCache) diskGet(k []byte) []byte {
	if c.disk == nil {
		return nil
	}
	var data []byte
	err := c.disk.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		compressed, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		data, err = snappy.Decode(nil, compressed)
		return err
	})
	if err != nil {
		if err != badger.ErrKeyNotFound {
			lvv.Errorf("tile disk cache get %q: %v\n", k, err)
		}
		return nil
	}
	return data
}

func (c *ByteCache) diskSet(k, data []byte) {
	if c.disk == nil {
		return
	}
	compressed := snappy.Encode(nil, data)
	err := c.disk.Update(func(txn *badger.Txn) error {
		return txn.Set(k, compressed)
	})
	if err != nil {
		c.diskSkips.Add(1)
		lvv.Warningf("tile disk cache set %q: %v\n", k, err)
	}
}

// ByteCacheStats counts cache activity.
type ByteCacheStats struct {
	MemoryEntries int64  `json:"memory_entries"`
	MemoryHits    int64  `json:"memory_hits"`
	MemoryMisses  int64  `json:"memory_misses"`
	DiskHits      uint64 `json:"disk_hits"`
	DiskSkips     uint64 `json:"disk_skips"`
	Fetches       uint64 `json:"fetches"`
}

func (c *ByteCache) Stats() ByteCacheStats {
	return ByteCacheStats{
		MemoryEntries: c.mem.EntryCount(),
		MemoryHits:    c.mem.HitCount(),
		MemoryMisses:  c.mem.MissCount(),
		DiskHits:      c.diskHits.Load(),
		DiskSkips:     c.diskSkips.Load(),
		Fetches:       c.fetches.Load(),
	}
}

// Clear drops the in-memory entries.  The disk store is kept since tile bytes of
// a given URL never change.
func (c *ByteCache) Clear() {
	c.mem.Clear()
}

func (c *ByteCache) Close() error {
	if c.disk == nil {
		return nil
	}
	lvv.Infof("Closing badger tile cache @ %s\n", c.path)
	return c.disk.Close()
}

// cachedSource reads through a ByteCache.  Existence checks are not cached.
type cachedSource struct {
	Source
	cache *ByteCache
	owned bool
}

// NewCachedSource wraps src so reads go through cache.  Keys include the source
// URL, so one cache can serve several volumes.
func NewCachedSource(src Source, cache *ByteCache) Source {
	return &cachedSource{Source: src, cache: cache}
}

func (s *cachedSource) Read(ctx context.Context, name string) ([]byte, error) {
	key := s.URL() + "|" + name
	return s.cache.Get(ctx, key, func(ctx context.Context) ([]byte, error) {
		return s.Source.Read(ctx, name)
	})
}

func (s *cachedSource) ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	key := fmt.Sprintf("%s|%s|%d|%d", s.URL(), name, offset, length)
	return s.cache.Get(ctx, key, func(ctx context.Context) ([]byte, error) {
		return s.Source.ReadRange(ctx, name, offset, length)
	})
}

// Close closes the wrapped source and, if the source created it, the cache.
func (s *cachedSource) Close() error {
	err := s.Source.Close()
	if s.owned {
		if cerr := s.cache.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
