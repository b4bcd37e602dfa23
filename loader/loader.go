/*
	Package loader sniffs volume URLs and opens them with the matching tile format.
	Formats live in subpackages and register themselves on import.
*/
package loader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blang/semver"

	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
)

const (
	DefaultCacheMB = 256
	DefaultBurst   = 16
	DefaultTimeout = 30 * time.Second
)

// Options configures how volumes are read.
type Options struct {
	// CacheMB sizes the in-memory cache of raw tile bytes.  Zero disables it unless
	// CachePath is set.
	CacheMB int `toml:"cache_mb"`

	// CachePath is a local directory for a persistent cache of remote tile bytes.
	CachePath string `toml:"cache_path"`

	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	TimeoutSeconds    int     `toml:"timeout"`

	// Cache, if set, is used instead of creating one from CacheMB and CachePath.
	Cache *ByteCache `toml:"-"`
}

// Format is a tiled volume layout that can be recognized and opened.
type Format interface {
	Name() string
	Description() string
	SemVer() semver.Version

	// Sniff returns true if the volume rooted at src is in this format.
	Sniff(ctx context.Context, src Source) (bool, error)

	// Open reads the volume's metadata and returns its loader.
	Open(ctx context.Context, src Source) (tile.LoadAdapter, error)
}

type registered struct {
	format   Format
	priority int
}

var (
	formatsMu sync.RWMutex
	formats   []registered
)

// RegisterFormat makes a format available to Open.  Formats are probed in
// ascending priority.
func RegisterFormat(f Format, priority int) {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	formats = append(formats, registered{f, priority})
	sort.SliceStable(formats, func(i, j int) bool {
		return formats[i].priority < formats[j].priority
	})
}

// Formats returns the registered formats in probe order.
func Formats() []Format {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	out := make([]Format, len(formats))
	for i, r := range formats {
		out[i] = r.format
	}
	return out
}

// FormatString describes a format for logs and the help text.
func FormatString(f Format) string {
	return fmt.Sprintf("%s [%s]: %s", f.Name(), f.SemVer(), f.Description())
}

// Sniff returns the first registered format that recognizes src.
func Sniff(ctx context.Context, src Source) (Format, error) {
	for _, f := range Formats() {
		ok, err := f.Sniff(ctx, src)
		if err != nil {
			lvv.Debugf("format %s failed to sniff %s: %v\n", f.Name(), src.URL(), err)
			continue
		}
		if ok {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", src.URL(), tile.ErrUnknownFormat)
}

// Open sniffs the volume at ref and returns a loader for it.
func Open(ctx context.Context, ref string, opts Options) (tile.LoadAdapter, error) {
	src, err := OpenSource(ctx, ref, opts)
	if err != nil {
		return nil, err
	}
	if opts.Cache != nil {
		src = NewCachedSource(src, opts.Cache)
	} else if opts.CacheMB > 0 || opts.CachePath != "" {
		cache, err := NewByteCache(opts.CacheMB, opts.CachePath)
		if err != nil {
			logClose(src)
			return nil, err
		}
		src = &cachedSource{Source: src, cache: cache, owned: true}
	}
	f, err := Sniff(ctx, src)
	if err != nil {
		logClose(src)
		return nil, err
	}
	adapter, err := f.Open(ctx, src)
	if err != nil {
		logClose(src)
		return nil, fmt.Errorf("unable to open %s volume @ %s: %v", f.Name(), ref, err)
	}
	lvv.Infof("Opened %s volume @ %s\n", f.Name(), ref)
	return adapter, nil
}
