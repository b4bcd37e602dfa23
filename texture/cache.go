package texture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
)

const (
	// DefaultHistoryFraction of the memory budget holds recently displayed tiles.
	DefaultHistoryFraction = 0.15

	// DefaultFutureFraction of the memory budget holds prefetched tiles.
	DefaultFutureFraction = 0.35

	defaultHistoryEntries = 100
	defaultFutureEntries  = 200
)

// Cache is the bounded store of textures for one volume.  It keeps two independently
// sized LRU tiers: a history tier of tiles that were actually displayed and a future
// tier of tiles that were created for prefetching but not yet shown.  GPU handles of
// evicted textures are never destroyed here; they are collected for the render thread
// to release through PopObsoleteHandles.
type Cache struct {
	mu         sync.Mutex
	history    *lru.LRU[tile.Key, *Texture]
	future     *lru.LRU[tile.Key, *Texture]
	obsolete   map[Handle]struct{}
	generation uint64
	evictions  uint64
	historyCap int
	futureCap  int

	hits   atomic.Uint64
	misses atomic.Uint64

	listenMu  sync.RWMutex
	listeners []func(tile.Index)
}

// NewCache returns a cache with the given tier capacities.  Non-positive sizes fall
// back to small defaults.
func NewCache(historyEntries, futureEntries int) *Cache {
	if historyEntries < 1 {
		historyEntries = defaultHistoryEntries
	}
	if futureEntries < 1 {
		futureEntries = defaultFutureEntries
	}
	c := &Cache{
		obsolete:   make(map[Handle]struct{}),
		historyCap: historyEntries,
		futureCap:  futureEntries,
	}
	var err error
	if c.history, err = lru.NewLRU[tile.Key, *Texture](historyEntries, c.onHistoryEvict); err != nil {
		panic(err) // only fails for non-positive sizes
	}
	if c.future, err = lru.NewLRU[tile.Key, *Texture](futureEntries, c.onFutureEvict); err != nil {
		panic(err)
	}
	return c
}

// eviction callbacks run with c.mu held.  A texture is only retired once it is held
// by neither tier, since MarkHistorical moves textures between them.
func (c *Cache) onHistoryEvict(k tile.Key, t *Texture) {
	if other, found := c.future.Peek(k); found && other == t {
		return
	}
	c.retire(t)
}

func (c *Cache) onFutureEvict(k tile.Key, t *Texture) {
	if other, found := c.history.Peek(k); found && other == t {
		return
	}
	c.retire(t)
}

func (c *Cache) retire(t *Texture) {
	c.evictions++
	if h := t.evict(); h != 0 {
		c.obsolete[h] = struct{}{}
	}
}

// Get returns the texture for ix without creating one.  A history hit is promoted to
// the head of the history tier; a future hit leaves the future order unchanged.
func (c *Cache) Get(ix tile.Index) (*Texture, bool) {
	k := ix.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, found := c.history.Get(k); found {
		c.hits.Add(1)
		return t, true
	}
	if t, found := c.future.Peek(k); found {
		c.hits.Add(1)
		return t, true
	}
	c.misses.Add(1)
	return nil, false
}

// Contains reports whether ix is cached in either tier without touching recency.
func (c *Cache) Contains(ix tile.Index) bool {
	k := ix.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Contains(k) || c.future.Contains(k)
}

// GetOrCreate returns the cached texture for ix or inserts a new Uninitialized
// texture into the future tier.  It never performs I/O.
func (c *Cache) GetOrCreate(ix tile.Index) *Texture {
	k := ix.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, found := c.history.Peek(k); found {
		return t
	}
	if t, found := c.future.Peek(k); found {
		return t
	}
	t := newTexture(ix, c.generation)
	c.future.Add(k, t)
	return t
}

// Touch refreshes the recency of ix in whichever tier holds it, so textures that
// are requested again are evicted last.
func (c *Cache) Touch(ix tile.Index) {
	k := ix.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.history.Get(k); !found {
		c.future.Get(k)
	}
}

// MarkHistorical records that t was displayed by moving it to the head of the
// history tier.
func (c *Cache) MarkHistorical(t *Texture) {
	if t == nil {
		return
	}
	k := t.Index().Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.holds(k, t) {
		return
	}
	c.history.Add(k, t)
	c.future.Remove(k)
}

// PopObsoleteHandles drains the handles of evicted GPU-resident textures.  Only the
// render thread should call this, and it must destroy every returned handle.
func (c *Cache) PopObsoleteHandles() []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.obsolete) == 0 {
		return nil
	}
	handles := make([]Handle, 0, len(c.obsolete))
	for h := range c.obsolete {
		handles = append(handles, h)
	}
	c.obsolete = make(map[Handle]struct{})
	return handles
}

// Clear evicts every texture, collecting live GPU handles as obsolete, and starts a
// new generation so in-flight loads for old textures are ignored.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history.Purge()
	c.future.Purge()
	c.generation++
	lvv.Debugf("Cleared texture cache, now at generation %d\n", c.generation)
}

// Generation returns the current cache generation.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// IsCurrent returns true if t belongs to the current generation and is still
// held by the cache.
func (c *Cache) IsCurrent(t *Texture) bool {
	k := t.Index().Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holds(k, t)
}

func (c *Cache) holds(k tile.Key, t *Texture) bool {
	if t.generation != c.generation {
		return false
	}
	if other, found := c.history.Peek(k); found && other == t {
		return true
	}
	other, found := c.future.Peek(k)
	return found && other == t
}

// SetMaxEntries resizes both tiers, evicting from the tails as needed.
func (c *Cache) SetMaxEntries(historyEntries, futureEntries int) {
	if historyEntries < 1 {
		historyEntries = 1
	}
	if futureEntries < 1 {
		futureEntries = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history.Resize(historyEntries)
	c.future.Resize(futureEntries)
	c.historyCap = historyEntries
	c.futureCap = futureEntries
}

// MaxEntries returns the capacities of the history and future tiers.
func (c *Cache) MaxEntries() (history, future int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyCap, c.futureCap
}

// EntriesForMemory returns how many tiles of tileBytes fit in fraction of budget.
func EntriesForMemory(budget int64, fraction float64, tileBytes int) int {
	if tileBytes <= 0 {
		return 1
	}
	n := int(float64(budget) * fraction / float64(tileBytes))
	if n < 1 {
		n = 1
	}
	return n
}

// SetSizesFromMemory sizes both tiers as fractions of a memory budget divided by the
// per-tile byte size, so capacity adapts to tile geometry.
func (c *Cache) SetSizesFromMemory(budget int64, historyFraction, futureFraction float64, tileBytes int) error {
	if historyFraction <= 0 || futureFraction <= 0 {
		return fmt.Errorf("cache fractions must be positive, got %f and %f", historyFraction, futureFraction)
	}
	if historyFraction+futureFraction >= 1.0 {
		lvv.Warningf("Texture cache fractions %.2f + %.2f leave no memory for anything else\n",
			historyFraction, futureFraction)
	}
	h := EntriesForMemory(budget, historyFraction, tileBytes)
	f := EntriesForMemory(budget, futureFraction, tileBytes)
	lvv.Infof("Texture cache sized to %d history tiles (%s) and %d future tiles (%s) for %s tiles\n",
		h, humanize.Bytes(uint64(h)*uint64(tileBytes)), f, humanize.Bytes(uint64(f)*uint64(tileBytes)),
		humanize.Bytes(uint64(tileBytes)))
	c.SetMaxEntries(h, f)
	return nil
}

// OnTextureLoaded registers a function called whenever a texture reaches RAM.
func (c *Cache) OnTextureLoaded(fn func(tile.Index)) {
	c.listenMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenMu.Unlock()
}

// NotifyLoaded calls the registered load listeners.
func (c *Cache) NotifyLoaded(ix tile.Index) {
	c.listenMu.RLock()
	listeners := c.listeners
	c.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(ix)
	}
}

// Stats is a snapshot of cache occupancy.
type Stats struct {
	HistoryEntries  int    `json:"history_entries"`
	HistoryCapacity int    `json:"history_capacity"`
	FutureEntries   int    `json:"future_entries"`
	FutureCapacity  int    `json:"future_capacity"`
	ObsoleteHandles int    `json:"obsolete_handles"`
	Generation      uint64 `json:"generation"`
	Evictions       uint64 `json:"evictions"`
	Hits            uint64 `json:"hits"`
	Misses          uint64 `json:"misses"`
	RetainedBytes   uint64 `json:"retained_bytes"`
}

// Stats returns occupancy counters.  RetainedBytes walks every texture and is
// approximate.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		HistoryEntries:  c.history.Len(),
		HistoryCapacity: c.historyCap,
		FutureEntries:   c.future.Len(),
		FutureCapacity:  c.futureCap,
		ObsoleteHandles: len(c.obsolete),
		Generation:      c.generation,
		Evictions:       c.evictions,
	}
	textures := append(c.history.Values(), c.future.Values()...)
	c.mu.Unlock()

	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	for _, t := range textures {
		if img := t.Image(); img != nil {
			s.RetainedBytes += uint64(size.Of(img))
		}
	}
	return s
}
