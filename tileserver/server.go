package tileserver

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/texture"
	"github.com/janelia-flyem/lvv/tile"
	"github.com/janelia-flyem/lvv/view"
)

// DefaultPrefetchFraction of the future cache tier may be filled by speculative
// loads around the current view.
const DefaultPrefetchFraction = 0.9

// Config tunes the texture cache and the prefetch worker pools.
type Config struct {
	MemoryMB         int     `toml:"memory_mb"`
	HistoryFraction  float64 `toml:"history_fraction"`
	FutureFraction   float64 `toml:"future_fraction"`
	PrefetchFraction float64 `toml:"prefetch_fraction"`
	MinResWorkers    int     `toml:"minres_workers"`
	FutureWorkers    int     `toml:"future_workers"`
	MinRes           bool    `toml:"minres"`
}

func DefaultConfig() Config {
	return Config{
		HistoryFraction:  texture.DefaultHistoryFraction,
		FutureFraction:   texture.DefaultFutureFraction,
		PrefetchFraction: DefaultPrefetchFraction,
		MinResWorkers:    DefaultWorkers,
		FutureWorkers:    DefaultWorkers,
		MinRes:           true,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.HistoryFraction <= 0 {
		c.HistoryFraction = d.HistoryFraction
	}
	if c.FutureFraction <= 0 {
		c.FutureFraction = d.FutureFraction
	}
	if c.PrefetchFraction <= 0 || c.PrefetchFraction > 1 {
		c.PrefetchFraction = d.PrefetchFraction
	}
	if c.MinResWorkers < 1 {
		c.MinResWorkers = d.MinResWorkers
	}
	if c.FutureWorkers < 1 {
		c.FutureWorkers = d.FutureWorkers
	}
}

// Server owns the texture cache for one shared volume and schedules tile loads for
// all of its viewers.  A min-res prefetcher loads the coarsest level of the whole
// volume while a future prefetcher loads what viewers need now plus speculative
// neighbors, and is reprioritized whenever the set of visible tiles changes.
type Server struct {
	cfg    Config
	volume *SharedVolumeImage
	cache  *texture.Cache
	minRes *PreFetcher
	future *PreFetcher

	mu       sync.Mutex
	current  *view.IndexSet
	status   LoadStatus
	managers atomic.Pointer[[]*view.Manager]

	// tiles queued by the last rearrangement; read lock-free by loader goroutines
	cacheable atomic.Pointer[view.IndexSet]

	listenMu        sync.RWMutex
	statusListeners []func(LoadStatus)
}

// New returns a tile server whose volume is opened with open.
func New(cfg Config, open Opener) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:    cfg,
		volume: NewSharedVolumeImage(open),
		cache:  texture.NewCache(0, 0),
		minRes: NewPreFetcher("min-res", cfg.MinResWorkers),
		future: NewPreFetcher("future", cfg.FutureWorkers),
	}
	s.managers.Store(&[]*view.Manager{})
	s.cacheable.Store(view.NewIndexSet())
	s.cache.OnTextureLoaded(s.textureLoaded)
	s.minRes.OnDrained(s.updateLoadStatus)
	s.future.OnDrained(s.updateLoadStatus)
	s.volume.OnVolumeInitialized(s.volumeInitialized)
	return s
}

func (s *Server) Config() Config { return s.cfg }

func (s *Server) Volume() *SharedVolumeImage { return s.volume }

func (s *Server) Cache() *texture.Cache { return s.cache }

// LoadVolume sniffs url and makes it the shared volume.
func (s *Server) LoadVolume(ctx context.Context, url string) error {
	return s.volume.Load(ctx, url)
}

func (s *Server) volumeInitialized() {
	f := s.volume.Format()
	adapter := s.volume.Adapter()
	budget := lvv.MemoryBudget(s.cfg.MemoryMB)
	if err := s.cache.SetSizesFromMemory(budget, s.cfg.HistoryFraction, s.cfg.FutureFraction, f.TileBytes()); err != nil {
		lvv.Errorf("Unable to size texture cache: %v\n", err)
	}
	s.ClearCache()
	s.minRes.SetVolume(adapter, s.cache)
	s.future.SetVolume(adapter, s.cache)
	for _, m := range s.ViewTileManagers() {
		m.SetVolume(f, s.cache)
	}
	if s.cfg.MinRes {
		s.queueMinRes(f)
	}
	s.updateLoadStatus()
}

// queueMinRes loads the coarsest tiles of every available slice direction, using at
// most half the future tier so they do not crowd out what viewers need.
func (s *Server) queueMinRes(f *tile.Format) {
	_, futureCap := s.cache.MaxEntries()
	limit := futureCap / 2
	queued := 0
	for _, axis := range []lvv.CoordinateAxis{lvv.ZAxis, lvv.YAxis, lvv.XAxis} {
		for ix := range MinResSlices(f, axis) {
			if queued >= limit {
				lvv.Infof("Min-res prefetch limited to %d tiles by cache size\n", queued)
				return
			}
			if s.minRes.LoadDisplayedTexture(ix, nil) {
				queued++
			}
		}
	}
	lvv.Debugf("Queued %d min-res tiles\n", queued)
}

// AddViewTileManager attaches a viewer to this server.
func (s *Server) AddViewTileManager(m *view.Manager) {
	s.mu.Lock()
	old := *s.managers.Load()
	managers := make([]*view.Manager, len(old), len(old)+1)
	copy(managers, old)
	managers = append(managers, m)
	s.managers.Store(&managers)
	s.mu.Unlock()

	if f := s.volume.Format(); f != nil {
		m.SetVolume(f, s.cache)
	}
	m.OnNeededTexturesChanged(s.neededTexturesChanged)
	m.OnLoadStatusChanged(func(view.LoadStatus) { s.updateLoadStatus() })
}

// NewViewTileManager creates a manager for consumer and attaches it.
func (s *Server) NewViewTileManager(consumer view.Consumer, opts view.Options) *view.Manager {
	m := view.NewManager(consumer, opts)
	s.AddViewTileManager(m)
	return m
}

func (s *Server) ViewTileManagers() []*view.Manager {
	return *s.managers.Load()
}

// ClearCache drops all queued loads and evicts every texture.  GPU handles of the
// evicted textures remain available through the cache's PopObsoleteHandles.
func (s *Server) ClearCache() {
	s.minRes.Clear()
	s.future.Clear()
	s.cache.Clear()
	for _, m := range s.ViewTileManagers() {
		m.Clear()
	}
	s.cacheable.Store(view.NewIndexSet())
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.updateLoadStatus()
}

func (s *Server) isWanted(ix tile.Index) bool {
	if s.cacheable.Load().Contains(ix) {
		return true
	}
	for _, m := range s.ViewTileManagers() {
		if m.IsNeeded(ix) {
			return true
		}
	}
	return false
}

func (s *Server) neededTexturesChanged(needed *view.IndexSet) {
	for _, ix := range needed.Indices() {
		s.future.LoadDisplayedTexture(ix, s.isWanted)
	}
}

func (s *Server) textureLoaded(ix tile.Index) {
	for _, m := range s.ViewTileManagers() {
		m.TextureLoaded(ix)
	}
}

// RefreshCurrentTileSet recomputes the tiles every viewer shows and, if they
// changed, reprioritizes the load queue.  It must be called on the render thread.
func (s *Server) RefreshCurrentTileSet() {
	latest := view.NewIndexSet()
	for _, m := range s.ViewTileManagers() {
		for _, t := range m.CreateLatestTiles() {
			latest.Add(t.Index())
		}
	}
	s.mu.Lock()
	unchanged := latest.Equal(s.current)
	if !unchanged {
		s.current = latest
	}
	s.mu.Unlock()
	if unchanged {
		return
	}
	s.rearrangeLoadQueue()
}

// rearrangeLoadQueue discards pending speculative loads and queues, in order, the
// textures viewers need now followed by neighboring slices interleaved from every
// visible tile, up to PrefetchFraction of the future tier.
func (s *Server) rearrangeLoadQueue() {
	f := s.volume.Format()
	if f == nil {
		return
	}
	dropped := s.future.Clear()

	cacheable := view.NewIndexSet()
	var umbrellas, full []iter.Seq[tile.Index]
	for _, m := range s.ViewTileManagers() {
		m.UpdateDisplayTiles()
		cacheable.AddAll(m.NeededTextures().Indices())
		for _, t := range m.LatestTiles() {
			umbrellas = append(umbrellas, UmbrellaSlices(f, t.Index()))
			full = append(full, Slices(f, t.Index(), 0))
		}
	}
	needed := cacheable.Indices()

	_, futureCap := s.cache.MaxEntries()
	limit := int(s.cfg.PrefetchFraction * float64(futureCap))
	for ix := range Interleave(append(umbrellas, full...)...) {
		if cacheable.Len() >= limit {
			break
		}
		cacheable.Add(ix)
	}
	s.cacheable.Store(cacheable)

	queued := 0
	for _, ix := range cacheable.Indices() {
		if s.future.LoadDisplayedTexture(ix, s.isWanted) {
			queued++
		}
	}
	if lvv.Verbose {
		lvv.Debugf("Rearranged load queue: dropped %d, %d needed, %d cacheable, %d queued\n",
			dropped, len(needed), cacheable.Len(), queued)
	}
	s.updateLoadStatus()
}

// CacheableTextures returns the set published by the last rearrangement.
func (s *Server) CacheableTextures() *view.IndexSet {
	return s.cacheable.Load()
}

func (s *Server) updateLoadStatus() {
	status := s.computeLoadStatus()
	s.mu.Lock()
	prev := s.status
	s.status = status
	s.mu.Unlock()
	if status == prev {
		return
	}
	lvv.Debugf("Tile server load status: %s\n", status)
	s.listenMu.RLock()
	listeners := s.statusListeners
	s.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(status)
	}
}

func (s *Server) computeLoadStatus() LoadStatus {
	if !s.volume.IsLoaded() {
		return Uninitialized
	}
	var total, best, empty int
	for _, m := range s.ViewTileManagers() {
		if c := m.Consumer(); c == nil || !c.IsShowing() {
			continue
		}
		total++
		switch m.LoadStatus() {
		case view.BestTexturesLoaded:
			best++
		case view.NoTexturesLoaded:
			empty++
		}
	}
	var status LoadStatus
	switch {
	case best == total:
		status = BestTexturesLoaded
	case empty == total:
		status = NoTexturesLoaded
	default:
		status = ImperfectTexturesLoaded
	}
	if status == BestTexturesLoaded && s.future.Pending() == 0 && s.minRes.Pending() == 0 {
		status = PrefetchComplete
	}
	return status
}

func (s *Server) LoadStatus() LoadStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnLoadStatusChanged registers a function called with each new aggregate status.
func (s *Server) OnLoadStatusChanged(fn func(LoadStatus)) {
	s.listenMu.Lock()
	s.statusListeners = append(s.statusListeners, fn)
	s.listenMu.Unlock()
}

// LoadNow returns the pixels for ix, loading them synchronously if no worker has.
// A texture not yet claimed by a prefetcher is loaded through the cache; otherwise
// the tile is read directly from the loader.
func (s *Server) LoadNow(ctx context.Context, ix tile.Index) (*tile.Image, error) {
	adapter := s.volume.Adapter()
	if adapter == nil {
		return nil, fmt.Errorf("no volume loaded")
	}
	tex := s.cache.GetOrCreate(ix)
	if tex.Missing() {
		return nil, tile.Missing(ix)
	}
	if img := tex.Image(); img != nil {
		return img, nil
	}
	if !tex.Queue() || !tex.BeginLoad() {
		return adapter.LoadToRAM(ctx, ix)
	}
	img, err := adapter.LoadToRAM(ctx, ix)
	switch {
	case tile.IsMissing(err):
		tex.MarkMissing()
	case err != nil:
		tex.Fail()
	default:
		if tex.Loaded(img) {
			s.cache.NotifyLoaded(ix)
		}
	}
	return img, err
}

// Stats is a snapshot of cache and prefetcher counters.
type Stats struct {
	Status  LoadStatus    `json:"status"`
	Volume  string        `json:"volume"`
	Session string        `json:"session"`
	Cache   texture.Stats `json:"cache"`
	MinRes  PrefetchStats `json:"minres"`
	Future  PrefetchStats `json:"future"`
	Viewers int           `json:"viewers"`
}

func (s *Server) Stats() Stats {
	return Stats{
		Status:  s.LoadStatus(),
		Volume:  s.volume.URL(),
		Session: s.volume.Session(),
		Cache:   s.cache.Stats(),
		MinRes:  s.minRes.Stats(),
		Future:  s.future.Stats(),
		Viewers: len(s.ViewTileManagers()),
	}
}

// Close stops both prefetchers, cancelling in-flight loads, and closes the volume.
func (s *Server) Close() error {
	err1 := s.minRes.Close()
	err2 := s.future.Close()
	s.volume.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
