package tileserver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/texture"
	"github.com/janelia-flyem/lvv/tile"
)

// DefaultWorkers is the number of loader goroutines per prefetcher.
const DefaultWorkers = 4

// WantedFunc reports whether a queued index is still worth loading.  A nil
// WantedFunc always wants the tile.
type WantedFunc func(tile.Index) bool

type loadTask struct {
	tex    *texture.Texture
	wanted WantedFunc
}

func (t loadTask) stillWanted() bool {
	return t.wanted == nil || t.wanted(t.tex.Index())
}

// PrefetchStats counts prefetcher outcomes.
type PrefetchStats struct {
	Queued  int    `json:"queued"`
	Active  int    `json:"active"`
	Loaded  uint64 `json:"loaded"`
	Missing uint64 `json:"missing"`
	Failed  uint64 `json:"failed"`
	Stale   uint64 `json:"stale"`
}

// PreFetcher is a fixed pool of loader goroutines working through a FIFO queue of
// textures.  Every task re-checks that its tile is still wanted immediately before
// and after I/O, so a backlog of stale requests never delays fresh ones.
type PreFetcher struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []loadTask
	active  int
	closed  bool
	adapter tile.LoadAdapter
	cache   *texture.Cache
	drained []func()

	loaded  atomic.Uint64
	missing atomic.Uint64
	failed  atomic.Uint64
	stale   atomic.Uint64

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewPreFetcher starts a pool of workers loader goroutines.
func NewPreFetcher(name string, workers int) *PreFetcher {
	if workers < 1 {
		workers = DefaultWorkers
	}
	p := &PreFetcher{name: name}
	p.cond = sync.NewCond(&p.mu)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	p.group = g
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return p.work(ctx)
		})
	}
	lvv.Debugf("Started %s prefetcher with %d workers\n", name, workers)
	return p
}

// SetVolume sets the loader and cache used by subsequent tasks.
func (p *PreFetcher) SetVolume(adapter tile.LoadAdapter, cache *texture.Cache) {
	p.mu.Lock()
	p.adapter = adapter
	p.cache = cache
	p.mu.Unlock()
}

// OnDrained registers a function called whenever the queue empties and no task is
// running.
func (p *PreFetcher) OnDrained(fn func()) {
	p.mu.Lock()
	p.drained = append(p.drained, fn)
	p.mu.Unlock()
}

// LoadDisplayedTexture queues a load of ix unless its texture is already queued,
// loading, loaded, or known to be missing.  It returns true if a task was queued.
func (p *PreFetcher) LoadDisplayedTexture(ix tile.Index, wanted WantedFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.cache == nil || p.adapter == nil {
		return false
	}
	tex := p.cache.GetOrCreate(ix)
	p.cache.Touch(ix)
	if !tex.Queue() {
		return false
	}
	p.queue = append(p.queue, loadTask{tex: tex, wanted: wanted})
	p.cond.Signal()
	return true
}

// Clear drops every task that has not started.  Their textures return to
// Uninitialized so they can be queued again.
func (p *PreFetcher) Clear() int {
	p.mu.Lock()
	dropped := p.queue
	p.queue = nil
	fire := p.active == 0 && len(dropped) > 0
	listeners := p.drained
	p.mu.Unlock()

	for _, t := range dropped {
		t.tex.Unqueue()
	}
	if fire {
		for _, fn := range listeners {
			fn()
		}
	}
	return len(dropped)
}

// Pending returns the number of queued plus running tasks.
func (p *PreFetcher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + p.active
}

func (p *PreFetcher) Stats() PrefetchStats {
	p.mu.Lock()
	s := PrefetchStats{Queued: len(p.queue), Active: p.active}
	p.mu.Unlock()
	s.Loaded = p.loaded.Load()
	s.Missing = p.missing.Load()
	s.Failed = p.failed.Load()
	s.Stale = p.stale.Load()
	return s
}

// Close stops the workers.  Running loads see a cancelled context.
func (p *PreFetcher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.Clear()
	p.cancel()
	return p.group.Wait()
}

func (p *PreFetcher) next() (loadTask, tile.LoadAdapter, *texture.Cache, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return loadTask{}, nil, nil, false
	}
	t := p.queue[0]
	p.queue[0] = loadTask{}
	p.queue = p.queue[1:]
	p.active++
	return t, p.adapter, p.cache, true
}

func (p *PreFetcher) done() {
	p.mu.Lock()
	p.active--
	fire := p.active == 0 && len(p.queue) == 0
	listeners := p.drained
	p.mu.Unlock()
	if fire {
		for _, fn := range listeners {
			fn()
		}
	}
}

func (p *PreFetcher) work(ctx context.Context) error {
	for {
		t, adapter, cache, ok := p.next()
		if !ok {
			return nil
		}
		p.load(ctx, t, adapter, cache)
		p.done()
	}
}

func (p *PreFetcher) load(ctx context.Context, t loadTask, adapter tile.LoadAdapter, cache *texture.Cache) {
	ix := t.tex.Index()
	if !cache.IsCurrent(t.tex) || !t.stillWanted() {
		t.tex.Unqueue()
		p.stale.Add(1)
		return
	}
	if !t.tex.BeginLoad() {
		return
	}
	img, err := adapter.LoadToRAM(ctx, ix)
	switch {
	case tile.IsMissing(err):
		t.tex.MarkMissing()
		p.missing.Add(1)
		if lvv.Verbose {
			lvv.Debugf("%s prefetcher: tile %s is missing\n", p.name, ix)
		}
	case errors.Is(err, context.Canceled), err != nil && !cache.IsCurrent(t.tex):
		t.tex.Fail()
		p.stale.Add(1)
	case err != nil:
		t.tex.Fail()
		p.failed.Add(1)
		lvv.Errorf("%s prefetcher: %v\n", p.name, tile.NewLoadError(ix, err))
	case !cache.IsCurrent(t.tex) || !t.stillWanted():
		// Finished after the view moved on; do not publish.
		t.tex.Fail()
		p.stale.Add(1)
	default:
		if t.tex.Loaded(img) {
			p.loaded.Add(1)
			cache.NotifyLoaded(ix)
		} else {
			p.stale.Add(1)
		}
	}
}
