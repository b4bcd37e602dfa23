package view

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/texture"
	"github.com/janelia-flyem/lvv/tile"
)

// LoadStatus describes what a viewer is currently able to show.
type LoadStatus int

const (
	NoTexturesLoaded LoadStatus = iota
	StaleTexturesLoaded
	ImperfectTexturesLoaded
	BestTexturesLoaded
)

func (s LoadStatus) String() string {
	switch s {
	case NoTexturesLoaded:
		return "no textures loaded"
	case StaleTexturesLoaded:
		return "stale textures loaded"
	case ImperfectTexturesLoaded:
		return "imperfect textures loaded"
	case BestTexturesLoaded:
		return "best textures loaded"
	default:
		return fmt.Sprintf("load status(%d)", int(s))
	}
}

// DefaultEdgeInsetVoxels pulls the visible rectangle inside the volume so floating
// point error at the volume boundary does not request an extra row or column.
const DefaultEdgeInsetVoxels = 0.25

// Options tunes needed-tile computation.
type Options struct {
	ZoomOffset      float64 `toml:"zoom_offset"`
	EdgeInsetVoxels float64 `toml:"edge_inset"`
}

func DefaultOptions() Options {
	return Options{
		ZoomOffset:      tile.DefaultZoomOffset,
		EdgeInsetVoxels: DefaultEdgeInsetVoxels,
	}
}

// Manager computes, for one viewer, which tiles cover the view and which textures
// should be loaded next.  It keeps three tile sets:
//
//   - latest: what the current camera wants, even if not yet loaded.
//   - emergency: a recent set that is left to finish loading undisturbed, so that
//     during rapid camera motion the display still advances.
//   - last good: the most recent set that could be displayed.
//
// UpdateDisplayTiles is called on the render thread.  The needed set is published
// by atomic swap so loader goroutines can read it without locking.
type Manager struct {
	consumer Consumer
	opts     Options

	volMu  sync.RWMutex
	format *tile.Format
	cache  *texture.Cache

	mu        sync.Mutex
	latest    TileSet
	emergency TileSet
	lastGood  TileSet
	status    LoadStatus

	needed      atomic.Pointer[IndexSet]
	displayable atomic.Pointer[IndexSet]

	listenMu        sync.RWMutex
	statusListeners []func(LoadStatus)
	neededListeners []func(*IndexSet)
}

func NewManager(consumer Consumer, opts Options) *Manager {
	m := &Manager{consumer: consumer, opts: opts}
	m.needed.Store(NewIndexSet())
	m.displayable.Store(NewIndexSet())
	return m
}

func (m *Manager) Consumer() Consumer { return m.consumer }

func (m *Manager) Options() Options { return m.opts }

// SetVolume attaches the manager to a volume's format and texture cache.
func (m *Manager) SetVolume(f *tile.Format, cache *texture.Cache) {
	m.volMu.Lock()
	m.format = f
	m.cache = cache
	m.volMu.Unlock()
	m.Clear()
}

// SetTextureCache replaces the cache, e.g. after the tile server rebuilt it.
func (m *Manager) SetTextureCache(cache *texture.Cache) {
	m.volMu.Lock()
	m.cache = cache
	m.volMu.Unlock()
}

func (m *Manager) volume() (*tile.Format, *texture.Cache) {
	m.volMu.RLock()
	defer m.volMu.RUnlock()
	return m.format, m.cache
}

// OnLoadStatusChanged registers a function called when the load status changes.
func (m *Manager) OnLoadStatusChanged(fn func(LoadStatus)) {
	m.listenMu.Lock()
	m.statusListeners = append(m.statusListeners, fn)
	m.listenMu.Unlock()
}

// OnNeededTexturesChanged registers a function called with each newly published
// needed set.
func (m *Manager) OnNeededTexturesChanged(fn func(*IndexSet)) {
	m.listenMu.Lock()
	m.neededListeners = append(m.neededListeners, fn)
	m.listenMu.Unlock()
}

// CreateLatestTiles returns the tiles covering the consumer's current view.  A
// hidden viewer or a manager without a volume needs no tiles.
func (m *Manager) CreateLatestTiles() TileSet {
	if m.consumer == nil || !m.consumer.IsShowing() {
		return nil
	}
	return m.CreateTiles(m.consumer.Camera(), m.consumer.Viewport(), m.consumer.SliceAxis(),
		m.consumer.ViewerInGround())
}

// CreateTiles returns every tile at the ideal zoom level that intersects the
// visible rectangle, clipped to the volume.
func (m *Manager) CreateTiles(cam lvv.Camera, vp lvv.Viewport, axis lvv.CoordinateAxis, viewerInGround mgl64.Mat3) TileSet {
	f, _ := m.volume()
	if f == nil || cam.PixelsPerSceneUnit <= 0 || vp.Width <= 0 || vp.Height <= 0 {
		return nil
	}
	whd, ok := lvv.WhdFromRotation(viewerInGround)
	if !ok || whd[2] != axis.Index() {
		whd = axis.WhdToXyz()
	}
	if !f.HasSlices(lvv.CoordinateAxis(whd[2])) {
		return nil
	}
	zoom := f.ZoomLevelWithOffset(cam.PixelsPerSceneUnit, m.opts.ZoomOffset)
	bb := f.BoundingBox()

	var lo, hi lvv.Vec3
	halfExtent := [2]float64{
		0.5 * float64(vp.Width) / cam.PixelsPerSceneUnit,
		0.5 * float64(vp.Height) / cam.PixelsPerSceneUnit,
	}
	for i := 0; i < 2; i++ {
		a := whd[i]
		inset := m.opts.EdgeInsetVoxels * f.VoxelMicrometers[a]
		lo[a] = math.Max(cam.Focus[a]-halfExtent[i], bb.Min[a]+inset)
		hi[a] = math.Min(cam.Focus[a]+halfExtent[i], bb.Max[a]-inset)
		if lo[a] > hi[a] {
			return nil // view does not intersect the volume
		}
	}
	d := whd[2]
	inset := m.opts.EdgeInsetVoxels * f.VoxelMicrometers[d]
	depth := math.Min(math.Max(cam.Focus[d], bb.Min[d]+inset), bb.Max[d]-inset)
	lo[d], hi[d] = depth, depth

	depthAxis := lvv.CoordinateAxis(d)
	cLo := f.TileIndexForXyz(lo, zoom, depthAxis).Coords()
	cHi := f.TileIndexForXyz(hi, zoom, depthAxis).Coords()
	wa, ha := whd[0], whd[1]
	wMin, wMax := minMax(cLo[wa], cHi[wa])
	hMin, hMax := minMax(cLo[ha], cHi[ha])

	tiles := make(TileSet, 0, (wMax-wMin+1)*(hMax-hMin+1))
	for w := wMin; w <= wMax; w++ {
		for h := hMin; h <= hMax; h++ {
			c := cLo
			c[wa], c[ha] = w, h
			ix := tile.NewIndex(c[0], c[1], c[2], zoom, f.MaxZoom(), f.Style, depthAxis)
			tiles = append(tiles, NewTile2d(ix))
		}
	}
	return tiles
}

func minMax(a, b int) (int, int) {
	if a < b {
		return a, b
	}
	return b, a
}

// UpdateDisplayTiles recomputes the latest tiles, chooses which of the latest,
// emergency, or last good sets to show, and republishes the needed textures.
// It must be called on the render thread.
func (m *Manager) UpdateDisplayTiles() TileSet {
	_, cache := m.volume()
	if cache == nil {
		return nil
	}
	latest := m.CreateLatestTiles()
	latest.AssignTextures(cache)

	m.mu.Lock()
	if len(m.emergency) > 0 {
		m.emergency.AssignTextures(cache)
	} else {
		m.emergency = latest
	}

	var show TileSet
	var status LoadStatus
	switch {
	case latest.CanDisplay():
		m.emergency = latest
		m.lastGood = latest
		show = latest
		if latest.MinStage() == BestTextureLoaded {
			status = BestTexturesLoaded
		} else {
			status = ImperfectTexturesLoaded
		}
	case m.emergency.CanDisplay():
		m.lastGood = m.emergency
		show = m.emergency
		m.emergency = latest // start loading a new batch
		status = StaleTexturesLoaded
	default:
		show = m.lastGood
		if len(m.lastGood) > 0 && m.lastGood.CanDisplay() {
			status = StaleTexturesLoaded
		} else {
			status = NoTexturesLoaded
		}
	}
	m.latest = latest
	emergency := m.emergency
	prevStatus := m.status
	m.status = status
	m.mu.Unlock()

	// Recently displayed textures resist eviction.
	for _, set := range []TileSet{latest, show} {
		for _, t := range set {
			if tex := t.Texture(); tex != nil {
				cache.MarkHistorical(tex)
			}
		}
	}
	for _, t := range show {
		if tex := t.Texture(); tex != nil {
			tex.MarkDisplayed()
		}
	}

	needed := NewIndexSet()
	needed.AddAll(emergency.FastNeededTextures())
	if latest.MinStage() < CoarseTextureLoaded {
		needed.AddAll(latest.FastNeededTextures())
	}
	needed.AddAll(latest.BestNeededTextures())
	changed := !needed.Equal(m.needed.Load())
	if changed {
		m.needed.Store(needed)
	}

	displayable := NewIndexSet()
	for _, set := range []TileSet{latest, emergency} {
		for _, t := range set {
			if tex := t.Texture(); tex != nil {
				displayable.Add(tex.Index())
			}
			displayable.Add(t.Index())
		}
	}
	m.displayable.Store(displayable)

	if changed {
		if lvv.Verbose {
			lvv.Debugf("Viewer needs %d textures\n", needed.Len())
		}
		m.listenMu.RLock()
		listeners := m.neededListeners
		m.listenMu.RUnlock()
		for _, fn := range listeners {
			fn(needed)
		}
	}
	if status != prevStatus {
		m.listenMu.RLock()
		listeners := m.statusListeners
		m.listenMu.RUnlock()
		for _, fn := range listeners {
			fn(status)
		}
	}
	return show
}

// NeededTextures returns the current needed set.  The returned set must not be
// modified.
func (m *Manager) NeededTextures() *IndexSet {
	return m.needed.Load()
}

// IsNeeded returns true if ix is in the current needed set.
func (m *Manager) IsNeeded(ix tile.Index) bool {
	return m.needed.Load().Contains(ix)
}

// LatestTiles returns the tiles computed by the last UpdateDisplayTiles.
func (m *Manager) LatestTiles() TileSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

func (m *Manager) LoadStatus() LoadStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// TextureLoaded requests a repaint if the loaded texture could improve what this
// viewer shows, i.e. it is displayable or needed.  It may be called from any
// goroutine.
func (m *Manager) TextureLoaded(ix tile.Index) {
	if m.consumer == nil {
		return
	}
	if m.displayable.Load().Contains(ix) || m.needed.Load().Contains(ix) {
		m.consumer.Repaint()
	}
}

// Clear forgets all tile sets, e.g. after the volume or cache was replaced.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.latest = nil
	m.emergency = nil
	m.lastGood = nil
	m.status = NoTexturesLoaded
	m.mu.Unlock()
	m.needed.Store(NewIndexSet())
	m.displayable.Store(NewIndexSet())
}
