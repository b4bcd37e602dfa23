package texture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/janelia-flyem/lvv/tile"
)

// Handle is an opaque GPU texture name.  Zero means no GPU resource.
type Handle uint32

// Uploader creates GPU resources.  It is implemented by the renderer and must only
// be called from the render thread.
type Uploader interface {
	Upload(img *tile.Image) (Handle, error)
}

// Texture is one cache entry: the pixels of a tile plus its lifecycle stage and,
// once uploaded, its GPU handle.  The stage is published atomically so loader
// goroutines and the render thread always observe transitions in order.
type Texture struct {
	index      tile.Index
	generation uint64
	created    time.Time

	stage   atomic.Int32
	missing atomic.Bool

	mu             sync.RWMutex
	image          *tile.Image
	handle         Handle
	ramLoaded      time.Time
	firstDisplayed time.Time
}

func newTexture(ix tile.Index, generation uint64) *Texture {
	return &Texture{
		index:      ix.Canonical(),
		generation: generation,
		created:    time.Now(),
	}
}

func (t *Texture) Index() tile.Index { return t.index }

// Generation is the cache generation the texture was created in.  Textures from an
// older generation were orphaned by a cache clear.
func (t *Texture) Generation() uint64 { return t.generation }

func (t *Texture) Stage() Stage { return Stage(t.stage.Load()) }

// Missing is true if the loader reported that this tile does not exist.
func (t *Texture) Missing() bool { return t.missing.Load() }

func (t *Texture) advance(from, to Stage) bool {
	return t.stage.CompareAndSwap(int32(from), int32(to))
}

// Queue moves an uninitialized texture to LoadQueued.  It returns false if the
// texture was already queued or loaded.
func (t *Texture) Queue() bool {
	if t.missing.Load() {
		return false
	}
	return t.advance(Uninitialized, LoadQueued)
}

// Unqueue resets a queued texture that was dropped before loading started.
func (t *Texture) Unqueue() bool {
	return t.advance(LoadQueued, Uninitialized)
}

// BeginLoad moves a queued texture to RAMLoading.
func (t *Texture) BeginLoad() bool {
	return t.advance(LoadQueued, RAMLoading)
}

// Loaded stores the decoded pixels and publishes RAMLoaded.  If the texture was reset
// while loading the pixels are discarded and false is returned.
func (t *Texture) Loaded(img *tile.Image) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Stage() != RAMLoading {
		return false
	}
	t.image = img
	t.ramLoaded = time.Now()
	if !t.advance(RAMLoading, RAMLoaded) {
		t.image = nil
		return false
	}
	return true
}

// MarkMissing records that the tile does not exist.  The texture stays at
// RAMLoading so it is never queued again and never displayed.
func (t *Texture) MarkMissing() {
	t.missing.Store(true)
}

// Fail resets a texture whose load failed or became stale so a later need can
// retry it.
func (t *Texture) Fail() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.image = nil
	return t.advance(RAMLoading, Uninitialized)
}

// evict resets the texture and returns its GPU handle, if any, exactly once.
func (t *Texture) evict() Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.handle
	t.handle = 0
	t.image = nil
	t.stage.Store(int32(Uninitialized))
	return h
}

// Image returns the RAM pixels or nil if not yet loaded.
func (t *Texture) Image() *tile.Image {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.image
}

// Handle returns the GPU handle or zero if not uploaded.
func (t *Texture) Handle() Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handle
}

// Upload creates the GPU resource for a RAM loaded texture.  It must only be called
// on the render thread.  Uploading an already uploaded texture is a no-op.
func (t *Texture) Upload(u Uploader) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.Stage() {
	case GLLoaded:
		return nil
	case RAMLoaded:
	default:
		return fmt.Errorf("cannot upload texture %s in stage %s", t.index, t.Stage())
	}
	h, err := u.Upload(t.image)
	if err != nil {
		return err
	}
	t.handle = h
	t.stage.Store(int32(GLLoaded))
	return nil
}

// MarkDisplayed records the first time the texture was shown.
func (t *Texture) MarkDisplayed() {
	t.mu.Lock()
	if t.firstDisplayed.IsZero() {
		t.firstDisplayed = time.Now()
	}
	t.mu.Unlock()
}

// LoadLatency returns how long the texture took to reach RAM, or zero if it has not.
func (t *Texture) LoadLatency() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.ramLoaded.IsZero() {
		return 0
	}
	return t.ramLoaded.Sub(t.created)
}

func (t *Texture) String() string {
	return fmt.Sprintf("texture %s [%s]", t.index, t.Stage())
}
