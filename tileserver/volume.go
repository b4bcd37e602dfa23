package tileserver

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/twinj/uuid"

	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
)

// Opener sniffs a volume URL and returns a loader for it.
type Opener func(ctx context.Context, url string) (tile.LoadAdapter, error)

// SharedVolumeImage is the one volume shared by every viewer of a tile server.
type SharedVolumeImage struct {
	open Opener

	mu       sync.RWMutex
	adapter  tile.LoadAdapter
	url      string
	session  string
	loadedAt time.Time

	listenMu  sync.RWMutex
	listeners []func()
}

func NewSharedVolumeImage(open Opener) *SharedVolumeImage {
	return &SharedVolumeImage{open: open}
}

// OnVolumeInitialized registers a function called after each successful load.
func (v *SharedVolumeImage) OnVolumeInitialized(fn func()) {
	v.listenMu.Lock()
	v.listeners = append(v.listeners, fn)
	v.listenMu.Unlock()
}

// Load sniffs url and, on success, replaces the current volume.
func (v *SharedVolumeImage) Load(ctx context.Context, url string) error {
	if v.open == nil {
		return fmt.Errorf("no volume opener configured")
	}
	timedLog := lvv.NewTimeLog()
	adapter, err := v.open(ctx, url)
	if err != nil {
		return fmt.Errorf("unable to open volume %q: %v", url, err)
	}
	if err := v.SetAdapter(url, adapter); err != nil {
		return err
	}
	timedLog.Infof("Loaded volume %s: %s", url, adapter.Format())
	return nil
}

// SetAdapter installs an already opened loader as the current volume.
func (v *SharedVolumeImage) SetAdapter(url string, adapter tile.LoadAdapter) error {
	if adapter == nil {
		return fmt.Errorf("nil loader for volume %q", url)
	}
	if err := adapter.Format().Validate(); err != nil {
		return fmt.Errorf("volume %q: %v", url, err)
	}
	v.mu.Lock()
	old := v.adapter
	v.adapter = adapter
	v.url = url
	v.session = fmt.Sprintf("%x", uuid.NewV4().Bytes())
	v.loadedAt = time.Now()
	v.mu.Unlock()

	v.listenMu.RLock()
	listeners := v.listeners
	v.listenMu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
	if old != nil && old != adapter {
		closeAdapter(old)
	}
	return nil
}

// Close releases the current volume's loader.
func (v *SharedVolumeImage) Close() {
	v.mu.Lock()
	adapter := v.adapter
	v.adapter = nil
	v.mu.Unlock()
	if adapter != nil {
		closeAdapter(adapter)
	}
}

// closeAdapter closes loaders holding sources or caches.  Loads still in flight on
// a replaced volume fail and are discarded as stale.
func closeAdapter(adapter tile.LoadAdapter) {
	c, ok := adapter.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		lvv.Errorf("Error closing volume loader: %v\n", err)
	}
}

func (v *SharedVolumeImage) IsLoaded() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.adapter != nil
}

func (v *SharedVolumeImage) Adapter() tile.LoadAdapter {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.adapter
}

// Format returns nil if no volume is loaded.
func (v *SharedVolumeImage) Format() *tile.Format {
	a := v.Adapter()
	if a == nil {
		return nil
	}
	return a.Format()
}

func (v *SharedVolumeImage) URL() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.url
}

// Session is a unique id assigned at each load, so clients can tell when the
// volume behind a URL was reloaded.
func (v *SharedVolumeImage) Session() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.session
}

func (v *SharedVolumeImage) LoadedAt() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.loadedAt
}

// BoundingBox returns an empty box if no volume is loaded.
func (v *SharedVolumeImage) BoundingBox() lvv.BoundingBox3d {
	f := v.Format()
	if f == nil {
		return lvv.EmptyBoundingBox()
	}
	return f.BoundingBox()
}

// VoxelMicrometers returns the voxel size, or zero if no volume is loaded.
func (v *SharedVolumeImage) VoxelMicrometers() [3]float64 {
	f := v.Format()
	if f == nil {
		return [3]float64{}
	}
	return f.VoxelMicrometers
}
