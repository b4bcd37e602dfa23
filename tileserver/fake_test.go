package tileserver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
)

type fakeAdapter struct {
	format *tile.Format

	mu      sync.Mutex
	missing   map[tile.Key]bool
	broken    map[tile.Key]bool
	requested map[tile.Key]int

	gate    chan struct{} // loads block until closed
	started chan tile.Index
	loads   atomic.Int32
}

func newFakeAdapter(f *tile.Format) *fakeAdapter {
	return &fakeAdapter{
		format:  f,
		missing:   make(map[tile.Key]bool),
		broken:    make(map[tile.Key]bool),
		requested: make(map[tile.Key]int),
	}
}

func (a *fakeAdapter) Format() *tile.Format { return a.format }

func (a *fakeAdapter) LoadToRAM(ctx context.Context, ix tile.Index) (*tile.Image, error) {
	a.loads.Add(1)
	a.mu.Lock()
	a.requested[ix.Key()]++
	a.mu.Unlock()
	if a.started != nil {
		a.started <- ix
	}
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	missing, broken := a.missing[ix.Key()], a.broken[ix.Key()]
	a.mu.Unlock()
	if missing {
		return nil, tile.Missing(ix)
	}
	if broken {
		return nil, errors.New("corrupt tile")
	}
	f := a.format
	return tile.NewImage(f.TileSize[0], f.TileSize[1], f.ChannelCount, f.BitDepth), nil
}

func (a *fakeAdapter) wasRequested(ix tile.Index) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requested[ix.Key()] > 0
}

func (a *fakeAdapter) opener() Opener {
	return func(ctx context.Context, url string) (tile.LoadAdapter, error) {
		return a, nil
	}
}

type fakeConsumer struct {
	camera   lvv.Camera
	viewport lvv.Viewport
	hidden   bool
	repaints atomic.Int32
}

func (c *fakeConsumer) Camera() lvv.Camera { return c.camera }
func (c *fakeConsumer) Viewport() lvv.Viewport { return c.viewport }
func (c *fakeConsumer) SliceAxis() lvv.CoordinateAxis { return lvv.ZAxis }
func (c *fakeConsumer) ViewerInGround() mgl64.Mat3 { return mgl64.Ident3() }
func (c *fakeConsumer) IsShowing() bool { return !c.hidden }
func (c *fakeConsumer) Repaint() { c.repaints.Add(1) }

func newFakeConsumer(focus lvv.Vec3, size int) *fakeConsumer {
	return &fakeConsumer{
		camera:   lvv.Camera{Focus: focus, PixelsPerSceneUnit: 1},
		viewport: lvv.Viewport{Width: size, Height: size},
	}
}

// smallFormat is a 1024x1024x10 volume of 512x512 tiles with two zoom levels.
func smallFormat(style tile.IndexStyle) *tile.Format {
	f := tile.DefaultFormat()
	f.VolumeSize = [3]int{1024, 1024, 10}
	f.TileSize = [3]int{512, 512, 1}
	f.ZoomLevelCount = 2
	f.ChannelCount = 1
	f.Style = style
	return f
}

// waitFor polls cond until it is true or fails the test after a few seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func receive(t *testing.T, ch chan tile.Index) tile.Index {
	t.Helper()
	select {
	case ix := <-ch:
		return ix
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a load to start")
	}
	return tile.Index{}
}
