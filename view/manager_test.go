package view

import (
	"sync/atomic"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/texture"
	"github.com/janelia-flyem/lvv/tile"
)

type fakeConsumer struct {
	camera   lvv.Camera
	viewport lvv.Viewport
	axis     lvv.CoordinateAxis
	hidden   bool
	repaints atomic.Int32
}

func (c *fakeConsumer) Camera() lvv.Camera { return c.camera }
func (c *fakeConsumer) Viewport() lvv.Viewport { return c.viewport }
func (c *fakeConsumer) SliceAxis() lvv.CoordinateAxis { return c.axis }
func (c *fakeConsumer) ViewerInGround() mgl64.Mat3 { return mgl64.Ident3() }
func (c *fakeConsumer) IsShowing() bool { return !c.hidden }
func (c *fakeConsumer) Repaint() { c.repaints.Add(1) }

func smallFormat() *tile.Format {
	f := tile.DefaultFormat()
	f.VolumeSize = [3]int{1024, 1024, 10}
	f.TileSize = [3]int{512, 512, 1}
	f.ZoomLevelCount = 2
	f.ChannelCount = 1
	return f
}

func newTestManager(f *tile.Format, focus lvv.Vec3) (*Manager, *fakeConsumer, *texture.Cache) {
	consumer := &fakeConsumer{
		camera:   lvv.Camera{Focus: focus, PixelsPerSceneUnit: 1},
		viewport: lvv.Viewport{Width: 1024, Height: 1024},
		axis:     lvv.ZAxis,
	}
	cache := texture.NewCache(100, 100)
	m := NewManager(consumer, DefaultOptions())
	m.SetVolume(f, cache)
	return m, consumer, cache
}

func TestCreateLatestTiles(t *testing.T) {
	m, consumer, _ := newTestManager(smallFormat(), lvv.Vec3{512, 512, 5.5})
	tiles := m.CreateLatestTiles()
	if len(tiles) != 4 {
		t.Fatalf("expected 4 tiles, got %d: %v", len(tiles), tiles.Indices())
	}
	for _, t2d := range tiles {
		ix := t2d.Index()
		if ix.Zoom != 0 || ix.Z != 5 || ix.Axis != lvv.ZAxis {
			t.Errorf("unexpected tile %s", ix)
		}
	}

	consumer.hidden = true
	if tiles := m.CreateLatestTiles(); len(tiles) != 0 {
		t.Errorf("hidden viewer should need no tiles, got %d", len(tiles))
	}
	consumer.hidden = false

	// Outside the volume entirely.
	consumer.camera.Focus = lvv.Vec3{5000, 5000, 5}
	if tiles := m.CreateLatestTiles(); len(tiles) != 0 {
		t.Errorf("view outside volume should need no tiles, got %v", tiles.Indices())
	}

	// Zoomed out, one coarse tile covers everything.
	consumer.camera = lvv.Camera{Focus: lvv.Vec3{512, 512, 5.5}, PixelsPerSceneUnit: 0.25}
	tiles = m.CreateLatestTiles()
	if len(tiles) != 1 || tiles[0].Index().Zoom != 1 {
		t.Errorf("expected a single zoom 1 tile, got %v", tiles.Indices())
	}
}

func TestCreateTilesCoverage(t *testing.T) {
	f := tile.DefaultFormat()
	f.VolumeSize = [3]int{2000, 1500, 40}
	f.TileSize = [3]int{256, 256, 64}
	f.VoxelMicrometers = [3]float64{0.5, 0.5, 2}
	f.Origin = [3]int{100, 50, 0}
	f.ZoomLevelCount = 4
	f.ChannelCount = 1
	f.HasXSlices, f.HasYSlices = true, true

	cams := []lvv.Camera{
		{Focus: lvv.Vec3{300, 200, 31}, PixelsPerSceneUnit: 2},
		{Focus: lvv.Vec3{60, 40, 0}, PixelsPerSceneUnit: 3.3},
		{Focus: lvv.Vec3{1000, 400, 79}, PixelsPerSceneUnit: 0.9},
		{Focus: lvv.Vec3{500, 400, 40}, PixelsPerSceneUnit: 0.2},
	}
	vp := lvv.Viewport{Width: 800, Height: 600}
	m := NewManager(&fakeConsumer{}, DefaultOptions())
	m.SetVolume(f, texture.NewCache(10, 10))
	bb := f.BoundingBox()
	inset := func(a int) float64 { return DefaultEdgeInsetVoxels * f.VoxelMicrometers[a] }

	for _, axis := range []lvv.CoordinateAxis{lvv.ZAxis, lvv.XAxis, lvv.YAxis} {
		whd := axis.WhdToXyz()
		w, h, d := whd[0], whd[1], whd[2]
		for n, cam := range cams {
			tiles := m.CreateTiles(cam, vp, axis, mgl64.Ident3())
			if len(tiles) == 0 {
				t.Fatalf("%s axis camera %d: expected tiles", axis, n)
			}
			zoom := tiles[0].Index().Zoom
			keys := make(map[tile.Key]bool)
			for _, t2d := range tiles {
				keys[t2d.Index().Key()] = true
			}
			wMin := max(cam.Focus[w]-0.5*float64(vp.Width)/cam.PixelsPerSceneUnit, bb.Min[w]+inset(w))
			wMax := min(cam.Focus[w]+0.5*float64(vp.Width)/cam.PixelsPerSceneUnit, bb.Max[w]-inset(w))
			hMin := max(cam.Focus[h]-0.5*float64(vp.Height)/cam.PixelsPerSceneUnit, bb.Min[h]+inset(h))
			hMax := min(cam.Focus[h]+0.5*float64(vp.Height)/cam.PixelsPerSceneUnit, bb.Max[h]-inset(h))
			depth := min(max(cam.Focus[d], bb.Min[d]+inset(d)), bb.Max[d]-inset(d))
			const steps = 40
			for i := 0; i <= steps; i++ {
				for j := 0; j <= steps; j++ {
					var p lvv.Vec3
					p[w] = wMin + (wMax-wMin)*float64(i)/steps
					p[h] = hMin + (hMax-hMin)*float64(j)/steps
					p[d] = depth
					ix := f.TileIndexForXyz(p, zoom, axis)
					if !keys[ix.Key()] {
						t.Fatalf("%s axis camera %d: point %v in tile %s not covered", axis, n, p, ix)
					}
				}
			}
			for _, t2d := range tiles {
				if !f.InVolume(t2d.Index()) {
					t.Errorf("%s axis camera %d: tile %s outside volume", axis, n, t2d.Index())
				}
			}
		}
	}
}

func TestCreateTilesUnevenHeight(t *testing.T) {
	f := tile.DefaultFormat()
	f.VolumeSize = [3]int{1024, 1500, 4}
	f.TileSize = [3]int{256, 256, 1}
	f.ZoomLevelCount = 4
	f.ChannelCount = 1
	m := NewManager(&fakeConsumer{}, DefaultOptions())
	m.SetVolume(f, texture.NewCache(10, 10))
	vp := lvv.Viewport{Width: 1024, Height: 1024}

	for _, cam := range []lvv.Camera{
		{Focus: lvv.Vec3{512, 750, 1.5}, PixelsPerSceneUnit: 0.1},
		{Focus: lvv.Vec3{512, 1400, 1.5}, PixelsPerSceneUnit: 0.3},
		{Focus: lvv.Vec3{100, 1450, 2.5}, PixelsPerSceneUnit: 1},
		{Focus: lvv.Vec3{900, 30, 0.5}, PixelsPerSceneUnit: 1},
	} {
		tiles := m.CreateTiles(cam, vp, lvv.ZAxis, mgl64.Ident3())
		if len(tiles) == 0 {
			t.Fatalf("camera %v: expected tiles", cam)
		}
		for _, t2d := range tiles {
			ix := t2d.Index()
			if ix.X < 0 || ix.Y < 0 || !f.InVolume(ix) {
				t.Fatalf("camera %v: bad tile requested %s", cam, ix)
			}
		}
		halfW := 0.5 * float64(vp.Width) / cam.PixelsPerSceneUnit
		halfH := 0.5 * float64(vp.Height) / cam.PixelsPerSceneUnit
		const steps = 30
		for i := 0; i <= steps; i++ {
			for j := 0; j <= steps; j++ {
				x := min(max(cam.Focus[0]-halfW+2*halfW*float64(i)/steps, 0.5), 1023.5)
				y := min(max(cam.Focus[1]-halfH+2*halfH*float64(j)/steps, 0.5), 1499.5)
				covered := false
				for _, t2d := range tiles {
					c := t2d.Corners(f)
					if x >= c[0][0] && x < c[3][0] && y >= c[0][1] && y < c[3][1] {
						covered = true
						break
					}
				}
				if !covered {
					t.Fatalf("camera %v: point (%f, %f) not inside any tile of %v", cam, x, y, tiles.Indices())
				}
			}
		}
	}
}

func TestCreateTilesWithoutSlices(t *testing.T) {
	m, _, _ := newTestManager(smallFormat(), lvv.Vec3{512, 512, 5.5})
	cam := lvv.Camera{Focus: lvv.Vec3{512, 512, 5.5}, PixelsPerSceneUnit: 1}
	vp := lvv.Viewport{Width: 1024, Height: 1024}
	for _, axis := range []lvv.CoordinateAxis{lvv.XAxis, lvv.YAxis} {
		if tiles := m.CreateTiles(cam, vp, axis, mgl64.Ident3()); len(tiles) != 0 {
			t.Errorf("volume without %s slices should need no tiles, got %v", axis, tiles.Indices())
		}
	}
	if tiles := m.CreateTiles(cam, vp, lvv.ZAxis, mgl64.Ident3()); len(tiles) != 4 {
		t.Errorf("expected 4 z tiles, got %v", tiles.Indices())
	}
}

func TestThreeTierSelection(t *testing.T) {
	f := smallFormat()
	m, consumer, cache := newTestManager(f, lvv.Vec3{512, 512, 5.5})

	var statuses []LoadStatus
	m.OnLoadStatusChanged(func(s LoadStatus) { statuses = append(statuses, s) })
	var neededChanges int
	m.OnNeededTexturesChanged(func(*IndexSet) { neededChanges++ })

	// Nothing loaded yet.
	show := m.UpdateDisplayTiles()
	if len(show) != 0 || m.LoadStatus() != NoTexturesLoaded {
		t.Fatalf("expected nothing to show, got %d tiles, status %s", len(show), m.LoadStatus())
	}
	needed := m.NeededTextures().Indices()
	coarse := tile.NewIndex(0, 0, 5, 1, 1, tile.Quadtree, lvv.ZAxis)
	if len(needed) != 5 || needed[0] != coarse {
		t.Fatalf("expected coarse tile first of 5 needed textures, got %v", needed)
	}
	if neededChanges != 1 {
		t.Errorf("expected one needed change, got %d", neededChanges)
	}

	// The coarse tile makes the latest set displayable.
	loadIntoCache(t, cache, coarse)
	show = m.UpdateDisplayTiles()
	if len(show) != 4 || m.LoadStatus() != ImperfectTexturesLoaded {
		t.Fatalf("expected latest tiles shown imperfectly, got %d tiles, status %s", len(show), m.LoadStatus())
	}
	needed = m.NeededTextures().Indices()
	if len(needed) != 4 || m.IsNeeded(coarse) {
		t.Errorf("expected only the 4 best textures needed, got %v", needed)
	}
	shownLatest := show

	// Move to another slice with nothing loaded: emergency tiles are shown.
	consumer.camera.Focus = lvv.Vec3{512, 512, 7.5}
	show = m.UpdateDisplayTiles()
	if !show.SameTiles(shownLatest) || m.LoadStatus() != StaleTexturesLoaded {
		t.Fatalf("expected previous tiles shown as stale, got %v status %s", show.Indices(), m.LoadStatus())
	}
	if !m.IsNeeded(tile.NewIndex(0, 0, 7, 1, 1, tile.Quadtree, lvv.ZAxis)) {
		t.Errorf("expected coarse tile of new slice to be needed")
	}

	// Still nothing loaded: fall back to last good.
	show = m.UpdateDisplayTiles()
	if !show.SameTiles(shownLatest) || m.LoadStatus() != StaleTexturesLoaded {
		t.Errorf("expected last good tiles, got %v status %s", show.Indices(), m.LoadStatus())
	}

	// Load everything for the new slice.
	for _, ix := range m.NeededTextures().Indices() {
		loadIntoCache(t, cache, ix)
	}
	show = m.UpdateDisplayTiles()
	if show.SameTiles(shownLatest) || m.LoadStatus() != BestTexturesLoaded {
		t.Errorf("expected new tiles at best, got %v status %s", show.Indices(), m.LoadStatus())
	}
	if m.NeededTextures().Len() != 0 {
		t.Errorf("expected nothing needed, got %v", m.NeededTextures().Indices())
	}
	expected := []LoadStatus{ImperfectTexturesLoaded, StaleTexturesLoaded, BestTexturesLoaded}
	if len(statuses) != len(expected) {
		t.Fatalf("expected status changes %v, got %v", expected, statuses)
	}
	for i := range expected {
		if statuses[i] != expected[i] {
			t.Errorf("status change %d: expected %s, got %s", i, expected[i], statuses[i])
		}
	}
}

func TestTextureLoadedRepaintFilter(t *testing.T) {
	m, consumer, _ := newTestManager(smallFormat(), lvv.Vec3{512, 512, 5.5})
	m.UpdateDisplayTiles()
	m.TextureLoaded(tile.NewIndex(0, 0, 5, 0, 1, tile.Quadtree, lvv.ZAxis))
	if consumer.repaints.Load() != 1 {
		t.Errorf("expected repaint for displayable tile")
	}
	m.TextureLoaded(tile.NewIndex(0, 0, 9, 0, 1, tile.Quadtree, lvv.ZAxis))
	if consumer.repaints.Load() != 1 {
		t.Errorf("expected no repaint for unrelated tile")
	}
}
