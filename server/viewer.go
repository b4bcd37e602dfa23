package server

import (
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/texture"
	"github.com/janelia-flyem/lvv/tile"
	"github.com/janelia-flyem/lvv/view"
)

// headlessUploader hands out texture names without a GPU so the render loop can
// run the full texture lifecycle on a server.
type headlessUploader struct {
	next      atomic.Uint32
	uploaded  atomic.Uint64
	destroyed atomic.Uint64
}

func (u *headlessUploader) Upload(img *tile.Image) (texture.Handle, error) {
	u.uploaded.Add(1)
	return texture.Handle(u.next.Add(1)), nil
}

func (u *headlessUploader) destroy(handles []texture.Handle) {
	u.destroyed.Add(uint64(len(handles)))
}

// Viewer is a remotely driven view of the shared volume.  Clients post camera
// changes and the service's render loop selects, uploads and retires its tiles
// exactly as an on-screen viewer would.
type Viewer struct {
	id string

	mu       sync.Mutex
	camera   lvv.Camera
	viewport lvv.Viewport
	axis     lvv.CoordinateAxis
	showing  bool
	shown    view.TileSet
	tiles    []ShownTile

	manager  *view.Manager
	cache    func() *texture.Cache
	format   func() *tile.Format
	uploader headlessUploader

	repaint chan<- struct{}
	frames  atomic.Uint64

	subMu       sync.Mutex
	subscribers map[chan FrameEvent]struct{}
}

func newViewer(id string, repaint chan<- struct{}, cache func() *texture.Cache, format func() *tile.Format) *Viewer {
	return &Viewer{
		id:       id,
		viewport: lvv.Viewport{Width: 1024, Height: 768},
		axis:     lvv.ZAxis,
		cache:    cache,
		format:   format,
		repaint:  repaint,
	}
}

func (v *Viewer) ID() string { return v.id }

func (v *Viewer) Camera() lvv.Camera {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.camera
}

func (v *Viewer) Viewport() lvv.Viewport {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.viewport
}

func (v *Viewer) SliceAxis() lvv.CoordinateAxis {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.axis
}

// ViewerInGround is the axis aligned rotation looking down the slice axis.
func (v *Viewer) ViewerInGround() mgl64.Mat3 {
	whd := v.SliceAxis().WhdToXyz()
	var cols [3]mgl64.Vec3
	for i, a := range whd {
		cols[i][a] = 1
	}
	return mgl64.Mat3FromCols(cols[0], cols[1], cols[2])
}

func (v *Viewer) IsShowing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.showing
}

// Repaint schedules a frame of the render loop.  It never blocks.
func (v *Viewer) Repaint() {
	select {
	case v.repaint <- struct{}{}:
	default:
	}
}

// SetView moves the camera and schedules a frame.
func (v *Viewer) SetView(cam lvv.Camera, vp lvv.Viewport, axis lvv.CoordinateAxis) {
	v.mu.Lock()
	v.camera = cam
	if vp.Width > 0 && vp.Height > 0 {
		v.viewport = vp
	}
	v.axis = axis
	v.showing = true
	v.mu.Unlock()
	v.Repaint()
}

// Shown returns the tiles drawn by the last frame.
func (v *Viewer) Shown() view.TileSet {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shown
}

// ShownTile is a tile drawn by the last frame and where it lies in scene space.
type ShownTile struct {
	Tile    string      `json:"tile"`
	Stage   string      `json:"stage"`
	Corners [4]lvv.Vec3 `json:"corners"`
}

// ShownTiles describes the tiles drawn by the last frame.  It is never nil.
func (v *Viewer) ShownTiles() []ShownTile {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.tiles == nil {
		return []ShownTile{}
	}
	return v.tiles
}

// Frames returns the number of frames rendered.
func (v *Viewer) Frames() uint64 {
	return v.frames.Load()
}

// RenderFrame does one pass of the render thread: pick the tiles to show, upload
// their textures and release handles of evicted textures.
func (v *Viewer) RenderFrame() view.TileSet {
	show := v.manager.UpdateDisplayTiles()
	for _, t2d := range show {
		if err := t2d.Init(&v.uploader); err != nil {
			lvv.Debugf("Viewer could not upload %s: %v\n", t2d.Index(), err)
		}
	}
	if cache := v.cache(); cache != nil {
		if handles := cache.PopObsoleteHandles(); len(handles) != 0 {
			v.uploader.destroy(handles)
		}
	}
	tiles := make([]ShownTile, 0, len(show))
	f := v.format()
	for _, t2d := range show {
		st := ShownTile{Tile: t2d.Index().String(), Stage: t2d.Stage().String()}
		if f != nil {
			st.Corners = t2d.Corners(f)
		}
		tiles = append(tiles, st)
	}
	v.mu.Lock()
	v.shown = show
	v.tiles = tiles
	v.mu.Unlock()
	v.publish(v.frames.Add(1))
	return show
}

// ViewerStats summarizes the render loop.
type ViewerStats struct {
	ID        string      `json:"id"`
	Camera    viewRequest `json:"camera"`
	Frames    uint64      `json:"frames"`
	Shown     int         `json:"shown"`
	Status    string      `json:"status"`
	Needed    int         `json:"needed"`
	Uploaded  uint64      `json:"uploaded"`
	Destroyed uint64      `json:"destroyed"`
}

func (v *Viewer) Stats() ViewerStats {
	v.mu.Lock()
	cam := viewRequest{
		Focus:              [3]float64(v.camera.Focus),
		PixelsPerSceneUnit: v.camera.PixelsPerSceneUnit,
		Width:              v.viewport.Width,
		Height:             v.viewport.Height,
		Axis:               v.axis.String(),
	}
	v.mu.Unlock()
	return ViewerStats{
		ID:        v.id,
		Camera:    cam,
		Frames:    v.frames.Load(),
		Shown:     len(v.Shown()),
		Status:    v.manager.LoadStatus().String(),
		Needed:    v.manager.NeededTextures().Len(),
		Uploaded:  v.uploader.uploaded.Load(),
		Destroyed: v.uploader.destroyed.Load(),
	}
}
