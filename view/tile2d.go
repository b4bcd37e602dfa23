package view

import (
	"fmt"

	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/texture"
	"github.com/janelia-flyem/lvv/tile"
)

// Stage describes how well a view tile can currently be drawn.
type Stage int

const (
	NoTextureLoaded Stage = iota
	CoarseTextureLoaded
	BestTextureLoaded
)

func (s Stage) String() string {
	switch s {
	case NoTextureLoaded:
		return "no texture"
	case CoarseTextureLoaded:
		return "coarse texture"
	case BestTextureLoaded:
		return "best texture"
	default:
		return fmt.Sprintf("tile stage(%d)", int(s))
	}
}

// Tile2d is one on-screen tile.  It binds the best texture currently available
// for its index, which may be a lower resolution ancestor.
type Tile2d struct {
	index   tile.Index
	stage   Stage
	texture *texture.Texture
}

func NewTile2d(ix tile.Index) *Tile2d {
	return &Tile2d{index: ix.Canonical()}
}

func (t *Tile2d) Index() tile.Index { return t.index }

func (t *Tile2d) Stage() Stage { return t.stage }

// Texture returns the bound texture, which is either the exact tile or an
// ancestor, or nil if nothing is bound.
func (t *Tile2d) Texture() *texture.Texture { return t.texture }

func (t *Tile2d) bind(tex *texture.Texture, stage Stage) {
	t.texture = tex
	t.stage = stage
}

// AssignTexture binds the exact texture if it is in RAM, otherwise the finest
// ancestor in RAM.  A tile already showing its best texture is never downgraded,
// and a coarse tile only ever moves to a finer ancestor.
func (t *Tile2d) AssignTexture(cache *texture.Cache) {
	if t.texture != nil && !t.texture.Stage().Usable() {
		// bound texture was evicted out from under us
		t.bind(nil, NoTextureLoaded)
	}
	if t.stage == BestTextureLoaded {
		return
	}
	if tex, found := cache.Get(t.index); found && tex.Stage().Usable() {
		t.bind(tex, BestTextureLoaded)
		return
	}
	for _, ix := range t.index.Ancestors() {
		if t.stage == CoarseTextureLoaded && t.texture.Index().Zoom <= ix.Zoom {
			return
		}
		if tex, found := cache.Get(ix); found && tex.Stage().Usable() {
			t.bind(tex, CoarseTextureLoaded)
			return
		}
	}
}

// Init uploads the bound texture to the GPU if needed.  It must only be called on the
// render thread.
func (t *Tile2d) Init(u texture.Uploader) error {
	if t.texture == nil {
		return nil
	}
	return t.texture.Upload(u)
}

// Corners returns the tile's corners in scene space.
func (t *Tile2d) Corners(f *tile.Format) [4]lvv.Vec3 {
	return f.CornersForTileIndex(t.index)
}

func (t *Tile2d) String() string {
	return fmt.Sprintf("tile %s [%s]", t.index, t.stage)
}
