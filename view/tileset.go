package view

import (
	"github.com/janelia-flyem/lvv/texture"
	"github.com/janelia-flyem/lvv/tile"
)

// TileSet is an ordered collection of view tiles making up one frame.
type TileSet []*Tile2d

// AssignTextures resolves the best available texture for every tile.
func (s TileSet) AssignTextures(cache *texture.Cache) {
	for _, t := range s {
		t.AssignTexture(cache)
	}
}

// CanDisplay is true if every tile has at least a coarse texture.  An empty set,
// e.g. for a hidden viewer or a view outside the volume, is trivially displayable.
func (s TileSet) CanDisplay() bool {
	for _, t := range s {
		if t.Stage() < CoarseTextureLoaded {
			return false
		}
	}
	return true
}

// MinStage is the worst stage among the tiles.  An empty set reports
// BestTextureLoaded since it needs nothing.
func (s TileSet) MinStage() Stage {
	stage := BestTextureLoaded
	for _, t := range s {
		if t.Stage() < stage {
			stage = t.Stage()
		}
	}
	return stage
}

// LoadStatus summarizes the set as no, coarse, or best textures loaded.  Unlike
// MinStage, a set is only "no texture" if none of its tiles have anything bound.
func (s TileSet) LoadStatus() Stage {
	if len(s) == 0 {
		return BestTextureLoaded
	}
	min := s.MinStage()
	if min > NoTextureLoaded {
		return min
	}
	for _, t := range s {
		if t.Stage() > NoTextureLoaded {
			return CoarseTextureLoaded
		}
	}
	return NoTextureLoaded
}

// FastNeededTextures returns, for every tile without any texture, the coarsest
// ancestor index.  Loading these first quickly puts something on screen.
func (s TileSet) FastNeededTextures() []tile.Index {
	var out []tile.Index
	for _, t := range s {
		if t.Stage() < CoarseTextureLoaded {
			out = append(out, t.Index().Coarsest())
		}
	}
	return out
}

// BestNeededTextures returns the exact indices of tiles not yet at their best.
func (s TileSet) BestNeededTextures() []tile.Index {
	var out []tile.Index
	for _, t := range s {
		if t.Stage() < BestTextureLoaded {
			out = append(out, t.Index())
		}
	}
	return out
}

// Indices returns the tile indices in order.
func (s TileSet) Indices() []tile.Index {
	out := make([]tile.Index, len(s))
	for i, t := range s {
		out[i] = t.Index()
	}
	return out
}

// SameTiles returns true if both sets contain the same tile keys, ignoring order.
func (s TileSet) SameTiles(other TileSet) bool {
	if len(s) != len(other) {
		return false
	}
	keys := make(map[tile.Key]struct{}, len(s))
	for _, t := range s {
		keys[t.Index().Key()] = struct{}{}
	}
	for _, t := range other {
		if _, found := keys[t.Index().Key()]; !found {
			return false
		}
	}
	return true
}
