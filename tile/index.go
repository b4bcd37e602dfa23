package tile

import (
	"encoding/binary"
	"fmt"

	"github.com/janelia-flyem/lvv/lvv"
)

// IndexStyle describes how the depth axis behaves across zoom levels.
type IndexStyle uint8

const (
	// Quadtree pyramids only downsample the two in-plane axes; every zoom level has
	// the full number of slices.
	Quadtree IndexStyle = iota

	// Octree pyramids downsample all three axes, so one coarse slice stands for
	// 2^zoom full resolution slices.
	Octree
)

func (s IndexStyle) String() string {
	switch s {
	case Quadtree:
		return "quadtree"
	case Octree:
		return "octree"
	default:
		return fmt.Sprintf("style(%d)", uint8(s))
	}
}

// Index identifies one tile of one resolution level.  X, Y, and Z are indexed by
// volume axis.  The two in-plane coordinates are tile numbers while the coordinate
// along the slice Axis is a full resolution slice number.  Index is a value type
// and is never mutated after creation.
type Index struct {
	X, Y, Z int
	Zoom    int // 0 is full resolution
	MaxZoom int
	Style   IndexStyle
	Axis    lvv.CoordinateAxis
}

// Key is the comparable identity of a tile.  Two indices with equal keys are the
// same tile even if their raw depth coordinates differ.
type Key struct {
	X, Y, Z int
	Zoom    int
	Axis    lvv.CoordinateAxis
}

func (k Key) String() string {
	return fmt.Sprintf("(%d,%d,%d) zoom %d %s-slice", k.X, k.Y, k.Z, k.Zoom, k.Axis)
}

// NewIndex returns a new index for the given tile coordinates.
func NewIndex(x, y, z, zoom, maxZoom int, style IndexStyle, axis lvv.CoordinateAxis) Index {
	return Index{X: x, Y: y, Z: z, Zoom: zoom, MaxZoom: maxZoom, Style: style, Axis: axis}
}

// Coords returns the x, y, z coordinates as a slice-indexable array.
func (ix Index) Coords() [3]int {
	return [3]int{ix.X, ix.Y, ix.Z}
}

func (ix Index) withCoords(c [3]int) Index {
	ix.X, ix.Y, ix.Z = c[0], c[1], c[2]
	return ix
}

// Depth returns the slice number along the index's slice axis.
func (ix Index) Depth() int {
	return ix.Coords()[ix.Axis.Index()]
}

// ZoomedDepth returns the slice number within the index's own zoom level.  For
// quadtree style this is just Depth().
func (ix Index) ZoomedDepth() int {
	if ix.Style != Octree {
		return ix.Depth()
	}
	return floorDiv(ix.Depth(), 1<<uint(ix.Zoom))
}

// Canonical folds the depth coordinate of an octree index to the first full
// resolution slice of its 2^zoom block.  Quadtree indices are returned unchanged.
func (ix Index) Canonical() Index {
	if ix.Style != Octree || ix.Zoom == 0 {
		return ix
	}
	c := ix.Coords()
	a := ix.Axis.Index()
	scale := 1 << uint(ix.Zoom)
	c[a] = floorDiv(c[a], scale) * scale
	return ix.withCoords(c)
}

// Key returns the identity used for equality and hashing.
func (ix Index) Key() Key {
	c := ix.Canonical()
	return Key{X: c.X, Y: c.Y, Z: c.Z, Zoom: c.Zoom, Axis: c.Axis}
}

// Equal returns true if both indices address the same tile.
func (ix Index) Equal(other Index) bool {
	return ix.Key() == other.Key()
}

// ZoomOut returns the parent tile one level coarser.  The second return value is
// false when ix is already at the coarsest level.
func (ix Index) ZoomOut() (Index, bool) {
	if ix.Zoom >= ix.MaxZoom {
		return Index{}, false
	}
	c := ix.Coords()
	a := ix.Axis.Index()
	for i := 0; i < 3; i++ {
		if i != a {
			c[i] = floorDiv(c[i], 2)
		}
	}
	parent := ix.withCoords(c)
	parent.Zoom++
	return parent.Canonical(), true
}

// Ancestors returns every coarser index from the parent up to MaxZoom.
func (ix Index) Ancestors() []Index {
	var out []Index
	for p, ok := ix.ZoomOut(); ok; p, ok = p.ZoomOut() {
		out = append(out, p)
	}
	return out
}

// Coarsest returns the ancestor at MaxZoom, or ix itself if it is already coarsest.
func (ix Index) Coarsest() Index {
	cur := ix
	for p, ok := cur.ZoomOut(); ok; p, ok = p.ZoomOut() {
		cur = p
	}
	return cur
}

// Bytes returns a stable binary encoding of the canonical index suitable as a
// key into byte-oriented caches.
func (ix Index) Bytes() []byte {
	k := ix.Key()
	buf := make([]byte, 14)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(k.X)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(k.Y)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(int32(k.Z)))
	buf[12] = byte(k.Zoom)
	buf[13] = byte(k.Axis)
	return buf
}

func (ix Index) String() string {
	return fmt.Sprintf("(%d,%d,%d) zoom %d/%d %s %s-slice", ix.X, ix.Y, ix.Z, ix.Zoom, ix.MaxZoom, ix.Style, ix.Axis)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
