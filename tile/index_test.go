package tile

import (
	"bytes"
	"testing"

	"github.com/janelia-flyem/lvv/lvv"
)

func TestOctreeCanonicalEquality(t *testing.T) {
	for zoom := 0; zoom < 4; zoom++ {
		block := 1 << uint(zoom)
		for base := -2 * block; base < 3*block; base += block {
			first := NewIndex(3, 4, base, zoom, 5, Octree, lvv.ZAxis)
			for dz := 0; dz < block; dz++ {
				other := NewIndex(3, 4, base+dz, zoom, 5, Octree, lvv.ZAxis)
				if other.Key() != first.Key() {
					t.Errorf("zoom %d: expected %s and %s to have same key", zoom, first, other)
				}
				if !bytes.Equal(other.Bytes(), first.Bytes()) {
					t.Errorf("zoom %d: expected equal byte keys for %s and %s", zoom, first, other)
				}
			}
			next := NewIndex(3, 4, base+block, zoom, 5, Octree, lvv.ZAxis)
			if next.Equal(first) {
				t.Errorf("zoom %d: %s and %s should differ", zoom, first, next)
			}
		}
	}
}

func TestQuadtreeKeepsDepth(t *testing.T) {
	a := NewIndex(1, 1, 10, 2, 3, Quadtree, lvv.ZAxis)
	b := NewIndex(1, 1, 11, 2, 3, Quadtree, lvv.ZAxis)
	if a.Equal(b) {
		t.Errorf("quadtree indices with different slices should differ")
	}
	if a.Canonical() != a {
		t.Errorf("quadtree canonical should be identity, got %s", a.Canonical())
	}
}

func TestZoomOut(t *testing.T) {
	ix := NewIndex(2, 3, 10, 1, 2, Octree, lvv.ZAxis)
	parent, ok := ix.ZoomOut()
	if !ok {
		t.Fatalf("expected parent for %s", ix)
	}
	expected := NewIndex(1, 1, 8, 2, 2, Octree, lvv.ZAxis)
	if parent != expected {
		t.Errorf("expected parent %s, got %s", expected, parent)
	}
	if _, ok := parent.ZoomOut(); ok {
		t.Errorf("expected no parent at max zoom for %s", parent)
	}

	// X slices keep their slice coordinate and halve Y and Z.
	xs := NewIndex(40, 5, 7, 0, 3, Quadtree, lvv.XAxis)
	parent, _ = xs.ZoomOut()
	if parent.X != 40 || parent.Y != 2 || parent.Z != 3 || parent.Zoom != 1 {
		t.Errorf("bad parent of x-slice tile: %s", parent)
	}

	// Negative tile coordinates floor toward the coarser tile.
	neg := NewIndex(-1, -3, 0, 0, 2, Quadtree, lvv.ZAxis)
	parent, _ = neg.ZoomOut()
	if parent.X != -1 || parent.Y != -2 {
		t.Errorf("bad parent of negative tile: %s", parent)
	}
}

func TestAncestors(t *testing.T) {
	ix := NewIndex(5, 6, 0, 0, 3, Quadtree, lvv.ZAxis)
	anc := ix.Ancestors()
	if len(anc) != 3 {
		t.Fatalf("expected 3 ancestors, got %d", len(anc))
	}
	if anc[2] != ix.Coarsest() {
		t.Errorf("last ancestor %s should be coarsest %s", anc[2], ix.Coarsest())
	}
	if anc[2].X != 0 || anc[2].Y != 0 || anc[2].Zoom != 3 {
		t.Errorf("bad coarsest ancestor %s", anc[2])
	}
}
