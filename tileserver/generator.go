package tileserver

import (
	"iter"
	"math/bits"

	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
)

// depthStep is the distance in full resolution slices between adjacent slices at
// the given zoom level.
func depthStep(f *tile.Format, zoom int) int {
	if f.Style == tile.Octree {
		return f.ZoomFactor(zoom)
	}
	return 1
}

func withDepth(ix tile.Index, depth int) tile.Index {
	switch ix.Axis {
	case lvv.XAxis:
		ix.X = depth
	case lvv.YAxis:
		ix.Y = depth
	default:
		ix.Z = depth
	}
	return ix.Canonical()
}

func depthInVolume(f *tile.Format, axis lvv.CoordinateAxis, depth int) bool {
	return depth >= 0 && depth < f.VolumeSize[axis.Index()]
}

// planeTiles returns the number of tile columns (w) and rows (h) to probe at zoom.
// Some edge entries may fall outside the volume and must be filtered by InVolume.
func planeTiles(f *tile.Format, axis lvv.CoordinateAxis, zoom int) (w, h int) {
	wAxis, hAxis := axis.PlaneAxes()
	factor := f.ZoomFactor(zoom)
	count := func(i int) int {
		span := f.TileSize[i] * factor
		return (f.VolumeSize[i]+span-1)/span + 1
	}
	return count(wAxis.Index()), count(hAxis.Index())
}

// MinResSlices yields every tile of the coarsest zoom level for views sliced along
// axis.  These tiles are small in number and guarantee something can always be
// drawn.
func MinResSlices(f *tile.Format, axis lvv.CoordinateAxis) iter.Seq[tile.Index] {
	return func(yield func(tile.Index) bool) {
		if f == nil || !f.HasSlices(axis) {
			return
		}
		zoom := f.MaxZoom()
		step := depthStep(f, zoom)
		nw, nh := planeTiles(f, axis, zoom)
		wAxis, hAxis := axis.PlaneAxes()
		for depth := 0; depth < f.VolumeSize[axis.Index()]; depth += step {
			for w := 0; w < nw; w++ {
				for h := 0; h < nh; h++ {
					var c [3]int
					c[wAxis.Index()] = w
					c[hAxis.Index()] = h
					c[axis.Index()] = depth
					ix := tile.NewIndex(c[0], c[1], c[2], zoom, f.MaxZoom(), f.Style, axis)
					if !f.InVolume(ix) {
						continue
					}
					if !yield(ix) {
						return
					}
				}
			}
		}
	}
}

// Slices yields the tiles in front of and behind center at center's zoom level,
// alternating outward: +1, -1, +2, -2, ...  It stops after maxSteps steps in each
// direction or when both directions leave the volume.  A non-positive maxSteps
// means no limit.
func Slices(f *tile.Format, center tile.Index, maxSteps int) iter.Seq[tile.Index] {
	return func(yield func(tile.Index) bool) {
		step := depthStep(f, center.Zoom)
		d0 := center.Canonical().Depth()
		for k := 1; maxSteps <= 0 || k <= maxSteps; k++ {
			inside := false
			for _, sign := range [2]int{1, -1} {
				depth := d0 + sign*k*step
				if !depthInVolume(f, center.Axis, depth) {
					continue
				}
				inside = true
				if !yield(withDepth(center, depth)) {
					return
				}
			}
			if !inside {
				return
			}
		}
	}
}

// UmbrellaSlices yields neighboring slices of center whose resolution coarsens with
// distance: slices k steps away are loaded floor(log2(k)) levels coarser.  Coarse
// slices far from the focus are cheap and make fast scrolling look reasonable.
func UmbrellaSlices(f *tile.Format, center tile.Index) iter.Seq[tile.Index] {
	return func(yield func(tile.Index) bool) {
		step := depthStep(f, center.Zoom)
		d0 := center.Canonical().Depth()
		seen := make(map[tile.Key]struct{})
		for k := 1; ; k++ {
			levels := bits.Len(uint(k)) - 1
			inside := false
			for _, sign := range [2]int{1, -1} {
				depth := d0 + sign*k*step
				if !depthInVolume(f, center.Axis, depth) {
					continue
				}
				inside = true
				ix := withDepth(center, depth)
				for i := 0; i < levels; i++ {
					parent, ok := ix.ZoomOut()
					if !ok {
						break
					}
					ix = parent
				}
				if _, found := seen[ix.Key()]; found {
					continue
				}
				seen[ix.Key()] = struct{}{}
				if !yield(ix) {
					return
				}
			}
			if !inside {
				return
			}
		}
	}
}

// Interleave yields one element from each sequence in turn until all are
// exhausted.
func Interleave(seqs ...iter.Seq[tile.Index]) iter.Seq[tile.Index] {
	return func(yield func(tile.Index) bool) {
		type puller struct {
			next func() (tile.Index, bool)
			stop func()
		}
		pullers := make([]puller, 0, len(seqs))
		for _, s := range seqs {
			next, stop := iter.Pull(s)
			pullers = append(pullers, puller{next, stop})
		}
		defer func() {
			for _, p := range pullers {
				p.stop()
			}
		}()
		for len(pullers) > 0 {
			live := pullers[:0]
			for _, p := range pullers {
				ix, ok := p.next()
				if !ok {
					p.stop()
					continue
				}
				live = append(live, p)
				if !yield(ix) {
					return
				}
			}
			pullers = live
		}
	}
}
