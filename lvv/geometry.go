package lvv

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Vec3 is a point or displacement in scene (micrometer) space.
type Vec3 = mgl64.Vec3

// CoordinateAxis names one of the three volume axes.
type CoordinateAxis uint8

const (
	XAxis CoordinateAxis = iota
	YAxis
	ZAxis
)

// AllAxes lists the axes in index order.
var AllAxes = [3]CoordinateAxis{XAxis, YAxis, ZAxis}

func (a CoordinateAxis) String() string {
	switch a {
	case XAxis:
		return "x"
	case YAxis:
		return "y"
	case ZAxis:
		return "z"
	default:
		return fmt.Sprintf("axis(%d)", uint8(a))
	}
}

// Index returns the 0-based index of the axis within a 3d vector.
func (a CoordinateAxis) Index() int {
	return int(a)
}

// Valid returns true if the axis is one of X, Y, or Z.
func (a CoordinateAxis) Valid() bool {
	return a <= ZAxis
}

// ParseAxis parses "x", "y", or "z" (case-insensitive) and the usual plane names
// "yz", "xz", "xy" which are orthogonal to the corresponding axis.
func ParseAxis(s string) (CoordinateAxis, error) {
	switch s {
	case "x", "X", "yz", "YZ":
		return XAxis, nil
	case "y", "Y", "xz", "XZ":
		return YAxis, nil
	case "z", "Z", "xy", "XY":
		return ZAxis, nil
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// PlaneAxes returns the width, height axes of a view whose slice (depth) axis is a.
// Z slices are viewed as X-Y, Y slices as X-Z, and X slices as Z-Y.
func (a CoordinateAxis) PlaneAxes() (width, height CoordinateAxis) {
	switch a {
	case XAxis:
		return ZAxis, YAxis
	case YAxis:
		return XAxis, ZAxis
	default:
		return XAxis, YAxis
	}
}

// WhdToXyz returns the mapping from view (width, height, depth) indices to volume
// axis indices for a view sliced along a.
func (a CoordinateAxis) WhdToXyz() [3]int {
	w, h := a.PlaneAxes()
	return [3]int{w.Index(), h.Index(), a.Index()}
}

// WhdFromRotation derives the (width, height, depth) to volume axis mapping from a
// viewer-in-ground rotation by picking, for each view axis, the volume axis with the
// largest absolute component.  Returns false if the rotation is not axis aligned
// enough to yield a permutation.
func WhdFromRotation(viewerInGround mgl64.Mat3) ([3]int, bool) {
	var whd [3]int
	var used [3]bool
	for col := 0; col < 3; col++ {
		v := viewerInGround.Col(col)
		best := -1
		bestVal := 0.0
		for row := 0; row < 3; row++ {
			if abs := math.Abs(v[row]); abs > bestVal {
				best, bestVal = row, abs
			}
		}
		if best < 0 || used[best] {
			return whd, false
		}
		used[best] = true
		whd[col] = best
	}
	return whd, true
}

// BoundingBox3d is an axis-aligned box in scene space.  An empty box has Min > Max.
type BoundingBox3d struct {
	Min, Max Vec3
}

// EmptyBoundingBox returns a box that includes nothing.
func EmptyBoundingBox() BoundingBox3d {
	inf := math.Inf(1)
	return BoundingBox3d{
		Min: Vec3{inf, inf, inf},
		Max: Vec3{-inf, -inf, -inf},
	}
}

func (b BoundingBox3d) IsEmpty() bool {
	return b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] || b.Min[2] > b.Max[2]
}

func (b BoundingBox3d) Width() float64 { return b.Max[0] - b.Min[0] }
func (b BoundingBox3d) Height() float64 { return b.Max[1] - b.Min[1] }
func (b BoundingBox3d) Depth() float64 { return b.Max[2] - b.Min[2] }

// Center returns the midpoint of the box.
func (b BoundingBox3d) Center() Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Include grows the box to contain p.
func (b *BoundingBox3d) Include(p Vec3) {
	for i := 0; i < 3; i++ {
		b.Min[i] = math.Min(b.Min[i], p[i])
		b.Max[i] = math.Max(b.Max[i], p[i])
	}
}

// Contains returns true if p is inside or on the border of the box.
func (b BoundingBox3d) Contains(p Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] || p[i] > b.Max[i] {
			return false
		}
	}
	return true
}

func (b BoundingBox3d) String() string {
	return fmt.Sprintf("[%.3f,%.3f,%.3f]-[%.3f,%.3f,%.3f]",
		b.Min[0], b.Min[1], b.Min[2], b.Max[0], b.Max[1], b.Max[2])
}

// Camera is the minimal view state needed to decide which tiles are visible.
type Camera struct {
	Focus              Vec3    // micrometers
	PixelsPerSceneUnit float64 // screen pixels per micrometer
}

// Viewport is the on-screen size of a view in pixels.
type Viewport struct {
	Width, Height int
}
