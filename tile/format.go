package tile

import (
	"fmt"
	"math"

	"github.com/janelia-flyem/lvv/lvv"
)

// DefaultZoomOffset biases zoom level selection toward a fractionally coarser,
// cheaper level.
const DefaultZoomOffset = 0.5

// Format holds the per-volume constants needed to convert between scene
// (micrometer) coordinates and tile coordinates.  A Format is filled in once when a
// volume is sniffed and is read-only afterwards.
type Format struct {
	Origin           [3]int // voxels
	VolumeSize       [3]int // voxels
	TileSize         [3]int // voxels per tile per axis
	VoxelMicrometers [3]float64
	ZoomLevelCount   int
	BitDepth         int
	ChannelCount     int
	IntensityMax     int
	IntensityMin     int
	SRGB             bool
	Style            IndexStyle

	HasXSlices bool
	HasYSlices bool
	HasZSlices bool
}

// DefaultFormat returns a non-pathological set of image parameters: a 512^3 volume
// of 512x512x1 tiles with one zoom level and 8-bit RGB samples.
func DefaultFormat() *Format {
	return &Format{
		VolumeSize:       [3]int{512, 512, 512},
		TileSize:         [3]int{512, 512, 1},
		VoxelMicrometers: [3]float64{1, 1, 1},
		ZoomLevelCount:   1,
		BitDepth:         8,
		ChannelCount:     3,
		IntensityMax:     255,
		HasZSlices:       true,
	}
}

// Validate checks that the format can be used for tile addressing.
func (f *Format) Validate() error {
	if f == nil {
		return fmt.Errorf("nil tile format")
	}
	for i := 0; i < 3; i++ {
		if f.TileSize[i] <= 0 {
			return fmt.Errorf("bad tile size %v", f.TileSize)
		}
		if f.VolumeSize[i] <= 0 {
			return fmt.Errorf("bad volume size %v", f.VolumeSize)
		}
		if f.VoxelMicrometers[i] <= 0 {
			return fmt.Errorf("bad voxel size %v", f.VoxelMicrometers)
		}
	}
	if f.ZoomLevelCount < 1 {
		return fmt.Errorf("zoom level count must be positive, got %d", f.ZoomLevelCount)
	}
	if f.ChannelCount < 1 {
		return fmt.Errorf("channel count must be positive, got %d", f.ChannelCount)
	}
	if f.BitDepth != 8 && f.BitDepth != 16 {
		return fmt.Errorf("unsupported bit depth %d", f.BitDepth)
	}
	return nil
}

// MaxZoom is the coarsest zoom level.
func (f *Format) MaxZoom() int {
	return f.ZoomLevelCount - 1
}

// ZoomFactor returns 2^zoom.
func (f *Format) ZoomFactor(zoom int) int {
	if zoom < 0 {
		return 1
	}
	return 1 << uint(zoom)
}

// HasSlices returns true if tiles exist for views sliced along axis.
func (f *Format) HasSlices(axis lvv.CoordinateAxis) bool {
	switch axis {
	case lvv.XAxis:
		return f.HasXSlices
	case lvv.YAxis:
		return f.HasYSlices
	default:
		return f.HasZSlices
	}
}

// TileBytes is the number of bytes a single decoded tile occupies in RAM.
func (f *Format) TileBytes() int {
	w := f.TileSize[0]
	h := f.TileSize[1]
	bpp := f.ChannelCount * f.BitDepth / 8
	return w * h * bpp
}

// BoundingBox returns the volume extents in micrometers.
func (f *Format) BoundingBox() lvv.BoundingBox3d {
	var bb lvv.BoundingBox3d
	for i := 0; i < 3; i++ {
		bb.Min[i] = f.VoxelMicrometers[i] * float64(f.Origin[i])
		bb.Max[i] = f.VoxelMicrometers[i] * float64(f.Origin[i]+f.VolumeSize[i])
	}
	return bb
}

// FinestVoxelMicrometers is the smallest voxel edge across the three axes.
func (f *Format) FinestVoxelMicrometers() float64 {
	vm := f.VoxelMicrometers
	return math.Min(vm[0], math.Min(vm[1], vm[2]))
}

// ZoomLevelForCameraZoom returns the zoom level to use for the given screen pixel
// density using DefaultZoomOffset.
func (f *Format) ZoomLevelForCameraZoom(pixelsPerSceneUnit float64) int {
	return f.ZoomLevelWithOffset(pixelsPerSceneUnit, DefaultZoomOffset)
}

// ZoomLevelWithOffset returns floor(log2(voxelsPerPixel) + offset) clamped to the
// available zoom levels.  A non-positive density yields the coarsest level.
func (f *Format) ZoomLevelWithOffset(pixelsPerSceneUnit, offset float64) int {
	zoomMax := f.MaxZoom()
	zoom := zoomMax
	voxelsPerPixel := 1.0 / (pixelsPerSceneUnit * f.FinestVoxelMicrometers())
	if pixelsPerSceneUnit > 0 && voxelsPerPixel > 0 && !math.IsInf(voxelsPerPixel, 0) {
		zoom = int(math.Floor(math.Log2(voxelsPerPixel) + offset))
	}
	if zoom < 0 {
		zoom = 0
	}
	if zoom > zoomMax {
		zoom = zoomMax
	}
	return zoom
}

// VoxelForMicrometers converts a scene point into volume voxel coordinates
// relative to the volume origin.
func (f *Format) VoxelForMicrometers(xyz lvv.Vec3) [3]int {
	var v [3]int
	for i := 0; i < 3; i++ {
		v[i] = int(math.Floor(xyz[i]/f.VoxelMicrometers[i])) - f.Origin[i]
	}
	return v
}

// TileIndexForXyz returns the tile containing the scene point xyz at the given zoom
// level for views sliced along axis.  The vertical (Y) tile coordinate is counted
// from the bottom of the volume, so when the height is not a multiple of a tile
// the partial tile is the top row.  The returned index may lie outside the volume.
func (f *Format) TileIndexForXyz(xyz lvv.Vec3, zoom int, axis lvv.CoordinateAxis) Index {
	vox := f.VoxelForMicrometers(xyz)
	factor := f.ZoomFactor(zoom)
	depth := axis.Index()

	var t [3]int
	for i := 0; i < 3; i++ {
		if i == depth {
			t[i] = vox[i]
			if f.Style == Octree {
				t[i] = floorDiv(vox[i], factor) * factor
			}
			continue
		}
		v := vox[i]
		if i == 1 {
			// Flip at full resolution so partial rows stay at the top edge.
			v = f.VolumeSize[1] - 1 - v
		}
		t[i] = floorDiv(floorDiv(v, factor), f.TileSize[i])
	}
	return NewIndex(t[0], t[1], t[2], zoom, f.MaxZoom(), f.Style, axis)
}

// VoxelRange returns the half-open range of full resolution voxels, relative to the
// origin, covered by ix along volume axis i.
func (f *Format) VoxelRange(ix Index, i int) (lo, hi int) {
	c := ix.Coords()
	factor := f.ZoomFactor(ix.Zoom)
	if i == ix.Axis.Index() {
		return c[i], c[i] + 1
	}
	span := f.TileSize[i] * factor
	if i == 1 {
		return f.VolumeSize[1] - (c[i]+1)*span, f.VolumeSize[1] - c[i]*span
	}
	return c[i] * span, (c[i] + 1) * span
}

// CornersForTileIndex returns the four in-plane corners of a tile in micrometers,
// centered on the slice in the depth direction.  The order is (wMin,hMin),
// (wMax,hMin), (wMin,hMax), (wMax,hMax) where w and h are the view's width and
// height axes.
func (f *Format) CornersForTileIndex(ix Index) [4]lvv.Vec3 {
	var lo, hi lvv.Vec3
	for i := 0; i < 3; i++ {
		a, b := f.VoxelRange(ix, i)
		vm := f.VoxelMicrometers[i]
		if i == ix.Axis.Index() {
			center := (float64(a+f.Origin[i]) + 0.5) * vm
			lo[i], hi[i] = center, center
			continue
		}
		lo[i] = float64(a+f.Origin[i]) * vm
		hi[i] = float64(b+f.Origin[i]) * vm
	}
	w, h := ix.Axis.PlaneAxes()
	corner := func(useW, useH bool) lvv.Vec3 {
		c := lo
		if useW {
			c[w.Index()] = hi[w.Index()]
		}
		if useH {
			c[h.Index()] = hi[h.Index()]
		}
		return c
	}
	return [4]lvv.Vec3{corner(false, false), corner(true, false), corner(false, true), corner(true, true)}
}

// InVolume returns true if the tile overlaps the volume at its zoom level.
func (f *Format) InVolume(ix Index) bool {
	if ix.Zoom < 0 || ix.Zoom >= f.ZoomLevelCount {
		return false
	}
	for i := 0; i < 3; i++ {
		lo, hi := f.VoxelRange(ix, i)
		if hi <= 0 || lo >= f.VolumeSize[i] {
			return false
		}
	}
	return true
}

func (f *Format) String() string {
	return fmt.Sprintf("%s volume %v voxels (origin %v, %v um), tiles %v, %d zoom levels, %d channels x %d bits",
		f.Style, f.VolumeSize, f.Origin, f.VoxelMicrometers, f.TileSize, f.ZoomLevelCount, f.ChannelCount, f.BitDepth)
}
