/*
	Package octree addresses tiles stored as an octree of folders.  The root folder
	holds the coarsest level; each child folder is named 1 through 8 for the octant
	it covers: 1 + dx + 2*dy + 4*dz.  Every node holds a block of TileSize voxels.
*/
package octree

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/janelia-flyem/lvv/loader"
	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
)

// MaxLevels bounds depth sniffing.
const MaxLevels = 16

// TransformFile optionally positions an octree volume in space.
const TransformFile = "transform.txt"

// Layout maps tile indices to octree nodes.
type Layout struct {
	Levels   int    // number of octree levels, i.e. zoom levels
	TileSize [3]int // voxels per node
}

// VolumeSize is the full resolution extent covered by the root node.
func (l Layout) VolumeSize() [3]int {
	var v [3]int
	for i := 0; i < 3; i++ {
		v[i] = l.TileSize[i] << uint(l.Levels-1)
	}
	return v
}

// NodePath returns the folder of the node holding ix and the slice of ix within
// that node's block.  Only z slices are stored.
func (l Layout) NodePath(ix tile.Index) (dir string, slice int, err error) {
	if ix.Axis != lvv.ZAxis || ix.Zoom < 0 || ix.Zoom >= l.Levels {
		return "", 0, tile.Missing(ix)
	}
	digits := l.Levels - 1 - ix.Zoom
	nodes := 1 << uint(digits)
	tx := ix.X
	ty := nodes - 1 - ix.Y // tile rows count up from the bottom
	zz := ix.Depth() >> uint(ix.Zoom)
	if zz < 0 {
		return "", 0, tile.Missing(ix)
	}
	tz := zz / l.TileSize[2]
	slice = zz % l.TileSize[2]
	if tx < 0 || ty < 0 || tx >= nodes || ty >= nodes || tz >= nodes {
		return "", 0, tile.Missing(ix)
	}
	parts := make([]string, 0, digits)
	for b := digits - 1; b >= 0; b-- {
		d := 1 + (tx>>uint(b))&1 + 2*((ty>>uint(b))&1) + 4*((tz>>uint(b))&1)
		parts = append(parts, strconv.Itoa(d))
	}
	return strings.Join(parts, "/"), slice, nil
}

// SniffLevels counts octree levels by following the "1" folders down from the
// root as long as probe exists in them.
func SniffLevels(ctx context.Context, src loader.Source, probe string) (int, error) {
	found, err := src.Exists(ctx, probe)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("no %s at octree root %s", probe, src.URL())
	}
	levels := 1
	dir := ""
	for levels < MaxLevels {
		next := path.Join(dir, "1")
		found, err := src.Exists(ctx, path.Join(next, probe))
		if err != nil {
			return 0, err
		}
		if !found {
			break
		}
		dir = next
		levels++
	}
	return levels, nil
}

// Transform holds the transform.txt values: the volume origin in nanometers and the
// voxel size of the coarsest level in nanometers.
type Transform struct {
	Origin [3]float64
	Scale  [3]float64
	Levels int
}

// ParseTransform reads "key: value" lines.  Unknown keys are ignored.
func ParseTransform(data []byte) (Transform, error) {
	var t Transform
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "nl" {
			n, err := strconv.Atoi(value)
			if err != nil {
				return t, fmt.Errorf("bad transform level count %q: %v", value, err)
			}
			t.Levels = n
			continue
		}
		var target *float64
		switch key {
		case "ox":
			target = &t.Origin[0]
		case "oy":
			target = &t.Origin[1]
		case "oz":
			target = &t.Origin[2]
		case "sx":
			target = &t.Scale[0]
		case "sy":
			target = &t.Scale[1]
		case "sz":
			target = &t.Scale[2]
		default:
			continue
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return t, fmt.Errorf("bad transform value for %s: %q", key, value)
		}
		*target = v
	}
	return t, scanner.Err()
}

// ReadTransform returns the volume's transform, or false if it has none.
func ReadTransform(ctx context.Context, src loader.Source) (Transform, bool, error) {
	data, err := src.Read(ctx, TransformFile)
	if loader.IsNotExist(err) {
		return Transform{}, false, nil
	}
	if err != nil {
		return Transform{}, false, err
	}
	t, err := ParseTransform(data)
	if err != nil {
		return t, false, err
	}
	return t, true, nil
}

// NewFormat returns the tile format of an octree volume.  Without a transform the
// volume starts at the origin with 1 micrometer voxels.
func NewFormat(l Layout, t *Transform, bitDepth, channels int) *tile.Format {
	f := tile.DefaultFormat()
	f.Style = tile.Octree
	f.TileSize = l.TileSize
	f.VolumeSize = l.VolumeSize()
	f.ZoomLevelCount = l.Levels
	f.BitDepth = bitDepth
	f.ChannelCount = channels
	f.IntensityMax = 1<<uint(bitDepth) - 1
	f.HasXSlices, f.HasYSlices, f.HasZSlices = false, false, true
	if t == nil {
		return f
	}
	levels := l.Levels
	if t.Levels > 0 && t.Levels != levels {
		lvv.Warningf("transform.txt says %d levels but %d were found\n", t.Levels, levels)
	}
	scale := math.Ldexp(1, -(levels - 1))
	for i := 0; i < 3; i++ {
		if t.Scale[i] <= 0 {
			continue
		}
		nm := t.Scale[i] * scale
		f.VoxelMicrometers[i] = nm / 1000.0
		f.Origin[i] = int(math.Round(t.Origin[i] / nm))
	}
	return f
}
