/*
	Package blocktiff loads octree volumes whose nodes hold one multi-page TIFF stack
	per channel, named default.0.tif, default.1.tif, and so on.
*/
package blocktiff

import (
	"context"
	"fmt"
	"image"
	"path"

	"github.com/blang/semver"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/janelia-flyem/lvv/loader"
	"github.com/janelia-flyem/lvv/loader/octree"
	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
)

const (
	Version = "0.1.0"

	// Priority orders this format after PAM octrees and before Raveler tiles.
	Priority = 20

	// MaxChannels bounds the default.N.tif probe.
	MaxChannels = 8

	// DefaultStackCache is the number of decoded node stacks kept per channel file.
	DefaultStackCache = 4
)

func init() {
	loader.RegisterFormat(NewFormat(), Priority)
}

// StackName returns the file name of a channel's stack within a node.
func StackName(channel int) string {
	return fmt.Sprintf("default.%d.tif", channel)
}

// Format recognizes block TIFF octrees.
type Format struct {
	version semver.Version
}

func NewFormat() *Format {
	return &Format{version: semver.MustParse(Version)}
}

func (f *Format) Name() string { return "blocktiff" }

func (f *Format) Description() string {
	return "octree of folders holding default.<channel>.tif multi-page stacks"
}

func (f *Format) SemVer() semver.Version { return f.version }

func (f *Format) Sniff(ctx context.Context, src loader.Source) (bool, error) {
	return src.Exists(ctx, StackName(0))
}

func (f *Format) Open(ctx context.Context, src loader.Source) (tile.LoadAdapter, error) {
	a, err := Open(ctx, src)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Adapter loads tiles from a block TIFF octree.
type Adapter struct {
	src    loader.Source
	layout octree.Layout
	format *tile.Format
	stacks *lru.Cache[string, []byte]
}

// Open reads the root stack to learn the tile geometry, then counts channels and
// octree levels.
func Open(ctx context.Context, src loader.Source) (*Adapter, error) {
	data, err := src.Read(ctx, StackName(0))
	if err != nil {
		return nil, err
	}
	pages, err := PageCount(data)
	if err != nil {
		return nil, err
	}
	first, err := DecodePage(data, 0)
	if err != nil {
		return nil, err
	}
	bitDepth, err := imageBitDepth(first)
	if err != nil {
		return nil, err
	}
	channels := 1
	for channels < MaxChannels {
		found, err := src.Exists(ctx, StackName(channels))
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		channels++
	}
	levels, err := octree.SniffLevels(ctx, src, StackName(0))
	if err != nil {
		return nil, err
	}
	b := first.Bounds()
	layout := octree.Layout{Levels: levels, TileSize: [3]int{b.Dx(), b.Dy(), pages}}

	var transform *octree.Transform
	if t, found, err := octree.ReadTransform(ctx, src); err != nil {
		return nil, err
	} else if found {
		transform = &t
	}
	stacks, err := lru.New[string, []byte](DefaultStackCache * channels)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		src:    src,
		layout: layout,
		format: octree.NewFormat(layout, transform, bitDepth, channels),
		stacks: stacks,
	}
	lvv.Infof("Block tiff volume @ %s: %s\n", src.URL(), a.format)
	return a, nil
}

func imageBitDepth(img image.Image) (int, error) {
	switch img.(type) {
	case *image.Gray:
		return 8, nil
	case *image.Gray16:
		return 16, nil
	default:
		return 0, fmt.Errorf("unsupported block tiff image type %T", img)
	}
}

func (a *Adapter) Format() *tile.Format { return a.format }

// Layout returns the octree geometry of the volume.
func (a *Adapter) Layout() octree.Layout { return a.layout }

func (a *Adapter) stack(ctx context.Context, name string) ([]byte, error) {
	if data, found := a.stacks.Get(name); found {
		return data, nil
	}
	data, err := a.src.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	a.stacks.Add(name, data)
	return data, nil
}

func (a *Adapter) LoadToRAM(ctx context.Context, ix tile.Index) (*tile.Image, error) {
	dir, slice, err := a.layout.NodePath(ix)
	if err != nil {
		return nil, err
	}
	channels := make([]image.Image, a.format.ChannelCount)
	for c := range channels {
		name := path.Join(dir, StackName(c))
		data, err := a.stack(ctx, name)
		if loader.IsNotExist(err) {
			return nil, tile.Missing(ix)
		}
		if err != nil {
			return nil, tile.NewLoadError(ix, err)
		}
		if channels[c], err = DecodePage(data, slice); err != nil {
			return nil, tile.NewLoadError(ix, err)
		}
	}
	img, err := tile.NewImageFromChannels(channels, a.format.BitDepth)
	if err != nil {
		return nil, tile.NewLoadError(ix, err)
	}
	loader.DefaultMonitor.TileLoaded()
	return img, nil
}

// Close releases the cached stacks and the underlying source.
func (a *Adapter) Close() error {
	a.stacks.Purge()
	return a.src.Close()
}
