/*
	Package raveler loads the 2D PNG tile pyramids written for the Raveler
	proofreading tool.  A volume folder holds tiles/metadata.txt with key=value
	lines and tiles at tiles/<tile size>/<zoom>/<row>/<column>/g/<slice>.png, where
	rows count up from the bottom of the volume.
*/
package raveler

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"strconv"
	"strings"

	"github.com/blang/semver"

	"github.com/janelia-flyem/lvv/loader"
	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
)

const (
	Version  = "0.1.0"
	Priority = 30

	MetadataFile = "tiles/metadata.txt"
)

// TileSize is the edge length of Raveler tiles.  It may be changed before volumes
// are opened.
var TileSize = 1024

func init() {
	loader.RegisterFormat(NewFormat(), Priority)
}

// Metadata holds the key=value pairs of tiles/metadata.txt.
type Metadata map[string]string

// ParseMetadata reads key=value lines, ignoring anything else.
func ParseMetadata(data []byte) Metadata {
	md := make(Metadata)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		md[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return md
}

// Int returns the integer value of key or def if the key is absent.
func (md Metadata) Int(key string, def int) (int, error) {
	s, found := md[key]
	if !found {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad raveler metadata %s=%q", key, s)
	}
	return v, nil
}

// IntensityMax rounds the largest observed intensity up to a common camera range.
func IntensityMax(imax int) int {
	switch {
	case imax < 1024:
		return 255
	case imax < 16384:
		return 4095
	default:
		return 65535
	}
}

// MaxZoom is the coarsest zoom level needed for one tile to cover the volume.
func MaxZoom(width, height, tileSize int) int {
	tiles := float64(max(width, height)) / float64(tileSize)
	if tiles <= 1 {
		return 0
	}
	return int(math.Ceil(math.Log2(tiles)))
}

// NewTileFormat converts metadata into a tile format.
func NewTileFormat(md Metadata, tileSize int) (*tile.Format, error) {
	f := tile.DefaultFormat()
	var err error
	get := func(key string, def int) int {
		if err != nil {
			return 0
		}
		var v int
		v, err = md.Int(key, def)
		return v
	}
	width := get("width", 0)
	height := get("height", 0)
	zmin := get("zmin", 0)
	zmax := get("zmax", 0)
	imax := get("imax", 255)
	f.BitDepth = get("bitdepth", 8)
	f.ChannelCount = get("channel-count", 1)
	if err != nil {
		return nil, err
	}
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("raveler metadata needs width and height, got %dx%d", width, height)
	}
	if zmax < zmin {
		return nil, fmt.Errorf("raveler metadata has zmax %d below zmin %d", zmax, zmin)
	}
	f.Style = tile.Quadtree
	f.VolumeSize = [3]int{width, height, zmax - zmin + 1}
	f.Origin = [3]int{0, 0, zmin}
	f.TileSize = [3]int{tileSize, tileSize, 1}
	f.ZoomLevelCount = MaxZoom(width, height, tileSize) + 1
	f.IntensityMax = IntensityMax(imax)
	f.HasXSlices, f.HasYSlices, f.HasZSlices = false, false, true
	return f, f.Validate()
}

type Format struct {
	version semver.Version
}

func NewFormat() *Format {
	return &Format{version: semver.MustParse(Version)}
}

func (f *Format) Name() string { return "raveler" }

func (f *Format) Description() string {
	return "Raveler quadtree of PNG tiles described by tiles/metadata.txt"
}

func (f *Format) SemVer() semver.Version { return f.version }

func (f *Format) Sniff(ctx context.Context, src loader.Source) (bool, error) {
	return src.Exists(ctx, MetadataFile)
}

func (f *Format) Open(ctx context.Context, src loader.Source) (tile.LoadAdapter, error) {
	a, err := Open(ctx, src, TileSize)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Adapter loads Raveler tiles.
type Adapter struct {
	src      loader.Source
	format   *tile.Format
	metadata Metadata
}

func Open(ctx context.Context, src loader.Source, tileSize int) (*Adapter, error) {
	data, err := src.Read(ctx, MetadataFile)
	if err != nil {
		return nil, err
	}
	md := ParseMetadata(data)
	f, err := NewTileFormat(md, tileSize)
	if err != nil {
		return nil, err
	}
	lvv.Infof("Raveler volume @ %s: %s\n", src.URL(), f)
	return &Adapter{src: src, format: f, metadata: md}, nil
}

func (a *Adapter) Format() *tile.Format { return a.format }

// Metadata returns the parsed tiles/metadata.txt.
func (a *Adapter) Metadata() Metadata { return a.metadata }

// TilePath returns the object name of a tile.  The slice number in the file name
// is absolute, so it includes the volume's zmin.
func (a *Adapter) TilePath(ix tile.Index) (string, error) {
	if ix.Axis != lvv.ZAxis || !a.format.InVolume(ix) {
		return "", tile.Missing(ix)
	}
	z := ix.Z + a.format.Origin[2]
	return fmt.Sprintf("tiles/%d/%d/%d/%d/g/%03d.png", a.format.TileSize[0], ix.Zoom, ix.Y, ix.X, z), nil
}

func (a *Adapter) LoadToRAM(ctx context.Context, ix tile.Index) (*tile.Image, error) {
	name, err := a.TilePath(ix)
	if err != nil {
		return nil, err
	}
	data, err := a.src.Read(ctx, name)
	if loader.IsNotExist(err) {
		return nil, tile.Missing(ix)
	}
	if err != nil {
		return nil, tile.NewLoadError(ix, err)
	}
	pic, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, tile.NewLoadError(ix, err)
	}
	img, err := a.toTile(pic)
	if err != nil {
		return nil, tile.NewLoadError(ix, err)
	}
	loader.DefaultMonitor.TileLoaded()
	return img, nil
}

// toTile copies PNG pixels into tile samples.  Single channel volumes take the
// luminance, others take the red, green, and blue components in order.
func (a *Adapter) toTile(pic image.Image) (*tile.Image, error) {
	if a.format.ChannelCount == 1 {
		return tile.NewImageFromChannels([]image.Image{pic}, a.format.BitDepth)
	}
	if a.format.ChannelCount > 3 {
		return nil, fmt.Errorf("png tiles hold at most 3 channels, volume has %d", a.format.ChannelCount)
	}
	b := pic.Bounds()
	img := tile.NewImage(b.Dx(), b.Dy(), a.format.ChannelCount, a.format.BitDepth)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			r, g, bl, _ := pic.At(b.Min.X+x, b.Min.Y+y).RGBA()
			rgb := [3]uint32{r, g, bl}
			for c := 0; c < img.Channels; c++ {
				v := rgb[c]
				if img.BitDepth == 8 {
					v >>= 8
				}
				img.SetSample(x, y, c, uint16(v))
			}
		}
	}
	return img, nil
}

func (a *Adapter) Close() error {
	return a.src.Close()
}
