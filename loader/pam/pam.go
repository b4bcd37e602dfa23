// Package pam loads octree volumes whose nodes hold one netpbm P7 file per slice.
package pam

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/blang/semver"

	"github.com/janelia-flyem/lvv/loader"
	"github.com/janelia-flyem/lvv/loader/octree"
	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
)

const (
	Version  = "0.1.0"
	Priority = 10

	// MaxSlicesPerNode bounds the slice count search.
	MaxSlicesPerNode = 1 << 14
)

func init() {
	loader.RegisterFormat(NewFormat(), Priority)
}

// SliceName returns the file holding one slice of an octree node.
func SliceName(slice int) string {
	return fmt.Sprintf("slice_%05d.pam", slice)
}

// Header is the parsed P7 header.
type Header struct {
	Width     int
	Height    int
	Depth     int // samples per pixel
	MaxVal    int
	TupleType string
}

// BitDepth is 8 for MAXVAL below 256 and 16 otherwise.
func (h Header) BitDepth() int {
	if h.MaxVal < 256 {
		return 8
	}
	return 16
}

// ParseHeader reads the header of a P7 file and returns it with the offset of the
// first sample.
func ParseHeader(data []byte) (Header, int, error) {
	var h Header
	if !bytes.HasPrefix(data, []byte("P7\n")) {
		return h, 0, fmt.Errorf("not a P7 pam file")
	}
	r := bufio.NewReader(bytes.NewReader(data[3:]))
	offset := 3
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return h, 0, fmt.Errorf("pam header has no ENDHDR")
		}
		offset += len(line)
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "ENDHDR" {
			break
		}
		key, value, _ := strings.Cut(line, " ")
		value = strings.TrimSpace(value)
		var target *int
		switch key {
		case "WIDTH":
			target = &h.Width
		case "HEIGHT":
			target = &h.Height
		case "DEPTH":
			target = &h.Depth
		case "MAXVAL":
			target = &h.MaxVal
		case "TUPLTYPE":
			if h.TupleType != "" {
				h.TupleType += " "
			}
			h.TupleType += value
			continue
		default:
			return h, 0, fmt.Errorf("unknown pam header line %q", line)
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return h, 0, fmt.Errorf("bad pam %s value %q", key, value)
		}
		*target = n
	}
	if h.Width < 1 || h.Height < 1 || h.Depth < 1 {
		return h, 0, fmt.Errorf("bad pam dimensions %dx%dx%d", h.Width, h.Height, h.Depth)
	}
	if h.MaxVal < 1 || h.MaxVal > 65535 {
		return h, 0, fmt.Errorf("bad pam MAXVAL %d", h.MaxVal)
	}
	return h, offset, nil
}

// Decode converts a P7 file into a tile image.  Samples are big-endian in the file.
func Decode(data []byte) (*tile.Image, error) {
	h, offset, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	img := tile.NewImage(h.Width, h.Height, h.Depth, h.BitDepth())
	bps := h.BitDepth() / 8
	need := h.Width * h.Height * h.Depth * bps
	if len(data)-offset < need {
		return nil, fmt.Errorf("pam has %d bytes of samples, expected %d", len(data)-offset, need)
	}
	samples := data[offset:]
	if bps == 1 {
		copy(img.Pix, samples[:need])
		return img, nil
	}
	for i := 0; i < need/2; i++ {
		binary.LittleEndian.PutUint16(img.Pix[2*i:], binary.BigEndian.Uint16(samples[2*i:]))
	}
	return img, nil
}

type Format struct {
	version semver.Version
}

func NewFormat() *Format {
	return &Format{version: semver.MustParse(Version)}
}

func (f *Format) Name() string { return "pam" }

func (f *Format) Description() string {
	return "octree of folders holding slice_NNNNN.pam netpbm files"
}

func (f *Format) SemVer() semver.Version { return f.version }

func (f *Format) Sniff(ctx context.Context, src loader.Source) (bool, error) {
	return src.Exists(ctx, SliceName(0))
}

func (f *Format) Open(ctx context.Context, src loader.Source) (tile.LoadAdapter, error) {
	a, err := Open(ctx, src)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Adapter loads tiles from a PAM octree.
type Adapter struct {
	src    loader.Source
	layout octree.Layout
	format *tile.Format
}

func Open(ctx context.Context, src loader.Source) (*Adapter, error) {
	data, err := src.Read(ctx, SliceName(0))
	if err != nil {
		return nil, err
	}
	h, _, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	slices, err := countSlices(ctx, src)
	if err != nil {
		return nil, err
	}
	levels, err := octree.SniffLevels(ctx, src, SliceName(0))
	if err != nil {
		return nil, err
	}
	layout := octree.Layout{Levels: levels, TileSize: [3]int{h.Width, h.Height, slices}}
	var transform *octree.Transform
	if t, found, err := octree.ReadTransform(ctx, src); err != nil {
		return nil, err
	} else if found {
		transform = &t
	}
	a := &Adapter{
		src:    src,
		layout: layout,
		format: octree.NewFormat(layout, transform, h.BitDepth(), h.Depth),
	}
	a.format.IntensityMax = h.MaxVal
	lvv.Infof("PAM volume @ %s: %s\n", src.URL(), a.format)
	return a, nil
}

// countSlices finds the number of slice files in the root node by doubling and then
// bisecting on existence.
func countSlices(ctx context.Context, src loader.Source) (int, error) {
	exists := func(n int) (bool, error) { return src.Exists(ctx, SliceName(n)) }
	lo, hi := 0, 1 // slice lo exists
	for {
		if hi >= MaxSlicesPerNode {
			hi = MaxSlicesPerNode
			break
		}
		found, err := exists(hi)
		if err != nil {
			return 0, err
		}
		if !found {
			break
		}
		lo, hi = hi, hi*2
	}
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		found, err := exists(mid)
		if err != nil {
			return 0, err
		}
		if found {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo + 1, nil
}

func (a *Adapter) Format() *tile.Format { return a.format }

func (a *Adapter) LoadToRAM(ctx context.Context, ix tile.Index) (*tile.Image, error) {
	dir, slice, err := a.layout.NodePath(ix)
	if err != nil {
		return nil, err
	}
	data, err := a.src.Read(ctx, path.Join(dir, SliceName(slice)))
	if loader.IsNotExist(err) {
		return nil, tile.Missing(ix)
	}
	if err != nil {
		return nil, tile.NewLoadError(ix, err)
	}
	img, err := Decode(data)
	if err != nil {
		return nil, tile.NewLoadError(ix, err)
	}
	if img.Channels != a.format.ChannelCount || img.BitDepth != a.format.BitDepth {
		return nil, tile.NewLoadError(ix, fmt.Errorf("slice has %d channels at %d bits, volume has %d at %d",
			img.Channels, img.BitDepth, a.format.ChannelCount, a.format.BitDepth))
	}
	loader.DefaultMonitor.TileLoaded()
	return img, nil
}

func (a *Adapter) Close() error {
	return a.src.Close()
}
