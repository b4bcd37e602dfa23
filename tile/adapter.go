package tile

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
)

// LoadAdapter loads individual tiles of one volume into RAM.  Implementations must
// be safe for concurrent use by multiple loader goroutines.
type LoadAdapter interface {
	// Format returns the volume's tile format.  It must not change after the adapter
	// has been opened.
	Format() *Format

	// LoadToRAM returns the decoded pixels for the tile.  It returns an error matching
	// ErrMissingTile when the tile does not exist and a *LoadError for other failures.
	LoadToRAM(ctx context.Context, ix Index) (*Image, error)
}

// Image is a decoded tile with channel-interleaved samples.  16-bit samples are
// stored little-endian.
type Image struct {
	Width    int
	Height   int
	Channels int
	BitDepth int
	Pix      []byte
}

// NewImage allocates a zeroed image.
func NewImage(width, height, channels, bitDepth int) *Image {
	bpp := channels * bitDepth / 8
	return &Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		BitDepth: bitDepth,
		Pix:      make([]byte, width*height*bpp),
	}
}

// NumBytes returns the size of the pixel buffer.
func (img *Image) NumBytes() int {
	if img == nil {
		return 0
	}
	return len(img.Pix)
}

func (img *Image) bytesPerSample() int {
	return img.BitDepth / 8
}

// Sample returns the value of channel c at (x, y).
func (img *Image) Sample(x, y, c int) uint16 {
	bps := img.bytesPerSample()
	off := ((y*img.Width+x)*img.Channels + c) * bps
	if bps == 2 {
		return binary.LittleEndian.Uint16(img.Pix[off:])
	}
	return uint16(img.Pix[off])
}

// SetSample sets the value of channel c at (x, y).
func (img *Image) SetSample(x, y, c int, v uint16) {
	bps := img.bytesPerSample()
	off := ((y*img.Width+x)*img.Channels + c) * bps
	if bps == 2 {
		binary.LittleEndian.PutUint16(img.Pix[off:], v)
		return
	}
	img.Pix[off] = uint8(v)
}

// NewImageFromChannels merges single-channel images of identical size into one
// channel-interleaved tile.  bitDepth selects 8 or 16 bit storage; wider source
// samples are truncated to the most significant bits.
func NewImageFromChannels(channels []image.Image, bitDepth int) (*Image, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channel images given")
	}
	if bitDepth != 8 && bitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	bounds := channels[0].Bounds()
	for c, ch := range channels {
		if ch.Bounds().Dx() != bounds.Dx() || ch.Bounds().Dy() != bounds.Dy() {
			return nil, fmt.Errorf("channel %d has size %v, expected %v", c, ch.Bounds().Size(), bounds.Size())
		}
	}
	out := NewImage(bounds.Dx(), bounds.Dy(), len(channels), bitDepth)
	for c, ch := range channels {
		b := ch.Bounds()
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				gray := color.Gray16Model.Convert(ch.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16).Y
				if bitDepth == 8 {
					gray >>= 8
				}
				out.SetSample(x, y, c, gray)
			}
		}
	}
	return out, nil
}

// ToImage returns a Go image suitable for encoding.  Single-channel tiles become
// grayscale images; multi-channel tiles put the first three channels into RGB.
func (img *Image) ToImage() image.Image {
	rect := image.Rect(0, 0, img.Width, img.Height)
	if img.Channels == 1 {
		if img.BitDepth == 16 {
			g := image.NewGray16(rect)
			for y := 0; y < img.Height; y++ {
				for x := 0; x < img.Width; x++ {
					g.SetGray16(x, y, color.Gray16{Y: img.Sample(x, y, 0)})
				}
			}
			return g
		}
		g := image.NewGray(rect)
		copy(g.Pix, img.Pix)
		return g
	}
	out := image.NewRGBA64(rect)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			var rgb [3]uint16
			for c := 0; c < 3 && c < img.Channels; c++ {
				v := img.Sample(x, y, c)
				if img.BitDepth == 8 {
					v = v<<8 | v
				}
				rgb[c] = v
			}
			out.SetRGBA64(x, y, color.RGBA64{R: rgb[0], G: rgb[1], B: rgb[2], A: 0xffff})
		}
	}
	return out
}
