package blocktiff

import (
	"context"
	"encoding/binary"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/janelia-flyem/lvv/loader"
	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
)

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// buildTIFF writes an uncompressed grayscale TIFF with one strip per page.
func buildTIFF(order byteOrder, width, height, bits int, pages [][]uint16) []byte {
	out := make([]byte, headerSize)
	if order == byteOrder(binary.LittleEndian) {
		copy(out, "II")
	} else {
		copy(out, "MM")
	}
	order.PutUint16(out[2:], 42)
	nextPtr := 4
	for _, samples := range pages {
		stripOffset := len(out)
		for _, v := range samples {
			if bits == 16 {
				out = order.AppendUint16(out, v)
			} else {
				out = append(out, byte(v))
			}
		}
		stripBytes := len(out) - stripOffset
		if len(out)%2 == 1 {
			out = append(out, 0)
		}
		ifd := len(out)
		order.PutUint32(out[nextPtr:], uint32(ifd))
		entries := []struct {
			tag, typ uint16
			value    uint32
		}{
			{256, 3, uint32(width)},
			{257, 3, uint32(height)},
			{258, 3, uint32(bits)},
			{259, 3, 1},
			{262, 3, 1},
			{273, 4, uint32(stripOffset)},
			{277, 3, 1},
			{278, 3, uint32(height)},
			{279, 4, uint32(stripBytes)},
		}
		out = order.AppendUint16(out, uint16(len(entries)))
		for _, e := range entries {
			entry := make([]byte, 12)
			order.PutUint16(entry[0:], e.tag)
			order.PutUint16(entry[2:], e.typ)
			order.PutUint32(entry[4:], 1)
			if e.typ == 3 {
				order.PutUint16(entry[8:], uint16(e.value))
			} else {
				order.PutUint32(entry[8:], e.value)
			}
			out = append(out, entry...)
		}
		nextPtr = len(out)
		out = order.AppendUint32(out, 0)
	}
	return out
}

func stackPages(width, height, pages int, value func(page, x, y int) uint16) [][]uint16 {
	out := make([][]uint16, pages)
	for p := range out {
		out[p] = make([]uint16, width*height)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				out[p][y*width+x] = value(p, x, y)
			}
		}
	}
	return out
}

func TestDecodePage(t *testing.T) {
	pages := stackPages(3, 2, 3, func(p, x, y int) uint16 { return uint16(p*10 + y*3 + x) })
	data := buildTIFF(binary.LittleEndian, 3, 2, 8, pages)
	n, err := PageCount(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pages, got %d", n)
	}
	for p := 0; p < 3; p++ {
		img, err := DecodePage(data, p)
		if err != nil {
			t.Fatalf("page %d: %v", p, err)
		}
		gray, ok := img.(*image.Gray)
		if !ok {
			t.Fatalf("page %d: expected gray image, got %T", p, img)
		}
		if gray.Bounds().Dx() != 3 || gray.Bounds().Dy() != 2 {
			t.Fatalf("page %d: bad bounds %v", p, gray.Bounds())
		}
		if v := gray.GrayAt(2, 1).Y; v != uint8(p*10+5) {
			t.Errorf("page %d: expected %d at (2,1), got %d", p, p*10+5, v)
		}
	}
	if _, err := DecodePage(data, 3); err == nil {
		t.Errorf("expected error for page past end")
	}

	wide := stackPages(2, 2, 2, func(p, x, y int) uint16 { return uint16(1000*p + 300*y + x) })
	data = buildTIFF(binary.BigEndian, 2, 2, 16, wide)
	img, err := DecodePage(data, 1)
	if err != nil {
		t.Fatal(err)
	}
	gray16, ok := img.(*image.Gray16)
	if !ok {
		t.Fatalf("expected 16-bit gray image, got %T", img)
	}
	if v := gray16.Gray16At(1, 1).Y; v != 1301 {
		t.Errorf("expected 1301 at (1,1), got %d", v)
	}

	if _, err := PageCount([]byte("GIF89a..")); err == nil {
		t.Errorf("expected error for non-tiff data")
	}
}

func writeStack(t *testing.T, dir string, channel, base int) {
	t.Helper()
	pages := stackPages(4, 4, 2, func(p, x, y int) uint16 {
		return uint16(base + p*100 + channel*10 + y*4 + x)
	})
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, StackName(channel)), buildTIFF(binary.LittleEndian, 4, 4, 8, pages), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestAdapter(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	for c := 0; c < 2; c++ {
		writeStack(t, root, c, 128)
		writeStack(t, filepath.Join(root, "1"), c, 0)
	}

	adapter, err := loader.Open(ctx, root, loader.Options{})
	if err != nil {
		t.Fatal(err)
	}
	a, ok := adapter.(*Adapter)
	if !ok {
		t.Fatalf("expected block tiff adapter, got %T", adapter)
	}
	defer a.Close()

	f := a.Format()
	if f.ChannelCount != 2 || f.BitDepth != 8 || f.ZoomLevelCount != 2 || f.Style != tile.Octree {
		t.Fatalf("unexpected format %s", f)
	}
	if f.TileSize != [3]int{4, 4, 2} || f.VolumeSize != [3]int{8, 8, 4} {
		t.Fatalf("unexpected geometry %v %v", f.TileSize, f.VolumeSize)
	}

	// Tile rows count up from the bottom, so the top left node is octant 1.
	img, err := a.LoadToRAM(ctx, tile.NewIndex(0, 1, 1, 0, 1, tile.Octree, lvv.ZAxis))
	if err != nil {
		t.Fatal(err)
	}
	if img.Width != 4 || img.Height != 4 || img.Channels != 2 {
		t.Fatalf("bad image %dx%dx%d", img.Width, img.Height, img.Channels)
	}
	if v := img.Sample(3, 2, 1); v != 100+10+2*4+3 {
		t.Errorf("expected child sample 121, got %d", v)
	}

	img, err = a.LoadToRAM(ctx, tile.NewIndex(0, 0, 2, 1, 1, tile.Octree, lvv.ZAxis))
	if err != nil {
		t.Fatal(err)
	}
	if v := img.Sample(0, 0, 0); v != 128+100 {
		t.Errorf("expected root sample 228, got %d", v)
	}

	_, err = a.LoadToRAM(ctx, tile.NewIndex(1, 0, 0, 0, 1, tile.Octree, lvv.ZAxis))
	if !tile.IsMissing(err) {
		t.Errorf("expected missing tile for absent node, got %v", err)
	}
}

func TestSniffRejectsOtherFolders(t *testing.T) {
	ctx := context.Background()
	src, err := loader.OpenSource(ctx, t.TempDir(), loader.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	found, err := NewFormat().Sniff(ctx, src)
	if err != nil || found {
		t.Errorf("expected empty folder not to sniff as block tiff, got %t %v", found, err)
	}
}
