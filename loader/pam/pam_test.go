package pam

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"gocloud.dev/blob/memblob"

	"github.com/janelia-flyem/lvv/loader"
	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
)

func encode(width, height, depth, maxval int, samples []uint16) []byte {
	header := fmt.Sprintf("P7\nWIDTH %d\nHEIGHT %d\nDEPTH %d\nMAXVAL %d\n# test\nTUPLTYPE GRAYSCALE\nENDHDR\n",
		width, height, depth, maxval)
	out := []byte(header)
	for _, v := range samples {
		if maxval < 256 {
			out = append(out, byte(v))
		} else {
			out = binary.BigEndian.AppendUint16(out, v)
		}
	}
	return out
}

func TestDecode(t *testing.T) {
	img, err := Decode(encode(3, 2, 1, 255, []uint16{1, 2, 3, 4, 5, 6}))
	if err != nil {
		t.Fatal(err)
	}
	if img.Width != 3 || img.Height != 2 || img.Channels != 1 || img.BitDepth != 8 {
		t.Fatalf("bad image %+v", img)
	}
	if v := img.Sample(2, 1, 0); v != 6 {
		t.Errorf("expected 6 at (2,1), got %d", v)
	}

	img, err = Decode(encode(1, 2, 2, 4095, []uint16{10, 20, 4000, 4095}))
	if err != nil {
		t.Fatal(err)
	}
	if img.BitDepth != 16 || img.Channels != 2 {
		t.Fatalf("expected 2 channel 16-bit image, got %d channels at %d bits", img.Channels, img.BitDepth)
	}
	if v := img.Sample(0, 1, 0); v != 4000 {
		t.Errorf("expected 4000, got %d", v)
	}
	if v := img.Sample(0, 1, 1); v != 4095 {
		t.Errorf("expected 4095, got %d", v)
	}

	bad := [][]byte{
		[]byte("P5\n3 2\n255\n"),
		[]byte("P7\nWIDTH 3\nHEIGHT 2\n"),
		[]byte("P7\nWIDTH x\nENDHDR\n"),
		encode(3, 2, 1, 255, []uint16{1, 2}),
		[]byte("P7\nWIDTH 1\nHEIGHT 1\nDEPTH 1\nMAXVAL 70000\nENDHDR\n"),
	}
	for i, data := range bad {
		if _, err := Decode(data); err == nil {
			t.Errorf("case %d: expected decode error", i)
		}
	}
}

func TestAdapter(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	write := func(dir string, base int) {
		for s := 0; s < 3; s++ {
			samples := []uint16{uint16(base + s*10), uint16(base + s*10 + 1), uint16(base + s*10 + 2), uint16(base + s*10 + 3)}
			name := SliceName(s)
			if dir != "" {
				name = dir + "/" + name
			}
			if err := bucket.WriteAll(ctx, name, encode(2, 2, 1, 255, samples), nil); err != nil {
				t.Fatal(err)
			}
		}
	}
	write("", 100)
	write("1", 0)
	if err := bucket.WriteAll(ctx, "transform.txt", []byte("ox: 0\noy: 0\noz: 0\nsx: 2000\nsy: 2000\nsz: 2000\nnl: 2\n"), nil); err != nil {
		t.Fatal(err)
	}
	src := loader.NewBucketSource(bucket, "mem://pam")

	f, err := loader.Sniff(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if f.Name() != "pam" {
		t.Fatalf("expected pam format, got %s", f.Name())
	}
	adapter, err := f.Open(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	a := adapter.(*Adapter)
	defer a.Close()

	format := a.Format()
	if format.TileSize != [3]int{2, 2, 3} || format.ZoomLevelCount != 2 || format.IntensityMax != 255 {
		t.Fatalf("unexpected format %s", format)
	}
	if format.VoxelMicrometers != [3]float64{1, 1, 1} {
		t.Errorf("expected 1 micrometer voxels, got %v", format.VoxelMicrometers)
	}

	img, err := a.LoadToRAM(ctx, tile.NewIndex(0, 1, 2, 0, 1, tile.Octree, lvv.ZAxis))
	if err != nil {
		t.Fatal(err)
	}
	if v := img.Sample(1, 1, 0); v != 23 {
		t.Errorf("expected 23, got %d", v)
	}
	img, err = a.LoadToRAM(ctx, tile.NewIndex(0, 0, 2, 1, 1, tile.Octree, lvv.ZAxis))
	if err != nil {
		t.Fatal(err)
	}
	if v := img.Sample(0, 0, 0); v != 110 {
		t.Errorf("expected root slice 1 value 110, got %d", v)
	}
	if _, err := a.LoadToRAM(ctx, tile.NewIndex(0, 1, 4, 0, 1, tile.Octree, lvv.ZAxis)); !tile.IsMissing(err) {
		t.Errorf("expected missing tile, got %v", err)
	}
}

func TestCountSlices(t *testing.T) {
	ctx := context.Background()
	for _, n := range []int{1, 2, 3, 7, 8, 9, 64} {
		bucket := memblob.OpenBucket(nil)
		for s := 0; s < n; s++ {
			if err := bucket.WriteAll(ctx, SliceName(s), []byte("x"), nil); err != nil {
				t.Fatal(err)
			}
		}
		src := loader.NewBucketSource(bucket, "mem://count")
		got, err := countSlices(ctx, src)
		if err != nil {
			t.Fatal(err)
		}
		if got != n {
			t.Errorf("expected %d slices, got %d", n, got)
		}
		src.Close()
	}
}
