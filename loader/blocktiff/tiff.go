package blocktiff

import (
	"encoding/binary"
	"fmt"
	"image"
	"io"

	"golang.org/x/image/tiff"
)

const headerSize = 8

// pageOffsets walks the IFD chain of a classic TIFF file and returns the offset of
// every page's directory.
func pageOffsets(data []byte) ([]uint32, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("tiff too short: %d bytes", len(data))
	}
	var order binary.ByteOrder
	switch string(data[0:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a tiff file")
	}
	if order.Uint16(data[2:4]) != 42 {
		return nil, fmt.Errorf("unsupported tiff version %d", order.Uint16(data[2:4]))
	}
	var offsets []uint32
	seen := make(map[uint32]bool)
	off := order.Uint32(data[4:8])
	for off != 0 {
		if seen[off] {
			return nil, fmt.Errorf("tiff directory loop at offset %d", off)
		}
		seen[off] = true
		if int(off)+2 > len(data) {
			return nil, fmt.Errorf("tiff directory offset %d past end of file", off)
		}
		count := int(order.Uint16(data[off:]))
		next := int(off) + 2 + 12*count
		if next+4 > len(data) {
			return nil, fmt.Errorf("truncated tiff directory at offset %d", off)
		}
		offsets = append(offsets, off)
		off = order.Uint32(data[next:])
	}
	return offsets, nil
}

// PageCount returns the number of images in a multi-page TIFF.
func PageCount(data []byte) (int, error) {
	offsets, err := pageOffsets(data)
	if err != nil {
		return 0, err
	}
	return len(offsets), nil
}

// DecodePage decodes one page of a multi-page TIFF.  The tiff decoder only reads
// the first directory, so the header is patched to point at the requested one.
func DecodePage(data []byte, page int) (image.Image, error) {
	offsets, err := pageOffsets(data)
	if err != nil {
		return nil, err
	}
	if page < 0 || page >= len(offsets) {
		return nil, fmt.Errorf("tiff page %d out of range, file has %d pages", page, len(offsets))
	}
	r := &pageReader{data: data}
	copy(r.head[:], data[:headerSize])
	order := binary.ByteOrder(binary.LittleEndian)
	if data[0] == 'M' {
		order = binary.BigEndian
	}
	order.PutUint32(r.head[4:], offsets[page])
	return tiff.Decode(r)
}

// pageReader serves a TIFF with a replacement header without copying the file.
type pageReader struct {
	head [headerSize]byte
	data []byte
	off  int64
}

func (r *pageReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if off < headerSize {
		copy(p, r.head[off:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *pageReader) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.off)
	r.off += int64(n)
	return n, err
}
