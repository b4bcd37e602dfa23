package main

import (
	"image/png"
	"io"
	"os"

	"github.com/janelia-flyem/lvv/lvv"
	"github.com/janelia-flyem/lvv/tile"
)

func writePNG(filename string, img *tile.Image) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img.ToImage()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func closeAdapter(adapter tile.LoadAdapter) {
	if c, ok := adapter.(io.Closer); ok {
		if err := c.Close(); err != nil {
			lvv.Errorf("Error closing volume: %v\n", err)
		}
	}
}
