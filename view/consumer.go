package view

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/janelia-flyem/lvv/lvv"
)

// Consumer is a viewer that displays tiles.  Its methods are called from the
// render thread except Repaint, which may be called from any goroutine.
type Consumer interface {
	Camera() lvv.Camera
	Viewport() lvv.Viewport
	SliceAxis() lvv.CoordinateAxis

	// ViewerInGround is the rotation from view (width, height, depth) axes into
	// volume axes.
	ViewerInGround() mgl64.Mat3

	IsShowing() bool
	Repaint()
}
