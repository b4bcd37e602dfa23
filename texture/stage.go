package texture

import "fmt"

// Stage is the lifecycle position of a Texture.  Stages only advance, except for
// the explicit reset back to Uninitialized after a failed, stale, or evicted load.
type Stage int32

const (
	Uninitialized Stage = iota
	LoadQueued
	RAMLoading
	RAMLoaded
	GLLoaded
)

func (s Stage) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case LoadQueued:
		return "load queued"
	case RAMLoading:
		return "RAM loading"
	case RAMLoaded:
		return "RAM loaded"
	case GLLoaded:
		return "GL loaded"
	default:
		return fmt.Sprintf("stage(%d)", int32(s))
	}
}

// Usable returns true if pixels are available for display.
func (s Stage) Usable() bool {
	return s >= RAMLoaded
}
