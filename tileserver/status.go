package tileserver

import "fmt"

// LoadStatus summarizes the state of every visible viewer of a tile server.
type LoadStatus int

const (
	Uninitialized LoadStatus = iota
	NoTexturesLoaded
	ImperfectTexturesLoaded
	BestTexturesLoaded
	PrefetchComplete
)

func (s LoadStatus) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case NoTexturesLoaded:
		return "no textures loaded"
	case ImperfectTexturesLoaded:
		return "imperfect textures loaded"
	case BestTexturesLoaded:
		return "best textures loaded"
	case PrefetchComplete:
		return "prefetch complete"
	default:
		return fmt.Sprintf("load status(%d)", int(s))
	}
}

// MarshalText lets the status appear by name in JSON.
func (s LoadStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
