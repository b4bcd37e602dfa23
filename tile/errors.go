package tile

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingTile marks a tile that legitimately does not exist at the requested
	// resolution.  Callers fall back to a coarser ancestor.
	ErrMissingTile = errors.New("missing tile")

	// ErrUnknownFormat is returned when no loader recognizes a volume.
	ErrUnknownFormat = errors.New("no recognizable tile format")
)

// MissingTileError is returned by loaders when a tile is absent.  It matches
// ErrMissingTile with errors.Is.
type MissingTileError struct {
	Index Index
}

func (e *MissingTileError) Error() string {
	return fmt.Sprintf("missing tile %s", e.Index)
}

func (e *MissingTileError) Is(target error) bool {
	return target == ErrMissingTile
}

// Missing returns a MissingTileError for ix.
func Missing(ix Index) error {
	return &MissingTileError{Index: ix}
}

// LoadError wraps an unexpected failure (I/O, decode, unsupported parameters)
// while loading a tile.
type LoadError struct {
	Index Index
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("error loading tile %s: %v", e.Index, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError wraps err with the failing index.  A nil err returns nil.
func NewLoadError(ix Index, err error) error {
	if err == nil {
		return nil
	}
	var le *LoadError
	if errors.As(err, &le) {
		return err
	}
	return &LoadError{Index: ix, Err: err}
}

// IsMissing returns true if err reports an absent tile.
func IsMissing(err error) bool {
	return errors.Is(err, ErrMissingTile)
}
