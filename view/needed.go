package view

import "github.com/janelia-flyem/lvv/tile"

// IndexSet is an insertion-ordered set of tile indices.  A published IndexSet is
// never modified; writers build a new one and swap it in.
type IndexSet struct {
	order []tile.Index
	keys  map[tile.Key]struct{}
}

func NewIndexSet() *IndexSet {
	return &IndexSet{keys: make(map[tile.Key]struct{})}
}

// Add appends ix if it is not already present and returns true if it was added.
func (s *IndexSet) Add(ix tile.Index) bool {
	k := ix.Key()
	if _, found := s.keys[k]; found {
		return false
	}
	s.keys[k] = struct{}{}
	s.order = append(s.order, ix.Canonical())
	return true
}

func (s *IndexSet) AddAll(ixs []tile.Index) {
	for _, ix := range ixs {
		s.Add(ix)
	}
}

// Contains is safe to call on a nil set.
func (s *IndexSet) Contains(ix tile.Index) bool {
	if s == nil {
		return false
	}
	_, found := s.keys[ix.Key()]
	return found
}

func (s *IndexSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Indices returns the members in insertion order.
func (s *IndexSet) Indices() []tile.Index {
	if s == nil {
		return nil
	}
	out := make([]tile.Index, len(s.order))
	copy(out, s.order)
	return out
}

// Equal returns true if both sets hold the same members in the same order.
func (s *IndexSet) Equal(other *IndexSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i, ix := range s.order {
		if ix.Key() != other.order[i].Key() {
			return false
		}
	}
	return true
}
