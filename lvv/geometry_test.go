package lvv

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestWhdFromRotation(t *testing.T) {
	whd, ok := WhdFromRotation(mgl64.Ident3())
	if !ok {
		t.Fatalf("identity rotation should be axis aligned")
	}
	if whd != ZAxis.WhdToXyz() {
		t.Errorf("expected identity to map to z slicing %v, got %v", ZAxis.WhdToXyz(), whd)
	}

	// Rotate 90 degrees about Y: view width runs along -z, depth along x.
	rot := mgl64.Rotate3DY(mgl64.DegToRad(90))
	whd, ok = WhdFromRotation(rot)
	if !ok {
		t.Fatalf("90 degree rotation should be axis aligned")
	}
	if whd[2] != XAxis.Index() {
		t.Errorf("expected depth along x after rotation about y, got %v", whd)
	}
}

func TestParseAxis(t *testing.T) {
	tests := []struct {
		in   string
		axis CoordinateAxis
	}{
		{"x", XAxis}, {"yz", XAxis}, {"Y", YAxis}, {"xz", YAxis}, {"z", ZAxis}, {"xy", ZAxis},
	}
	for _, tc := range tests {
		got, err := ParseAxis(tc.in)
		if err != nil {
			t.Fatalf("unexpected error parsing %q: %v", tc.in, err)
		}
		if got != tc.axis {
			t.Errorf("ParseAxis(%q) = %s, expected %s", tc.in, got, tc.axis)
		}
	}
	if _, err := ParseAxis("w"); err == nil {
		t.Errorf("expected error on bad axis")
	}
}

func TestBoundingBox(t *testing.T) {
	b := EmptyBoundingBox()
	if !b.IsEmpty() {
		t.Fatalf("new bounding box should be empty")
	}
	b.Include(Vec3{1, 2, 3})
	b.Include(Vec3{-1, 4, 0})
	if b.IsEmpty() {
		t.Fatalf("bounding box with points should not be empty")
	}
	if b.Width() != 2 || b.Height() != 2 || b.Depth() != 3 {
		t.Errorf("bad extents for %s", b)
	}
	if !b.Contains(Vec3{0, 3, 1}) || b.Contains(Vec3{0, 5, 1}) {
		t.Errorf("bad containment for %s", b)
	}
}
