package geom

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestHullSizeCenterCorners(t *testing.T) {
	h := Hull{Min: Vec3i{X: -2, Y: 0, Z: -2}, Max: Vec3i{X: 2, Y: 4, Z: 2}}
	if !h.Valid() {
		t.Fatalf("expected valid hull")
	}
	if got := h.Size(); got != (Vec3i{X: 5, Y: 5, Z: 5}) {
		t.Fatalf("size=%v", got)
	}
	if got := h.Center(); !got.ApproxEqual(mgl64.Vec3{0.5, 2.5, 0.5}) {
		t.Fatalf("center=%v", got)
	}
	c := h.Corners()
	if !c[0].ApproxEqual(mgl64.Vec3{-2, 0, -2}) || !c[7].ApproxEqual(mgl64.Vec3{3, 5, 3}) {
		t.Fatalf("corners=%v", c)
	}
	if (Hull{Min: Vec3i{X: 1}, Max: Vec3i{}}).Valid() {
		t.Fatalf("inverted hull must be invalid")
	}
}

func TestPoseWorldBoxRotated(t *testing.T) {
	h := Hull{Min: Vec3i{}, Max: Vec3i{X: 5, Y: 1, Z: 1}} // 6 x 2 x 2
	p := Pose{Position: mgl64.Vec3{10, 70, 10}, Rotation: YawRotation(90)}
	b := p.WorldBox(h)
	ext := b.Extent()
	if math.Abs(ext.X()-2) > 1e-9 || math.Abs(ext.Z()-6) > 1e-9 || math.Abs(ext.Y()-2) > 1e-9 {
		t.Fatalf("rotated extent=%v", ext)
	}
	if !b.Center().ApproxEqualThreshold(p.Position, 1e-9) {
		t.Fatalf("box center=%v want %v", b.Center(), p.Position)
	}
}

func TestZeroRotationIsIdentity(t *testing.T) {
	h := Hull{Min: Vec3i{}, Max: Vec3i{X: 1, Y: 1, Z: 1}}
	p := Pose{Position: mgl64.Vec3{1, 1, 1}}
	if got := p.ToWorld(h, mgl64.Vec3{2, 2, 2}); !got.ApproxEqual(mgl64.Vec3{2, 2, 2}) {
		t.Fatalf("ToWorld=%v", got)
	}
}

func TestYawRotationTurnsXTowardNegativeZ(t *testing.T) {
	got := YawRotation(90).Rotate(mgl64.Vec3{1, 0, 0})
	if !got.ApproxEqualThreshold(mgl64.Vec3{0, 0, -1}, 1e-9) {
		t.Fatalf("rotated=%v", got)
	}
	got = YawRotation(90).Rotate(South.Vec())
	if !got.ApproxEqualThreshold(East.Vec(), 1e-9) {
		t.Fatalf("south rotated=%v", got)
	}
}

func TestRotateHeading(t *testing.T) {
	if got := RotateHeading(0, mgl64.QuatIdent()); math.Abs(got) > 1e-9 {
		t.Fatalf("identity heading=%v", got)
	}
	if got := RotateHeading(0, YawRotation(90)); math.Abs(got+90) > 1e-9 {
		t.Fatalf("heading=%v want -90", got)
	}
	if got := RotateHeading(170, YawRotation(-90)); math.Abs(got+100) > 1e-9 {
		t.Fatalf("heading=%v want -100", got)
	}
}

func TestDirectionOpposite(t *testing.T) {
	for _, d := range []Direction{North, South, East, West} {
		if d.Opposite().Opposite() != d {
			t.Fatalf("%v double opposite", d)
		}
		if d.Vec().Add(d.Opposite().Vec()).Len() != 0 {
			t.Fatalf("%v opposite vec mismatch", d)
		}
	}
	if North.Axis() != AxisX || East.Axis() != AxisZ {
		t.Fatalf("direction axis mismatch")
	}
}

func TestAABBIntersects(t *testing.T) {
	a := AABB{Min: mgl64.Vec3{0, 0, 0}, Max: mgl64.Vec3{2, 2, 2}}
	b := AABB{Min: mgl64.Vec3{2, 0, 0}, Max: mgl64.Vec3{3, 2, 2}}
	if a.Intersects(b) {
		t.Fatalf("touching boxes must not intersect")
	}
	if !a.Expand(0.05).Intersects(b) {
		t.Fatalf("expanded box must intersect")
	}
}
