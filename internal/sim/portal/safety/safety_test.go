package safety

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"

	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
	"portalskies.ai/internal/sim/memhost"
)

var hull = geom.Hull{Max: geom.Vec3i{X: 3, Y: 2, Z: 3}} // 4x3x4

func checker() Checker {
	return Checker{NonBlocking: []string{"leaves", "fence"}, Log: zerolog.Nop()}
}

// Envelope of this pose covers cells x 10..13, y 65..67, z 10..13 plus the margin ring.
var dest = geom.Pose{Position: mgl64.Vec3{12, 66.5, 12}, Rotation: mgl64.QuatIdent()}

func TestCheck_OpenAirIsSafe(t *testing.T) {
	w := memhost.New()
	p := w.AddPartition("nether", 1, 127)
	v := checker().Check(p, hull, dest)
	if !v.Safe || v.Cells == 0 {
		t.Fatalf("verdict=%+v", v)
	}
}

func TestCheck_SolidBlocks(t *testing.T) {
	w := memhost.New()
	p := w.AddPartition("nether", 1, 127)
	p.SetCell(geom.Vec3i{X: 11, Y: 66, Z: 12}, memhost.Stone)
	v := checker().Check(p, hull, dest)
	if v.Safe || v.Blocked == nil || *v.Blocked != (geom.Vec3i{X: 11, Y: 66, Z: 12}) || v.Material != "stone" {
		t.Fatalf("verdict=%+v", v)
	}
}

func TestCheck_MarginReachesNeighbourCells(t *testing.T) {
	w := memhost.New()
	p := w.AddPartition("nether", 1, 127)
	p.SetCell(geom.Vec3i{X: 14, Y: 66, Z: 12}, memhost.Stone)
	if v := checker().Check(p, hull, dest); v.Safe {
		t.Fatalf("stone touching the hull face must block: %+v", v)
	}
	w2 := memhost.New()
	p2 := w2.AddPartition("nether", 1, 127)
	p2.SetCell(geom.Vec3i{X: 15, Y: 66, Z: 12}, memhost.Stone)
	if v := checker().Check(p2, hull, dest); !v.Safe {
		t.Fatalf("stone two cells away must not block: %+v", v)
	}
}

func TestCheck_DecorativeAndApertureDoNotBlock(t *testing.T) {
	w := memhost.New()
	p := w.AddPartition("nether", 1, 127)
	p.SetCell(geom.Vec3i{X: 10, Y: 65, Z: 10}, memhost.Leaves)
	p.SetCell(geom.Vec3i{X: 11, Y: 65, Z: 10}, memhost.Fence)
	p.SetCell(geom.Vec3i{X: 12, Y: 65, Z: 10}, memhost.Aperture(geom.AxisX))
	p.SetCell(geom.Vec3i{X: 13, Y: 65, Z: 10}, host.CellState{Name: "birch_leaves", Solid: true})
	if v := checker().Check(p, hull, dest); !v.Safe {
		t.Fatalf("verdict=%+v", v)
	}
}

func TestCheck_UnreadableIsUnsafe(t *testing.T) {
	w := memhost.New()
	p := w.AddPartition("nether", 1, 127)
	p.MarkUnloaded(geom.Vec3i{X: 12, Z: 12})
	if v := checker().Check(p, hull, dest); v.Safe {
		t.Fatalf("verdict=%+v", v)
	}
}

func TestCheck_BodyOverlapTolerance(t *testing.T) {
	w := memhost.New()
	p := w.AddPartition("nether", 1, 127)
	small := geom.Hull{}
	w.AddBody(host.BodyState{ID: 1, Partition: "nether", Hull: hull, Pose: dest})
	w.AddBody(host.BodyState{ID: 2, Partition: "nether", Hull: small, Pose: geom.Pose{Position: mgl64.Vec3{10.5, 65.5, 10.5}}})
	if v := checker().Check(p, hull, dest, 1); !v.Safe || v.Overlaps != 1 {
		t.Fatalf("one overlap must be tolerated: %+v", v)
	}
	w.AddBody(host.BodyState{ID: 3, Partition: "nether", Hull: small, Pose: geom.Pose{Position: mgl64.Vec3{13.5, 67.5, 13.5}}})
	if v := checker().Check(p, hull, dest, 1); v.Safe || v.Overlaps != 2 {
		t.Fatalf("two overlaps must be rejected: %+v", v)
	}
	// Body 1 sits exactly at dest; ignoring nothing makes three.
	if v := checker().Check(p, hull, dest); v.Overlaps != 3 {
		t.Fatalf("overlaps=%d", v.Overlaps)
	}
}

func TestCheck_Rotated(t *testing.T) {
	w := memhost.New()
	p := w.AddPartition("nether", 1, 127)
	long := geom.Hull{Max: geom.Vec3i{X: 9, Y: 1, Z: 1}} // 10 along X
	rotated := geom.Pose{Position: mgl64.Vec3{0, 66, 0}, Rotation: geom.YawRotation(90)}
	p.SetCell(geom.Vec3i{X: 0, Y: 66, Z: 4}, memhost.Stone)
	if v := checker().Check(p, long, rotated); v.Safe {
		t.Fatalf("rotated hull should reach z=4: %+v", v)
	}
	p.Fill(geom.Vec3i{X: 0, Y: 66, Z: 4}, geom.Vec3i{X: 0, Y: 66, Z: 4}, memhost.Air)
	p.SetCell(geom.Vec3i{X: 4, Y: 66, Z: 0}, memhost.Stone)
	if v := checker().Check(p, long, rotated); !v.Safe {
		t.Fatalf("rotated hull should not reach x=4: %+v", v)
	}
}
