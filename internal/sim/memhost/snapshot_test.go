package memhost

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"portalskies.ai/internal/persistence/snapshot"
	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
)

func TestSnapshot_RestoreRoundTrip(t *testing.T) {
	w := New()
	ow := w.AddPartition("overworld", 0, 31)
	w.AddPartition("nether", 0, 15)
	ow.BuildAperture(geom.Vec3i{X: -3, Y: 4, Z: -20}, geom.AxisZ, 2, 3)
	ow.SetCell(geom.Vec3i{X: 40, Y: 10, Z: 40}, Fence)
	ow.MarkUnloaded(geom.Vec3i{X: 200, Z: 200})

	w.AddBody(host.BodyState{
		ID: 3, Partition: "overworld",
		Hull:     geom.Hull{Max: geom.Vec3i{X: 2, Y: 1, Z: 4}},
		Pose:     geom.Pose{Position: mgl64.Vec3{1.5, 11, 2.5}, Rotation: geom.YawRotation(90)},
		Velocity: mgl64.Vec3{0, 0, 0.25},
	})
	w.AddBody(host.BodyState{ID: 4, Partition: "overworld", Hull: geom.Hull{}, Pose: geom.Pose{Position: mgl64.Vec3{0.5, 12.5, 0.5}}})
	w.Link(3, 4)
	boat := w.AddEntity(host.EntityState{Partition: "overworld", Kind: "boat", Tags: host.TagRideable, Alive: true})
	cow := w.AddEntity(host.EntityState{Partition: "overworld", Kind: "cow", Alive: true, Yaw: 45})
	w.Mount(cow, boat)

	path := filepath.Join(t.TempDir(), "world.snap.zst")
	if err := snapshot.WriteSnapshot(path, w.Snapshot(77)); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	s, err := snapshot.ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if s.Header.Tick != 77 || len(s.Header.Partitions) != 2 || s.Header.Partitions[0] != "nether" {
		t.Fatalf("header: %+v", s.Header)
	}
	r, err := Restore(s)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	rp := r.P("overworld")
	if minY, maxY := rp.HeightRange(); minY != 0 || maxY != 31 {
		t.Fatalf("height range %d..%d", minY, maxY)
	}
	c, err := rp.Cell(geom.Vec3i{X: -3, Y: 6, Z: -19})
	if err != nil || !c.IsAperture() || c.Axis != geom.AxisZ {
		t.Fatalf("aperture cell=%+v err=%v", c, err)
	}
	if c, _ := rp.Cell(geom.Vec3i{X: 40, Y: 10, Z: 40}); c.Category != "fence" {
		t.Fatalf("fence cell=%+v", c)
	}
	if _, err := rp.Cell(geom.Vec3i{X: 200, Y: 5, Z: 200}); !errors.Is(err, host.ErrUnloaded) {
		t.Fatalf("expected unloaded chunk, got %v", err)
	}

	b, ok := r.BodyState(3)
	if !ok || b.Velocity != (mgl64.Vec3{0, 0, 0.25}) || b.Hull.Max != (geom.Vec3i{X: 2, Y: 1, Z: 4}) {
		t.Fatalf("body=%+v ok=%v", b, ok)
	}
	if !b.Pose.Rotation.ApproxEqual(geom.YawRotation(90)) {
		t.Fatalf("rotation=%v", b.Pose.Rotation)
	}
	linked, err := rp.LinkedBodies(3)
	if err != nil || len(linked) != 1 || linked[0] != 4 {
		t.Fatalf("links=%v err=%v", linked, err)
	}

	e, ok := r.EntityState(cow)
	if !ok || e.Vehicle != boat || e.Yaw != 45 {
		t.Fatalf("cow=%+v ok=%v", e, ok)
	}
	v, _ := r.EntityState(boat)
	if len(v.Passengers) != 1 || v.Passengers[0] != cow || !v.Tags.Has(host.TagRideable) {
		t.Fatalf("boat=%+v", v)
	}
	if id := r.AddEntity(host.EntityState{Partition: "nether", Kind: "pig"}); id <= cow {
		t.Fatalf("new entity id %d reuses a restored id", id)
	}
}

func TestRestore_RejectsBadChunk(t *testing.T) {
	s := snapshot.SnapshotV1{
		Header:     snapshot.Header{Version: snapshot.Version},
		Palette:    []snapshot.CellV1{{Name: "air", Air: true}},
		Partitions: []snapshot.PartitionV1{{ID: "overworld", MinY: 0, MaxY: 3, Chunks: []snapshot.ChunkV1{{Cells: "not base64!"}}}},
	}
	if _, err := Restore(s); err == nil {
		t.Fatalf("expected error for undecodable chunk")
	}
}
