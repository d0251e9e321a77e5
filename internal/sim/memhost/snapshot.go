package memhost

import (
	"fmt"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"portalskies.ai/internal/persistence/snapshot"
	simenc "portalskies.ai/internal/sim/encoding"
	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
)

// Snapshot captures the world. Output order is deterministic.
func (w *World) Snapshot(tick uint64) snapshot.SnapshotV1 {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := snapshot.SnapshotV1{
		Header:     snapshot.Header{Version: snapshot.Version, Tick: tick},
		NextEntity: int64(w.nextEntity),
	}
	for _, c := range w.palette.states {
		s.Palette = append(s.Palette, snapshot.CellV1{
			Name: c.Name, Category: c.Category, Air: c.Air, Solid: c.Solid,
			Aperture: c.Aperture, Axis: axisName(c.Axis),
		})
	}

	pids := make([]string, 0, len(w.partitions))
	for id := range w.partitions {
		pids = append(pids, string(id))
	}
	sort.Strings(pids)
	s.Header.Partitions = pids
	for _, id := range pids {
		p := w.partitions[host.PartitionID(id)]
		pv := snapshot.PartitionV1{ID: id, MinY: p.minY, MaxY: p.maxY}
		keys := make([]ChunkKey, 0, len(p.chunks))
		for k := range p.chunks {
			keys = append(keys, k)
		}
		sortChunkKeys(keys)
		for _, k := range keys {
			pv.Chunks = append(pv.Chunks, snapshot.ChunkV1{CX: k.CX, CZ: k.CZ, Cells: simenc.EncodeRLE(p.chunks[k].Cells)})
		}
		unloaded := make([]ChunkKey, 0, len(p.unloaded))
		for k, v := range p.unloaded {
			if v {
				unloaded = append(unloaded, k)
			}
		}
		sortChunkKeys(unloaded)
		for _, k := range unloaded {
			pv.Unloaded = append(pv.Unloaded, [2]int{k.CX, k.CZ})
		}
		s.Partitions = append(s.Partitions, pv)
	}

	bids := make([]host.BodyID, 0, len(w.bodies))
	for id := range w.bodies {
		bids = append(bids, id)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i] < bids[j] })
	for _, id := range bids {
		b := w.bodies[id]
		q := b.Pose.Rotation
		s.Bodies = append(s.Bodies, snapshot.BodyV1{
			ID:        int64(b.ID),
			Partition: string(b.Partition),
			HullMin:   [3]int{b.Hull.Min.X, b.Hull.Min.Y, b.Hull.Min.Z},
			HullMax:   [3]int{b.Hull.Max.X, b.Hull.Max.Y, b.Hull.Max.Z},
			Position:  b.Pose.Position,
			Rotation:  [4]float64{q.W, q.V[0], q.V[1], q.V[2]},
			Velocity:  b.Velocity,
			AngVel:    b.AngularVelocity,
		})
		for _, o := range w.links[id] {
			if id < o {
				s.Links = append(s.Links, [2]int64{int64(id), int64(o)})
			}
		}
	}

	eids := make([]host.EntityID, 0, len(w.entities))
	for id := range w.entities {
		eids = append(eids, id)
	}
	sort.Slice(eids, func(i, j int) bool { return eids[i] < eids[j] })
	for _, id := range eids {
		e := w.entities[id]
		ev := snapshot.EntityV1{
			ID:        int64(e.ID),
			Partition: string(e.Partition),
			Kind:      e.Kind,
			Tags:      uint8(e.Tags),
			Alive:     e.Alive,
			Position:  e.Position,
			Velocity:  e.Velocity,
			Yaw:       e.Yaw,
			Vehicle:   int64(e.Vehicle),
		}
		for _, p := range e.Passengers {
			ev.Passengers = append(ev.Passengers, int64(p))
		}
		s.Entities = append(s.Entities, ev)
	}
	return s
}

// Restore rebuilds a world from a snapshot.
func Restore(s snapshot.SnapshotV1) (*World, error) {
	w := New()
	w.palette = &Palette{byName: map[string]uint16{}}
	for _, c := range s.Palette {
		w.palette.Intern(host.CellState{
			Name: c.Name, Category: c.Category, Air: c.Air, Solid: c.Solid,
			Aperture: c.Aperture, Axis: geom.ParseAxis(c.Axis),
		})
	}
	if len(w.palette.states) == 0 {
		w.palette.Intern(Air)
	}

	for _, pv := range s.Partitions {
		if pv.MaxY < pv.MinY {
			return nil, fmt.Errorf("partition %s: bad height range %d..%d", pv.ID, pv.MinY, pv.MaxY)
		}
		p := w.AddPartition(host.PartitionID(pv.ID), pv.MinY, pv.MaxY)
		for _, cv := range pv.Chunks {
			cells, err := simenc.DecodeRLE(cv.Cells)
			if err != nil {
				return nil, fmt.Errorf("partition %s chunk (%d,%d): %w", pv.ID, cv.CX, cv.CZ, err)
			}
			ch := newChunk(cv.CX, cv.CZ, pv.MinY, pv.MaxY)
			if len(cells) != len(ch.Cells) {
				return nil, fmt.Errorf("partition %s chunk (%d,%d): %d cells, want %d", pv.ID, cv.CX, cv.CZ, len(cells), len(ch.Cells))
			}
			for _, id := range cells {
				if int(id) >= len(w.palette.states) {
					return nil, fmt.Errorf("partition %s chunk (%d,%d): palette id %d out of range", pv.ID, cv.CX, cv.CZ, id)
				}
			}
			ch.Cells = cells
			p.chunks[ChunkKey{CX: cv.CX, CZ: cv.CZ}] = ch
		}
		for _, k := range pv.Unloaded {
			p.unloaded[ChunkKey{CX: k[0], CZ: k[1]}] = true
		}
	}

	for _, bv := range s.Bodies {
		if _, ok := w.partitions[host.PartitionID(bv.Partition)]; !ok {
			return nil, fmt.Errorf("body %d: unknown partition %s", bv.ID, bv.Partition)
		}
		w.AddBody(host.BodyState{
			ID:        host.BodyID(bv.ID),
			Partition: host.PartitionID(bv.Partition),
			Hull: geom.Hull{
				Min: geom.Vec3i{X: bv.HullMin[0], Y: bv.HullMin[1], Z: bv.HullMin[2]},
				Max: geom.Vec3i{X: bv.HullMax[0], Y: bv.HullMax[1], Z: bv.HullMax[2]},
			},
			Pose: geom.Pose{
				Position: bv.Position,
				Rotation: mgl64.Quat{W: bv.Rotation[0], V: mgl64.Vec3{bv.Rotation[1], bv.Rotation[2], bv.Rotation[3]}},
			},
			Velocity:        bv.Velocity,
			AngularVelocity: bv.AngVel,
		})
	}
	for _, l := range s.Links {
		w.Link(host.BodyID(l[0]), host.BodyID(l[1]))
	}

	for _, ev := range s.Entities {
		e := host.EntityState{
			ID:        host.EntityID(ev.ID),
			Partition: host.PartitionID(ev.Partition),
			Kind:      ev.Kind,
			Tags:      host.Tag(ev.Tags),
			Alive:     ev.Alive,
			Position:  ev.Position,
			Velocity:  ev.Velocity,
			Yaw:       ev.Yaw,
			Vehicle:   host.EntityID(ev.Vehicle),
		}
		for _, p := range ev.Passengers {
			e.Passengers = append(e.Passengers, host.EntityID(p))
		}
		w.AddEntity(e)
	}
	if host.EntityID(s.NextEntity) > w.nextEntity {
		w.nextEntity = host.EntityID(s.NextEntity)
	}
	return w, nil
}

func axisName(a geom.Axis) string {
	if a == geom.AxisNone {
		return ""
	}
	return a.String()
}

func sortChunkKeys(keys []ChunkKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		return keys[i].CZ < keys[j].CZ
	})
}
