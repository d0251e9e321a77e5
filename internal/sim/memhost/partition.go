package memhost

import (
	"fmt"
	"sort"

	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
)

type Partition struct {
	w          *World
	id         host.PartitionID
	minY, maxY int
	chunks     map[ChunkKey]*Chunk
	unloaded   map[ChunkKey]bool
}

func (p *Partition) ID() host.PartitionID { return p.id }

func (p *Partition) HeightRange() (int, int) { return p.minY, p.maxY }

func (p *Partition) Cell(pos geom.Vec3i) (host.CellState, error) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	return p.cellLocked(pos)
}

func (p *Partition) cellLocked(pos geom.Vec3i) (host.CellState, error) {
	if pos.Y < p.minY || pos.Y > p.maxY {
		return Air, nil
	}
	k, lx, lz := chunkOf(pos)
	if p.unloaded[k] {
		return host.CellState{}, fmt.Errorf("%s chunk (%d,%d): %w", p.id, k.CX, k.CZ, host.ErrUnloaded)
	}
	ch, ok := p.chunks[k]
	if !ok {
		return Air, nil
	}
	return p.w.palette.State(ch.Get(lx, pos.Y, lz)), nil
}

// SetCell writes one cell. Cells outside the height range are ignored.
func (p *Partition) SetCell(pos geom.Vec3i, s host.CellState) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	p.setLocked(pos, s)
}

func (p *Partition) setLocked(pos geom.Vec3i, s host.CellState) {
	if pos.Y < p.minY || pos.Y > p.maxY {
		return
	}
	k, lx, lz := chunkOf(pos)
	ch, ok := p.chunks[k]
	if !ok {
		ch = newChunk(k.CX, k.CZ, p.minY, p.maxY)
		p.chunks[k] = ch
	}
	ch.Set(lx, pos.Y, lz, p.w.palette.Intern(s))
}

// Fill writes s to every cell in the inclusive box [a, b].
func (p *Partition) Fill(a, b geom.Vec3i, s host.CellState) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	for x := min(a.X, b.X); x <= max(a.X, b.X); x++ {
		for y := min(a.Y, b.Y); y <= max(a.Y, b.Y); y++ {
			for z := min(a.Z, b.Z); z <= max(a.Z, b.Z); z++ {
				p.setLocked(geom.Vec3i{X: x, Y: y, Z: z}, s)
			}
		}
	}
}

// BuildAperture places a width x height aperture with its lower corner at
// origin, framed by obsidian, and returns the inclusive interior bounds.
func (p *Partition) BuildAperture(origin geom.Vec3i, axis geom.Axis, width, height int) (geom.Vec3i, geom.Vec3i) {
	along := axis.Along()
	lo := origin
	hi := origin.Add(geom.Vec3i{X: along.X * (width - 1), Y: height - 1, Z: along.Z * (width - 1)})
	frameLo := lo.Sub(geom.Vec3i{X: along.X, Y: 1, Z: along.Z})
	frameHi := hi.Add(geom.Vec3i{X: along.X, Y: 1, Z: along.Z})
	p.Fill(frameLo, frameHi, Obsidian)
	p.Fill(lo, hi, Aperture(axis))
	return lo, hi
}

// MarkUnloaded makes reads in the chunk containing pos fail.
func (p *Partition) MarkUnloaded(pos geom.Vec3i) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	k, _, _ := chunkOf(pos)
	p.unloaded[k] = true
}

func (p *Partition) Bodies() ([]host.BodyState, error) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	var out []host.BodyState
	for _, b := range p.w.bodies {
		if b.Partition == p.id {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Partition) Body(id host.BodyID) (host.BodyState, error) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	b, ok := p.w.bodies[id]
	if !ok || b.Partition != p.id {
		return host.BodyState{}, fmt.Errorf("body %d in %s: %w", id, p.id, host.ErrUnknownBody)
	}
	return *b, nil
}

func (p *Partition) LinkedBodies(id host.BodyID) ([]host.BodyID, error) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	var out []host.BodyID
	for _, o := range p.w.links[id] {
		if b, ok := p.w.bodies[o]; ok && b.Partition == p.id {
			out = append(out, o)
		}
	}
	return out, nil
}

func (p *Partition) EntitiesIn(box geom.AABB) ([]host.EntityState, error) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	var out []host.EntityState
	for _, e := range p.w.entities {
		if e.Partition == p.id && box.Contains(e.Position) {
			out = append(out, cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Partition) Entity(id host.EntityID) (host.EntityState, error) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	e, ok := p.w.entities[id]
	if !ok || e.Partition != p.id {
		return host.EntityState{}, fmt.Errorf("entity %d in %s: %w", id, p.id, host.ErrUnknownEntity)
	}
	return cloneEntity(e), nil
}
