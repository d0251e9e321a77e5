package memhost

import (
	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
	"portalskies.ai/internal/sim/logic/mathx"
)

const chunkSize = 16

type ChunkKey struct {
	CX int
	CZ int
}

// Chunk is a 16x16 column of cells spanning the partition height.
// Cells hold palette indices; 0 is air.
type Chunk struct {
	CX, CZ int
	minY   int
	height int
	Cells  []uint16
}

func newChunk(cx, cz, minY, maxY int) *Chunk {
	h := maxY - minY + 1
	return &Chunk{CX: cx, CZ: cz, minY: minY, height: h, Cells: make([]uint16, chunkSize*chunkSize*h)}
}

func (c *Chunk) index(x, y, z int) int {
	return x + z*chunkSize + (y-c.minY)*chunkSize*chunkSize
}

func (c *Chunk) Get(x, y, z int) uint16 { return c.Cells[c.index(x, y, z)] }

func (c *Chunk) Set(x, y, z int, b uint16) { c.Cells[c.index(x, y, z)] = b }

func chunkOf(pos geom.Vec3i) (ChunkKey, int, int) {
	k := ChunkKey{CX: mathx.FloorDiv(pos.X, chunkSize), CZ: mathx.FloorDiv(pos.Z, chunkSize)}
	return k, mathx.Mod(pos.X, chunkSize), mathx.Mod(pos.Z, chunkSize)
}

// Palette interns cell states so chunks store small ids.
type Palette struct {
	states []host.CellState
	byName map[string]uint16
}

func newPalette() *Palette {
	p := &Palette{byName: map[string]uint16{}}
	p.Intern(Air)
	return p
}

func (p *Palette) Intern(s host.CellState) uint16 {
	key := s.Name + "|" + s.Axis.String()
	if id, ok := p.byName[key]; ok {
		return id
	}
	id := uint16(len(p.states))
	p.states = append(p.states, s)
	p.byName[key] = id
	return id
}

func (p *Palette) State(id uint16) host.CellState {
	if int(id) >= len(p.states) {
		return Air
	}
	return p.states[id]
}

// Common materials.
var (
	Air      = host.CellState{Name: "air", Air: true}
	Stone    = host.CellState{Name: "stone", Solid: true}
	Obsidian = host.CellState{Name: "obsidian", Solid: true}
	Leaves   = host.CellState{Name: "oak_leaves", Category: "leaves", Solid: true}
	Fence    = host.CellState{Name: "oak_fence", Category: "fence", Solid: true}
	Helm     = host.CellState{Name: "ship_helm", Category: "control", Solid: true}
)

// Aperture returns transit material oriented along axis.
func Aperture(axis geom.Axis) host.CellState {
	return host.CellState{Name: "nether_portal", Aperture: true, Axis: axis}
}
