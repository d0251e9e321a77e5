package locator

import (
	"github.com/go-gl/mathgl/mgl64"

	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/logic/mathx"
)

// Scaling maps positions from one partition into another.
type Scaling struct {
	Factor float64
	// SearchY, when set, replaces the source height (used when entering a
	// compressed partition whose vertical range differs).
	SearchY    *int
	MinY, MaxY int
}

// Apply returns the cell to centre a search on.
func (s Scaling) Apply(p mgl64.Vec3) geom.Vec3i {
	f := s.Factor
	if f <= 0 {
		f = 1
	}
	out := geom.Vec3i{
		X: mathx.FloorInt(p.X() * f),
		Z: mathx.FloorInt(p.Z() * f),
	}
	if s.SearchY != nil {
		out.Y = *s.SearchY
	} else {
		out.Y = mathx.FloorInt(p.Y())
	}
	out.Y = mathx.ClampInt(out.Y, s.MinY, s.MaxY)
	return out
}
