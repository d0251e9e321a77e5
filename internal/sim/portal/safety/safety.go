// Package safety tests whether a body can be placed at a destination pose.
package safety

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
)

const DefaultMargin = 0.05

type Checker struct {
	Margin float64
	// NonBlocking lists material categories (or name fragments) that never block.
	NonBlocking []string
	Log         zerolog.Logger
}

type Verdict struct {
	Safe     bool
	Reason   string
	Blocked  *geom.Vec3i
	Material string
	Overlaps int
	Cells    int
}

// Check transforms the hull to dest and scans the envelope. It has no side effects.
func (c Checker) Check(target host.Partition, hull geom.Hull, dest geom.Pose, ignore ...host.BodyID) Verdict {
	if target == nil || !hull.Valid() {
		c.Log.Error().Msg("safety check without partition or hull")
		return Verdict{Reason: "invalid request"}
	}
	margin := c.Margin
	if margin <= 0 {
		margin = DefaultMargin
	}
	env := dest.WorldBox(hull).Expand(margin)
	minY, maxY := target.HeightRange()

	lo := geom.CellOf(env.Min)
	hi := geom.CellOf(env.Max)
	lo.Y = max(lo.Y, minY)
	hi.Y = min(hi.Y, maxY)

	var v Verdict
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for z := lo.Z; z <= hi.Z; z++ {
				cell := geom.Vec3i{X: x, Y: y, Z: z}
				v.Cells++
				st, err := target.Cell(cell)
				if err != nil {
					c.Log.Debug().Err(err).Str("cell", cell.String()).Msg("destination unreadable")
					v.Reason = fmt.Sprintf("cell %v unreadable", cell)
					v.Blocked = &cell
					return v
				}
				if c.blocks(st) {
					v.Reason = fmt.Sprintf("%s at %v", st.Name, cell)
					v.Blocked = &cell
					v.Material = st.Name
					return v
				}
			}
		}
	}

	bodies, err := target.Bodies()
	if err != nil {
		v.Reason = "body registry unreadable"
		return v
	}
	skip := map[host.BodyID]bool{}
	for _, id := range ignore {
		skip[id] = true
	}
	for _, b := range bodies {
		if skip[b.ID] {
			continue
		}
		if env.Intersects(b.WorldBox()) {
			v.Overlaps++
		}
	}
	// One marginal overlap is tolerated as precision noise.
	if v.Overlaps > 1 {
		v.Reason = fmt.Sprintf("overlaps %d bodies", v.Overlaps)
		return v
	}
	v.Safe = true
	return v
}

func (c Checker) blocks(st host.CellState) bool {
	if st.Air || st.IsAperture() || !st.Solid {
		return false
	}
	cat := strings.ToLower(st.Category)
	name := strings.ToLower(st.Name)
	for _, nb := range c.NonBlocking {
		if nb == "" {
			continue
		}
		if cat == nb || strings.Contains(name, nb) {
			return false
		}
	}
	return true
}
