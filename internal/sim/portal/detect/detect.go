// Package detect decides whether a body is passing through an aperture.
package detect

import (
	"errors"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"

	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
	"portalskies.ai/internal/sim/portal/sampler"
)

var ErrNotInAperture = errors.New("body not in aperture")

type Detector struct {
	Sampling  sampler.Config
	Threshold float64
	Log       zerolog.Logger
}

type Hit struct {
	Seed     geom.Vec3i
	Axis     geom.Axis
	Coverage float64
	Samples  int
	Touching int
}

// Detect samples the hull in world space. At least one sample must sit in
// aperture material; coverage is then the share of samples that, projected
// onto that aperture's plane, land in same-axis aperture cells.
func (d Detector) Detect(p host.Partition, b host.BodyState) (Hit, error) {
	if !b.Hull.Valid() {
		d.Log.Error().Int64("body", int64(b.ID)).Msg("body has no usable hull")
		return Hit{}, ErrNotInAperture
	}
	local := sampler.Sample(b.Hull, d.Sampling)
	if len(local) == 0 {
		return Hit{}, ErrNotInAperture
	}

	cells := map[geom.Vec3i]host.CellState{}
	read := func(c geom.Vec3i) (host.CellState, bool) {
		if st, ok := cells[c]; ok {
			return st, true
		}
		st, err := p.Cell(c)
		if err != nil {
			d.Log.Debug().Err(err).Int64("body", int64(b.ID)).Str("cell", c.String()).Msg("sample unreadable")
			return host.CellState{}, false
		}
		cells[c] = st
		return st, true
	}

	world := make([]mgl64.Vec3, len(local))
	var touching []geom.Vec3i
	var axis geom.Axis
	for i, lp := range local {
		world[i] = b.Pose.ToWorld(b.Hull, lp)
		c := geom.CellOf(world[i])
		st, ok := read(c)
		if !ok || !st.IsAperture() {
			continue
		}
		if axis == geom.AxisNone {
			axis = st.Axis
		}
		if st.Axis == axis {
			touching = append(touching, c)
		}
	}
	if len(touching) == 0 {
		return Hit{}, ErrNotInAperture
	}

	plane := touching[0]
	covered := 0
	for _, wp := range world {
		c := geom.CellOf(wp)
		if axis == geom.AxisZ {
			c.X = plane.X
		} else {
			c.Z = plane.Z
		}
		if st, ok := read(c); ok && st.IsAperture() && st.Axis == axis {
			covered++
		}
	}

	hit := Hit{
		Seed:     nearestToMean(touching),
		Axis:     axis,
		Coverage: float64(covered) / float64(len(world)),
		Samples:  len(world),
		Touching: len(touching),
	}
	if hit.Coverage < d.Threshold {
		d.Log.Debug().
			Int64("body", int64(b.ID)).
			Float64("coverage", hit.Coverage).
			Float64("threshold", d.Threshold).
			Msg("aperture coverage below threshold")
		return hit, ErrNotInAperture
	}
	return hit, nil
}

func nearestToMean(cells []geom.Vec3i) geom.Vec3i {
	var sum mgl64.Vec3
	for _, c := range cells {
		sum = sum.Add(c.Vec())
	}
	mean := sum.Mul(1 / float64(len(cells)))
	best := cells[0]
	bestD := best.Vec().Sub(mean).Len()
	for _, c := range cells[1:] {
		if d := c.Vec().Sub(mean).Len(); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}
