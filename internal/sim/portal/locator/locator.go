// Package locator searches a target partition for an aperture a body fits through.
package locator

import (
	"errors"

	"github.com/rs/zerolog"

	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
	"portalskies.ai/internal/sim/portal/aperture"
)

var ErrNotFound = errors.New("no matching aperture found")

type Locator struct {
	Radius         int
	VerticalStride int
	Log            zerolog.Logger
}

type Request struct {
	Target host.Partition
	Origin geom.Vec3i
	Body   host.BodyState
}

type Result struct {
	Aperture aperture.Aperture
	// Rejected holds measured candidates that were too small, nearest first.
	Rejected []aperture.Aperture
	Probes   int
	Cached   bool
}

// Find scans Chebyshev rings around req.Origin, nearest first, and returns the
// first aperture the body fits through. Within each column cells are probed
// outward from the origin height at VerticalStride.
func (l Locator) Find(req Request, cache *Cache) (Result, error) {
	var res Result
	if req.Target == nil {
		return res, ErrNotFound
	}
	minY, maxY := req.Target.HeightRange()
	stride := l.VerticalStride
	if stride < 1 {
		stride = 1
	}

	key := cacheKey{partition: req.Target.ID(), origin: req.Origin, size: req.Body.Hull.Size()}
	if seed, ok := cache.get(key); ok {
		if a, err := aperture.Measure(req.Target, seed); err == nil {
			if v := a.ValidateFor(req.Body); v.Valid {
				res.Aperture = v
				res.Cached = true
				return res, nil
			}
		}
		cache.drop(key)
	}

	heights := columnOrder(req.Origin.Y, minY, maxY, stride)
	seen := map[string]bool{}
	var found *aperture.Aperture
	probe := func(x, z int) bool {
		for _, y := range heights {
			res.Probes++
			c := geom.Vec3i{X: x, Y: y, Z: z}
			st, err := req.Target.Cell(c)
			if err != nil {
				// Unloaded column: skip it rather than abort the search.
				l.Log.Debug().Err(err).Int("x", x).Int("z", z).Msg("locator column unreadable")
				return false
			}
			if !st.IsAperture() {
				continue
			}
			a, err := aperture.Measure(req.Target, c)
			if err != nil {
				l.Log.Debug().Err(err).Str("cell", c.String()).Msg("locator measure failed")
				continue
			}
			if seen[a.Key()] {
				continue
			}
			seen[a.Key()] = true
			v := a.ValidateFor(req.Body)
			if v.Valid {
				found = &v
				return true
			}
			l.Log.Debug().
				Str("aperture", v.Key()).
				Int("width", v.Width).Int("height", v.Height).
				Int("need_width", v.RequiredWidth).Int("need_height", v.RequiredHeight).
				Msg("candidate aperture too small")
			res.Rejected = append(res.Rejected, v)
		}
		return false
	}

	for r := 0; r <= l.Radius; r++ {
		if forEachRingCell(req.Origin.X, req.Origin.Z, r, probe) {
			break
		}
	}
	if found == nil {
		return res, ErrNotFound
	}
	res.Aperture = *found
	cache.put(key, found.Seed)
	return res, nil
}

// forEachRingCell visits the perimeter of the square ring at Chebyshev
// distance r, stopping early when fn returns true.
func forEachRingCell(cx, cz, r int, fn func(x, z int) bool) bool {
	if r == 0 {
		return fn(cx, cz)
	}
	for dx := -r; dx <= r; dx++ {
		if fn(cx+dx, cz-r) || fn(cx+dx, cz+r) {
			return true
		}
	}
	for dz := -r + 1; dz <= r-1; dz++ {
		if fn(cx-r, cz+dz) || fn(cx+r, cz+dz) {
			return true
		}
	}
	return false
}

// columnOrder lists probe heights alternating above and below start.
func columnOrder(start, minY, maxY, stride int) []int {
	if start < minY {
		start = minY
	}
	if start > maxY {
		start = maxY
	}
	out := []int{start}
	for d := stride; ; d += stride {
		up, down := start+d, start-d
		if up > maxY && down < minY {
			break
		}
		if up <= maxY {
			out = append(out, up)
		}
		if down >= minY {
			out = append(out, down)
		}
	}
	return out
}
