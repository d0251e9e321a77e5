// Package sampler turns a body hull into a fixed set of local probe points.
package sampler

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"portalskies.ai/internal/sim/geom"
)

type Config struct {
	SamplesPerFace int
	// FaceSkipInterval thins side faces: face i of the side list is sampled
	// when i%(FaceSkipInterval+1) == 0. Zero samples every face.
	FaceSkipInterval int
	// AlwaysFrontBack forces the local -Z and +Z faces in regardless of skipping.
	AlwaysFrontBack bool
}

type face struct {
	axis int  // 0=x 1=y 2=z
	high bool // max side
}

// Faces in sampling order. The last two are back (-Z) and front (+Z).
var faces = [6]face{
	{axis: 0}, {axis: 0, high: true},
	{axis: 1}, {axis: 1, high: true},
	{axis: 2}, {axis: 2, high: true},
}

// Sample returns probe points at the centers of boundary cells of h, in
// body-local coordinates. The 8 corner cells come first, then per-face grids.
// Duplicates are dropped; the order is stable for a given hull and config.
func Sample(h geom.Hull, cfg Config) []mgl64.Vec3 {
	if !h.Valid() {
		return nil
	}
	n := cfg.SamplesPerFace
	if n < 1 {
		n = 1
	}
	lo := [3]int{h.Min.X, h.Min.Y, h.Min.Z}
	hi := [3]int{h.Max.X, h.Max.Y, h.Max.Z}

	seen := make(map[[3]int]struct{}, 8+6*n*n)
	out := make([]mgl64.Vec3, 0, 8+6*n*n)
	add := func(c [3]int) {
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		out = append(out, mgl64.Vec3{float64(c[0]) + 0.5, float64(c[1]) + 0.5, float64(c[2]) + 0.5})
	}

	for i := 0; i < 8; i++ {
		c := lo
		for a := 0; a < 3; a++ {
			if i&(1<<a) != 0 {
				c[a] = hi[a]
			}
		}
		add(c)
	}

	side := 0
	for fi, f := range faces {
		frontBack := fi >= 4
		if !(frontBack && cfg.AlwaysFrontBack) {
			sample := cfg.FaceSkipInterval <= 0 || side%(cfg.FaceSkipInterval+1) == 0
			side++
			if !sample {
				continue
			}
		}
		u, v := (f.axis+1)%3, (f.axis+2)%3
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				var c [3]int
				if f.high {
					c[f.axis] = hi[f.axis]
				} else {
					c[f.axis] = lo[f.axis]
				}
				c[u] = gridCell(lo[u], hi[u], i, n)
				c[v] = gridCell(lo[v], hi[v], j, n)
				add(c)
			}
		}
	}
	return out
}

// gridCell picks the i-th of n evenly spread cells in [lo, hi].
func gridCell(lo, hi, i, n int) int {
	if n == 1 {
		return lo + (hi-lo)/2
	}
	return lo + int(math.Round(float64(hi-lo)*float64(i)/float64(n-1)))
}
