package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Hull is an inclusive range of body-local cells.
type Hull struct {
	Min Vec3i `json:"min"`
	Max Vec3i `json:"max"`
}

func (h Hull) Valid() bool {
	return h.Max.X >= h.Min.X && h.Max.Y >= h.Min.Y && h.Max.Z >= h.Min.Z
}

// Size is the number of cells along each local axis.
func (h Hull) Size() Vec3i {
	return Vec3i{X: h.Max.X - h.Min.X + 1, Y: h.Max.Y - h.Min.Y + 1, Z: h.Max.Z - h.Min.Z + 1}
}

// Center is the local point the body pose is anchored at.
func (h Hull) Center() mgl64.Vec3 {
	return h.Min.Vec().Add(h.Max.Add(Vec3i{X: 1, Y: 1, Z: 1}).Vec()).Mul(0.5)
}

// Corners returns the 8 corners of the box covering every cell of the hull.
func (h Hull) Corners() [8]mgl64.Vec3 {
	lo := h.Min.Vec()
	hi := h.Max.Add(Vec3i{X: 1, Y: 1, Z: 1}).Vec()
	var out [8]mgl64.Vec3
	for i := 0; i < 8; i++ {
		p := lo
		if i&1 != 0 {
			p[0] = hi[0]
		}
		if i&2 != 0 {
			p[1] = hi[1]
		}
		if i&4 != 0 {
			p[2] = hi[2]
		}
		out[i] = p
	}
	return out
}

// Pose places a hull in the world: the hull center lands on Position.
type Pose struct {
	Position mgl64.Vec3 `json:"position"`
	Rotation mgl64.Quat `json:"-"`
}

func (p Pose) rotation() mgl64.Quat {
	if p.Rotation == (mgl64.Quat{}) {
		return mgl64.QuatIdent()
	}
	return p.Rotation
}

// ToWorld maps a body-local point through the pose.
func (p Pose) ToWorld(h Hull, local mgl64.Vec3) mgl64.Vec3 {
	return p.Position.Add(p.rotation().Rotate(local.Sub(h.Center())))
}

// WorldBox is the axis-aligned envelope of the hull under the pose.
func (p Pose) WorldBox(h Hull) AABB {
	corners := h.Corners()
	pts := make([]mgl64.Vec3, 0, len(corners))
	for _, c := range corners {
		pts = append(pts, p.ToWorld(h, c))
	}
	return Envelope(pts)
}

// AABB is a world-space axis-aligned box.
type AABB struct {
	Min mgl64.Vec3 `json:"min"`
	Max mgl64.Vec3 `json:"max"`
}

func Envelope(pts []mgl64.Vec3) AABB {
	if len(pts) == 0 {
		return AABB{}
	}
	b := AABB{Min: pts[0], Max: pts[0]}
	for _, p := range pts[1:] {
		for i := 0; i < 3; i++ {
			b.Min[i] = math.Min(b.Min[i], p[i])
			b.Max[i] = math.Max(b.Max[i], p[i])
		}
	}
	return b
}

func (b AABB) Expand(m float64) AABB {
	d := mgl64.Vec3{m, m, m}
	return AABB{Min: b.Min.Sub(d), Max: b.Max.Add(d)}
}

func (b AABB) Intersects(o AABB) bool {
	for i := 0; i < 3; i++ {
		if b.Max[i] <= o.Min[i] || o.Max[i] <= b.Min[i] {
			return false
		}
	}
	return true
}

func (b AABB) Contains(p mgl64.Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] || p[i] > b.Max[i] {
			return false
		}
	}
	return true
}

func (b AABB) Center() mgl64.Vec3 { return b.Min.Add(b.Max).Mul(0.5) }

func (b AABB) Extent() mgl64.Vec3 { return b.Max.Sub(b.Min) }
