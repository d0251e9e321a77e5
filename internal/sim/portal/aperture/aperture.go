// Package aperture measures rectangular transit planes from a single cell and
// checks whether a body fits through them.
package aperture

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
)

var ErrNoAperture = errors.New("no aperture")

// maxCells bounds a single measurement.
const maxCells = 64 * 64

type Aperture struct {
	Partition host.PartitionID `json:"partition"`
	Seed      geom.Vec3i       `json:"seed"`
	Axis      geom.Axis        `json:"axis"`
	Min       geom.Vec3i       `json:"min"`
	Max       geom.Vec3i       `json:"max"`
	Width     int              `json:"width"`
	Height    int              `json:"height"`

	RequiredWidth  int  `json:"required_width,omitempty"`
	RequiredHeight int  `json:"required_height,omitempty"`
	Valid          bool `json:"valid,omitempty"`
}

// Measure flood-fills the plane of same-axis aperture cells containing seed
// and returns its bounds. Any lookup failure is reported as an error.
func Measure(p host.Partition, seed geom.Vec3i) (Aperture, error) {
	st, err := p.Cell(seed)
	if err != nil {
		return Aperture{}, fmt.Errorf("measure %v: %w", seed, err)
	}
	if !st.IsAperture() {
		return Aperture{}, ErrNoAperture
	}
	axis := st.Axis
	along := axis.Along()
	steps := [4]geom.Vec3i{
		along,
		{X: -along.X, Z: -along.Z},
		{Y: 1},
		{Y: -1},
	}

	minB, maxB := seed, seed
	visited := map[geom.Vec3i]struct{}{seed: {}}
	queue := []geom.Vec3i{seed}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		for _, s := range steps {
			n := c.Add(s)
			if _, ok := visited[n]; ok {
				continue
			}
			ns, err := p.Cell(n)
			if err != nil {
				return Aperture{}, fmt.Errorf("measure %v: %w", seed, err)
			}
			if !ns.IsAperture() || ns.Axis != axis {
				continue
			}
			if len(visited) >= maxCells {
				return Aperture{}, fmt.Errorf("measure %v: plane exceeds %d cells", seed, maxCells)
			}
			visited[n] = struct{}{}
			queue = append(queue, n)
			minB = geom.Vec3i{X: min(minB.X, n.X), Y: min(minB.Y, n.Y), Z: min(minB.Z, n.Z)}
			maxB = geom.Vec3i{X: max(maxB.X, n.X), Y: max(maxB.Y, n.Y), Z: max(maxB.Z, n.Z)}
		}
	}

	a := Aperture{
		Partition: p.ID(),
		Seed:      seed,
		Axis:      axis,
		Min:       minB,
		Max:       maxB,
		Height:    maxB.Y - minB.Y + 1,
	}
	if axis == geom.AxisZ {
		a.Width = maxB.Z - minB.Z + 1
	} else {
		a.Width = maxB.X - minB.X + 1
	}
	return a, nil
}

// Center is the middle of the measured plane, halfway through its thickness.
func (a Aperture) Center() mgl64.Vec3 {
	y := float64(a.Min.Y) + float64(a.Height)/2
	if a.Axis == geom.AxisZ {
		return mgl64.Vec3{float64(a.Seed.X) + 0.5, y, float64(a.Min.Z) + float64(a.Width)/2}
	}
	return mgl64.Vec3{float64(a.Min.X) + float64(a.Width)/2, y, float64(a.Seed.Z) + 0.5}
}

// Contains reports whether c lies inside the measured bounds.
func (a Aperture) Contains(c geom.Vec3i) bool {
	return c.X >= a.Min.X && c.X <= a.Max.X &&
		c.Y >= a.Min.Y && c.Y <= a.Max.Y &&
		c.Z >= a.Min.Z && c.Z <= a.Max.Z
}

// Key identifies the plane independent of the seed it was measured from.
func (a Aperture) Key() string {
	return fmt.Sprintf("%s/%s/%v", a.Partition, a.Axis, a.Min)
}

// Requirement returns the opening a body needs to pass a plane of the given
// axis. The body's traversal axis is whichever of its local X and Z, in world
// space, is more aligned with the plane normal; the other one must fit across.
// Height is the world vertical extent of the rotated hull, rounded up.
func Requirement(b host.BodyState, axis geom.Axis) (width, height int) {
	size := b.Hull.Size()
	rot := b.Pose.Rotation
	if rot == (mgl64.Quat{}) {
		rot = mgl64.QuatIdent()
	}
	n := axis.Normal()
	dx := math.Abs(rot.Rotate(mgl64.Vec3{1, 0, 0}).Dot(n))
	dz := math.Abs(rot.Rotate(mgl64.Vec3{0, 0, 1}).Dot(n))
	pose := b.Pose
	pose.Rotation = rot
	height = int(math.Ceil(pose.WorldBox(b.Hull).Extent().Y() - 1e-9))
	if dx > dz {
		return size.Z, height
	}
	return size.X, height
}

func (a Aperture) Fits(width, height int) bool {
	return a.Width >= width && a.Height >= height
}

// ValidateFor records the body's requirement on a copy of a.
func (a Aperture) ValidateFor(b host.BodyState) Aperture {
	a.RequiredWidth, a.RequiredHeight = Requirement(b, a.Axis)
	a.Valid = a.Fits(a.RequiredWidth, a.RequiredHeight)
	return a
}
