// Package pose computes where and how a body leaves the target aperture.
package pose

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
	"portalskies.ai/internal/sim/logic/mathx"
	"portalskies.ai/internal/sim/portal/aperture"
)

// proportionalClearance scales the clearance with the body for long hulls.
const proportionalClearance = 0.3

type remapKey struct {
	src      geom.Axis
	approach geom.Direction
}

type remap struct {
	exit geom.Direction
	deg  float64
}

// Crossing into a plane of the other axis turns the body a quarter so that
// its travel direction becomes the exit direction.
var remapTable = map[remapKey]remap{
	{geom.AxisX, geom.North}: {exit: geom.East, deg: 90},
	{geom.AxisX, geom.South}: {exit: geom.West, deg: 90},
	{geom.AxisZ, geom.East}:  {exit: geom.North, deg: -90},
	{geom.AxisZ, geom.West}:  {exit: geom.South, deg: -90},
}

// Transit is the in-flight destination of one body.
type Transit struct {
	Body            host.BodyID
	From, To        host.PartitionID
	Pose            geom.Pose
	Velocity        mgl64.Vec3
	AngularVelocity mgl64.Vec3
}

type Plan struct {
	SourceCenter mgl64.Vec3
	TargetCenter mgl64.Vec3
	Approach     geom.Direction
	Exit         geom.Direction
	DeltaDeg     float64
	Delta        mgl64.Quat
	Offset       float64
	Transit      Transit
}

type Calculator struct {
	Clearance float64
}

// Approach is the side of the source plane the body is on.
func Approach(src aperture.Aperture, bodyCenter mgl64.Vec3) geom.Direction {
	d := bodyCenter.Sub(src.Center())
	if src.Axis == geom.AxisZ {
		if mathx.Signum(d.X(), 0) > 0 {
			return geom.East
		}
		return geom.West
	}
	if mathx.Signum(d.Z(), 0) > 0 {
		return geom.South
	}
	return geom.North
}

// ExitFor returns the exit direction and yaw delta in degrees for a body
// approaching a srcAxis plane from approach and leaving through a dstAxis plane.
func ExitFor(srcAxis, dstAxis geom.Axis, approach geom.Direction) (geom.Direction, float64) {
	if srcAxis == dstAxis {
		return approach.Opposite(), 0
	}
	if r, ok := remapTable[remapKey{src: srcAxis, approach: approach}]; ok {
		return r.exit, r.deg
	}
	return approach.Opposite(), 0
}

// Plan is a pure function of measured geometry and the body's current state.
func (c Calculator) Plan(src, dst aperture.Aperture, b host.BodyState) Plan {
	approach := Approach(src, b.Center())
	exit, deg := ExitFor(src.Axis, dst.Axis, approach)
	delta := geom.YawRotation(deg)

	rot := b.Pose.Rotation
	if rot == (mgl64.Quat{}) {
		rot = mgl64.QuatIdent()
	}
	newRot := delta.Mul(rot).Normalize()

	ext := geom.Pose{Rotation: newRot}.WorldBox(b.Hull).Extent()
	span := ext.Z()
	if exit.Axis() == geom.AxisZ {
		span = ext.X()
	}
	offset := span/2 + math.Max(c.Clearance, proportionalClearance*span)

	center := dst.Center()
	pos := center.Add(exit.Vec().Mul(offset))

	return Plan{
		SourceCenter: src.Center(),
		TargetCenter: center,
		Approach:     approach,
		Exit:         exit,
		DeltaDeg:     deg,
		Delta:        delta,
		Offset:       offset,
		Transit: Transit{
			Body:            b.ID,
			From:            b.Partition,
			To:              dst.Partition,
			Pose:            geom.Pose{Position: pos, Rotation: newRot},
			Velocity:        delta.Rotate(b.Velocity),
			AngularVelocity: delta.Rotate(b.AngularVelocity),
		},
	}
}
