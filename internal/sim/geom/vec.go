package geom

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"portalskies.ai/internal/sim/logic/mathx"
)

// Vec3i addresses a single cell of a partition.
type Vec3i struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (v Vec3i) Add(o Vec3i) Vec3i { return Vec3i{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }
func (v Vec3i) Sub(o Vec3i) Vec3i { return Vec3i{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z} }

// Vec returns the minimum corner of the cell.
func (v Vec3i) Vec() mgl64.Vec3 { return mgl64.Vec3{float64(v.X), float64(v.Y), float64(v.Z)} }

// Center returns the middle of the cell.
func (v Vec3i) Center() mgl64.Vec3 {
	return mgl64.Vec3{float64(v.X) + 0.5, float64(v.Y) + 0.5, float64(v.Z) + 0.5}
}

func (v Vec3i) String() string { return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z) }

// CellOf returns the cell containing p.
func CellOf(p mgl64.Vec3) Vec3i {
	return Vec3i{X: mathx.FloorInt(p.X()), Y: mathx.FloorInt(p.Y()), Z: mathx.FloorInt(p.Z())}
}

var Up = mgl64.Vec3{0, 1, 0}

// YawRotation rotates about the vertical axis. Positive degrees turn +X toward -Z.
func YawRotation(deg float64) mgl64.Quat {
	if deg == 0 {
		return mgl64.QuatIdent()
	}
	return mgl64.QuatRotate(mgl64.DegToRad(deg), Up)
}

// RotateHeading applies q to an entity heading expressed in degrees,
// where a heading of 0 faces +Z and 90 faces -X.
func RotateHeading(headingDeg float64, q mgl64.Quat) float64 {
	r := mgl64.DegToRad(headingDeg)
	fwd := mgl64.Vec3{-math.Sin(r), 0, math.Cos(r)}
	out := q.Rotate(fwd)
	return normalizeDeg(mgl64.RadToDeg(math.Atan2(-out.X(), out.Z())))
}

func normalizeDeg(d float64) float64 {
	for d <= -180 {
		d += 360
	}
	for d > 180 {
		d -= 360
	}
	return d
}
