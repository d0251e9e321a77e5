package geom

import "github.com/go-gl/mathgl/mgl64"

// Axis is the horizontal axis an aperture plane extends along.
// An AxisX aperture spans X and Y and is crossed along Z.
type Axis uint8

const (
	AxisNone Axis = iota
	AxisX
	AxisZ
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisZ:
		return "z"
	default:
		return "none"
	}
}

func ParseAxis(s string) Axis {
	switch s {
	case "x", "X":
		return AxisX
	case "z", "Z":
		return AxisZ
	default:
		return AxisNone
	}
}

// Along is the unit step within the plane.
func (a Axis) Along() Vec3i {
	if a == AxisZ {
		return Vec3i{Z: 1}
	}
	return Vec3i{X: 1}
}

// Normal is the unit vector a body crosses the plane along.
func (a Axis) Normal() mgl64.Vec3 {
	if a == AxisZ {
		return mgl64.Vec3{1, 0, 0}
	}
	return mgl64.Vec3{0, 0, 1}
}

// Other returns the perpendicular horizontal axis.
func (a Axis) Other() Axis {
	if a == AxisX {
		return AxisZ
	}
	return AxisX
}

// Direction is a horizontal compass direction. North is -Z, East is +X.
type Direction uint8

const (
	DirNone Direction = iota
	North
	South
	East
	West
)

func (d Direction) String() string {
	switch d {
	case North:
		return "north"
	case South:
		return "south"
	case East:
		return "east"
	case West:
		return "west"
	default:
		return "none"
	}
}

func (d Direction) Opposite() Direction {
	switch d {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	case West:
		return East
	default:
		return DirNone
	}
}

func (d Direction) Vec() mgl64.Vec3 {
	switch d {
	case North:
		return mgl64.Vec3{0, 0, -1}
	case South:
		return mgl64.Vec3{0, 0, 1}
	case East:
		return mgl64.Vec3{1, 0, 0}
	case West:
		return mgl64.Vec3{-1, 0, 0}
	default:
		return mgl64.Vec3{}
	}
}

// Axis reports which aperture orientation a body moving along d crosses.
func (d Direction) Axis() Axis {
	switch d {
	case North, South:
		return AxisX
	case East, West:
		return AxisZ
	default:
		return AxisNone
	}
}
