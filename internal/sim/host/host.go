// Package host declares what the embedding simulation must provide: cell reads,
// body and entity registries, relocation calls and a status sink.
package host

import (
	"context"
	"errors"

	"github.com/go-gl/mathgl/mgl64"

	"portalskies.ai/internal/sim/geom"
)

type PartitionID string

type BodyID int64

type EntityID int64

var (
	ErrUnloaded      = errors.New("region not loaded")
	ErrUnknownBody   = errors.New("unknown body")
	ErrUnknownEntity = errors.New("unknown entity")
)

// CellState is the material at one cell. Category groups materials for
// collision filtering ("leaves", "fence", "pane", ...).
type CellState struct {
	Name     string    `json:"name"`
	Category string    `json:"category,omitempty"`
	Air      bool      `json:"air,omitempty"`
	Solid    bool      `json:"solid,omitempty"`
	Aperture bool      `json:"aperture,omitempty"`
	Axis     geom.Axis `json:"axis,omitempty"`
}

// IsAperture reports whether the cell is transit material with a usable axis.
func (c CellState) IsAperture() bool { return c.Aperture && c.Axis != geom.AxisNone }

type BodyState struct {
	ID              BodyID
	Partition       PartitionID
	Hull            geom.Hull
	Pose            geom.Pose
	Velocity        mgl64.Vec3
	AngularVelocity mgl64.Vec3
}

func (b BodyState) WorldBox() geom.AABB { return b.Pose.WorldBox(b.Hull) }

// Center is the world position of the hull center.
func (b BodyState) Center() mgl64.Vec3 { return b.Pose.Position }

func (b BodyState) Speed() float64 { return b.Velocity.Len() }

// Tag is a capability flag supplied by the host adapter for an entity.
type Tag uint8

const (
	TagRideable Tag = 1 << iota
	TagAlwaysRelocate
	TagControlFixture
	TagPlayer
)

func (t Tag) Has(f Tag) bool { return t&f != 0 }

type EntityState struct {
	ID         EntityID
	Partition  PartitionID
	Kind       string
	Tags       Tag
	Alive      bool
	Position   mgl64.Vec3
	Velocity   mgl64.Vec3
	Yaw        float64
	Vehicle    EntityID
	Passengers []EntityID
}

// Partition is a read view of one voxel space.
type Partition interface {
	ID() PartitionID
	// HeightRange returns the inclusive range of addressable cell Y values.
	HeightRange() (minY, maxY int)
	Cell(pos geom.Vec3i) (CellState, error)
	Bodies() ([]BodyState, error)
	Body(id BodyID) (BodyState, error)
	// LinkedBodies returns bodies rigidly attached to id.
	LinkedBodies(id BodyID) ([]BodyID, error)
	EntitiesIn(box geom.AABB) ([]EntityState, error)
	Entity(id EntityID) (EntityState, error)
}

type Hand uint8

const (
	MainHand Hand = iota
	OffHand
)

// Host mutates the world on behalf of a migration. Every call blocks until the
// host has accepted the request.
type Host interface {
	Partition(id PartitionID) (Partition, bool)
	ApplyBodyPose(ctx context.Context, id BodyID, to PartitionID, pose geom.Pose, vel, angVel mgl64.Vec3) error
	// RecreateEntity copies id into the target partition with motion cleared
	// and removes the original. It returns the new instance id.
	RecreateEntity(ctx context.Context, id EntityID, to PartitionID, pos mgl64.Vec3, yaw float64) (EntityID, error)
	// RelocatePlayer moves a player-controlled entity across partitions in place.
	RelocatePlayer(ctx context.Context, id EntityID, to PartitionID, pos mgl64.Vec3, yaw float64) error
	RemoveEntity(ctx context.Context, id EntityID) error
	Dismount(ctx context.Context, id EntityID) error
	Ride(ctx context.Context, passenger, vehicle EntityID) error
	Interact(ctx context.Context, passenger EntityID, partition PartitionID, cell geom.Vec3i, hand Hand) error
}

// Settler is implemented by hosts that can acknowledge when previously
// applied body poses have taken effect.
type Settler interface {
	AwaitSettled(ctx context.Context, ids []BodyID) error
}

// Messenger receives human-facing status lines.
type Messenger interface {
	Message(text string)
}
