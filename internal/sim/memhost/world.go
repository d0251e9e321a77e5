// Package memhost is an in-memory host used by tests and the demo server.
package memhost

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
)

// Faults lets tests make individual host calls fail.
type Faults struct {
	ApplyBody func(id host.BodyID) error
	Recreate  func(id host.EntityID) error
	Ride      func(passenger, vehicle host.EntityID) error
	Interact  func(passenger host.EntityID, hand host.Hand) error
}

type World struct {
	mu sync.Mutex

	palette    *Palette
	partitions map[host.PartitionID]*Partition
	bodies     map[host.BodyID]*host.BodyState
	links      map[host.BodyID][]host.BodyID
	entities   map[host.EntityID]*host.EntityState
	nextEntity host.EntityID

	Faults   Faults
	calls    []string
	messages []string
}

func New() *World {
	return &World{
		palette:    newPalette(),
		partitions: map[host.PartitionID]*Partition{},
		bodies:     map[host.BodyID]*host.BodyState{},
		links:      map[host.BodyID][]host.BodyID{},
		entities:   map[host.EntityID]*host.EntityState{},
		nextEntity: 1000,
	}
}

// AddPartition registers an empty (all air) partition.
func (w *World) AddPartition(id host.PartitionID, minY, maxY int) *Partition {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := &Partition{
		w:        w,
		id:       id,
		minY:     minY,
		maxY:     maxY,
		chunks:   map[ChunkKey]*Chunk{},
		unloaded: map[ChunkKey]bool{},
	}
	w.partitions[id] = p
	return p
}

func (w *World) Partition(id host.PartitionID) (host.Partition, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.partitions[id]
	if !ok {
		return nil, false
	}
	return p, true
}

// P returns the concrete partition for setup code.
func (w *World) P(id host.PartitionID) *Partition {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.partitions[id]
}

func (w *World) AddBody(b host.BodyState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b.Pose.Rotation == (mgl64.Quat{}) {
		b.Pose.Rotation = mgl64.QuatIdent()
	}
	cp := b
	w.bodies[b.ID] = &cp
}

// Link attaches two bodies to each other.
func (w *World) Link(a, b host.BodyID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.links[a] = append(w.links[a], b)
	w.links[b] = append(w.links[b], a)
}

func (w *World) BodyState(id host.BodyID) (host.BodyState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[id]
	if !ok {
		return host.BodyState{}, false
	}
	return *b, true
}

// AddEntity stores e. A zero ID is assigned automatically.
func (w *World) AddEntity(e host.EntityState) host.EntityID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e.ID == 0 {
		w.nextEntity++
		e.ID = w.nextEntity
	}
	cp := e
	cp.Passengers = append([]host.EntityID(nil), e.Passengers...)
	w.entities[e.ID] = &cp
	return e.ID
}

func (w *World) EntityState(id host.EntityID) (host.EntityState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[id]
	if !ok {
		return host.EntityState{}, false
	}
	return cloneEntity(e), true
}

// Mount seats passenger on vehicle without going through Ride faults.
func (w *World) Mount(passenger, vehicle host.EntityID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attachLocked(passenger, vehicle)
}

// Calls returns the mutation log in call order.
func (w *World) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func (w *World) Messages() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.messages...)
}

func (w *World) Message(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, text)
}

func (w *World) record(format string, args ...any) {
	w.calls = append(w.calls, fmt.Sprintf(format, args...))
}

func (w *World) ApplyBodyPose(_ context.Context, id host.BodyID, to host.PartitionID, pose geom.Pose, vel, angVel mgl64.Vec3) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f := w.Faults.ApplyBody; f != nil {
		if err := f(id); err != nil {
			return err
		}
	}
	b, ok := w.bodies[id]
	if !ok {
		return fmt.Errorf("body %d: %w", id, host.ErrUnknownBody)
	}
	if _, ok := w.partitions[to]; !ok {
		return fmt.Errorf("partition %s not found", to)
	}
	b.Partition = to
	b.Pose = pose
	b.Velocity = vel
	b.AngularVelocity = angVel
	w.record("apply_body %d %s", id, to)
	return nil
}

func (w *World) AwaitSettled(_ context.Context, ids []host.BodyID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record("settle %d", len(ids))
	return nil
}

func (w *World) RecreateEntity(_ context.Context, id host.EntityID, to host.PartitionID, pos mgl64.Vec3, yaw float64) (host.EntityID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f := w.Faults.Recreate; f != nil {
		if err := f(id); err != nil {
			return 0, err
		}
	}
	old, ok := w.entities[id]
	if !ok {
		return 0, fmt.Errorf("entity %d: %w", id, host.ErrUnknownEntity)
	}
	if _, ok := w.partitions[to]; !ok {
		return 0, fmt.Errorf("partition %s not found", to)
	}
	w.nextEntity++
	ne := cloneEntity(old)
	ne.ID = w.nextEntity
	ne.Partition = to
	ne.Position = pos
	ne.Yaw = yaw
	ne.Velocity = mgl64.Vec3{}
	ne.Vehicle = 0
	ne.Passengers = nil
	w.entities[ne.ID] = &ne
	w.removeLocked(id)
	w.record("recreate %d->%d %s", id, ne.ID, to)
	return ne.ID, nil
}

func (w *World) RelocatePlayer(_ context.Context, id host.EntityID, to host.PartitionID, pos mgl64.Vec3, yaw float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[id]
	if !ok {
		return fmt.Errorf("entity %d: %w", id, host.ErrUnknownEntity)
	}
	if _, ok := w.partitions[to]; !ok {
		return fmt.Errorf("partition %s not found", to)
	}
	w.detachLocked(id)
	e.Partition = to
	e.Position = pos
	e.Yaw = yaw
	e.Velocity = mgl64.Vec3{}
	w.record("relocate_player %d %s", id, to)
	return nil
}

func (w *World) RemoveEntity(_ context.Context, id host.EntityID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entities[id]; !ok {
		return fmt.Errorf("entity %d: %w", id, host.ErrUnknownEntity)
	}
	w.removeLocked(id)
	w.record("remove %d", id)
	return nil
}

func (w *World) Dismount(_ context.Context, id host.EntityID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entities[id]; !ok {
		return fmt.Errorf("entity %d: %w", id, host.ErrUnknownEntity)
	}
	w.detachLocked(id)
	w.record("dismount %d", id)
	return nil
}

func (w *World) Ride(_ context.Context, passenger, vehicle host.EntityID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f := w.Faults.Ride; f != nil {
		if err := f(passenger, vehicle); err != nil {
			return err
		}
	}
	p, ok := w.entities[passenger]
	if !ok {
		return fmt.Errorf("passenger %d: %w", passenger, host.ErrUnknownEntity)
	}
	v, ok := w.entities[vehicle]
	if !ok {
		return fmt.Errorf("vehicle %d: %w", vehicle, host.ErrUnknownEntity)
	}
	if passenger == vehicle || p.Partition != v.Partition {
		return fmt.Errorf("cannot ride %d on %d", passenger, vehicle)
	}
	w.attachLocked(passenger, vehicle)
	w.record("ride %d %d", passenger, vehicle)
	return nil
}

// Interact with a control fixture cell spawns a seat on it and mounts the passenger.
func (w *World) Interact(_ context.Context, passenger host.EntityID, pid host.PartitionID, cell geom.Vec3i, hand host.Hand) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f := w.Faults.Interact; f != nil {
		if err := f(passenger, hand); err != nil {
			return err
		}
	}
	p, ok := w.partitions[pid]
	if !ok {
		return fmt.Errorf("partition %s not found", pid)
	}
	if _, ok := w.entities[passenger]; !ok {
		return fmt.Errorf("passenger %d: %w", passenger, host.ErrUnknownEntity)
	}
	st, err := p.cellLocked(cell)
	if err != nil {
		return err
	}
	if st.Category != "control" {
		return fmt.Errorf("cell %v (%s) is not interactable", cell, st.Name)
	}
	w.nextEntity++
	seat := host.EntityState{
		ID:        w.nextEntity,
		Partition: pid,
		Kind:      "seat",
		Tags:      host.TagControlFixture,
		Alive:     true,
		Position:  cell.Center(),
	}
	w.entities[seat.ID] = &seat
	w.attachLocked(passenger, seat.ID)
	w.record("interact %d %s %v", passenger, handName(hand), cell)
	return nil
}

func handName(h host.Hand) string {
	if h == host.OffHand {
		return "off"
	}
	return "main"
}

func (w *World) attachLocked(passenger, vehicle host.EntityID) {
	w.detachLocked(passenger)
	p, v := w.entities[passenger], w.entities[vehicle]
	if p == nil || v == nil {
		return
	}
	p.Vehicle = vehicle
	v.Passengers = append(v.Passengers, passenger)
}

func (w *World) detachLocked(passenger host.EntityID) {
	p := w.entities[passenger]
	if p == nil || p.Vehicle == 0 {
		return
	}
	if v := w.entities[p.Vehicle]; v != nil {
		out := v.Passengers[:0]
		for _, id := range v.Passengers {
			if id != passenger {
				out = append(out, id)
			}
		}
		v.Passengers = out
	}
	p.Vehicle = 0
}

func (w *World) removeLocked(id host.EntityID) {
	e := w.entities[id]
	if e == nil {
		return
	}
	w.detachLocked(id)
	for _, pid := range append([]host.EntityID(nil), e.Passengers...) {
		w.detachLocked(pid)
	}
	delete(w.entities, id)
}

func cloneEntity(e *host.EntityState) host.EntityState {
	cp := *e
	cp.Passengers = append([]host.EntityID(nil), e.Passengers...)
	return cp
}

// Summary describes what a partition currently holds, for logs.
func (w *World) Summary(id host.PartitionID) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var bodies, ents []string
	for _, b := range w.bodies {
		if b.Partition == id {
			bodies = append(bodies, fmt.Sprintf("%d", b.ID))
		}
	}
	for _, e := range w.entities {
		if e.Partition == id {
			ents = append(ents, fmt.Sprintf("%s#%d", e.Kind, e.ID))
		}
	}
	sort.Strings(bodies)
	sort.Strings(ents)
	return fmt.Sprintf("bodies=[%s] entities=[%s]", strings.Join(bodies, ","), strings.Join(ents, ","))
}

// Step advances every body by its velocity (cells per tick) and carries the
// entities standing inside its box along with it.
func (w *World) Step() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range w.bodies {
		if b.Velocity.Len() == 0 {
			continue
		}
		box := b.WorldBox().Expand(0.5)
		for _, e := range w.entities {
			if e.Partition == b.Partition && box.Contains(e.Position) {
				e.Position = e.Position.Add(b.Velocity)
			}
		}
		b.Pose.Position = b.Pose.Position.Add(b.Velocity)
	}
}
