package migrate

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
)

// collect gathers linked and nearby bodies, then eligible entities around
// them, and captures mount records before anything is detached.
func (o *Orchestrator) collect(a *attempt) error {
	margin := o.Config.CollectMargin
	all, err := a.from.Bodies()
	if err != nil {
		return fmt.Errorf("collect bodies: %w", err)
	}

	visited := map[host.BodyID]bool{a.primary.ID: true}
	queue := []host.BodyState{a.primary}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		a.bodies = append(a.bodies, cur)
		a.report.Bodies = append(a.report.Bodies, cur.ID)

		linked, err := a.from.LinkedBodies(cur.ID)
		if err != nil {
			a.log.Debug().Err(err).Int64("of", int64(cur.ID)).Msg("linked bodies unreadable")
		}
		for _, id := range linked {
			if visited[id] {
				continue
			}
			b, err := a.from.Body(id)
			if err != nil {
				continue
			}
			visited[id] = true
			queue = append(queue, b)
		}
		box := cur.WorldBox().Expand(margin)
		for _, b := range all {
			if visited[b.ID] || !box.Intersects(b.WorldBox()) {
				continue
			}
			visited[b.ID] = true
			queue = append(queue, b)
		}
	}

	seen := map[host.EntityID]bool{}
	var add func(e host.EntityState)
	add = func(e host.EntityState) {
		if seen[e.ID] {
			return
		}
		seen[e.ID] = true
		if !eligible(e) {
			return
		}
		a.entities = append(a.entities, e)
		// Riders and vehicles travel together even when outside the box.
		for _, pid := range e.Passengers {
			if seen[pid] {
				continue
			}
			if pe, err := a.from.Entity(pid); err == nil {
				add(pe)
			}
		}
		if e.Vehicle != 0 && !seen[e.Vehicle] {
			if ve, err := a.from.Entity(e.Vehicle); err == nil {
				add(ve)
			}
		}
	}
	for _, b := range a.bodies {
		ents, err := a.from.EntitiesIn(b.WorldBox().Expand(margin))
		if err != nil {
			a.log.Debug().Err(err).Int64("of", int64(b.ID)).Msg("entities unreadable")
			continue
		}
		for _, e := range ents {
			add(e)
		}
	}

	byID := make(map[host.EntityID]host.EntityState, len(a.entities))
	for _, e := range a.entities {
		byID[e.ID] = e
	}
	for _, e := range a.entities {
		if e.Vehicle == 0 {
			continue
		}
		v, ok := byID[e.Vehicle]
		if !ok {
			var err error
			if v, err = a.from.Entity(e.Vehicle); err != nil {
				continue
			}
		}
		a.mounts = append(a.mounts, MountRecord{
			Passenger:      e.ID,
			Vehicle:        v.ID,
			VehicleFixture: v.Tags.Has(host.TagControlFixture),
			VehiclePos:     v.Position,
			Offset:         e.Position.Sub(v.Position),
			YawOffset:      e.Yaw - v.Yaw,
		})
	}
	return nil
}

func eligible(e host.EntityState) bool {
	return e.Alive || e.Tags.Has(host.TagAlwaysRelocate)
}

// compute places every collected body and entity relative to the primary.
func (o *Orchestrator) compute(a *attempt) {
	origin := a.primary.Pose.Position
	dest := a.plan.Transit.Pose.Position
	q := a.plan.Delta
	if q == (mgl64.Quat{}) {
		q = mgl64.QuatIdent()
	}
	place := func(p mgl64.Vec3) mgl64.Vec3 { return dest.Add(q.Rotate(p.Sub(origin))) }

	for _, b := range a.bodies {
		if b.ID == a.primary.ID {
			a.transits[b.ID] = a.plan.Transit
			continue
		}
		rot := b.Pose.Rotation
		if rot == (mgl64.Quat{}) {
			rot = mgl64.QuatIdent()
		}
		t := a.plan.Transit
		t.Body = b.ID
		t.Pose = geom.Pose{Position: place(b.Pose.Position), Rotation: q.Mul(rot).Normalize()}
		t.Velocity = q.Rotate(b.Velocity)
		t.AngularVelocity = q.Rotate(b.AngularVelocity)
		a.transits[b.ID] = t
	}
	for _, e := range a.entities {
		m := entityMove{
			state:    e,
			dest:     place(e.Position),
			yaw:      geom.RotateHeading(e.Yaw, q),
			velocity: q.Rotate(e.Velocity),
		}
		if e.Tags.Has(host.TagPlayer) || e.Tags.Has(host.TagRideable) || len(e.Passengers) > 0 {
			m.dest = m.dest.Add(geom.Up.Mul(o.Config.EntityLift))
		}
		a.moves[e.ID] = m
	}
}
