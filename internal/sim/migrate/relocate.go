package migrate

import (
	"context"

	"portalskies.ai/internal/sim/host"
)

// detach unmounts passengers of pure mounting fixtures; fixtures stay behind.
func (o *Orchestrator) detach(ctx context.Context, a *attempt) {
	for _, m := range a.mounts {
		if !m.VehicleFixture {
			continue
		}
		if err := o.Host.Dismount(ctx, m.Passenger); err != nil {
			a.fail(Failure{Phase: PhaseDetach, Entity: m.Passenger, Err: err})
		}
	}
}

func (o *Orchestrator) relocateBodies(ctx context.Context, a *attempt) {
	for _, b := range a.bodies {
		t := a.transits[b.ID]
		if err := o.Host.ApplyBodyPose(ctx, b.ID, t.To, t.Pose, t.Velocity, t.AngularVelocity); err != nil {
			a.fail(Failure{Phase: PhaseRelocateBodies, Body: b.ID, Err: err})
		}
	}
}

// settle waits for the host to apply body poses before entities follow.
func (o *Orchestrator) settle(ctx context.Context, a *attempt) {
	if s, ok := o.Host.(host.Settler); ok {
		ids := make([]host.BodyID, 0, len(a.bodies))
		for _, b := range a.bodies {
			ids = append(ids, b.ID)
		}
		err := s.AwaitSettled(ctx, ids)
		if err == nil {
			return
		}
		a.log.Debug().Err(err).Msg("settle acknowledgement failed; waiting instead")
	}
	o.wait(ctx, o.Config.SettleDelay)
}

// relocateEntities recreates non-player entities first so vehicles exist in
// the target before their riders arrive, then moves players in place.
func (o *Orchestrator) relocateEntities(ctx context.Context, a *attempt) {
	to := a.plan.Transit.To
	var players []host.EntityState
	for _, e := range a.entities {
		switch {
		case e.Tags.Has(host.TagControlFixture):
			if err := o.Host.RemoveEntity(ctx, e.ID); err != nil {
				a.fail(Failure{Phase: PhaseRelocateEntities, Entity: e.ID, Err: err})
			}
		case e.Tags.Has(host.TagPlayer):
			players = append(players, e)
		default:
			m := a.moves[e.ID]
			nid, err := o.Host.RecreateEntity(ctx, e.ID, to, m.dest, m.yaw)
			if err != nil {
				a.fail(Failure{Phase: PhaseRelocateEntities, Entity: e.ID, Err: err})
				continue
			}
			a.idMap[e.ID] = nid
		}
	}

	count := o.Config.PlayerResyncCount
	if count < 1 {
		count = 1
	}
	for _, e := range players {
		m := a.moves[e.ID]
		var lastErr error
		ok := false
		// Repeated relocation works around clients that miss the first update.
		for i := 0; i < count; i++ {
			if i > 0 {
				o.wait(ctx, o.Config.PlayerResyncDelay)
			}
			if err := o.Host.RelocatePlayer(ctx, e.ID, to, m.dest, m.yaw); err != nil {
				lastErr = err
				continue
			}
			ok = true
		}
		if !ok {
			a.fail(Failure{Phase: PhaseRelocateEntities, Entity: e.ID, Err: lastErr})
			continue
		}
		a.idMap[e.ID] = e.ID
	}
}
