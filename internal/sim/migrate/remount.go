package migrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-gl/mathgl/mgl64"

	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
)

var errNoFixture = errors.New("no control fixture nearby")

// remount restores captured riding relationships through the id map.
// Every strategy is best-effort; a failed passenger stays dismounted.
func (o *Orchestrator) remount(ctx context.Context, a *attempt) {
	for _, m := range a.mounts {
		np, ok := a.idMap[m.Passenger]
		if !ok {
			a.fail(Failure{Phase: PhaseRemount, Entity: m.Passenger, Err: fmt.Errorf("passenger was not relocated")})
			continue
		}
		mountPos := o.mappedMountPos(a, m)

		if m.VehicleFixture {
			if err := o.interactNearest(ctx, a, np, mountPos); err != nil {
				a.fail(Failure{Phase: PhaseRemount, Entity: m.Passenger, Err: err})
				continue
			}
			a.report.Remounted++
			continue
		}

		var rideErr error
		if nv, ok := a.idMap[m.Vehicle]; ok {
			rideErr = o.Host.Ride(ctx, np, nv)
		} else {
			rideErr = fmt.Errorf("vehicle %d was not relocated", m.Vehicle)
		}
		if rideErr == nil {
			a.report.Remounted++
			continue
		}
		a.log.Debug().Err(rideErr).Int64("passenger", int64(np)).Msg("ride failed; trying control fixture")
		if err := o.interactNearest(ctx, a, np, mountPos); err != nil {
			a.fail(Failure{Phase: PhaseRemount, Entity: m.Passenger, Err: errors.Join(rideErr, err)})
			continue
		}
		a.report.Remounted++
	}
}

// mappedMountPos is where the vehicle ended up in the target partition.
func (o *Orchestrator) mappedMountPos(a *attempt, m MountRecord) mgl64.Vec3 {
	if mv, ok := a.moves[m.Vehicle]; ok {
		return mv.dest
	}
	if pm, ok := a.moves[m.Passenger]; ok {
		return pm.dest.Sub(a.plan.Delta.Rotate(m.Offset))
	}
	return a.plan.Transit.Pose.Position
}

// interactNearest scans around pos for a control fixture and interacts with
// it, main hand first, until one interaction succeeds.
func (o *Orchestrator) interactNearest(ctx context.Context, a *attempt, passenger host.EntityID, pos mgl64.Vec3) error {
	to := a.plan.Transit.To
	p, ok := o.Host.Partition(to)
	if !ok {
		return fmt.Errorf("partition %s unavailable", to)
	}
	cells := o.fixtureCells(p, geom.CellOf(pos))
	if len(cells) == 0 {
		return errNoFixture
	}
	var errs []error
	for _, c := range cells {
		for _, hand := range []host.Hand{host.MainHand, host.OffHand} {
			err := o.Host.Interact(ctx, passenger, to, c, hand)
			if err == nil {
				return nil
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) fixtureCells(p host.Partition, center geom.Vec3i) []geom.Vec3i {
	r := o.Config.FixtureSearchRadius
	minY, maxY := p.HeightRange()
	var out []geom.Vec3i
	for x := center.X - r; x <= center.X+r; x++ {
		for y := max(center.Y-r, minY); y <= min(center.Y+r, maxY); y++ {
			for z := center.Z - r; z <= center.Z+r; z++ {
				c := geom.Vec3i{X: x, Y: y, Z: z}
				st, err := p.Cell(c)
				if err != nil || !o.isControlFixture(st) {
					continue
				}
				out = append(out, c)
			}
		}
	}
	d := func(c geom.Vec3i) float64 { return c.Center().Sub(center.Center()).Len() }
	sort.SliceStable(out, func(i, j int) bool { return d(out[i]) < d(out[j]) })
	return out
}

func (o *Orchestrator) isControlFixture(st host.CellState) bool {
	name := strings.ToLower(st.Name)
	for _, pat := range o.Config.ControlFixturePatterns {
		if pat != "" && strings.Contains(name, pat) {
			return true
		}
	}
	return false
}
