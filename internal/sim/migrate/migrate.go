// Package migrate moves a body, everything attached to it and everyone riding
// it into another partition.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"portalskies.ai/internal/sim/host"
	"portalskies.ai/internal/sim/portal/pose"
)

var ErrNothingToMove = errors.New("nothing to migrate")

type Phase uint8

const (
	PhaseCollect Phase = iota + 1
	PhaseCompute
	PhaseDetach
	PhaseRelocateBodies
	PhaseSettle
	PhaseRelocateEntities
	PhaseRemount
	PhaseClear
)

func (p Phase) String() string {
	switch p {
	case PhaseCollect:
		return "collect"
	case PhaseCompute:
		return "compute"
	case PhaseDetach:
		return "detach"
	case PhaseRelocateBodies:
		return "relocate_bodies"
	case PhaseSettle:
		return "settle"
	case PhaseRelocateEntities:
		return "relocate_entities"
	case PhaseRemount:
		return "remount"
	case PhaseClear:
		return "clear"
	default:
		return "unknown"
	}
}

type Config struct {
	CollectMargin          float64
	EntityLift             float64
	SettleDelay            time.Duration
	PlayerResyncCount      int
	PlayerResyncDelay      time.Duration
	FixtureSearchRadius    int
	ControlFixturePatterns []string
}

// MountRecord is captured before anything moves so remounting never touches
// the old vehicle instance.
type MountRecord struct {
	Passenger      host.EntityID
	Vehicle        host.EntityID
	VehicleFixture bool
	VehiclePos     mgl64.Vec3
	Offset         mgl64.Vec3
	YawOffset      float64
}

type Failure struct {
	Phase  Phase
	Body   host.BodyID
	Entity host.EntityID
	Err    error
}

func (f Failure) Error() string {
	switch {
	case f.Body != 0:
		return fmt.Sprintf("%s body %d: %v", f.Phase, f.Body, f.Err)
	case f.Entity != 0:
		return fmt.Sprintf("%s entity %d: %v", f.Phase, f.Entity, f.Err)
	default:
		return fmt.Sprintf("%s: %v", f.Phase, f.Err)
	}
}

type Report struct {
	ID        string
	From, To  host.PartitionID
	Bodies    []host.BodyID
	Entities  int
	Mounts    int
	Remounted int
	// Relocated maps every successfully moved entity to its new instance id.
	Relocated map[host.EntityID]host.EntityID
	Failures  []Failure
	Phases    []Phase
	Duration  time.Duration
}

type Orchestrator struct {
	Host   host.Host
	Config Config
	Log    zerolog.Logger
	// Sleep waits between phases. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type entityMove struct {
	state    host.EntityState
	dest     mgl64.Vec3
	yaw      float64
	velocity mgl64.Vec3
}

// attempt holds everything scoped to one migration. It is dropped at Clear.
type attempt struct {
	report   *Report
	log      zerolog.Logger
	from     host.Partition
	primary  host.BodyState
	plan     pose.Plan
	bodies   []host.BodyState
	entities []host.EntityState
	mounts   []MountRecord
	transits map[host.BodyID]pose.Transit
	moves    map[host.EntityID]entityMove
	idMap    map[host.EntityID]host.EntityID
}

// Migrate runs all phases for primary under a fresh attempt id.
func (o *Orchestrator) Migrate(ctx context.Context, from host.Partition, primary host.BodyState, plan pose.Plan) (Report, error) {
	return o.MigrateAttempt(ctx, ulid.Make().String(), from, primary, plan)
}

// MigrateAttempt runs all phases for primary, reporting under id. It can only
// be cancelled through ctx before bodies start moving; from then on it runs
// to completion.
func (o *Orchestrator) MigrateAttempt(ctx context.Context, id string, from host.Partition, primary host.BodyState, plan pose.Plan) (Report, error) {
	if id == "" {
		id = ulid.Make().String()
	}
	start := time.Now()
	rep := Report{
		ID:        id,
		From:      from.ID(),
		To:        plan.Transit.To,
		Relocated: map[host.EntityID]host.EntityID{},
	}
	a := &attempt{
		report:   &rep,
		log:      o.Log.With().Str("attempt", rep.ID).Int64("body", int64(primary.ID)).Logger(),
		from:     from,
		primary:  primary,
		plan:     plan,
		transits: map[host.BodyID]pose.Transit{},
		moves:    map[host.EntityID]entityMove{},
		idMap:    rep.Relocated,
	}

	a.enter(PhaseCollect)
	if err := o.collect(a); err != nil {
		return rep, err
	}
	if len(a.bodies) == 0 {
		return rep, ErrNothingToMove
	}
	a.enter(PhaseCompute)
	o.compute(a)
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	run := context.WithoutCancel(ctx)
	a.enter(PhaseDetach)
	o.detach(run, a)
	a.enter(PhaseRelocateBodies)
	o.relocateBodies(run, a)
	a.enter(PhaseSettle)
	o.settle(run, a)
	a.enter(PhaseRelocateEntities)
	o.relocateEntities(run, a)
	a.enter(PhaseRemount)
	o.remount(run, a)
	a.enter(PhaseClear)

	rep.Entities = len(a.entities)
	rep.Mounts = len(a.mounts)
	rep.Duration = time.Since(start)
	a.log.Info().
		Int("bodies", len(rep.Bodies)).
		Int("entities", rep.Entities).
		Int("remounted", rep.Remounted).
		Int("failures", len(rep.Failures)).
		Dur("took", rep.Duration).
		Msg("migration complete")
	return rep, nil
}

func (a *attempt) enter(p Phase) {
	a.report.Phases = append(a.report.Phases, p)
	a.log.Debug().Str("phase", p.String()).Msg("migration phase")
}

func (a *attempt) fail(f Failure) {
	a.report.Failures = append(a.report.Failures, f)
	a.log.Warn().Err(f.Err).Str("phase", f.Phase.String()).
		Int64("failed_body", int64(f.Body)).Int64("entity", int64(f.Entity)).
		Msg("migration step failed")
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	if o.Sleep != nil {
		_ = o.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
