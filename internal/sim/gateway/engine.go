// Package gateway drives detection and migration once per host tick.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"portalskies.ai/internal/protocol"
	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
	"portalskies.ai/internal/sim/migrate"
	"portalskies.ai/internal/sim/portal/aperture"
	"portalskies.ai/internal/sim/portal/detect"
	"portalskies.ai/internal/sim/portal/locator"
	"portalskies.ai/internal/sim/portal/pose"
	"portalskies.ai/internal/sim/portal/safety"
	"portalskies.ai/internal/sim/portal/sampler"
	"portalskies.ai/internal/sim/routing"
	"portalskies.ai/internal/sim/tuning"
)

var ErrNoRoute = errors.New("no route from partition")

// Sink receives one event per attempt.
type Sink interface {
	Transit(ev protocol.TransitEvent)
}

// StatusSink additionally receives a snapshot after every check cycle.
type StatusSink interface {
	Status(msg protocol.StatusMsg)
}

type Options struct {
	Host   host.Host
	Tuning tuning.Tuning
	Routes routing.Config
	Log    zerolog.Logger
	Sinks  []Sink

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Engine struct {
	host   host.Host
	tune   tuning.Tuning
	routes routing.Config
	log    zerolog.Logger
	sinks  []Sink
	now    func() time.Time

	detector detect.Detector
	locator  locator.Locator
	poses    pose.Calculator
	safety   safety.Checker
	mig      *migrate.Orchestrator
}

func New(opts Options) (*Engine, error) {
	if opts.Host == nil {
		return nil, fmt.Errorf("nil host")
	}
	tune := opts.Tuning
	tune.Normalize()
	if err := tune.Validate(); err != nil {
		return nil, err
	}
	routes := opts.Routes
	routes.Normalize()
	if err := routes.Validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	l := opts.Log
	e := &Engine{
		host:   opts.Host,
		tune:   tune,
		routes: routes,
		log:    l,
		sinks:  opts.Sinks,
		now:    now,
		detector: detect.Detector{
			Sampling: sampler.Config{
				SamplesPerFace:   tune.Sampling.SamplesPerFace,
				FaceSkipInterval: tune.Sampling.FaceSkipInterval,
				AlwaysFrontBack:  tune.Sampling.AlwaysCheckFrontBack,
			},
			Threshold: tune.CoverageThreshold,
			Log:       l.With().Str("component", "detect").Logger(),
		},
		locator: locator.Locator{
			Radius:         tune.SearchRadius,
			VerticalStride: tune.VerticalStride,
			Log:            l.With().Str("component", "locator").Logger(),
		},
		poses: pose.Calculator{Clearance: tune.ExitClearance},
		safety: safety.Checker{
			NonBlocking: tune.NonBlockingCategories,
			Log:         l.With().Str("component", "safety").Logger(),
		},
		mig: &migrate.Orchestrator{
			Host: opts.Host,
			Config: migrate.Config{
				CollectMargin:          tune.Migration.CollectMargin,
				EntityLift:             tune.Migration.EntityLift,
				SettleDelay:            tune.SettleDelay(),
				PlayerResyncCount:      tune.Migration.PlayerResyncCount,
				PlayerResyncDelay:      tune.PlayerResyncDelay(),
				FixtureSearchRadius:    tune.Migration.FixtureSearchRadius,
				ControlFixturePatterns: tune.Migration.ControlFixturePatterns,
			},
			Log:   l.With().Str("component", "migrate").Logger(),
			Sleep: opts.Sleep,
		},
	}
	return e, nil
}

// TickResult summarises one call to Tick.
type TickResult struct {
	Checked bool
	Scanned int
	Events  []protocol.TransitEvent
}

// Tick advances st by one host tick. Real work happens every
// check_interval_ticks; each such cycle decays cooldowns by the interval.
func (e *Engine) Tick(ctx context.Context, st *State) TickResult {
	st.Tick++
	var res TickResult
	interval := e.tune.CheckIntervalTicks
	if st.Tick%uint64(interval) != 0 {
		return res
	}
	res.Checked = true
	st.decay(interval)

	now := e.now()
	if every := e.tune.CacheClearInterval(); every > 0 && now.Sub(st.LastCacheClear) >= every {
		if n := st.Cache.Len(); n > 0 {
			e.log.Debug().Int("entries", n).Msg("location cache cleared")
		}
		st.Cache.Clear()
		st.LastCacheClear = now
	}

	moved := map[host.BodyID]bool{}
	for _, pid := range e.routes.SourcePartitions() {
		if ctx.Err() != nil {
			break
		}
		p, ok := e.host.Partition(pid)
		if !ok {
			continue
		}
		bodies, err := p.Bodies()
		if err != nil {
			e.log.Debug().Err(err).Str("partition", string(pid)).Msg("list bodies")
			continue
		}
		for _, b := range bodies {
			if moved[b.ID] || st.Cooldowns[b.ID] > 0 {
				continue
			}
			if b.Speed() < e.tune.MinMovement {
				continue
			}
			res.Scanned++
			ev, ok := e.process(ctx, st, p, b)
			if !ok {
				continue
			}
			for _, id := range ev.Bodies {
				moved[host.BodyID(id)] = true
			}
			res.Events = append(res.Events, ev)
			e.emit(ev)
		}
	}
	e.publishStatus(st)
	return res
}

// process runs one attempt for b. ok is false when b is not in an aperture.
func (e *Engine) process(ctx context.Context, st *State, p host.Partition, b host.BodyState) (protocol.TransitEvent, bool) {
	log := e.log.With().Int64("body", int64(b.ID)).Str("partition", string(p.ID())).Logger()

	hit, err := e.detector.Detect(p, b)
	if err != nil {
		return protocol.TransitEvent{}, false
	}
	log.Debug().Float64("coverage", hit.Coverage).Str("seed", hit.Seed.String()).Msg("body detected in aperture")

	route, ok := e.routes.Route(p.ID())
	if !ok {
		return e.cancel(st, b, p.ID(), "", protocol.ErrNoRoute, ErrNoRoute.Error()), true
	}
	to := host.PartitionID(route.To)
	ev := e.newEvent(st, b, p.ID(), to)
	ev.Coverage = hit.Coverage

	src, err := aperture.Measure(p, hit.Seed)
	if err != nil {
		log.Debug().Err(err).Msg("source aperture unreadable")
		return e.finish(st, ev, protocol.ErrNoSourceAperture, "no aperture under body"), true
	}
	ev.Source = apertureRef(src)

	target, ok := e.host.Partition(to)
	if !ok {
		return e.finish(st, ev, protocol.ErrNoTarget, fmt.Sprintf("%s is not available", e.routes.DisplayName(to))), true
	}
	minY, maxY := target.HeightRange()
	origin := locator.Scaling{Factor: route.Scale, SearchY: route.SearchY, MinY: minY, MaxY: maxY}.Apply(src.Center())

	found, err := e.locator.Find(locator.Request{Target: target, Origin: origin, Body: b}, st.Cache)
	if err != nil {
		if len(found.Rejected) > 0 {
			r := found.Rejected[0]
			ev.Target = apertureRef(r)
			return e.finish(st, ev, protocol.ErrTargetTooSmall, fmt.Sprintf(
				"target aperture too small (needs %dx%d, has %dx%d)",
				r.RequiredWidth, r.RequiredHeight, r.Width, r.Height)), true
		}
		return e.finish(st, ev, protocol.ErrNoTarget, fmt.Sprintf("no suitable aperture in %s", e.routes.DisplayName(to))), true
	}
	dst := found.Aperture
	ev.Target = apertureRef(dst)

	plan := e.poses.Plan(src, dst, b)
	ev.Exit = plan.Exit.String()
	ev.RotationDeg = plan.DeltaDeg
	d := [3]float64(plan.Transit.Pose.Position)
	ev.Destination = &d

	verdict := e.safety.Check(target, b.Hull, plan.Transit.Pose, b.ID)
	if !verdict.Safe {
		if e.tune.EnforceClearance {
			log.Info().Str("reason", verdict.Reason).Msg("not enough space")
			return e.finish(st, ev, protocol.ErrUnsafe, "not enough space: "+verdict.Reason), true
		}
		log.Warn().Str("reason", verdict.Reason).Msg("exit obstructed, migrating anyway")
	}

	log.Info().
		Str("to", string(to)).
		Str("target", dst.Key()).
		Str("exit", ev.Exit).
		Float64("rotation", plan.DeltaDeg).
		Bool("cached", found.Cached).
		Msg("migrating body")

	rep, err := e.mig.MigrateAttempt(ctx, ev.AttemptID, p, b, plan)
	ev.DurationMs = rep.Duration.Milliseconds()
	if err != nil {
		code := protocol.ErrInternal
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = protocol.ErrCancelled
		}
		log.Warn().Err(err).Msg("migration abandoned")
		return e.finish(st, ev, code, err.Error()), true
	}

	for _, id := range rep.Bodies {
		ev.Bodies = append(ev.Bodies, int64(id))
		if e.tune.CooldownTicks > 0 {
			st.Cooldowns[id] = e.tune.CooldownTicks
		}
	}
	ev.Entities = rep.Entities
	ev.Remounted = rep.Remounted
	for _, f := range rep.Failures {
		ev.Failures = append(ev.Failures, f.Error())
	}
	return e.finish(st, ev, protocol.CodeOK, fmt.Sprintf("migrating body %d from %s to %s",
		b.ID, e.routes.DisplayName(p.ID()), e.routes.DisplayName(to))), true
}

func (e *Engine) newEvent(st *State, b host.BodyState, from, to host.PartitionID) protocol.TransitEvent {
	return protocol.TransitEvent{
		Type:            protocol.TypeTransit,
		ProtocolVersion: protocol.Version,
		AttemptID:       ulid.Make().String(),
		Tick:            st.Tick,
		Time:            e.now().UTC().Format(time.RFC3339Nano),
		Body:            int64(b.ID),
		From:            string(from),
		To:              string(to),
	}
}

func (e *Engine) cancel(st *State, b host.BodyState, from, to host.PartitionID, code, msg string) protocol.TransitEvent {
	return e.finish(st, e.newEvent(st, b, from, to), code, msg)
}

// finish stamps the outcome and counts it. Cancelled attempts never touch
// the cooldown table.
func (e *Engine) finish(st *State, ev protocol.TransitEvent, code, msg string) protocol.TransitEvent {
	ev.Code = code
	ev.Message = msg
	st.record(host.PartitionID(ev.From), host.PartitionID(ev.To), code)
	return ev
}

func (e *Engine) emit(ev protocol.TransitEvent) {
	for _, s := range e.sinks {
		s.Transit(ev)
	}
}

// Status builds the observer snapshot for st.
func (e *Engine) Status(st *State) protocol.StatusMsg {
	msg := protocol.StatusMsg{
		Type:            protocol.TypeStatus,
		ProtocolVersion: protocol.Version,
		Tick:            st.Tick,
		Cooldowns:       len(st.Cooldowns),
		CachedLocations: st.Cache.Len(),
		Counters:        map[string]uint64{},
	}
	for _, m := range st.Metrics() {
		msg.Counters[m.From+">"+m.To+":"+m.Result] = m.Count
	}
	return msg
}

func (e *Engine) publishStatus(st *State) {
	var msg *protocol.StatusMsg
	for _, s := range e.sinks {
		ss, ok := s.(StatusSink)
		if !ok {
			continue
		}
		if msg == nil {
			m := e.Status(st)
			msg = &m
		}
		ss.Status(*msg)
	}
}

func apertureRef(a aperture.Aperture) *protocol.ApertureRef {
	return &protocol.ApertureRef{
		Axis:   a.Axis.String(),
		Min:    vec(a.Min),
		Max:    vec(a.Max),
		Width:  a.Width,
		Height: a.Height,
	}
}

func vec(v geom.Vec3i) [3]int { return [3]int{v.X, v.Y, v.Z} }
