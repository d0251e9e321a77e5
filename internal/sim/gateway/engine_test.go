package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"

	"portalskies.ai/internal/persistence/indexdb"
	"portalskies.ai/internal/protocol"
	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
	"portalskies.ai/internal/sim/memhost"
	"portalskies.ai/internal/sim/routing"
	"portalskies.ai/internal/sim/tuning"
)

var cube5 = geom.Hull{Min: geom.Vec3i{X: -2, Y: 0, Z: -2}, Max: geom.Vec3i{X: 2, Y: 4, Z: 2}}

type recordSink struct {
	events []protocol.TransitEvent
	status []protocol.StatusMsg
}

func (r *recordSink) Transit(ev protocol.TransitEvent) { r.events = append(r.events, ev) }
func (r *recordSink) Status(m protocol.StatusMsg)      { r.status = append(r.status, m) }

type harness struct {
	w      *memhost.World
	over   *memhost.Partition
	nether *memhost.Partition
	sink   *recordSink
	now    time.Time
	e      *Engine
	st     *State
}

func newHarness(t *testing.T, mutate func(*tuning.Tuning)) *harness {
	t.Helper()
	h := &harness{
		w:    memhost.New(),
		sink: &recordSink{},
		now:  time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		st:   NewState(),
	}
	h.over = h.w.AddPartition("overworld", -59, 310)
	h.nether = h.w.AddPartition("nether", 1, 127)
	h.over.BuildAperture(geom.Vec3i{X: 0, Y: 70, Z: 0}, geom.AxisX, 4, 5)

	tune := tuning.Defaults()
	tune.CheckIntervalTicks = 1
	tune.SearchRadius = 8
	if mutate != nil {
		mutate(&tune)
	}
	e, err := New(Options{
		Host:   h.w,
		Tuning: tune,
		Routes: routing.Defaults(),
		Log:    zerolog.Nop(),
		Sinks:  []Sink{h.sink},
		Now:    func() time.Time { return h.now },
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.e = e
	return h
}

// addShip places a 5x5x5 body straddling the overworld aperture, moving south.
func (h *harness) addShip(vel mgl64.Vec3) {
	h.w.AddBody(host.BodyState{
		ID:        1,
		Partition: "overworld",
		Hull:      cube5,
		Pose:      geom.Pose{Position: mgl64.Vec3{1.5, 72.5, 0.5}, Rotation: mgl64.QuatIdent()},
		Velocity:  vel,
	})
}

func (h *harness) tick(t *testing.T) TickResult {
	t.Helper()
	return h.e.Tick(context.Background(), h.st)
}

func TestTick_GatesOnCheckInterval(t *testing.T) {
	h := newHarness(t, func(tu *tuning.Tuning) { tu.CheckIntervalTicks = 5 })
	for i := 1; i <= 4; i++ {
		if res := h.tick(t); res.Checked {
			t.Fatalf("tick %d should not check", i)
		}
	}
	if res := h.tick(t); !res.Checked {
		t.Fatalf("tick 5 should check")
	}
	if h.st.Tick != 5 {
		t.Fatalf("tick=%d", h.st.Tick)
	}
}

func TestTick_MigratesStraddlingBody(t *testing.T) {
	h := newHarness(t, nil)
	h.nether.BuildAperture(geom.Vec3i{X: 0, Y: 64, Z: 0}, geom.AxisX, 5, 5)
	h.addShip(mgl64.Vec3{0, 0, 1})

	res := h.tick(t)
	if len(res.Events) != 1 {
		t.Fatalf("events=%+v", res.Events)
	}
	ev := res.Events[0]
	if ev.Code != protocol.CodeOK || ev.From != "overworld" || ev.To != "nether" {
		t.Fatalf("event=%+v", ev)
	}
	if ev.Exit != "south" || ev.RotationDeg != 0 || ev.AttemptID == "" {
		t.Fatalf("event=%+v", ev)
	}
	if ev.Source == nil || ev.Source.Width != 4 || ev.Target == nil || ev.Target.Width != 5 {
		t.Fatalf("apertures src=%+v dst=%+v", ev.Source, ev.Target)
	}
	want := mgl64.Vec3{2.5, 66.5, 5.5}
	if ev.Destination == nil || !mgl64.Vec3(*ev.Destination).ApproxEqual(want) {
		t.Fatalf("destination=%v want %v", ev.Destination, want)
	}
	if ev.Message != "migrating body 1 from Overworld to Nether" {
		t.Fatalf("message=%q", ev.Message)
	}

	ship, _ := h.w.BodyState(1)
	if ship.Partition != "nether" || !ship.Pose.Position.ApproxEqual(want) {
		t.Fatalf("ship=%+v", ship)
	}
	if !ship.Velocity.ApproxEqual(mgl64.Vec3{0, 0, 1}) {
		t.Fatalf("velocity=%v", ship.Velocity)
	}
	if got := h.st.Cooldown(1); got != 100 {
		t.Fatalf("cooldown=%d", got)
	}
	if len(h.sink.events) != 1 || len(h.sink.status) != 1 {
		t.Fatalf("sink events=%d status=%d", len(h.sink.events), len(h.sink.status))
	}
	if n := h.sink.status[0].Counters["overworld>nether:OK"]; n != 1 {
		t.Fatalf("status counters=%v", h.sink.status[0].Counters)
	}

	// The body is now cooling down in the nether; nothing else happens.
	if res := h.tick(t); len(res.Events) != 0 {
		t.Fatalf("unexpected events %+v", res.Events)
	}
}

func TestTick_RejectsTooSmallTarget(t *testing.T) {
	h := newHarness(t, nil)
	h.nether.BuildAperture(geom.Vec3i{X: 0, Y: 64, Z: 0}, geom.AxisX, 3, 5)
	h.addShip(mgl64.Vec3{0, 0, 1})

	res := h.tick(t)
	if len(res.Events) != 1 {
		t.Fatalf("events=%+v", res.Events)
	}
	ev := res.Events[0]
	if ev.Code != protocol.ErrTargetTooSmall {
		t.Fatalf("code=%s msg=%s", ev.Code, ev.Message)
	}
	if ev.Message != "target aperture too small (needs 5x5, has 3x5)" {
		t.Fatalf("message=%q", ev.Message)
	}
	ship, _ := h.w.BodyState(1)
	if ship.Partition != "overworld" {
		t.Fatalf("ship moved: %+v", ship)
	}
	if h.st.Cooldown(1) != 0 {
		t.Fatalf("cancelled attempt touched cooldowns")
	}
	if len(h.w.Calls()) != 0 {
		t.Fatalf("cancelled attempt mutated host: %v", h.w.Calls())
	}
}

func TestTick_CancellationsReachIndex(t *testing.T) {
	h := newHarness(t, nil)
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "transits.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()
	h.e.sinks = append(h.e.sinks, idx)
	h.nether.BuildAperture(geom.Vec3i{X: 0, Y: 64, Z: 0}, geom.AxisX, 3, 5)
	h.addShip(mgl64.Vec3{0, 0, 1})

	res := h.tick(t)
	if len(res.Events) != 1 || res.Events[0].Code != protocol.ErrTargetTooSmall || res.Events[0].AttemptID == "" {
		t.Fatalf("events=%+v", res.Events)
	}
	ctx := context.Background()
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rows, err := idx.RecentTransits(ctx, protocol.ErrTargetTooSmall, 10)
	if err != nil {
		t.Fatalf("RecentTransits: %v", err)
	}
	if len(rows) != 1 || rows[0].AttemptID != res.Events[0].AttemptID || rows[0].Code != protocol.ErrTargetTooSmall {
		t.Fatalf("rows=%+v", rows)
	}

	// The same body fails again next cycle under a new attempt id.
	res2 := h.tick(t)
	if len(res2.Events) != 1 || res2.Events[0].AttemptID == res.Events[0].AttemptID {
		t.Fatalf("second attempt=%+v", res2.Events)
	}
}

func TestTick_NoTarget(t *testing.T) {
	h := newHarness(t, nil)
	h.addShip(mgl64.Vec3{0, 0, 1})

	res := h.tick(t)
	if len(res.Events) != 1 || res.Events[0].Code != protocol.ErrNoTarget {
		t.Fatalf("events=%+v", res.Events)
	}
	if res.Events[0].Message != "no suitable aperture in Nether" {
		t.Fatalf("message=%q", res.Events[0].Message)
	}
	// Not-found repeats every cycle; there is no cooldown on failure.
	if res := h.tick(t); len(res.Events) != 1 {
		t.Fatalf("second cycle events=%+v", res.Events)
	}
	m := h.st.Metrics()
	if len(m) != 1 || m[0].Result != protocol.ErrNoTarget || m[0].Count != 2 {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestTick_ClearanceAdvisoryUnlessEnforced(t *testing.T) {
	for _, enforce := range []bool{false, true} {
		h := newHarness(t, func(tu *tuning.Tuning) { tu.EnforceClearance = enforce })
		h.nether.BuildAperture(geom.Vec3i{X: 0, Y: 64, Z: 0}, geom.AxisX, 5, 5)
		h.nether.SetCell(geom.Vec3i{X: 2, Y: 66, Z: 5}, memhost.Stone)
		h.addShip(mgl64.Vec3{0, 0, 1})

		res := h.tick(t)
		if len(res.Events) != 1 {
			t.Fatalf("enforce=%v events=%+v", enforce, res.Events)
		}
		ship, _ := h.w.BodyState(1)
		if enforce {
			if res.Events[0].Code != protocol.ErrUnsafe || ship.Partition != "overworld" {
				t.Fatalf("enforced: code=%s ship=%s", res.Events[0].Code, ship.Partition)
			}
			continue
		}
		if res.Events[0].Code != protocol.CodeOK || ship.Partition != "nether" {
			t.Fatalf("advisory: code=%s ship=%s", res.Events[0].Code, ship.Partition)
		}
	}
}

func TestTick_SkipsSlowAndCoolingBodies(t *testing.T) {
	h := newHarness(t, nil)
	h.nether.BuildAperture(geom.Vec3i{X: 0, Y: 64, Z: 0}, geom.AxisX, 5, 5)
	h.addShip(mgl64.Vec3{0, 0, 0.05})

	if res := h.tick(t); res.Scanned != 0 || len(res.Events) != 0 {
		t.Fatalf("slow body scanned: %+v", res)
	}

	h.addShip(mgl64.Vec3{0, 0, 1})
	h.st.Cooldowns[1] = 3
	for i := 0; i < 2; i++ {
		if res := h.tick(t); res.Scanned != 0 {
			t.Fatalf("cooling body scanned on cycle %d", i)
		}
	}
	// Third cycle: 3 - 3*1 = 0, so the body is free again.
	if res := h.tick(t); len(res.Events) != 1 || res.Events[0].Code != protocol.CodeOK {
		t.Fatalf("events=%+v", res.Events)
	}
}

func TestCooldown_MonotonicDecay(t *testing.T) {
	const interval, initial = 10, 100
	h := newHarness(t, func(tu *tuning.Tuning) { tu.CheckIntervalTicks = interval })
	h.st.Cooldowns[42] = initial

	for n := 1; n <= 12; n++ {
		for i := 0; i < interval; i++ {
			h.tick(t)
		}
		want := max(0, initial-n*interval)
		if got := h.st.Cooldown(42); got != want {
			t.Fatalf("after %d cycles cooldown=%d want %d", n, got, want)
		}
	}
	if _, ok := h.st.Cooldowns[42]; ok {
		t.Fatalf("expired cooldown not forgotten")
	}
}

func TestTick_ClearsLocationCacheOnInterval(t *testing.T) {
	h := newHarness(t, nil)
	h.nether.BuildAperture(geom.Vec3i{X: 0, Y: 64, Z: 0}, geom.AxisX, 5, 5)
	h.addShip(mgl64.Vec3{0, 0, 1})

	h.tick(t)
	if h.st.Cache.Len() != 1 {
		t.Fatalf("cache len=%d", h.st.Cache.Len())
	}
	h.now = h.now.Add(10 * time.Second)
	h.tick(t)
	if h.st.Cache.Len() != 1 {
		t.Fatalf("cache cleared too early")
	}
	h.now = h.now.Add(25 * time.Second)
	h.tick(t)
	if h.st.Cache.Len() != 0 || !h.st.LastCacheClear.Equal(h.now) {
		t.Fatalf("cache len=%d last=%v", h.st.Cache.Len(), h.st.LastCacheClear)
	}
}

func TestState_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "gateway.json")
	st := NewState()
	st.Tick = 500
	st.Cooldowns[1] = 40
	st.Cooldowns[2] = 0
	st.record("overworld", "nether", protocol.CodeOK)
	st.record("overworld", "nether", protocol.CodeOK)
	st.record("nether", "overworld", protocol.ErrNoTarget)
	if err := st.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := LoadState(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Tick != 500 || got.Cooldown(1) != 40 || len(got.Cooldowns) != 1 {
		t.Fatalf("state=%+v", got)
	}
	m := got.Metrics()
	if len(m) != 2 || m[0].From != "nether" || m[1].Count != 2 {
		t.Fatalf("metrics=%+v", m)
	}

	fresh, err := LoadState(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil || fresh.Tick != 0 || fresh.Cache == nil {
		t.Fatalf("missing file: %+v err=%v", fresh, err)
	}
}
