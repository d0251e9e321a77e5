package locator

import (
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"

	"portalskies.ai/internal/sim/geom"
	"portalskies.ai/internal/sim/host"
	"portalskies.ai/internal/sim/logic/mathx"
	"portalskies.ai/internal/sim/memhost"
)

// 4 wide, 5 tall, 5 long body crossing X planes.
var body = host.BodyState{ID: 1, Hull: geom.Hull{Max: geom.Vec3i{X: 3, Y: 4, Z: 4}}}

func newLocator(radius int) Locator {
	return Locator{Radius: radius, VerticalStride: 3, Log: zerolog.Nop()}
}

func TestFind_RejectsSmallerAndContinuesOutward(t *testing.T) {
	w := memhost.New()
	p := w.AddPartition("nether", 1, 127)
	p.BuildAperture(geom.Vec3i{X: 10, Y: 64, Z: 10}, geom.AxisX, 3, 5)
	p.BuildAperture(geom.Vec3i{X: 10, Y: 64, Z: 20}, geom.AxisX, 4, 5)

	res, err := newLocator(16).Find(Request{Target: p, Origin: geom.Vec3i{X: 11, Y: 64, Z: 10}, Body: body}, nil)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if res.Aperture.Width != 4 || res.Aperture.Min.Z != 20 || !res.Aperture.Valid {
		t.Fatalf("found=%+v", res.Aperture)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Width != 3 || res.Rejected[0].RequiredWidth != 4 {
		t.Fatalf("rejected=%+v", res.Rejected)
	}
}

func TestFind_NearestRingWins(t *testing.T) {
	w := memhost.New()
	p := w.AddPartition("nether", 1, 127)
	p.BuildAperture(geom.Vec3i{X: 30, Y: 64, Z: 0}, geom.AxisX, 6, 6)
	p.BuildAperture(geom.Vec3i{X: 0, Y: 64, Z: 8}, geom.AxisX, 4, 5)

	res, err := newLocator(40).Find(Request{Target: p, Origin: geom.Vec3i{Y: 64}, Body: body}, nil)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if res.Aperture.Min != (geom.Vec3i{X: 0, Y: 64, Z: 8}) {
		t.Fatalf("expected nearer aperture, got %+v", res.Aperture)
	}
}

func TestFind_NotFoundBeyondRadius(t *testing.T) {
	w := memhost.New()
	p := w.AddPartition("nether", 1, 127)
	p.BuildAperture(geom.Vec3i{X: 50, Y: 64, Z: 0}, geom.AxisX, 4, 5)
	_, err := newLocator(8).Find(Request{Target: p, Origin: geom.Vec3i{Y: 64}, Body: body}, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFind_ProbesVerticallyAtStride(t *testing.T) {
	w := memhost.New()
	p := w.AddPartition("overworld", -59, 310)
	// Aperture spans y=100..104; origin at y=64 reaches it via stride probes.
	p.BuildAperture(geom.Vec3i{X: 2, Y: 100, Z: 2}, geom.AxisX, 4, 5)
	res, err := newLocator(4).Find(Request{Target: p, Origin: geom.Vec3i{Y: 64}, Body: body}, nil)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if res.Aperture.Min.Y != 100 {
		t.Fatalf("found=%+v", res.Aperture)
	}
}

func TestFind_SkipsUnloadedColumns(t *testing.T) {
	w := memhost.New()
	p := w.AddPartition("nether", 1, 127)
	p.MarkUnloaded(geom.Vec3i{X: -1, Z: -1})
	p.BuildAperture(geom.Vec3i{X: 3, Y: 64, Z: 3}, geom.AxisX, 4, 5)
	res, err := newLocator(8).Find(Request{Target: p, Origin: geom.Vec3i{Y: 64}, Body: body}, nil)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if res.Aperture.Min.X != 3 {
		t.Fatalf("found=%+v", res.Aperture)
	}
}

func TestFind_CacheHitAndInvalidation(t *testing.T) {
	w := memhost.New()
	p := w.AddPartition("nether", 1, 127)
	p.BuildAperture(geom.Vec3i{X: 5, Y: 64, Z: 5}, geom.AxisX, 4, 5)
	cache := NewCache()
	req := Request{Target: p, Origin: geom.Vec3i{Y: 64}, Body: body}

	first, err := newLocator(16).Find(req, cache)
	if err != nil || first.Cached {
		t.Fatalf("first: %+v err=%v", first, err)
	}
	second, err := newLocator(16).Find(req, cache)
	if err != nil || !second.Cached || second.Aperture.Key() != first.Aperture.Key() {
		t.Fatalf("second: %+v err=%v", second, err)
	}
	if hits, _ := cache.Stats(); hits != 1 {
		t.Fatalf("hits=%d", hits)
	}

	// Extinguish the cached aperture; the next search must fall through.
	p.Fill(geom.Vec3i{X: 5, Y: 64, Z: 5}, geom.Vec3i{X: 8, Y: 68, Z: 5}, memhost.Air)
	if _, err := newLocator(16).Find(req, cache); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("stale entry kept")
	}
}

func TestRingPerimeterVisitsEachCellOnce(t *testing.T) {
	seen := map[[2]int]int{}
	for r := 0; r <= 5; r++ {
		forEachRingCell(0, 0, r, func(x, z int) bool {
			if max(mathx.AbsInt(x), mathx.AbsInt(z)) != r {
				t.Fatalf("cell (%d,%d) not on ring %d", x, z, r)
			}
			seen[[2]int{x, z}]++
			return false
		})
	}
	if len(seen) != 11*11 {
		t.Fatalf("visited %d cells, want 121", len(seen))
	}
	for k, n := range seen {
		if n != 1 {
			t.Fatalf("cell %v visited %d times", k, n)
		}
	}
}

func TestColumnOrder(t *testing.T) {
	got := columnOrder(64, 58, 70, 3)
	want := []int{64, 67, 61, 70, 58}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestScaling_RoundTrip(t *testing.T) {
	to := Scaling{Factor: 8, MinY: -59, MaxY: 310}
	back := Scaling{Factor: 0.125, MinY: 1, MaxY: 127}
	for _, x := range []float64{-1000.5, -17.2, -1, 0, 3.7, 123.9, 4096} {
		for _, z := range []float64{-333.3, 0.1, 77.7} {
			src := mgl64.Vec3{x, 64, z}
			start := geom.CellOf(src)
			there := to.Apply(src)
			again := back.Apply(there.Vec())
			if mathx.AbsInt(again.X-start.X) > 1 || mathx.AbsInt(again.Z-start.Z) > 1 {
				t.Fatalf("round trip %v -> %v -> %v", start, there, again)
			}
		}
	}
}

func TestScaling_SearchYAndClamp(t *testing.T) {
	y := 64
	s := Scaling{Factor: 0.125, SearchY: &y, MinY: 1, MaxY: 127}
	if got := s.Apply(mgl64.Vec3{80, 200, -80}); got != (geom.Vec3i{X: 10, Y: 64, Z: -10}) {
		t.Fatalf("got %v", got)
	}
	s = Scaling{Factor: 8, MinY: -59, MaxY: 310}
	if got := s.Apply(mgl64.Vec3{1, 500, 1}); got.Y != 310 || got.X != 8 {
		t.Fatalf("got %v", got)
	}
}
