package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/bus-tracking/internal/apperr"
	"github.com/example/bus-tracking/internal/backend"
	"github.com/example/bus-tracking/internal/models"
)

type fakeSource struct {
	mu          sync.Mutex
	calls       map[string]int
	inflight    int
	maxInflight int
	fn          func(ctx context.Context, vehicleID string, call int) (backend.Tracking, error)
}

func (f *fakeSource) GetTracking(ctx context.Context, vehicleID string) (backend.Tracking, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[vehicleID]++
	call := f.calls[vehicleID]
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()
	return f.fn(ctx, vehicleID, call)
}

func (f *fakeSource) callCount(vehicleID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[vehicleID]
}

func tracking(lat, lon float64, eta *int) backend.Tracking {
	p := models.GeoPoint{Latitude: lat, Longitude: lon}
	return backend.Tracking{Route: models.RoutePath{p}, Latest: &p, ETAMinutes: eta}
}

func intp(v int) *int { return &v }

func fastOptions() Options {
	return Options{Interval: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, DegradedAfter: 3, FetchTimeout: time.Second}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUpdatesFanOutToAllHandles(t *testing.T) {
	src := &fakeSource{fn: func(ctx context.Context, id string, call int) (backend.Tracking, error) {
		return tracking(31.6, 74.8, intp(120)), nil
	}}
	c := NewClient(src, fastOptions(), nil)
	defer c.Close()

	var a, b atomic.Int32
	var last atomic.Value
	h1, err := c.StartTracking("bus-1", HandlerFuncs{Update: func(u models.PositionUpdate) { a.Add(1); last.Store(u) }})
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := c.StartTracking("bus-1", HandlerFuncs{Update: func(models.PositionUpdate) { b.Add(1) }})
	defer h1.Stop()
	defer h2.Stop()

	waitFor(t, "both handles updated", func() bool { return a.Load() > 0 && b.Load() > 0 })
	u := last.Load().(models.PositionUpdate)
	if u.VehicleID != "bus-1" || u.Point.Latitude != 31.6 || u.ETAMinutes == nil || *u.ETAMinutes != 120 {
		t.Fatalf("unexpected update %+v", u)
	}
	if u.ObservedAt.IsZero() {
		t.Fatal("observed time should default to receive time")
	}
}

func TestDegradedAfterConsecutiveFailuresAndPollingContinues(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	src := &fakeSource{fn: func(ctx context.Context, id string, call int) (backend.Tracking, error) {
		if fail.Load() {
			return backend.Tracking{}, apperr.Wrap(apperr.Network, "tracking.get", errors.New("unreachable"))
		}
		return tracking(1, 1, nil), nil
	}}
	c := NewClient(src, fastOptions(), nil)
	defer c.Close()

	var degradedCount, recovered, updates atomic.Int32
	var failuresAtSignal atomic.Int32
	h, _ := c.StartTracking("bus-9", HandlerFuncs{
		Update: func(models.PositionUpdate) { updates.Add(1) },
		Degraded: func(id string, failures int, err error) {
			degradedCount.Add(1)
			failuresAtSignal.Store(int32(failures))
		},
		Recovered: func(string) { recovered.Add(1) },
	})
	defer h.Stop()

	waitFor(t, "degraded signal", func() bool { return degradedCount.Load() == 1 })
	if failuresAtSignal.Load() != 3 {
		t.Fatalf("degraded at %d failures, want 3", failuresAtSignal.Load())
	}
	if updates.Load() != 0 {
		t.Fatal("failed fetches must not emit updates")
	}

	before := src.callCount("bus-9")
	waitFor(t, "polling continues while degraded", func() bool { return src.callCount("bus-9") > before+1 })
	if degradedCount.Load() != 1 {
		t.Fatalf("degraded should be signalled once, got %d", degradedCount.Load())
	}

	fail.Store(false)
	waitFor(t, "recovery", func() bool { return recovered.Load() == 1 && updates.Load() > 0 })
}

func TestStopDiscardsInFlightResponse(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	src := &fakeSource{fn: func(ctx context.Context, id string, call int) (backend.Tracking, error) {
		if call == 1 {
			started <- struct{}{}
			<-release // ignores ctx to model a response that arrives late
		}
		return tracking(2, 2, nil), nil
	}}
	c := NewClient(src, fastOptions(), nil)
	defer c.Close()

	var updates atomic.Int32
	h, _ := c.StartTracking("bus-2", HandlerFuncs{Update: func(models.PositionUpdate) { updates.Add(1) }})
	<-started
	h.Stop()
	close(release)

	time.Sleep(50 * time.Millisecond)
	if n := updates.Load(); n != 0 {
		t.Fatalf("expected no updates after stop, got %d", n)
	}
	if c.Tracking("bus-2") {
		t.Fatal("poller should be gone after last handle stops")
	}
}

func TestPollSkippedWhileFetchPending(t *testing.T) {
	src := &fakeSource{fn: func(ctx context.Context, id string, call int) (backend.Tracking, error) {
		time.Sleep(40 * time.Millisecond)
		return tracking(3, 3, nil), nil
	}}
	c := NewClient(src, fastOptions(), nil)
	defer c.Close()

	h, _ := c.StartTracking("bus-3", HandlerFuncs{})
	time.Sleep(150 * time.Millisecond)
	h.Stop()

	src.mu.Lock()
	defer src.mu.Unlock()
	if src.maxInflight != 1 {
		t.Fatalf("expected at most one outstanding fetch, got %d", src.maxInflight)
	}
	if src.calls["bus-3"] > 5 {
		t.Fatalf("skipped polls should not queue, got %d calls", src.calls["bus-3"])
	}
}

func TestVehiclesAreIndependent(t *testing.T) {
	src := &fakeSource{fn: func(ctx context.Context, id string, call int) (backend.Tracking, error) {
		if id == "bad" {
			return backend.Tracking{}, apperr.New(apperr.Network, "tracking.get", "down")
		}
		return tracking(4, 4, nil), nil
	}}
	c := NewClient(src, fastOptions(), nil)
	defer c.Close()

	var good atomic.Int32
	hb, _ := c.StartTracking("bad", HandlerFuncs{})
	hg, _ := c.StartTracking("good", HandlerFuncs{Update: func(models.PositionUpdate) { good.Add(1) }})
	defer hb.Stop()
	defer hg.Stop()

	waitFor(t, "good vehicle updates", func() bool { return good.Load() >= 3 })
}

func TestStartTrackingValidation(t *testing.T) {
	c := NewClient(&fakeSource{}, fastOptions(), nil)
	if _, err := c.StartTracking("", HandlerFuncs{}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	c.Close()
	if _, err := c.StartTracking("bus", HandlerFuncs{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, c := range cases {
		if got := backoff(5*time.Second, 60*time.Second, c.failures); got != c.want {
			t.Fatalf("failures=%d: got %s want %s", c.failures, got, c.want)
		}
	}
}

func TestNormalizeKeepsServerTimestamp(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	p := models.GeoPoint{Latitude: 5, Longitude: 6}
	u, err := normalize("v", backend.Tracking{Latest: &p, LatestAt: at}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !u.ObservedAt.Equal(at) || u.ETAMinutes != nil {
		t.Fatalf("unexpected update %+v", u)
	}
	if _, err := normalize("v", backend.Tracking{}, time.Now()); err == nil {
		t.Fatal("expected error for empty document")
	}
}

type sinkFunc func(ctx context.Context, id string, p models.GeoPoint) error

func (f sinkFunc) ReportPosition(ctx context.Context, id string, p models.GeoPoint) error {
	return f(ctx, id, p)
}

func TestReporterValidatesBeforeSending(t *testing.T) {
	calls := 0
	r := &Reporter{Sink: sinkFunc(func(context.Context, string, models.GeoPoint) error { calls++; return nil })}
	err := r.Report(context.Background(), "bus-1", models.GeoPoint{Latitude: 120, Longitude: 0})
	if !errors.Is(err, apperr.ErrValidation) || calls != 0 {
		t.Fatalf("expected validation error without a call, got %v calls=%d", err, calls)
	}
	if err := r.Report(context.Background(), "bus-1", models.GeoPoint{Latitude: 31, Longitude: 75}); err != nil || calls != 1 {
		t.Fatalf("expected one call, got err=%v calls=%d", err, calls)
	}
}
