// Package tracker turns sparse position updates into a smooth, frame by
// frame trajectory plus a continuously decreasing ETA.
//
// A new target never makes the marker jump: the animation restarts from
// the last rendered point, and each Frame call advances at most one
// sample, so consecutive frames are at most one interpolation step apart.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/bus-tracking/internal/apperr"
	"github.com/example/bus-tracking/internal/geo"
	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/observability"
)

// ErrStale is returned for updates observed before the last applied one.
var ErrStale = errors.New("tracker: stale position update")

type Options struct {
	Duration time.Duration // length of one animation
	Samples  int           // interpolation steps per animation
	// IdleEvery throttles Run while no animation is active.
	IdleEvery time.Duration
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Duration <= 0 {
		o.Duration = 3 * time.Second
	}
	if o.Samples <= 0 {
		o.Samples = 45
	}
	if o.IdleEvery <= 0 {
		o.IdleEvery = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Frame is one rendered state. Route is set on the first frame after the
// route changed, and on snapshots.
type Frame struct {
	VehicleID  string           `json:"vehicle_id"`
	Seq        uint64           `json:"seq"`
	Point      models.GeoPoint  `json:"point"`
	ETAMinutes *float64         `json:"eta_minutes,omitempty"`
	Animating  bool             `json:"animating"`
	Degraded   bool             `json:"degraded"`
	Route      models.RoutePath `json:"route,omitempty"`
	At         time.Time        `json:"at"`
}

type animation struct {
	line    polyline
	started time.Time
	step    int
}

type etaState struct {
	known      bool
	minutes    float64 // as last supplied by the server
	suppliedAt time.Time
	floor      float64 // lowest value reported so far for this supply
}

type Tracker struct {
	vehicleID string
	opts      Options
	logger    *slog.Logger

	mu           sync.Mutex
	hasPoint     bool
	rendered     models.GeoPoint
	target       models.GeoPoint
	anim         *animation
	route        models.RoutePath
	routeRev     uint64 // bumped on every route change
	routeSent    uint64 // routeRev last put on a Frame
	lastObserved time.Time
	eta          etaState
	degraded     bool
	seq          uint64
	lastFrameAt  time.Time
}

func New(vehicleID string, opts Options, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		vehicleID: vehicleID,
		opts:      opts.withDefaults(),
		logger:    logger.With("vehicle_id", vehicleID),
	}
}

func (t *Tracker) VehicleID() string { return t.vehicleID }

// Apply takes a new reported position. Malformed updates are dropped and
// the previous valid point stays on display.
func (t *Tracker) Apply(u models.PositionUpdate) error {
	const op = "tracker.apply"
	if u.VehicleID != "" && u.VehicleID != t.vehicleID {
		return t.reject(apperr.Validationf(op, "update for %q sent to tracker of %q", u.VehicleID, t.vehicleID))
	}
	if err := geo.Validate(u.Point); err != nil {
		return t.reject(apperr.Wrap(apperr.Validation, op, err))
	}
	if u.ETAMinutes != nil && *u.ETAMinutes < 0 {
		return t.reject(apperr.Validationf(op, "negative eta %d", *u.ETAMinutes))
	}

	now := t.opts.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.lastObserved.IsZero() && u.ObservedAt.Before(t.lastObserved) {
		t.logger.Debug("stale_update_dropped", "observed_at", u.ObservedAt, "last_observed", t.lastObserved)
		return ErrStale
	}
	t.lastObserved = u.ObservedAt

	if u.ETAMinutes != nil {
		m := float64(*u.ETAMinutes)
		t.eta = etaState{known: true, minutes: m, suppliedAt: now, floor: m}
	}
	if len(u.Trail) > 0 {
		if err := geo.ValidatePath(u.Trail); err != nil {
			t.logger.Warn("data_quality", "reason", "invalid trail kept previous route", "error", err)
		} else {
			t.setRouteLocked(u.Trail)
		}
	}
	t.retargetLocked(models.RoutePath{u.Point}, now)
	return nil
}

// LoadRoute installs a whole route at once. With two or more points the
// marker animates along it; with one it sits still; with none nothing is
// shown until the first update.
func (t *Tracker) LoadRoute(path models.RoutePath, etaMinutes *int) error {
	if err := geo.ValidatePath(path); err != nil {
		return t.reject(apperr.Wrap(apperr.Validation, "tracker.route", err))
	}
	now := t.opts.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.setRouteLocked(path)
	if etaMinutes != nil && *etaMinutes >= 0 {
		m := float64(*etaMinutes)
		t.eta = etaState{known: true, minutes: m, suppliedAt: now, floor: m}
	}
	if len(path) == 0 {
		return nil
	}
	t.retargetLocked(path, now)
	return nil
}

func (t *Tracker) setRouteLocked(path models.RoutePath) {
	if samePath(t.route, path) {
		return
	}
	t.route = path.Clone()
	t.routeRev++
}

func samePath(a, b models.RoutePath) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// retargetLocked starts an animation from the rendered point through
// waypoints. The first waypoint is skipped when it equals the rendered
// point.
func (t *Tracker) retargetLocked(waypoints models.RoutePath, now time.Time) {
	if !t.hasPoint {
		t.hasPoint = true
		t.rendered = waypoints[0]
		waypoints = waypoints[1:]
	}
	if len(waypoints) > 0 && waypoints[0] == t.rendered {
		waypoints = waypoints[1:]
	}
	if len(waypoints) == 0 {
		t.target = t.rendered
		t.anim = nil
		return
	}

	path := make(models.RoutePath, 0, len(waypoints)+1)
	path = append(path, t.rendered)
	path = append(path, waypoints...)
	t.target = path[len(path)-1]
	t.anim = &animation{line: newPolyline(path), started: now}
}

func (t *Tracker) reject(err error) error {
	observability.TrackerDropsTotal.Inc()
	t.logger.Warn("data_quality", "error", err)
	return err
}

// Frame advances the animation to now and returns the rendered state.
// ok is false until the first valid position arrives.
func (t *Tracker) Frame() (Frame, bool) {
	now := t.opts.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasPoint {
		return Frame{}, false
	}

	if a := t.anim; a != nil {
		stepDur := t.opts.Duration / time.Duration(t.opts.Samples)
		due := t.opts.Samples
		if stepDur > 0 {
			due = int(now.Sub(a.started) / stepDur)
		}
		if due > a.step {
			a.step++
		}
		t.rendered = a.line.at(float64(a.step) / float64(t.opts.Samples))
		if a.step >= t.opts.Samples {
			t.rendered = t.target
			t.anim = nil
		}
	}

	at := now
	if at.Before(t.lastFrameAt) {
		at = t.lastFrameAt
	}
	t.lastFrameAt = at
	t.seq++

	f := t.frameLocked(now, at)
	if t.routeRev != t.routeSent {
		f.Route = t.route.Clone()
		t.routeSent = t.routeRev
	}
	return f, true
}

// Snapshot returns the last rendered state with the full route, without
// advancing the animation. It is what a newly connected viewer sees.
func (t *Tracker) Snapshot() (Frame, bool) {
	now := t.opts.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasPoint {
		return Frame{}, false
	}
	at := t.lastFrameAt
	if at.IsZero() {
		at = now
	}
	f := t.frameLocked(now, at)
	f.Route = t.route.Clone()
	return f, true
}

func (t *Tracker) frameLocked(now, at time.Time) Frame {
	f := Frame{
		VehicleID: t.vehicleID,
		Seq:       t.seq,
		Point:     t.rendered,
		Animating: t.anim != nil,
		Degraded:  t.degraded,
		At:        at,
	}
	if eta, ok := t.etaLocked(now); ok {
		f.ETAMinutes = &eta
	}
	return f
}

// ETA returns the remaining minutes. Without a fresh server value the
// last one counts down with wall-clock time, floored at zero.
func (t *Tracker) ETA() (float64, bool) {
	now := t.opts.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.etaLocked(now)
}

func (t *Tracker) etaLocked(now time.Time) (float64, bool) {
	if !t.eta.known {
		return 0, false
	}
	remaining := t.eta.minutes - now.Sub(t.eta.suppliedAt).Minutes()
	remaining = math.Max(0, math.Min(remaining, t.eta.floor))
	t.eta.floor = remaining
	return remaining, true
}

// Position returns the last rendered point without advancing.
func (t *Tracker) Position() (models.GeoPoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rendered, t.hasPoint
}

func (t *Tracker) Animating() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.anim != nil
}

func (t *Tracker) SetDegraded(v bool) {
	t.mu.Lock()
	t.degraded = v
	t.mu.Unlock()
}

// HandleUpdate, HandleDegraded and HandleRecovered let a Tracker
// subscribe to a feed directly.
func (t *Tracker) HandleUpdate(u models.PositionUpdate) { _ = t.Apply(u) }

func (t *Tracker) HandleDegraded(string, int, error) { t.SetDegraded(true) }

func (t *Tracker) HandleRecovered(string) { t.SetDegraded(false) }

// Run emits a frame every sample interval while animating and every
// IdleEvery otherwise, until ctx is done.
func (t *Tracker) Run(ctx context.Context, emit func(Frame)) {
	tick := t.opts.Duration / time.Duration(t.opts.Samples)
	if tick <= 0 {
		tick = time.Second / 30
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var lastEmit time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			animating := t.Animating()
			f, ok := t.Frame()
			if !ok {
				continue
			}
			if !animating && !f.Animating && f.Route == nil && time.Since(lastEmit) < t.opts.IdleEvery {
				continue
			}
			lastEmit = time.Now()
			emit(f)
		}
	}
}
