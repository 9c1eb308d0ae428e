package feed

import (
	"context"
	"time"

	"github.com/example/bus-tracking/internal/apperr"
	"github.com/example/bus-tracking/internal/backend"
	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/observability"
)

type poller struct {
	client    *Client
	vehicleID string
	ctx       context.Context
	cancel    context.CancelFunc
	handles   map[uint64]*Handle // guarded by client.mu
	done      chan struct{}
}

type fetchResult struct {
	tracking backend.Tracking
	err      error
	at       time.Time
}

// run owns all poll state for the vehicle. Fetches happen on a helper
// goroutine and report back on results, so at most one is outstanding.
func (p *poller) run() {
	defer close(p.done)
	opts := p.client.opts
	logger := p.client.logger.With("vehicle_id", p.vehicleID)

	results := make(chan fetchResult, 1)
	inFlight := false
	failures := 0
	degraded := false
	defer func() {
		if degraded {
			observability.VehiclesDegraded.Dec()
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return

		case <-timer.C:
			if inFlight {
				observability.FeedPollsSkipped.Inc()
				logger.Debug("poll_skipped", "reason", "fetch in flight")
			} else {
				inFlight = true
				go p.fetch(results)
			}
			timer.Reset(backoff(opts.Interval, opts.MaxBackoff, failures))

		case res := <-results:
			inFlight = false
			if p.ctx.Err() != nil {
				return
			}

			var upd models.PositionUpdate
			err := res.err
			if err == nil {
				upd, err = normalize(p.vehicleID, res.tracking, res.at)
			}
			if err != nil {
				failures++
				observability.FeedPollsTotal.WithLabelValues("error").Inc()
				logger.Warn("poll_failed", "failures", failures, "error", err)
				if failures == opts.DegradedAfter {
					degraded = true
					observability.VehiclesDegraded.Inc()
					logger.Warn("feed_degraded", "failures", failures)
					p.broadcast(func(h Handler) { h.HandleDegraded(p.vehicleID, failures, err) })
				}
				timer.Reset(backoff(opts.Interval, opts.MaxBackoff, failures))
				continue
			}

			observability.FeedPollsTotal.WithLabelValues("ok").Inc()
			failures = 0
			if degraded {
				degraded = false
				observability.VehiclesDegraded.Dec()
				logger.Info("feed_recovered")
				p.broadcast(func(h Handler) { h.HandleRecovered(p.vehicleID) })
			}
			p.broadcast(func(h Handler) { h.HandleUpdate(upd) })
			p.publish(upd)
		}
	}
}

func (p *poller) fetch(results chan<- fetchResult) {
	opts := p.client.opts
	ctx, cancel := context.WithTimeout(p.ctx, opts.FetchTimeout)
	defer cancel()

	start := time.Now()
	t, err := p.client.src.GetTracking(ctx, p.vehicleID)
	observability.FeedPollLatency.Observe(time.Since(start).Seconds())

	// results has room for one value and only one fetch is outstanding,
	// so this never blocks even after the poller has exited.
	results <- fetchResult{tracking: t, err: err, at: opts.Now()}
}

func (p *poller) broadcast(fn func(Handler)) {
	for _, h := range p.client.snapshot(p) {
		h.deliver(fn)
	}
}

func (p *poller) publish(u models.PositionUpdate) {
	pub := p.client.publisher
	if pub == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := pub.PublishPosition(ctx, u); err != nil {
			p.client.logger.Debug("position_publish_failed", "vehicle_id", u.VehicleID, "error", err)
		}
	}()
}

// backoff doubles interval per consecutive failure, capped at max.
func backoff(interval, max time.Duration, failures int) time.Duration {
	d := interval
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// normalize turns a tracking document into a PositionUpdate. The current
// point is the latest position; the full route becomes the trail.
func normalize(vehicleID string, t backend.Tracking, receivedAt time.Time) (models.PositionUpdate, error) {
	if t.Latest == nil {
		return models.PositionUpdate{}, apperr.New(apperr.NotFound, "feed.normalize", "tracking document has no position")
	}
	observed := t.LatestAt
	if observed.IsZero() {
		observed = receivedAt
	}
	var eta *int
	if t.ETAMinutes != nil {
		v := *t.ETAMinutes
		eta = &v
	}
	return models.PositionUpdate{
		VehicleID:  vehicleID,
		Point:      *t.Latest,
		ETAMinutes: eta,
		ObservedAt: observed,
		Trail:      t.Route.Clone(),
	}, nil
}
