// Package feed polls the backend tracking endpoint for each watched
// vehicle and fans normalized position updates out to subscribers.
//
// One poller goroutine runs per vehicle no matter how many handles watch
// it. A poller never stops on its own: failed fetches only slow it down
// (capped exponential backoff) and, past a threshold, raise a degraded
// signal. Stopping the last handle of a vehicle cancels its poller and
// any fetch in flight.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/bus-tracking/internal/apperr"
	"github.com/example/bus-tracking/internal/backend"
	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/observability"
)

// Source fetches the raw tracking document of a vehicle.
type Source interface {
	GetTracking(ctx context.Context, vehicleID string) (backend.Tracking, error)
}

// Publisher mirrors normalized updates to an event stream. Optional.
type Publisher interface {
	PublishPosition(ctx context.Context, u models.PositionUpdate) error
}

// Handler receives feed events. Calls for one handle are serialized.
// A handler must not stop its own handle synchronously from inside a
// callback; hand that off to another goroutine.
type Handler interface {
	HandleUpdate(u models.PositionUpdate)
	HandleDegraded(vehicleID string, failures int, err error)
	HandleRecovered(vehicleID string)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Update    func(models.PositionUpdate)
	Degraded  func(vehicleID string, failures int, err error)
	Recovered func(vehicleID string)
}

func (h HandlerFuncs) HandleUpdate(u models.PositionUpdate) {
	if h.Update != nil {
		h.Update(u)
	}
}

func (h HandlerFuncs) HandleDegraded(vehicleID string, failures int, err error) {
	if h.Degraded != nil {
		h.Degraded(vehicleID, failures, err)
	}
}

func (h HandlerFuncs) HandleRecovered(vehicleID string) {
	if h.Recovered != nil {
		h.Recovered(vehicleID)
	}
}

type Options struct {
	Interval      time.Duration
	FetchTimeout  time.Duration
	DegradedAfter int
	MaxBackoff    time.Duration
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = 3
	}
	if o.MaxBackoff < o.Interval {
		o.MaxBackoff = 12 * o.Interval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// ErrClosed is returned by StartTracking after Close.
var ErrClosed = errors.New("feed: client closed")

type Client struct {
	src       Source
	publisher Publisher
	opts      Options
	logger    *slog.Logger

	mu      sync.Mutex
	pollers map[string]*poller
	nextID  uint64
	closed  bool
}

func NewClient(src Source, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		src:     src,
		opts:    opts.withDefaults(),
		logger:  logger,
		pollers: make(map[string]*poller),
	}
}

// WithPublisher mirrors every delivered update to p.
func (c *Client) WithPublisher(p Publisher) *Client {
	c.publisher = p
	return c
}

// Handle is one subscription to a vehicle's updates.
type Handle struct {
	id        uint64
	vehicleID string
	client    *Client
	handler   Handler

	mu   sync.Mutex
	live bool
}

func (h *Handle) VehicleID() string { return h.vehicleID }

// Stop is shorthand for Client.StopTracking(h).
func (h *Handle) Stop() { h.client.StopTracking(h) }

// deliver runs fn under the handle lock so Stop cannot return while a
// callback for this handle is still running.
func (h *Handle) deliver(fn func(Handler)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.live {
		return
	}
	fn(h.handler)
}

// StartTracking subscribes handler to vehicleID, starting a poller if
// none is running for that vehicle.
func (c *Client) StartTracking(vehicleID string, handler Handler) (*Handle, error) {
	if vehicleID == "" {
		return nil, apperr.Validationf("feed.start", "vehicle id is required")
	}
	if handler == nil {
		return nil, apperr.Validationf("feed.start", "handler is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.nextID++
	h := &Handle{id: c.nextID, vehicleID: vehicleID, client: c, handler: handler, live: true}

	p, ok := c.pollers[vehicleID]
	if !ok {
		p = c.newPoller(vehicleID)
		c.pollers[vehicleID] = p
		go p.run()
		observability.VehiclesTracked.Inc()
		c.logger.Info("tracking_started", "vehicle_id", vehicleID)
	}
	p.handles[h.id] = h
	return h, nil
}

// StopTracking releases h. Once it returns no callback for h runs, even
// if a fetch was in flight. Stopping twice is a no-op.
func (c *Client) StopTracking(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	wasLive := h.live
	h.live = false
	h.mu.Unlock()
	if !wasLive {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pollers[h.vehicleID]
	if !ok {
		return
	}
	delete(p.handles, h.id)
	if len(p.handles) == 0 {
		delete(c.pollers, h.vehicleID)
		p.cancel()
		observability.VehiclesTracked.Dec()
		c.logger.Info("tracking_stopped", "vehicle_id", h.vehicleID)
	}
}

// Close stops every handle and waits for all pollers to exit.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	var handles []*Handle
	var pollers []*poller
	for _, p := range c.pollers {
		pollers = append(pollers, p)
		for _, h := range p.handles {
			handles = append(handles, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handles {
		c.StopTracking(h)
	}
	for _, p := range pollers {
		<-p.done
	}
}

// Tracking reports whether a poller is running for vehicleID.
func (c *Client) Tracking(vehicleID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pollers[vehicleID]
	return ok
}

func (c *Client) newPoller(vehicleID string) *poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &poller{
		client:    c,
		vehicleID: vehicleID,
		ctx:       ctx,
		cancel:    cancel,
		handles:   make(map[uint64]*Handle),
		done:      make(chan struct{}),
	}
}

// snapshot returns the live handles of p. Guarded by the client lock
// because handles are added and removed under it.
func (c *Client) snapshot(p *poller) []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h)
	}
	return out
}
