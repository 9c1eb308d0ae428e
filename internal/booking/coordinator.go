// Package booking reserves and cancels seats while keeping at most one
// active booking per rider. Local state only moves through explicit
// transitions: Pending -> Confirmed | Failed, and any -> Cancelled.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/bus-tracking/internal/apperr"
	"github.com/example/bus-tracking/internal/backend"
	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/observability"
	"github.com/example/bus-tracking/internal/storage"
)

type Backend interface {
	CreateBooking(ctx context.Context, req backend.BookingRequest) (backend.BookingResult, error)
	CancelBooking(ctx context.Context, ref string) error
}

// Slots is the per-rider active booking slot, held by the session.
type Slots interface {
	Acquire(riderID, bookingID string) (string, bool)
	Rebind(riderID, from, to string) bool
	Release(riderID, bookingID string) bool
}

// FareHolder reserves the fare while the booking is pending.
type FareHolder interface {
	Hold(ctx context.Context, fare float64, ref string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Release(ctx context.Context, holdID string) error
}

// Invalidator is told when seat availability may have changed.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// Request is one reservation attempt. Seat is a preference; the server's
// assignment wins.
type Request struct {
	RiderID   string
	VehicleID string
	RouteID   string
	Seat      string
	Date      string
	Fare      float64
}

// CancelWarning reports that a booking was cancelled locally but the
// backend did not confirm it. The seat may still be held server side.
type CancelWarning struct {
	Booking models.Booking
	Err     error
}

func (w *CancelWarning) Error() string {
	return fmt.Sprintf("booking %s cancelled locally, backend did not confirm: %v", w.Booking.ID, w.Err)
}

func (w *CancelWarning) Unwrap() error { return w.Err }

type record struct {
	b         models.Booking
	remoteRef string
	holdID    string
}

type Coordinator struct {
	backend Backend
	slots   Slots
	logger  *slog.Logger

	journal       storage.BookingStore
	fares         FareHolder
	invalidator   Invalidator
	cancelTimeout time.Duration
	now           func() time.Time
	newToken      func() string

	mu      sync.Mutex
	records map[string]*record // by current booking id
}

type Option func(*Coordinator)

func WithJournal(s storage.BookingStore) Option { return func(c *Coordinator) { c.journal = s } }

func WithFareHolder(f FareHolder) Option { return func(c *Coordinator) { c.fares = f } }

func WithInvalidator(i Invalidator) Option { return func(c *Coordinator) { c.invalidator = i } }

func WithCancelTimeout(d time.Duration) Option { return func(c *Coordinator) { c.cancelTimeout = d } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func WithTokenSource(fn func() string) Option { return func(c *Coordinator) { c.newToken = fn } }

func NewCoordinator(b Backend, slots Slots, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		backend:       b,
		slots:         slots,
		logger:        logger,
		journal:       storage.NewMemoryStore(),
		cancelTimeout: 10 * time.Second,
		now:           time.Now,
		newToken:      func() string { return uuid.NewString() },
		records:       make(map[string]*record),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Reserve books a seat for the rider. It fails with a conflict, without
// any network call, while the rider already holds a pending or confirmed
// booking. On backend failure the returned booking is Failed, the slot is
// free again and the error carries the server message.
func (c *Coordinator) Reserve(ctx context.Context, req Request) (models.Booking, error) {
	const op = "booking.reserve"
	if req.RiderID == "" || req.VehicleID == "" {
		return models.Booking{}, apperr.Validationf(op, "rider and vehicle are required")
	}
	if req.Fare < 0 {
		return models.Booking{}, apperr.Validationf(op, "fare must not be negative")
	}

	token := c.newToken()
	if held, ok := c.slots.Acquire(req.RiderID, token); !ok {
		return models.Booking{}, apperr.New(apperr.Conflict, op, "rider already holds active booking "+held)
	}

	now := c.now()
	rec := &record{b: models.Booking{
		ID:           token,
		RequestToken: token,
		VehicleID:    req.VehicleID,
		RouteID:      req.RouteID,
		RiderID:      req.RiderID,
		SeatNumber:   req.Seat,
		Date:         req.Date,
		Fare:         req.Fare,
		Status:       models.BookingPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}}
	c.mu.Lock()
	c.records[token] = rec
	snapshot := rec.b
	c.mu.Unlock()
	c.record(ctx, snapshot, true)

	if c.fares != nil && req.Fare > 0 {
		holdID, err := c.fares.Hold(ctx, req.Fare, token)
		if err != nil {
			b := c.fail(ctx, rec, "fare hold failed")
			return b, apperr.Wrap(apperr.Conflict, op, fmt.Errorf("fare hold: %w", err))
		}
		c.mu.Lock()
		rec.holdID = holdID
		c.mu.Unlock()
	}

	start := time.Now()
	res, err := c.backend.CreateBooking(ctx, backend.BookingRequest{
		RequestToken: token,
		RiderID:      req.RiderID,
		VehicleID:    req.VehicleID,
		RouteID:      req.RouteID,
		Seat:         req.Seat,
		Date:         req.Date,
		Fare:         req.Fare,
	})
	observability.BookingLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		b := c.fail(ctx, rec, apperr.MessageOf(err))
		c.logger.Warn("booking_failed", "rider_id", req.RiderID, "vehicle_id", req.VehicleID, "error", err)
		return b, err
	}
	return c.confirm(ctx, rec, res)
}

func (c *Coordinator) confirm(ctx context.Context, rec *record, res backend.BookingResult) (models.Booking, error) {
	c.mu.Lock()
	localID := rec.b.ID
	orphaned := c.records[localID] != rec
	if orphaned && rec.b.Status != models.BookingCancelled {
		// Reset by a logout while the request was in flight.
		rec.b.Status = models.BookingCancelled
		rec.b.UpdatedAt = c.now()
	}
	if rec.b.Status == models.BookingCancelled {
		// Cancelled while the request was in flight: undo server side.
		rec.remoteRef = remoteRef(res, rec.b)
		b := rec.b
		ref := rec.remoteRef
		holdID := rec.holdID
		c.mu.Unlock()
		c.releaseHold(ctx, holdID)
		if orphaned {
			c.slots.Release(b.RiderID, localID)
			c.record(ctx, b, false)
		}
		if err := c.deleteRemote(ctx, b, ref); err != nil {
			return b, err
		}
		if orphaned {
			return b, apperr.New(apperr.Auth, "booking.reserve", "session ended before the booking was confirmed")
		}
		return b, apperr.New(apperr.Conflict, "booking.reserve", "booking was cancelled before confirmation")
	}

	if res.ID != "" && res.ID != localID {
		delete(c.records, localID)
		rec.b.ID = res.ID
		c.records[res.ID] = rec
	}
	rec.remoteRef = remoteRef(res, rec.b)
	if res.Seat != "" {
		rec.b.SeatNumber = res.Seat
	}
	if res.Fare > 0 {
		rec.b.Fare = res.Fare
	}
	if res.RouteID != "" {
		rec.b.RouteID = res.RouteID
	}
	rec.b.Status = models.BookingConfirmed
	rec.b.Message = res.Message
	rec.b.UpdatedAt = c.now()
	b := rec.b
	holdID := rec.holdID
	rec.holdID = "" // captured below, nothing left to release
	// The slot follows the id before Cancel can see the new one.
	rebound := b.ID == localID || c.slots.Rebind(b.RiderID, localID, b.ID)
	c.mu.Unlock()

	if !rebound {
		c.logger.Warn("booking_slot_lost", "rider_id", b.RiderID, "booking_id", b.ID)
	}
	if holdID != "" && c.fares != nil {
		if err := c.fares.Capture(ctx, holdID); err != nil {
			c.logger.Warn("fare_capture_failed", "booking_id", b.ID, "error", err)
		}
	}
	c.record(ctx, b, false)
	c.invalidate(ctx)
	c.logger.Info("booking_confirmed", "booking_id", b.ID, "rider_id", b.RiderID, "vehicle_id", b.VehicleID, "seat", b.SeatNumber)
	return b, nil
}

// remoteRef is what the backend deletes by: its booking id, or the bus id
// when it assigned none.
func remoteRef(res backend.BookingResult, b models.Booking) string {
	if res.ID != "" {
		return res.ID
	}
	if res.VehicleID != "" {
		return res.VehicleID
	}
	return b.VehicleID
}

func (c *Coordinator) fail(ctx context.Context, rec *record, message string) models.Booking {
	c.mu.Lock()
	if rec.b.Status == models.BookingCancelled {
		b := rec.b
		holdID := rec.holdID
		c.mu.Unlock()
		c.releaseHold(ctx, holdID)
		return b
	}
	rec.b.Status = models.BookingFailed
	rec.b.Message = message
	rec.b.UpdatedAt = c.now()
	b := rec.b
	holdID := rec.holdID
	c.mu.Unlock()

	c.slots.Release(b.RiderID, b.ID)
	c.releaseHold(ctx, holdID)
	c.record(ctx, b, false)
	return b
}

// Cancel moves a booking to Cancelled. Cancelling twice is a no-op and
// issues no second request. The transition is optimistic: it happens
// even if the backend call fails or times out, in which case a
// *CancelWarning is returned alongside the cancelled booking.
func (c *Coordinator) Cancel(ctx context.Context, bookingID string) (models.Booking, error) {
	const op = "booking.cancel"
	c.mu.Lock()
	rec, ok := c.records[bookingID]
	if !ok {
		c.mu.Unlock()
		return models.Booking{}, apperr.New(apperr.NotFound, op, "unknown booking "+bookingID)
	}
	prev := rec.b.Status
	if prev == models.BookingCancelled {
		b := rec.b
		c.mu.Unlock()
		return b, nil
	}
	rec.b.Status = models.BookingCancelled
	rec.b.UpdatedAt = c.now()
	b := rec.b
	ref := rec.remoteRef
	holdID := rec.holdID
	c.mu.Unlock()

	c.slots.Release(b.RiderID, b.ID)
	c.record(ctx, b, false)
	c.logger.Info("booking_cancelled", "booking_id", b.ID, "rider_id", b.RiderID, "previous", prev)

	switch prev {
	case models.BookingPending:
		// Reserve is still in flight and will undo the server booking.
		return b, nil
	case models.BookingFailed:
		return b, nil
	}

	c.releaseHold(ctx, holdID)
	c.invalidate(ctx)
	if err := c.deleteRemote(ctx, b, ref); err != nil {
		return b, err
	}
	return b, nil
}

func (c *Coordinator) deleteRemote(ctx context.Context, b models.Booking, ref string) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cancelTimeout)
	defer cancel()
	if err := c.backend.CancelBooking(dctx, ref); err != nil {
		c.logger.Warn("booking_cancel_unconfirmed", "booking_id", b.ID, "rider_id", b.RiderID, "error", err)
		return &CancelWarning{Booking: b, Err: err}
	}
	return nil
}

func (c *Coordinator) releaseHold(ctx context.Context, holdID string) {
	if holdID == "" || c.fares == nil {
		return
	}
	if err := c.fares.Release(context.WithoutCancel(ctx), holdID); err != nil {
		c.logger.Warn("fare_release_failed", "hold_id", holdID, "error", err)
	}
}

func (c *Coordinator) invalidate(ctx context.Context) {
	if c.invalidator != nil {
		c.invalidator.Invalidate(ctx)
	}
}

// record journals a transition. Journal errors never fail a booking.
func (c *Coordinator) record(ctx context.Context, b models.Booking, created bool) {
	observability.BookingTransitions.WithLabelValues(string(b.Status)).Inc()
	if c.journal == nil {
		return
	}
	var err error
	if created {
		err = c.journal.SaveBooking(ctx, &b)
	} else {
		err = c.journal.UpdateBooking(ctx, &b)
	}
	if err != nil {
		c.logger.Warn("booking_journal_failed", "booking_id", b.ID, "status", b.Status, "error", err)
	}
}

// Get returns the local state of a booking.
func (c *Coordinator) Get(bookingID string) (models.Booking, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[bookingID]
	if !ok {
		return models.Booking{}, false
	}
	return rec.b, true
}

// Active returns the rider's pending or confirmed booking, if any.
func (c *Coordinator) Active(riderID string) (models.Booking, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range c.records {
		if rec.b.RiderID == riderID && rec.b.Status.Active() {
			return rec.b, true
		}
	}
	return models.Booking{}, false
}

// History lists the rider's journaled bookings, newest first.
func (c *Coordinator) History(ctx context.Context, riderID string) ([]models.Booking, error) {
	if c.journal == nil {
		return nil, nil
	}
	return c.journal.ByRider(ctx, riderID)
}

// Reset forgets every booking. Called at logout. A reservation still in
// flight is undone server side when its response arrives.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.records = make(map[string]*record)
	c.mu.Unlock()
}

// IsCancelWarning reports whether err is an unconfirmed cancellation.
func IsCancelWarning(err error) bool {
	var w *CancelWarning
	return errors.As(err, &w)
}
