package backend

import (
	"context"
	"net/http"
	"net/url"

	"github.com/example/bus-tracking/internal/apperr"
)

// successBody is the {success, message} envelope used by write endpoints.
// A missing success flag counts as success.
type successBody struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

func (s successBody) check(op string) error {
	if s.Success != nil && !*s.Success {
		return apperr.New(apperr.Conflict, op, orDefault(s.Message, "request rejected"))
	}
	return nil
}

// BookingRequest is one seat reservation. RequestToken makes retries of
// the same reservation idempotent on the server.
type BookingRequest struct {
	RequestToken string
	RiderID      string
	VehicleID    string
	RouteID      string
	Seat         string
	Date         string
	Fare         float64
}

// BookingResult carries the server-authoritative fields of a booking.
// ID is empty when the server did not assign one.
type BookingResult struct {
	ID        string
	Seat      string
	Fare      float64
	VehicleID string
	RouteID   string
	Message   string
}

type bookingPayload struct {
	UserID       string  `json:"userId"`
	BusID        string  `json:"busId"`
	RouteID      string  `json:"routeId"`
	Seat         string  `json:"seat"`
	Date         string  `json:"date"`
	Fare         float64 `json:"fare"`
	RequestToken string  `json:"requestToken"`
}

type bookingDTO struct {
	ID         flexString `json:"id"`
	BookingID  flexString `json:"booking_id"`
	Seat       flexString `json:"seat"`
	SeatNumber flexString `json:"seat_number"`
	Fare       flexFloat  `json:"fare"`
	BusID      flexString `json:"bus_id"`
	BusIDAlt   flexString `json:"busId"`
	RouteID    flexString `json:"route_id"`
	RouteIDAlt flexString `json:"routeId"`
}

type bookingResponse struct {
	successBody
	Booking   *bookingDTO `json:"booking"`
	BookedBus *bookingDTO `json:"bookedBus"`
	bookingDTO
}

// CreateBooking posts a reservation. A 2xx response with success=false is
// reported as a conflict carrying the server message.
func (c *Client) CreateBooking(ctx context.Context, req BookingRequest) (BookingResult, error) {
	const op = "bookings.create"
	payload := bookingPayload{
		UserID:       req.RiderID,
		BusID:        req.VehicleID,
		RouteID:      req.RouteID,
		Seat:         req.Seat,
		Date:         req.Date,
		Fare:         req.Fare,
		RequestToken: req.RequestToken,
	}
	headers := map[string]string{"Idempotency-Key": req.RequestToken}

	var resp bookingResponse
	if err := c.do(ctx, op, http.MethodPost, "/bookings", nil, headers, payload, &resp); err != nil {
		return BookingResult{}, err
	}
	if err := resp.check(op); err != nil {
		return BookingResult{}, err
	}

	dto := resp.bookingDTO
	if resp.Booking != nil {
		dto = *resp.Booking
	} else if resp.BookedBus != nil {
		dto = *resp.BookedBus
	}
	return BookingResult{
		ID:        firstNonEmpty(dto.ID, dto.BookingID),
		Seat:      firstNonEmpty(dto.Seat, dto.SeatNumber),
		Fare:      float64(dto.Fare),
		VehicleID: firstNonEmpty(dto.BusID, dto.BusIDAlt),
		RouteID:   firstNonEmpty(dto.RouteID, dto.RouteIDAlt),
		Message:   resp.Message,
	}, nil
}

// CancelBooking deletes a booking by the reference the backend knows it by.
func (c *Client) CancelBooking(ctx context.Context, ref string) error {
	const op = "bookings.delete"
	var out successBody
	if err := c.do(ctx, op, http.MethodDelete, "/bookings/"+url.PathEscape(ref), nil, nil, nil, &out); err != nil {
		return err
	}
	return out.check(op)
}
