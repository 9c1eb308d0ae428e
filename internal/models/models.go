package models

import "time"

// GeoPoint is a WGS84 coordinate. JSON field names follow the backend.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RoutePath is an ordered start-to-destination path. Treat it as immutable:
// refreshes replace the whole slice.
type RoutePath []GeoPoint

// Clone returns a copy that does not share the backing array.
func (r RoutePath) Clone() RoutePath {
	if r == nil {
		return nil
	}
	out := make(RoutePath, len(r))
	copy(out, r)
	return out
}

type PositionUpdate struct {
	VehicleID  string    `json:"vehicle_id"`
	Point      GeoPoint  `json:"point"`
	ETAMinutes *int      `json:"eta_minutes,omitempty"` // nil when the backend did not report one
	ObservedAt time.Time `json:"observed_at"`
	Trail      RoutePath `json:"trail,omitempty"`
}

type Vehicle struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	RouteID   string  `json:"route_id"`
	RouteName string  `json:"route_name,omitempty"`
	Capacity  int     `json:"capacity"`
	Fare      float64 `json:"fare"`
}

type Route struct {
	ID          string  `json:"id"`
	Name        string  `json:"route_name"`
	Source      string  `json:"source"`
	Destination string  `json:"destination"`
	Fare        float64 `json:"fare"`
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingFailed    BookingStatus = "failed"
	BookingCancelled BookingStatus = "cancelled"
)

// Active reports whether the booking occupies the rider's active slot.
func (s BookingStatus) Active() bool {
	return s == BookingPending || s == BookingConfirmed
}

type Booking struct {
	ID           string        `json:"id"`
	RequestToken string        `json:"request_token"`
	VehicleID    string        `json:"vehicle_id"`
	RouteID      string        `json:"route_id,omitempty"`
	RiderID      string        `json:"rider_id"`
	SeatNumber   string        `json:"seat_number"`
	Date         string        `json:"date,omitempty"`
	Fare         float64       `json:"fare"`
	Status       BookingStatus `json:"status"`
	Message      string        `json:"message,omitempty"` // server message for failed bookings
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type Role string

const (
	RoleUser   Role = "user"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

// Account is the identity returned by a login endpoint.
type Account struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
