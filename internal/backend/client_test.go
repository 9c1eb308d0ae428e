package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/bus-tracking/internal/apperr"
	"github.com/example/bus-tracking/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", 2*time.Second)
}

func TestLoginUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user/login" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "a@b.c" || body["password"] != "pw" {
			t.Errorf("unexpected body %v", body)
		}
		w.Write([]byte(`{"user":{"id":7,"name":"Asha","email":"a@b.c"}}`))
	})
	acct, err := c.Login(context.Background(), models.RoleUser, "a@b.c", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if acct.ID != "7" || acct.Name != "Asha" {
		t.Fatalf("unexpected account %+v", acct)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Invalid credentials"}`))
	})
	_, err := c.Login(context.Background(), models.RoleDriver, "x", "y")
	if !errors.Is(err, apperr.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if apperr.MessageOf(err) != "Invalid credentials" {
		t.Fatalf("message not preserved: %q", apperr.MessageOf(err))
	}
}

func TestSearchVehiclesDecodesCSVRows(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("source") != "Amritsar" || q.Get("destination") != "Chandigarh" || q.Get("date") != "2024-05-01" {
			t.Errorf("unexpected query %v", q)
		}
		w.Write([]byte(`[{"id":"1","name":"PB Express","route_id":"R1","capacity":"40","fare":"350.5","route_name":"AMR-CHD"},
			{"id":2,"name":"SuperFast","routeId":"R1","capacity":30,"fare":300}]`))
	})
	got, err := c.SearchVehicles(context.Background(), "Amritsar", "Chandigarh", "2024-05-01")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 vehicles, got %d", len(got))
	}
	if got[0].Capacity != 40 || got[0].Fare != 350.5 || got[0].RouteName != "AMR-CHD" {
		t.Fatalf("unexpected first vehicle %+v", got[0])
	}
	if got[1].ID != "2" || got[1].RouteID != "R1" {
		t.Fatalf("unexpected second vehicle %+v", got[1])
	}
}

func TestCreateBookingSendsIdempotencyKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") != "tok-1" {
			t.Errorf("missing idempotency key")
		}
		var p map[string]any
		_ = json.NewDecoder(r.Body).Decode(&p)
		if p["userId"] != "R1" || p["busId"] != "1" || p["requestToken"] != "tok-1" {
			t.Errorf("unexpected payload %v", p)
		}
		w.Write([]byte(`{"success":true,"booking":{"id":"B-99","seat":"12A","fare":"350"}}`))
	})
	res, err := c.CreateBooking(context.Background(), BookingRequest{RequestToken: "tok-1", RiderID: "R1", VehicleID: "1", Seat: "any"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.ID != "B-99" || res.Seat != "12A" || res.Fare != 350 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCreateBookingFlatResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"user_id":"R1","bus_id":"1","seat":"4","fare":"300","name":"Bus 1"}`))
	})
	res, err := c.CreateBooking(context.Background(), BookingRequest{RequestToken: "t", RiderID: "R1", VehicleID: "1", Seat: "4"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.ID != "" || res.Seat != "4" || res.VehicleID != "1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCreateBookingRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"Seat unavailable"}`))
	})
	_, err := c.CreateBooking(context.Background(), BookingRequest{RequestToken: "t"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if apperr.MessageOf(err) != "Seat unavailable" {
		t.Fatalf("message lost: %v", err)
	}
}

func TestGetTrackingUsesLatestPosition(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"route":[{"latitude":31.6,"longitude":74.8,"timestamp":"2024-05-01 10:00:00"},
			{"latitude":31.5,"longitude":75.0,"timestamp":"2024-05-01 10:05:00"}],
			"latest_position":{"latitude":31.5,"longitude":75.0,"timestamp":"2024-05-01 10:05:00"},"eta":15}`))
	})
	tr, err := c.GetTracking(context.Background(), "1")
	if err != nil {
		t.Fatalf("tracking: %v", err)
	}
	if len(tr.Route) != 2 || tr.Latest == nil || tr.Latest.Longitude != 75.0 {
		t.Fatalf("unexpected tracking %+v", tr)
	}
	if tr.ETAMinutes == nil || *tr.ETAMinutes != 15 {
		t.Fatalf("unexpected eta %v", tr.ETAMinutes)
	}
	want := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	if !tr.LatestAt.Equal(want) {
		t.Fatalf("unexpected timestamp %v", tr.LatestAt)
	}
}

func TestGetTrackingNullIsNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`null`))
	})
	_, err := c.GetTracking(context.Background(), "9")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNetworkFailureIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	c := NewClient(url, time.Second)
	_, err := c.ListVehicles(context.Background())
	if !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestServerErrorIsNetwork(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	err := c.CancelBooking(context.Background(), "B-1")
	if !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}
