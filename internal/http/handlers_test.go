package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/bus-tracking/internal/apperr"
	"github.com/example/bus-tracking/internal/backend"
	"github.com/example/bus-tracking/internal/booking"
	"github.com/example/bus-tracking/internal/dispatch"
	"github.com/example/bus-tracking/internal/feed"
	"github.com/example/bus-tracking/internal/fleet"
	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/session"
	"github.com/example/bus-tracking/internal/tracker"
)

type fakeAuth struct{}

func (fakeAuth) Login(ctx context.Context, role models.Role, email, password string) (models.Account, error) {
	if password == "bad" {
		return models.Account{}, apperr.New(apperr.Auth, "auth.login", "Invalid credentials")
	}
	ids := map[models.Role]string{models.RoleUser: "U1", models.RoleDriver: "D1", models.RoleAdmin: "A1"}
	return models.Account{ID: ids[role], Email: email}, nil
}

type fakeFleet struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeFleet) SearchVehicles(ctx context.Context, source, destination, date string) ([]models.Vehicle, error) {
	return []models.Vehicle{{ID: "1", Name: "PB Express", RouteID: "R1", Fare: 350}, {ID: "2", Name: "SuperFast", RouteID: "R1", Fare: 300}}, nil
}

func (f *fakeFleet) ListVehicles(ctx context.Context) ([]models.Vehicle, error) {
	return []models.Vehicle{{ID: "1", Name: "PB Express"}}, nil
}

func (f *fakeFleet) GetVehicle(ctx context.Context, id string) (models.Vehicle, error) {
	return models.Vehicle{}, apperr.New(apperr.NotFound, "buses.get", "Bus not found")
}

func (f *fakeFleet) ListRoutes(ctx context.Context) ([]models.Route, error) {
	return []models.Route{{ID: "R1", Name: "Amritsar - Ludhiana"}}, nil
}

func (f *fakeFleet) GetRoute(ctx context.Context, id string) (models.Route, error) {
	if id != "R1" {
		return models.Route{}, apperr.New(apperr.NotFound, "routes.get", "Route not found")
	}
	return models.Route{ID: "R1", Name: "Amritsar - Ludhiana", Source: "Amritsar", Destination: "Ludhiana"}, nil
}

func (f *fakeFleet) RemoveVehicle(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

type fakeBookings struct {
	mu        sync.Mutex
	n         int
	cancelErr error
}

func (f *fakeBookings) CreateBooking(ctx context.Context, req backend.BookingRequest) (backend.BookingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return backend.BookingResult{ID: "B" + string(rune('0'+f.n)), Seat: "12"}, nil
}

func (f *fakeBookings) CancelBooking(ctx context.Context, ref string) error { return f.cancelErr }

type fakeSink struct {
	mu     sync.Mutex
	points []models.GeoPoint
}

func (f *fakeSink) ReportPosition(ctx context.Context, vehicleID string, p models.GeoPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
	return nil
}

type fixedSource struct{}

func (fixedSource) GetTracking(ctx context.Context, vehicleID string) (backend.Tracking, error) {
	p := models.GeoPoint{Latitude: 31.63, Longitude: 74.87}
	return backend.Tracking{Route: models.RoutePath{p}, Latest: &p}, nil
}

type harness struct {
	srv      *Server
	sess     *session.Session
	fleet    *fakeFleet
	bookings *fakeBookings
	sink     *fakeSink
	feed     *feed.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{fleet: &fakeFleet{}, bookings: &fakeBookings{}, sink: &fakeSink{}}
	h.sess = session.New(fakeAuth{}, nil)
	dir := fleet.NewDirectory(h.fleet, fleet.NewMemoryStore(time.Now), time.Minute, nil)
	coord := booking.NewCoordinator(h.bookings, h.sess, nil, booking.WithInvalidator(dir))
	h.feed = feed.NewClient(fixedSource{}, feed.Options{Interval: 10 * time.Millisecond}, nil)
	t.Cleanup(h.feed.Close)
	streams := dispatch.NewStreamer(h.feed, dispatch.NewWSRegistry(nil),
		tracker.Options{Duration: 30 * time.Millisecond, Samples: 3, IdleEvery: 10 * time.Millisecond}, nil)
	h.srv = NewServer(Deps{
		Session:   h.sess,
		Directory: dir,
		Bookings:  coord,
		Reporter:  &feed.Reporter{Sink: h.sink},
		Streams:   streams,
	}, nil)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func (h *harness) login(t *testing.T, role models.Role) {
	t.Helper()
	rec := h.do(t, "POST", "/api/v1/session/login", map[string]string{"role": string(role), "email": "a@b.c", "password": "pw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s: %d %s", role, rec.Code, rec.Body.String())
	}
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/api/v1/session/login", map[string]string{"role": "user", "email": "a@b.c", "password": "bad"})
	if rec.Code != http.StatusUnauthorized || errorOf(t, rec) != "Invalid credentials" {
		t.Fatalf("expected 401, got %d %s", rec.Code, rec.Body.String())
	}
	rec = h.do(t, "POST", "/api/v1/session/login", map[string]string{"role": "pilot", "email": "a@b.c", "password": "pw"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown role should be 400, got %d", rec.Code)
	}
}

func TestSearchValidatesAndReturnsVehicles(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "GET", "/api/v1/buses/search?source=Amritsar&destination=Ludhiana", nil)
	if rec.Code != http.StatusBadRequest || !strings.Contains(errorOf(t, rec), "date") {
		t.Fatalf("expected 400 naming date, got %d %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, "GET", "/api/v1/buses/search?source=Amritsar&destination=Ludhiana&date=2024-05-01", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body.String())
	}
	var list []models.Vehicle
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 2 {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestGetBusAndRoutes(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, "GET", "/api/v1/buses/9", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := h.do(t, "GET", "/api/v1/buses", nil); rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if rec := h.do(t, "GET", "/api/v1/buses/1", nil); rec.Code != http.StatusOK {
		t.Fatalf("cached vehicle lookup: %d", rec.Code)
	}
	if rec := h.do(t, "GET", "/api/v1/routes", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "route_name") {
		t.Fatalf("routes: %d %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(t, "GET", "/api/v1/routes/R1", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"source":"Amritsar"`) {
		t.Fatalf("route: %d %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(t, "GET", "/api/v1/routes/R9", nil); rec.Code != http.StatusNotFound || errorOf(t, rec) != "Route not found" {
		t.Fatalf("unknown route: %d %s", rec.Code, rec.Body.String())
	}
}

func TestReserveRequiresRider(t *testing.T) {
	h := newHarness(t)
	body := map[string]any{"vehicle_id": "1", "route_id": "R1", "date": "2024-05-01", "fare": 350}
	if rec := h.do(t, "POST", "/api/v1/bookings", body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("signed out should be 401, got %d", rec.Code)
	}
	h.login(t, models.RoleDriver)
	if rec := h.do(t, "POST", "/api/v1/bookings", body); rec.Code != http.StatusForbidden {
		t.Fatalf("driver should be 403, got %d", rec.Code)
	}
}

func TestReserveConflictAndCancel(t *testing.T) {
	h := newHarness(t)
	h.login(t, models.RoleUser)

	body := map[string]any{"vehicle_id": "1", "route_id": "R1", "date": "2024-05-01", "fare": 350}
	rec := h.do(t, "POST", "/api/v1/bookings", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reserve: %d %s", rec.Code, rec.Body.String())
	}
	var b models.Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatal(err)
	}
	if b.Status != models.BookingConfirmed || b.SeatNumber != "12" || b.RiderID != "U1" {
		t.Fatalf("unexpected booking %+v", b)
	}

	body["vehicle_id"] = "2"
	if rec := h.do(t, "POST", "/api/v1/bookings", body); rec.Code != http.StatusConflict {
		t.Fatalf("second reserve should conflict, got %d", rec.Code)
	}
	if rec := h.do(t, "GET", "/api/v1/bookings/active", nil); rec.Code != http.StatusOK {
		t.Fatalf("active: %d", rec.Code)
	}

	if rec := h.do(t, "DELETE", "/api/v1/bookings/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown booking should be 404, got %d", rec.Code)
	}

	h.bookings.cancelErr = apperr.New(apperr.Network, "bookings.delete", "Bad Gateway")
	rec = h.do(t, "DELETE", "/api/v1/bookings/"+b.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	var cr cancelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &cr); err != nil {
		t.Fatal(err)
	}
	if cr.Booking.Status != models.BookingCancelled || !strings.Contains(cr.Warning, "Bad Gateway") {
		t.Fatalf("expected cancelled with warning, got %+v", cr)
	}
	if rec := h.do(t, "GET", "/api/v1/bookings/active", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("no active booking after cancel, got %d", rec.Code)
	}

	rec = h.do(t, "GET", "/api/v1/bookings/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d %s", rec.Code, rec.Body.String())
	}
	var history []models.Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ID != b.ID || history[0].Status != models.BookingCancelled {
		t.Fatalf("history should list the cancelled booking, got %+v", history)
	}
}

func TestLogoutResetsBookings(t *testing.T) {
	h := newHarness(t)
	h.login(t, models.RoleUser)
	body := map[string]any{"vehicle_id": "1", "route_id": "R1", "date": "2024-05-01"}
	if rec := h.do(t, "POST", "/api/v1/bookings", body); rec.Code != http.StatusCreated {
		t.Fatalf("reserve: %d", rec.Code)
	}
	if rec := h.do(t, "POST", "/api/v1/session/logout", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: %d", rec.Code)
	}
	h.login(t, models.RoleUser)
	if rec := h.do(t, "GET", "/api/v1/bookings/active", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("bookings should not survive logout, got %d", rec.Code)
	}
	if rec := h.do(t, "POST", "/api/v1/bookings", body); rec.Code != http.StatusCreated {
		t.Fatalf("slot should be free after logout, got %d", rec.Code)
	}
}

func TestDriverReport(t *testing.T) {
	h := newHarness(t)
	h.login(t, models.RoleDriver)
	rec := h.do(t, "POST", "/api/v1/tracking/7/report", map[string]float64{"latitude": 31.6, "longitude": 74.8})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("report: %d %s", rec.Code, rec.Body.String())
	}
	rec = h.do(t, "POST", "/api/v1/tracking/7/report", map[string]float64{"latitude": 91, "longitude": 74.8})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid point should be 400, got %d", rec.Code)
	}
	if len(h.sink.points) != 1 {
		t.Fatalf("only the valid point should be sent, got %v", h.sink.points)
	}
}

func TestAdminRemoveBus(t *testing.T) {
	h := newHarness(t)
	h.login(t, models.RoleUser)
	if rec := h.do(t, "DELETE", "/api/v1/admin/buses/1", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("user should be 403, got %d", rec.Code)
	}
	h.login(t, models.RoleAdmin)
	if rec := h.do(t, "DELETE", "/api/v1/admin/buses/1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("admin remove: %d", rec.Code)
	}
	if len(h.fleet.removed) != 1 || h.fleet.removed[0] != "1" {
		t.Fatalf("unexpected removals %v", h.fleet.removed)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Request-ID") != "abc" {
		t.Fatalf("unexpected %d %q", rec.Code, rec.Header().Get("X-Request-ID"))
	}
}

func TestTrackingWebsocketStreamsFrames(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/track/7"

	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("signed out dial should be refused with 401, got %v", err)
	}

	h.login(t, models.RoleUser)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f tracker.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.VehicleID != "7" || f.Point.Latitude != 31.63 {
		t.Fatalf("unexpected frame %+v", f)
	}

	h.sess.Logout()
	for {
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
	}
	deadline := time.Now().Add(time.Second)
	for h.feed.Tracking("7") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.feed.Tracking("7") {
		t.Fatal("logout should stop polling")
	}
}
