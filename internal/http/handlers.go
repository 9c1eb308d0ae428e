// Package httpapi exposes the tracking and booking core over a local
// HTTP and websocket API.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/bus-tracking/internal/apperr"
	"github.com/example/bus-tracking/internal/booking"
	"github.com/example/bus-tracking/internal/dispatch"
	"github.com/example/bus-tracking/internal/feed"
	"github.com/example/bus-tracking/internal/fleet"
	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/session"
)

type Server struct {
	Session   *session.Session
	Directory *fleet.Directory
	Bookings  *booking.Coordinator
	Reporter  *feed.Reporter
	Streams   *dispatch.Streamer

	logger *slog.Logger
	mux    *mux.Router
}

// Deps are the components the API serves. The caller owns them and
// closes them on shutdown.
type Deps struct {
	Session   *session.Session
	Directory *fleet.Directory
	Bookings  *booking.Coordinator
	Reporter  *feed.Reporter
	Streams   *dispatch.Streamer
}

func NewServer(s Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		Session:   s.Session,
		Directory: s.Directory,
		Bookings:  s.Bookings,
		Reporter:  s.Reporter,
		Streams:   s.Streams,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	srv.registerMiddleware()
	srv.routes()
	return srv
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/session/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/session/logout", s.handleLogout).Methods("POST")
	api.HandleFunc("/buses/search", s.handleSearch).Methods("GET")
	api.HandleFunc("/buses", s.handleListBuses).Methods("GET")
	api.HandleFunc("/buses/{id}", s.handleGetBus).Methods("GET")
	api.HandleFunc("/routes", s.handleRoutes).Methods("GET")
	api.HandleFunc("/routes/{id}", s.handleGetRoute).Methods("GET")
	api.HandleFunc("/bookings", s.handleReserve).Methods("POST")
	api.HandleFunc("/bookings/active", s.handleActiveBooking).Methods("GET")
	api.HandleFunc("/bookings/history", s.handleBookingHistory).Methods("GET")
	api.HandleFunc("/bookings/{id}", s.handleCancel).Methods("DELETE")
	api.HandleFunc("/tracking/{vehicle_id}/report", s.handleReport).Methods("POST")
	api.HandleFunc("/admin/buses/{id}", s.handleRemoveBus).Methods("DELETE")

	s.mux.HandleFunc("/ws/track/{vehicle_id}", s.handleTrackWS).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type errorBody struct {
	Error   string `json:"error"`
	Warning string `json:"warning,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		s.logger.Error("request_failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, errorBody{Error: apperr.MessageOf(err)})
}

// requireRole answers 401 when signed out and 403 for the wrong role.
func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, role models.Role) (session.Snapshot, bool) {
	snap, err := s.Session.Require(role)
	if err == nil {
		return snap, true
	}
	if s.Session.Current().Active {
		writeJSON(w, http.StatusForbidden, errorBody{Error: apperr.MessageOf(err)})
		return session.Snapshot{}, false
	}
	s.writeError(w, r, err)
	return session.Snapshot{}, false
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validationf("decode", "invalid request body: %v", err)
	}
	return nil
}

type loginRequest struct {
	Role     models.Role `json:"role"`
	Email    string      `json:"email"`
	Password string      `json:"password"`
}

type sessionResponse struct {
	Role  models.Role `json:"role"`
	ID    string      `json:"id"`
	Name  string      `json:"name,omitempty"`
	Email string      `json:"email,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.Session.Login(r.Context(), req.Role, req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Teardown hooks are consumed by each logout, so register per login.
	if s.Streams != nil {
		s.Session.OnLogout(s.Streams.StopAll)
	}
	if s.Bookings != nil {
		s.Session.OnLogout(s.Bookings.Reset)
	}
	writeJSON(w, http.StatusOK, sessionResponse{Role: snap.Role, ID: snap.Account.ID, Name: snap.Account.Name, Email: snap.Account.Email})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Session.Logout()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.Directory.Search(r.Context(), q.Get("source"), q.Get("destination"), q.Get("date"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListBuses(w http.ResponseWriter, r *http.Request) {
	list, err := s.Directory.All(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetBus(w http.ResponseWriter, r *http.Request) {
	v, err := s.Directory.Vehicle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.Directory.Routes(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	route, err := s.Directory.Route(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

type reserveRequest struct {
	VehicleID string  `json:"vehicle_id"`
	RouteID   string  `json:"route_id"`
	Seat      string  `json:"seat"`
	Date      string  `json:"date"`
	Fare      float64 `json:"fare"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}
	var req reserveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.Reserve(r.Context(), booking.Request{
		RiderID:   snap.UserID(),
		VehicleID: req.VehicleID,
		RouteID:   req.RouteID,
		Seat:      req.Seat,
		Date:      req.Date,
		Fare:      req.Fare,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleActiveBooking(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}
	b, found := s.Bookings.Active(snap.UserID())
	if !found {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no active booking"})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBookingHistory(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}
	list, err := s.Bookings.History(r.Context(), snap.UserID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Booking{}
	}
	writeJSON(w, http.StatusOK, list)
}

type cancelResponse struct {
	Booking models.Booking `json:"booking"`
	Warning string         `json:"warning,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if b, found := s.Bookings.Get(id); !found || b.RiderID != snap.UserID() {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown booking " + id})
		return
	}
	b, err := s.Bookings.Cancel(r.Context(), id)
	var warn *booking.CancelWarning
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, cancelResponse{Booking: b})
	case errors.As(err, &warn):
		writeJSON(w, http.StatusOK, cancelResponse{Booking: b, Warning: "cancelled locally, the server did not confirm: " + apperr.MessageOf(warn.Err)})
	default:
		s.writeError(w, r, err)
	}
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, models.RoleDriver); !ok {
		return
	}
	var p models.GeoPoint
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Reporter.Report(r.Context(), mux.Vars(r)["vehicle_id"], p); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveBus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, models.RoleAdmin); !ok {
		return
	}
	if err := s.Directory.RemoveVehicle(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleTrackWS streams rendered frames for one vehicle until the viewer
// disconnects or the session ends.
func (s *Server) handleTrackWS(w http.ResponseWriter, r *http.Request) {
	if !s.Session.Current().Active {
		s.writeError(w, r, apperr.New(apperr.Auth, "ws", "not signed in"))
		return
	}
	vehicleID := mux.Vars(r)["vehicle_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		return
	}
	sess, err := s.Streams.Join(vehicleID, conn)
	if err != nil {
		s.logger.Warn("stream_join_failed", "vehicle_id", vehicleID, "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, apperr.MessageOf(err)))
		_ = conn.Close()
		return
	}
	defer conn.Close()
	defer s.Streams.Leave(vehicleID, sess)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
