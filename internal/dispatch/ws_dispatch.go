package dispatch

import (
	"log/slog"
	"sync"

	"github.com/example/bus-tracking/internal/tracker"
)

// Conn is the part of *websocket.Conn a session writes through.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// WSSession represents one connected viewer of a vehicle.
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(f tracker.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(f)
}

func (s *WSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// WSRegistry holds viewer sessions grouped by vehicle.
type WSRegistry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{logger: logger, sessions: make(map[string]map[*WSSession]struct{})}
}

// Add registers conn as a viewer of vehicleID.
func (r *WSRegistry) Add(vehicleID string, conn Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[vehicleID]
	if !ok {
		set = make(map[*WSSession]struct{})
		r.sessions[vehicleID] = set
	}
	set[s] = struct{}{}
	return s
}

// Remove drops the session and reports how many viewers remain.
func (r *WSRegistry) Remove(vehicleID string, s *WSSession) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.sessions[vehicleID]
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, vehicleID)
	}
	return len(set)
}

func (r *WSRegistry) Viewers(vehicleID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[vehicleID])
}

// Broadcast sends the frame to every viewer of its vehicle. Sessions that
// fail a write are closed; their reader loop then removes them.
func (r *WSRegistry) Broadcast(f tracker.Frame) int {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[f.VehicleID]))
	for s := range r.sessions[f.VehicleID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if err := s.Send(f); err != nil {
			r.logger.Warn("ws_send_failed", "vehicle_id", f.VehicleID, "error", err)
			_ = s.Close()
			continue
		}
		sent++
	}
	return sent
}

// CloseAll disconnects every viewer.
func (r *WSRegistry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]map[*WSSession]struct{})
	r.mu.Unlock()
	for _, set := range all {
		for s := range set {
			_ = s.Close()
		}
	}
}
