// Package dispatch streams rendered tracker frames to websocket viewers.
// A vehicle is polled and animated only while at least one viewer is
// connected to it.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/bus-tracking/internal/feed"
	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/tracker"
)

type Feed interface {
	StartTracking(vehicleID string, handler feed.Handler) (*feed.Handle, error)
}

// routeLoader hands the first tracking document to the tracker as a whole
// route, so the marker is animated along it, and later documents as
// single position updates. Feed callbacks for one handle are serialized.
type routeLoader struct {
	*tracker.Tracker
	loaded bool
}

func (r *routeLoader) HandleUpdate(u models.PositionUpdate) {
	if r.loaded || len(u.Trail) < 2 {
		r.loaded = true
		_ = r.Apply(u)
		return
	}
	r.loaded = true
	if err := r.LoadRoute(u.Trail, u.ETAMinutes); err != nil {
		_ = r.Apply(u)
		return
	}
	if u.Point != u.Trail[len(u.Trail)-1] {
		_ = r.Apply(u)
	}
}

type stream struct {
	tracker *tracker.Tracker
	handle  *feed.Handle
	cancel  context.CancelFunc
	done    chan struct{}
}

type Streamer struct {
	feed     Feed
	registry *WSRegistry
	opts     tracker.Options
	logger   *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

func NewStreamer(f Feed, registry *WSRegistry, opts tracker.Options, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{feed: f, registry: registry, opts: opts, logger: logger, streams: make(map[string]*stream)}
}

// Join adds a viewer. The first viewer of a vehicle starts its poller and
// animation loop; later viewers get the current frame and the full route
// straight away.
func (s *Streamer) Join(vehicleID string, conn Conn) (*WSSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[vehicleID]
	if !ok {
		t := tracker.New(vehicleID, s.opts, s.logger)
		h, err := s.feed.StartTracking(vehicleID, &routeLoader{Tracker: t})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		st = &stream{tracker: t, handle: h, cancel: cancel, done: make(chan struct{})}
		s.streams[vehicleID] = st
		go func() {
			defer close(st.done)
			t.Run(ctx, func(f tracker.Frame) { s.registry.Broadcast(f) })
		}()
		s.logger.Info("stream_started", "vehicle_id", vehicleID)
	}

	sess := s.registry.Add(vehicleID, conn)
	s.logger.Debug("viewer_joined", "vehicle_id", vehicleID, "viewers", s.registry.Viewers(vehicleID))
	if f, ok := st.tracker.Snapshot(); ok {
		if err := sess.Send(f); err != nil {
			s.logger.Warn("ws_send_failed", "vehicle_id", vehicleID, "error", err)
		}
	}
	return sess, nil
}

// Leave removes a viewer and stops the vehicle's stream when it was the
// last one.
func (s *Streamer) Leave(vehicleID string, sess *WSSession) {
	s.mu.Lock()
	if s.registry.Remove(vehicleID, sess) > 0 {
		s.mu.Unlock()
		return
	}
	st, ok := s.streams[vehicleID]
	delete(s.streams, vehicleID)
	s.mu.Unlock()
	if ok {
		st.stop()
		s.logger.Info("stream_stopped", "vehicle_id", vehicleID)
	}
}

// Active reports whether a vehicle currently has a running stream.
func (s *Streamer) Active(vehicleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[vehicleID]
	return ok
}

// StopAll ends every stream and disconnects every viewer.
func (s *Streamer) StopAll() {
	s.mu.Lock()
	all := s.streams
	s.streams = make(map[string]*stream)
	s.mu.Unlock()
	for _, st := range all {
		st.stop()
	}
	s.registry.CloseAll()
}

func (st *stream) stop() {
	st.handle.Stop()
	st.cancel()
	<-st.done
}
