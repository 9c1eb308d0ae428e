package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/bus-tracking/internal/models"
)

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishPositionRoundTrip(t *testing.T) {
	w := &captureWriter{}
	p := &KafkaProducer{writer: w}
	eta := 12
	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	err := p.PublishPosition(context.Background(), models.PositionUpdate{
		VehicleID:  "7",
		Point:      models.GeoPoint{Latitude: 31.63, Longitude: 74.87},
		ETAMinutes: &eta,
		ObservedAt: at,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "7" {
		t.Fatalf("expected one message keyed by vehicle, got %+v", w.msgs)
	}

	m, err := DecodePosition(w.msgs[0].Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.VehicleID != "7" || m.Latitude != 31.63 || m.ETAMinutes == nil || *m.ETAMinutes != 12 || !m.ObservedAt.Equal(at) {
		t.Fatalf("unexpected message %+v", m)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Fatal("close should reach the writer")
	}
}

func TestDecodePositionRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"no vehicle":    `{"latitude":1,"longitude":2}`,
		"out of range":  `{"vehicle_id":"1","latitude":95,"longitude":2}`,
		"bad longitude": `{"vehicle_id":"1","latitude":10,"longitude":-181}`,
	}
	for name, in := range cases {
		if _, err := DecodePosition([]byte(in)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
