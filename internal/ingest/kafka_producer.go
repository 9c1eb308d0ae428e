// Package ingest mirrors normalized bus positions onto a Kafka topic and
// decodes them again on the consumer side.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/bus-tracking/internal/geo"
	"github.com/example/bus-tracking/internal/models"
)

// PositionMessage is the wire form of one position on the topic. Messages
// are keyed by vehicle id so one vehicle's positions stay ordered within
// a partition.
type PositionMessage struct {
	VehicleID  string    `json:"vehicle_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	ETAMinutes *int      `json:"eta_minutes,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

func (m PositionMessage) Point() models.GeoPoint {
	return models.GeoPoint{Latitude: m.Latitude, Longitude: m.Longitude}
}

// DecodePosition parses and validates one message value.
func DecodePosition(value []byte) (PositionMessage, error) {
	var m PositionMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return PositionMessage{}, fmt.Errorf("decode position: %w", err)
	}
	if m.VehicleID == "" {
		return PositionMessage{}, fmt.Errorf("decode position: missing vehicle_id")
	}
	if err := geo.Validate(m.Point()); err != nil {
		return PositionMessage{}, fmt.Errorf("decode position: %w", err)
	}
	return m, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w}
}

// PublishPosition writes u to the topic. It satisfies feed.Publisher.
func (k *KafkaProducer) PublishPosition(ctx context.Context, u models.PositionUpdate) error {
	b, err := json.Marshal(PositionMessage{
		VehicleID:  u.VehicleID,
		Latitude:   u.Point.Latitude,
		Longitude:  u.Point.Longitude,
		ETAMinutes: u.ETAMinutes,
		ObservedAt: u.ObservedAt.UTC(),
	})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.VehicleID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
