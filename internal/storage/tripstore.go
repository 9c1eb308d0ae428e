package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/bus-tracking/internal/models"
)

// BookingStore journals booking state transitions and answers a rider's
// booking history from the journal.
type BookingStore interface {
	SaveBooking(ctx context.Context, b *models.Booking) error
	UpdateBooking(ctx context.Context, b *models.Booking) error
	ByRider(ctx context.Context, riderID string) ([]models.Booking, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]models.Booking // keyed by request token, which never changes
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]models.Booking)}
}

func (m *MemoryStore) SaveBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.RequestToken] = *b
	return nil
}

func (m *MemoryStore) UpdateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.RequestToken] = *b
	return nil
}

// ByRider lists a rider's bookings, newest first.
func (m *MemoryStore) ByRider(_ context.Context, riderID string) ([]models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Booking
	for _, b := range m.bookings {
		if b.RiderID == riderID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
