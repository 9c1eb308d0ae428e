package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/bus-tracking/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an open handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings(id, request_token, vehicle_id, route_id, rider_id, seat_number, travel_date, fare, status, message, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) ON CONFLICT (request_token) DO NOTHING`,
		b.ID, b.RequestToken, b.VehicleID, b.RouteID, b.RiderID, b.SeatNumber, b.Date, b.Fare, string(b.Status), b.Message, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	_, err := p.db.ExecContext(ctx, `UPDATE bookings SET id=$1, seat_number=$2, fare=$3, status=$4, message=$5, updated_at=$6 WHERE request_token=$7`,
		b.ID, b.SeatNumber, b.Fare, string(b.Status), b.Message, b.UpdatedAt, b.RequestToken)
	return err
}

func (p *PostgresStore) ByRider(ctx context.Context, riderID string) ([]models.Booking, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, request_token, vehicle_id, COALESCE(route_id,''), rider_id, COALESCE(seat_number,''), COALESCE(travel_date,''), fare, status, COALESCE(message,''), created_at, updated_at FROM bookings WHERE rider_id=$1 ORDER BY created_at DESC`, riderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Booking
	for rows.Next() {
		var b models.Booking
		var status string
		if err := rows.Scan(&b.ID, &b.RequestToken, &b.VehicleID, &b.RouteID, &b.RiderID, &b.SeatNumber, &b.Date, &b.Fare, &status, &b.Message, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Status = models.BookingStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Migrate runs a schema script.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
