// Package fleet caches the vehicle directory and answers route searches
// locally until the cached result expires or is invalidated.
package fleet

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/bus-tracking/internal/apperr"
	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/observability"
)

const dateLayout = "2006-01-02"

type Backend interface {
	SearchVehicles(ctx context.Context, source, destination, date string) ([]models.Vehicle, error)
	ListVehicles(ctx context.Context) ([]models.Vehicle, error)
	GetVehicle(ctx context.Context, id string) (models.Vehicle, error)
	ListRoutes(ctx context.Context) ([]models.Route, error)
	GetRoute(ctx context.Context, id string) (models.Route, error)
	RemoveVehicle(ctx context.Context, id string) error
}

type Directory struct {
	backend Backend
	store   Store
	ttl     time.Duration
	logger  *slog.Logger
	group   singleflight.Group
}

// NewDirectory builds a directory. store nil means an in-memory store and
// ttl <= 0 means 60s.
func NewDirectory(b Backend, store Store, ttl time.Duration, logger *slog.Logger) *Directory {
	if store == nil {
		store = NewMemoryStore(nil)
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{backend: b, store: store, ttl: ttl, logger: logger}
}

// Query is a validated search.
type Query struct {
	Source      string
	Destination string
	Date        string
}

// ParseQuery trims and validates search input.
func ParseQuery(source, destination, date string) (Query, error) {
	q := Query{
		Source:      strings.TrimSpace(source),
		Destination: strings.TrimSpace(destination),
		Date:        strings.TrimSpace(date),
	}
	var missing []string
	if q.Source == "" {
		missing = append(missing, "source")
	}
	if q.Destination == "" {
		missing = append(missing, "destination")
	}
	if q.Date == "" {
		missing = append(missing, "date")
	}
	if len(missing) > 0 {
		return Query{}, apperr.Validationf("fleet.search", "%s required", strings.Join(missing, ", "))
	}
	if _, err := time.Parse(dateLayout, q.Date); err != nil {
		return Query{}, apperr.Validationf("fleet.search", "date must be YYYY-MM-DD")
	}
	return q, nil
}

func (q Query) key() string {
	return "search|" + strings.ToLower(q.Source) + "|" + strings.ToLower(q.Destination) + "|" + q.Date
}

// Search returns vehicles for the route on date, from cache when a result
// younger than the TTL exists. On a backend failure no cache entry is
// touched.
func (d *Directory) Search(ctx context.Context, source, destination, date string) ([]models.Vehicle, error) {
	q, err := ParseQuery(source, destination, date)
	if err != nil {
		return nil, err
	}
	return d.cached(ctx, q.key(), func(ctx context.Context) ([]models.Vehicle, error) {
		return d.backend.SearchVehicles(ctx, q.Source, q.Destination, q.Date)
	})
}

// All returns the full vehicle list, cached like a search.
func (d *Directory) All(ctx context.Context) ([]models.Vehicle, error) {
	return d.cached(ctx, "all", d.backend.ListVehicles)
}

// Vehicle looks a vehicle up in the cached list first.
func (d *Directory) Vehicle(ctx context.Context, id string) (models.Vehicle, error) {
	if id == "" {
		return models.Vehicle{}, apperr.Validationf("fleet.vehicle", "vehicle id is required")
	}
	if list, ok, _ := d.store.Get(ctx, "all"); ok {
		for _, v := range list {
			if v.ID == id {
				return v, nil
			}
		}
	}
	return d.backend.GetVehicle(ctx, id)
}

func (d *Directory) Routes(ctx context.Context) ([]models.Route, error) {
	return d.backend.ListRoutes(ctx)
}

func (d *Directory) Route(ctx context.Context, id string) (models.Route, error) {
	if id == "" {
		return models.Route{}, apperr.Validationf("fleet.route", "route id is required")
	}
	return d.backend.GetRoute(ctx, id)
}

// RemoveVehicle deletes a bus from the fleet (admin) and invalidates.
func (d *Directory) RemoveVehicle(ctx context.Context, id string) error {
	if id == "" {
		return apperr.Validationf("fleet.remove", "vehicle id is required")
	}
	if err := d.backend.RemoveVehicle(ctx, id); err != nil {
		return err
	}
	d.Invalidate(ctx)
	return nil
}

// Invalidate drops every cached result.
func (d *Directory) Invalidate(ctx context.Context) {
	if err := d.store.Clear(ctx); err != nil {
		d.logger.Warn("fleet_cache_clear_failed", "error", err)
		return
	}
	d.logger.Debug("fleet_cache_invalidated")
}

func (d *Directory) cached(ctx context.Context, key string, fetch func(context.Context) ([]models.Vehicle, error)) ([]models.Vehicle, error) {
	v, ok, err := d.store.Get(ctx, key)
	if err != nil {
		d.logger.Warn("fleet_cache_read_failed", "key", key, "error", err)
	}
	if ok {
		observability.SearchCacheTotal.WithLabelValues("hit").Inc()
		return cloneVehicles(v), nil
	}
	observability.SearchCacheTotal.WithLabelValues("miss").Inc()

	// Callers only share a fetch that started in their own generation, and
	// a result whose generation was cleared meanwhile is never cached.
	gen, genErr := d.store.Generation(ctx)
	if genErr != nil {
		d.logger.Warn("fleet_cache_read_failed", "key", key, "error", genErr)
	}
	res, err, _ := d.group.Do(strconv.FormatInt(gen, 10)+"|"+key, func() (any, error) {
		list, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if genErr != nil {
			return list, nil
		}
		if err := d.store.Set(ctx, gen, key, list, d.ttl); err != nil {
			d.logger.Warn("fleet_cache_write_failed", "key", key, "error", err)
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneVehicles(res.([]models.Vehicle)), nil
}

func cloneVehicles(in []models.Vehicle) []models.Vehicle {
	out := make([]models.Vehicle, len(in))
	copy(out, in)
	return out
}
