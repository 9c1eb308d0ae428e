package feed

import (
	"context"

	"github.com/example/bus-tracking/internal/apperr"
	"github.com/example/bus-tracking/internal/geo"
	"github.com/example/bus-tracking/internal/models"
)

type PositionSink interface {
	ReportPosition(ctx context.Context, vehicleID string, p models.GeoPoint) error
}

// Reporter pushes a driver's own position to the backend.
type Reporter struct {
	Sink PositionSink
}

// Report validates p before any network call.
func (r *Reporter) Report(ctx context.Context, vehicleID string, p models.GeoPoint) error {
	if vehicleID == "" {
		return apperr.Validationf("feed.report", "vehicle id is required")
	}
	if err := geo.Validate(p); err != nil {
		return apperr.Wrap(apperr.Validation, "feed.report", err)
	}
	return r.Sink.ReportPosition(ctx, vehicleID, p)
}
