package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/bus-tracking/internal/apperr"
	"github.com/example/bus-tracking/internal/models"
)

// Tracking is the raw tracking document for one vehicle.
type Tracking struct {
	Route      models.RoutePath
	Latest     *models.GeoPoint
	LatestAt   time.Time // zero when the backend sent no usable timestamp
	ETAMinutes *int
}

type trackingPoint struct {
	Latitude  flexFloat  `json:"latitude"`
	Longitude flexFloat  `json:"longitude"`
	Timestamp flexString `json:"timestamp"`
}

func (p trackingPoint) point() models.GeoPoint {
	return models.GeoPoint{Latitude: float64(p.Latitude), Longitude: float64(p.Longitude)}
}

type trackingResponse struct {
	Route          []trackingPoint `json:"route"`
	LatestPosition *trackingPoint  `json:"latest_position"`
	ETA            *flexFloat      `json:"eta"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// GetTracking fetches the tracking document. A null body is NotFound.
func (c *Client) GetTracking(ctx context.Context, vehicleID string) (Tracking, error) {
	const op = "tracking.get"
	var resp *trackingResponse
	if err := c.do(ctx, op, http.MethodGet, "/tracking/"+url.PathEscape(vehicleID), nil, nil, nil, &resp); err != nil {
		return Tracking{}, err
	}
	if resp == nil {
		return Tracking{}, apperr.New(apperr.NotFound, op, "no tracking data for "+vehicleID)
	}

	out := Tracking{Route: make(models.RoutePath, 0, len(resp.Route))}
	for _, p := range resp.Route {
		out.Route = append(out.Route, p.point())
	}

	latest := resp.LatestPosition
	if latest == nil && len(resp.Route) > 0 {
		latest = &resp.Route[len(resp.Route)-1]
	}
	if latest != nil {
		pt := latest.point()
		out.Latest = &pt
		out.LatestAt = parseTimestamp(string(latest.Timestamp))
	}
	if resp.ETA != nil {
		eta := int(*resp.ETA)
		out.ETAMinutes = &eta
	}
	return out, nil
}

type positionReport struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ReportPosition is the driver-side position push.
func (c *Client) ReportPosition(ctx context.Context, vehicleID string, p models.GeoPoint) error {
	const op = "tracking.report"
	var out successBody
	if err := c.do(ctx, op, http.MethodPost, "/tracking/"+url.PathEscape(vehicleID), nil, nil, positionReport{Latitude: p.Latitude, Longitude: p.Longitude}, &out); err != nil {
		return err
	}
	return out.check(op)
}
