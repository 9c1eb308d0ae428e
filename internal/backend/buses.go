package backend

import (
	"context"
	"net/http"
	"net/url"

	"github.com/example/bus-tracking/internal/models"
)

type vehicleDTO struct {
	ID          flexString `json:"id"`
	Name        flexString `json:"name"`
	RouteID     flexString `json:"route_id"`
	RouteIDAlt  flexString `json:"routeId"`
	RouteName   flexString `json:"route_name"`
	Capacity    flexInt    `json:"capacity"`
	Fare        flexFloat  `json:"fare"`
	Source      flexString `json:"source"`
	Destination flexString `json:"destination"`
}

func (v vehicleDTO) model() models.Vehicle {
	return models.Vehicle{
		ID:        firstNonEmpty(v.ID, v.Name),
		Name:      string(v.Name),
		RouteID:   firstNonEmpty(v.RouteID, v.RouteIDAlt),
		RouteName: string(v.RouteName),
		Capacity:  int(v.Capacity),
		Fare:      float64(v.Fare),
	}
}

func vehicles(in []vehicleDTO) []models.Vehicle {
	out := make([]models.Vehicle, 0, len(in))
	for _, v := range in {
		out = append(out, v.model())
	}
	return out
}

type routeDTO struct {
	ID          flexString `json:"id"`
	Name        flexString `json:"route_name"`
	Source      flexString `json:"source"`
	Destination flexString `json:"destination"`
	Fare        flexFloat  `json:"fare"`
}

func (r routeDTO) model() models.Route {
	return models.Route{
		ID:          string(r.ID),
		Name:        string(r.Name),
		Source:      string(r.Source),
		Destination: string(r.Destination),
		Fare:        float64(r.Fare),
	}
}

func (c *Client) ListVehicles(ctx context.Context) ([]models.Vehicle, error) {
	var out []vehicleDTO
	if err := c.do(ctx, "buses.list", http.MethodGet, "/buses", nil, nil, nil, &out); err != nil {
		return nil, err
	}
	return vehicles(out), nil
}

func (c *Client) GetVehicle(ctx context.Context, id string) (models.Vehicle, error) {
	var out vehicleDTO
	if err := c.do(ctx, "buses.get", http.MethodGet, "/buses/"+url.PathEscape(id), nil, nil, nil, &out); err != nil {
		return models.Vehicle{}, err
	}
	return out.model(), nil
}

// SearchVehicles queries buses running source -> destination on date.
func (c *Client) SearchVehicles(ctx context.Context, source, destination, date string) ([]models.Vehicle, error) {
	q := url.Values{}
	q.Set("source", source)
	q.Set("destination", destination)
	q.Set("date", date)
	var out []vehicleDTO
	if err := c.do(ctx, "buses.search", http.MethodGet, "/buses/search", q, nil, nil, &out); err != nil {
		return nil, err
	}
	return vehicles(out), nil
}

// RemoveVehicle is the admin fleet removal call.
func (c *Client) RemoveVehicle(ctx context.Context, id string) error {
	var out successBody
	if err := c.do(ctx, "admin.bus.delete", http.MethodDelete, "/admin/bus/"+url.PathEscape(id), nil, nil, nil, &out); err != nil {
		return err
	}
	return out.check("admin.bus.delete")
}

func (c *Client) ListRoutes(ctx context.Context) ([]models.Route, error) {
	var in []routeDTO
	if err := c.do(ctx, "routes.list", http.MethodGet, "/routes", nil, nil, nil, &in); err != nil {
		return nil, err
	}
	out := make([]models.Route, 0, len(in))
	for _, r := range in {
		out = append(out, r.model())
	}
	return out, nil
}

func (c *Client) GetRoute(ctx context.Context, id string) (models.Route, error) {
	var out routeDTO
	if err := c.do(ctx, "routes.get", http.MethodGet, "/routes/"+url.PathEscape(id), nil, nil, nil, &out); err != nil {
		return models.Route{}, err
	}
	return out.model(), nil
}
