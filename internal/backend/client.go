// Package backend is the HTTP client for the ride service that owns vehicles
// and ride records.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-composer/internal/models"
	"github.com/example/ride-composer/internal/upstream"
)

// Client calls the ride backend. Reads go through the shared upstream policy
// and may be retried once; ride creation is sent exactly once.
type Client struct {
	BaseURL string
	caller  *upstream.Caller
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		caller:  upstream.NewCaller(timeout, nil, ""),
	}
}

// ListVehicles returns the vehicles registered to driverID.
func (c *Client) ListVehicles(ctx context.Context, driverID int64) ([]models.Vehicle, error) {
	q := url.Values{}
	q.Set("driverId", strconv.FormatInt(driverID, 10))
	var out []models.Vehicle
	if err := c.caller.GetJSON(ctx, "list vehicles", c.BaseURL+"/api/vehicles?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Vehicle{}
	}
	return out, nil
}

// SearchParams narrows a rider search to a route and, optionally, a day.
type SearchParams struct {
	From models.LocationPoint
	To   models.LocationPoint
	Date models.Date
}

// SearchRides returns the backend's matching rides unmodified.
func (c *Client) SearchRides(ctx context.Context, p SearchParams) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("source", p.From.Address)
	q.Set("destination", p.To.Address)
	if pt, ok := p.From.Coord(); ok {
		q.Set("sourceLat", formatFloat(pt.Lat))
		q.Set("sourceLng", formatFloat(pt.Lng))
	}
	if pt, ok := p.To.Coord(); ok {
		q.Set("destLat", formatFloat(pt.Lat))
		q.Set("destLng", formatFloat(pt.Lng))
	}
	if !p.Date.IsZero() {
		q.Set("date", p.Date.String())
	}
	var out json.RawMessage
	if err := c.caller.GetJSON(ctx, "search rides", c.BaseURL+"/api/rides/search?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRide posts payload to the creation endpoint for mode and returns the
// raw response body.
func (c *Client) CreateRide(ctx context.Context, mode models.Mode, payload any) (json.RawMessage, error) {
	path, err := createPath(mode)
	if err != nil {
		return nil, err
	}
	return c.caller.PostJSON(ctx, "create ride", c.BaseURL+path, payload)
}

func createPath(mode models.Mode) (string, error) {
	switch mode {
	case models.ModeOneTime:
		return "/api/rides", nil
	case models.ModeScheduled:
		return "/api/scheduled-rides", nil
	case models.ModeRecurring:
		return "/api/recurring-rides", nil
	}
	return "", fmt.Errorf("backend: no create endpoint for mode %q", mode)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
