// Package geocode talks to a Nominatim compatible geocoder for autocomplete,
// forward and reverse lookups.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/example/ride-composer/internal/geo"
	"github.com/example/ride-composer/internal/logging"
	"github.com/example/ride-composer/internal/models"
	"github.com/example/ride-composer/internal/observability"
	"github.com/example/ride-composer/internal/upstream"
)

const (
	DefaultEndpoint = "https://nominatim.openstreetmap.org"
	suggestLimit    = 5
	nearRadius      = 25000.0
)

// ErrNoMatch is returned by Forward when the geocoder knows no such place.
var ErrNoMatch = errors.New("geocode: no match")

// Client performs lookups against a Nominatim HTTP server.
type Client struct {
	Endpoint string
	caller   *upstream.Caller
	cache    *Cache
	group    singleflight.Group
	log      *slog.Logger
}

type Options struct {
	Endpoint  string
	UserAgent string
	Timeout   time.Duration
	RPS       float64
	CacheTTL  time.Duration
}

func NewClient(opts Options, log *slog.Logger) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	return &Client{
		Endpoint: strings.TrimRight(opts.Endpoint, "/"),
		caller:   upstream.NewCaller(opts.Timeout, limiter, opts.UserAgent),
		cache:    NewCache(opts.CacheTTL),
		log:      logging.OrDefault(log),
	}
}

type nominatimAddress struct {
	Road         string `json:"road"`
	HouseNumber  string `json:"house_number"`
	Postcode     string `json:"postcode"`
	City         string `json:"city"`
	Town         string `json:"town"`
	Village      string `json:"village"`
	Municipality string `json:"municipality"`
	State        string `json:"state"`
	Country      string `json:"country"`
}

// nominatimPlace mirrors the relevant parts of the search/reverse payloads.
type nominatimPlace struct {
	PlaceID     any              `json:"place_id"`
	Name        string           `json:"name"`
	DisplayName string           `json:"display_name"`
	Lat         string           `json:"lat"`
	Lon         string           `json:"lon"`
	Address     nominatimAddress `json:"address"`
	Error       string           `json:"error"`
}

// Suggest returns autocomplete candidates for query, optionally biased
// towards near.
func (c *Client) Suggest(ctx context.Context, query string, near *models.Coord) ([]models.Suggestion, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "jsonv2")
	params.Set("addressdetails", "1")
	params.Set("limit", strconv.Itoa(suggestLimit))
	if near != nil {
		minLng, minLat, maxLng, maxLat := geo.BoundingBox(*near, nearRadius)
		params.Set("viewbox", fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", minLng, maxLat, maxLng, minLat))
	}

	var raw []nominatimPlace
	start := time.Now()
	err := c.caller.GetJSON(ctx, "geocode.suggest", c.Endpoint+"/search?"+params.Encode(), &raw)
	observability.GeocodeLatency.WithLabelValues("suggest").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	out := make([]models.Suggestion, 0, len(raw))
	for _, p := range raw {
		if s, ok := buildSuggestion(p); ok {
			out = append(out, s)
		}
	}
	if near != nil {
		geo.SortByDistance(*near, out)
	}
	return out, nil
}

// Forward resolves a free-text description to a single resolved point.
func (c *Client) Forward(ctx context.Context, query string) (models.LocationPoint, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "jsonv2")
	params.Set("limit", "1")

	var raw []nominatimPlace
	start := time.Now()
	err := c.caller.GetJSON(ctx, "geocode.forward", c.Endpoint+"/search?"+params.Encode(), &raw)
	observability.GeocodeLatency.WithLabelValues("forward").Observe(time.Since(start).Seconds())
	if err != nil {
		return models.LocationPoint{}, err
	}
	for _, p := range raw {
		if coord, ok := parseCoord(p.Lat, p.Lon); ok {
			addr := p.DisplayName
			if addr == "" {
				addr = query
			}
			return models.ResolvedPoint(addr, coord.Lat, coord.Lng), nil
		}
	}
	return models.LocationPoint{}, ErrNoMatch
}

// Reverse returns the formatted address for a coordinate pair. Results are
// cached and concurrent lookups of the same pair share one upstream call.
func (c *Client) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	key := geo.FormatPair(lat, lng)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		params := url.Values{}
		params.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
		params.Set("lon", strconv.FormatFloat(lng, 'f', 6, 64))
		params.Set("format", "jsonv2")

		var p nominatimPlace
		start := time.Now()
		err := c.caller.GetJSON(ctx, "geocode.reverse", c.Endpoint+"/reverse?"+params.Encode(), &p)
		observability.GeocodeLatency.WithLabelValues("reverse").Observe(time.Since(start).Seconds())
		if err != nil {
			return "", err
		}
		if p.Error != "" || strings.TrimSpace(p.DisplayName) == "" {
			return "", fmt.Errorf("geocode.reverse: %w", ErrNoMatch)
		}
		c.cache.Set(key, p.DisplayName)
		return p.DisplayName, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func buildSuggestion(p nominatimPlace) (models.Suggestion, bool) {
	if strings.TrimSpace(p.DisplayName) == "" {
		return models.Suggestion{}, false
	}
	s := models.Suggestion{
		PlaceID:     placeID(p.PlaceID),
		Description: p.DisplayName,
	}
	s.MainText, s.SecondaryText = splitLabel(p)
	if coord, ok := parseCoord(p.Lat, p.Lon); ok {
		s.Coordinates = &coord
	}
	return s, true
}

func splitLabel(p nominatimPlace) (string, string) {
	main := p.Name
	if main == "" && p.Address.Road != "" {
		main = strings.TrimSpace(p.Address.Road + " " + p.Address.HouseNumber)
	}
	if main == "" {
		parts := strings.SplitN(p.DisplayName, ",", 2)
		main = strings.TrimSpace(parts[0])
		if len(parts) == 2 {
			return main, strings.TrimSpace(parts[1])
		}
		return main, ""
	}
	rest := strings.TrimSpace(strings.TrimPrefix(p.DisplayName, main))
	return main, strings.TrimSpace(strings.TrimPrefix(rest, ","))
}

func parseCoord(lat, lon string) (models.Coord, bool) {
	la, err1 := strconv.ParseFloat(lat, 64)
	lo, err2 := strconv.ParseFloat(lon, 64)
	if err1 != nil || err2 != nil || !geo.ValidCoord(la, lo) {
		return models.Coord{}, false
	}
	return models.Coord{Lat: la, Lng: lo}, true
}

func placeID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	return ""
}
