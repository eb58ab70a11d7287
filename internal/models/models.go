package models

import (
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LocationPoint is a place on a ride. Lat and Lng are nil until the point has
// been resolved through a suggestion, a geocode call or a map pin.
type LocationPoint struct {
	Address string   `json:"address"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
}

func ResolvedPoint(address string, lat, lng float64) LocationPoint {
	return LocationPoint{Address: address, Lat: &lat, Lng: &lng}
}

func UnresolvedPoint(address string) LocationPoint {
	return LocationPoint{Address: address}
}

func (p LocationPoint) Resolved() bool {
	return p.Lat != nil && p.Lng != nil
}

// Coord returns the coordinate pair; ok is false for unresolved points.
func (p LocationPoint) Coord() (Coord, bool) {
	if !p.Resolved() {
		return Coord{}, false
	}
	return Coord{Lat: *p.Lat, Lng: *p.Lng}, true
}

// Suggestion is a candidate place returned by the autocomplete service.
// Coordinates is nil when the provider only returned a place identifier.
type Suggestion struct {
	PlaceID       string `json:"placeId,omitempty"`
	Description   string `json:"description"`
	MainText      string `json:"mainText"`
	SecondaryText string `json:"secondaryText"`
	Coordinates   *Coord `json:"coordinates,omitempty"`
}

type Vehicle struct {
	ID        int64  `json:"id"`
	Capacity  int    `json:"capacity"`
	Make      string `json:"make"`
	Model     string `json:"model"`
	IsDefault bool   `json:"isDefault"`
}

// SearchEntry is one remembered route. Entries are identified by the pair of
// addresses, not by coordinates.
type SearchEntry struct {
	From          LocationPoint `json:"from"`
	To            LocationPoint `json:"to"`
	Timestamp     time.Time     `json:"timestamp"`
	Recurring     bool          `json:"recurring"`
	RecurringDays []Weekday     `json:"recurringDays,omitempty"`
}

func SearchEntryKey(e SearchEntry) string {
	return e.From.Address + "\x1f" + e.To.Address
}

// ValidSearchEntry reports whether a persisted entry carries the fields the
// composer needs to prefill a route.
func ValidSearchEntry(e SearchEntry) bool {
	if strings.TrimSpace(e.From.Address) == "" || strings.TrimSpace(e.To.Address) == "" {
		return false
	}
	for _, d := range e.RecurringDays {
		if !d.Valid() {
			return false
		}
	}
	return true
}

type User struct {
	ID   int64  `json:"id"`
	Role string `json:"role"` // driver or rider
}
