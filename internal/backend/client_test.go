package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-composer/internal/models"
	"github.com/example/ride-composer/internal/upstream"
)

func TestListVehicles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/vehicles" || r.URL.Query().Get("driverId") != "7" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = io.WriteString(w, `[{"id":1,"capacity":4,"make":"VW","model":"Golf","isDefault":true}]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	vs, err := c.ListVehicles(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 1 || vs[0].Capacity != 4 || !vs[0].IsDefault {
		t.Fatalf("vehicles = %+v", vs)
	}
}

func TestCreateRideRoutesByModeAndNeverRetries(t *testing.T) {
	var hits atomic.Int32
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		path.Store(r.URL.Path)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.CreateRide(context.Background(), models.ModeRecurring, map[string]string{"k": "v"})
	if !upstream.IsNetworkError(err) {
		t.Fatalf("err = %v, want network error", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("create was sent %d times", hits.Load())
	}
	if got := path.Load(); got != "/api/recurring-rides" {
		t.Fatalf("path = %v", got)
	}
}

func TestCreateRideReturnsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = io.WriteString(w, `{"rideId":42}`)
	}))
	defer srv.Close()

	raw, err := NewClient(srv.URL, time.Second).CreateRide(context.Background(), models.ModeOneTime, map[string]int{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"rideId":42}` {
		t.Fatalf("raw = %s", raw)
	}
}

func TestSearchRidesEncodesRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("source") != "Main St" || q.Get("destLat") != "52.5" || q.Get("date") != "2026-11-02" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	d, _ := models.ParseDate("2026-11-02")
	raw, err := NewClient(srv.URL, time.Second).SearchRides(context.Background(), SearchParams{
		From: models.UnresolvedPoint("Main St"),
		To:   models.ResolvedPoint("Station", 52.5, 13.4),
		Date: d,
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "[]" {
		t.Fatalf("raw = %s", raw)
	}
}
