package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-composer/internal/composer"
	"github.com/example/ride-composer/internal/dispatch"
	"github.com/example/ride-composer/internal/models"
	"github.com/example/ride-composer/internal/resolver"
	"github.com/example/ride-composer/internal/storage"
	"github.com/example/ride-composer/internal/submit"
	"github.com/example/ride-composer/internal/upstream"
)

type stubGeocoder struct{}

func (stubGeocoder) Suggest(context.Context, string, *models.Coord) ([]models.Suggestion, error) {
	return []models.Suggestion{{Description: "Main Street"}}, nil
}
func (stubGeocoder) Forward(context.Context, string) (models.LocationPoint, error) {
	return models.LocationPoint{}, &upstream.NetworkError{Op: "forward", Status: 503}
}
func (stubGeocoder) Reverse(context.Context, float64, float64) (string, error) {
	return "", &upstream.NetworkError{Op: "reverse", Status: 503}
}

type stubVehicles struct{}

func (stubVehicles) ListVehicles(context.Context, int64) ([]models.Vehicle, error) {
	return []models.Vehicle{{ID: 5, Capacity: 3, IsDefault: true}}, nil
}

type stubCreator struct {
	resp string
	err  error

	// started and release, when set, hold CreateRide open.
	started chan struct{}
	release chan struct{}
}

func (c *stubCreator) CreateRide(context.Context, models.Mode, any) (json.RawMessage, error) {
	if c.started != nil {
		c.started <- struct{}{}
		<-c.release
	}
	return json.RawMessage(c.resp), c.err
}

func newTestServer(creator *stubCreator) *Server {
	store := storage.NewMemoryStore()
	mgr := composer.NewManager(composer.Deps{
		Geocoder: stubGeocoder{},
		Vehicles: stubVehicles{},
		Pipeline: &submit.Pipeline{Creator: creator, Store: store},
		Store:    store,
		Resolver: resolver.Options{Debounce: 5 * time.Millisecond},
	}, time.Minute)
	return NewServer(mgr, dispatch.NewWSRegistry(nil), nil, nil)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/sessions", `{"userId":7,"role":"driver"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body)
	}
	var v composer.View
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v.Offer.Seats != 3 {
		t.Fatalf("default vehicle not preselected: %+v", v.Offer)
	}
	return v.ID
}

func fillRoute(t *testing.T, h http.Handler, id string) {
	t.Helper()
	base := "/api/v1/sessions/" + id
	for _, call := range []struct{ path, body string }{
		{base + "/locations/from/select", `{"suggestion":{"description":"Home","coordinates":{"lat":52.5,"lng":13.4}}}`},
		{base + "/locations/to/select", `{"suggestion":{"description":"Office","coordinates":{"lat":52.4,"lng":13.5}}}`},
	} {
		if rec := do(t, h, http.MethodPost, call.path, call.body); rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d body=%s", call.path, rec.Code, rec.Body)
		}
	}
	if rec := do(t, h, http.MethodPut, base+"/time", `{"time":"09:15"}`); rec.Code != http.StatusOK {
		t.Fatalf("time status = %d body=%s", rec.Code, rec.Body)
	}
}

func TestCreateSessionValidatesInput(t *testing.T) {
	h := newTestServer(&stubCreator{})
	if rec := do(t, h, http.MethodPost, "/api/v1/sessions", `{"userId":0,"role":"driver"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/sessions", `{"userId":1,"role":"pilot"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/sessions", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	h := newTestServer(&stubCreator{})
	if rec := do(t, h, http.MethodGet, "/api/v1/sessions/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubmitFlow(t *testing.T) {
	h := newTestServer(&stubCreator{resp: `42`})
	id := createSession(t, h)
	fillRoute(t, h, id)

	rec := do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/submit", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d body=%s", rec.Code, rec.Body)
	}
	var res submit.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.RideID != 42 || res.Directive.Screen != submit.ScreenRideDetail || res.Directive.Params["rideId"] != "42" {
		t.Fatalf("result = %+v", res)
	}
}

func TestSubmitValidationIs422(t *testing.T) {
	h := newTestServer(&stubCreator{resp: `42`})
	id := createSession(t, h)
	rec := do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/submit", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	var e errorResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &e)
	if e.Rule != "locations" || e.Field != "from" {
		t.Fatalf("error = %+v", e)
	}
}

func TestSubmitUpstreamFailuresAre502(t *testing.T) {
	for name, creator := range map[string]*stubCreator{
		"network":    {err: &upstream.NetworkError{Op: "create ride", Status: 500}},
		"missing id": {resp: `{}`},
	} {
		t.Run(name, func(t *testing.T) {
			h := newTestServer(creator)
			id := createSession(t, h)
			fillRoute(t, h, id)
			if rec := do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/submit", ""); rec.Code != http.StatusBadGateway {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
			}
		})
	}
}

func TestStagedDateEndpoints(t *testing.T) {
	h := newTestServer(&stubCreator{})
	id := createSession(t, h)
	base := "/api/v1/sessions/" + id

	if rec := do(t, h, http.MethodPut, base+"/mode", `{"mode":"recurring"}`); rec.Code != http.StatusOK {
		t.Fatalf("mode status = %d", rec.Code)
	}
	do(t, h, http.MethodPost, base+"/dates/stage", `{"field":"rangeEnd","date":"2026-11-30"}`)
	if rec := do(t, h, http.MethodPost, base+"/dates/confirm", ""); rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d body=%s", rec.Code, rec.Body)
	}
	do(t, h, http.MethodPost, base+"/dates/stage", `{"field":"rangeStart","date":"2026-12-05"}`)
	if rec := do(t, h, http.MethodPost, base+"/dates/confirm", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("start after end status = %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, base+"/dates/cancel", "")
	var v composer.View
	_ = json.Unmarshal(rec.Body.Bytes(), &v)
	if v.Pending != nil || !v.Offer.StartDate.IsZero() || v.Offer.EndDate.String() != "2026-11-30" {
		t.Fatalf("view = %+v", v)
	}

	if rec := do(t, h, http.MethodPost, base+"/days/mon/toggle", ""); rec.Code != http.StatusOK {
		t.Fatalf("toggle status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, base+"/days/someday/toggle", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad day status = %d", rec.Code)
	}
}

func TestPinFallsBackToCoordinateLabel(t *testing.T) {
	h := newTestServer(&stubCreator{})
	id := createSession(t, h)
	rec := do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/locations/to/pin", `{"lat":52.52,"lng":13.405}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var p models.LocationPoint
	_ = json.Unmarshal(rec.Body.Bytes(), &p)
	if p.Address != "52.5200, 13.4050" || !p.Resolved() {
		t.Fatalf("point = %+v", p)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/locations/up/pin", `{"lat":1,"lng":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rec.Code)
	}
}

func TestWebsocketPushesUpdates(t *testing.T) {
	h := newTestServer(&stubCreator{})
	srv := httptest.NewServer(h)
	defer srv.Close()
	id := createSession(t, h)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/"+id, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first dispatch.Message
	if err := conn.ReadJSON(&first); err != nil || first.Type != "session" {
		t.Fatalf("first message = %+v, err = %v", first, err)
	}

	do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/locations/from/query", `{"text":"Main"}`)
	for {
		var msg struct {
			Type string          `json:"type"`
			Data resolver.Update `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == "suggestions" && msg.Data.State == resolver.StateReady {
			if len(msg.Data.Suggestions) != 1 || msg.Data.Field != "from" {
				t.Fatalf("update = %+v", msg.Data)
			}
			return
		}
	}
}

func TestConcurrentSubmitIs409(t *testing.T) {
	creator := &stubCreator{resp: `{"id":3}`, started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newTestServer(creator)
	id := createSession(t, h)
	fillRoute(t, h, id)

	first := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+id+"/submit", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		first <- rec.Code
	}()
	<-creator.started

	if rec := do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/submit", ""); rec.Code != http.StatusConflict {
		t.Fatalf("second submit status = %d body=%s", rec.Code, rec.Body)
	}
	close(creator.release)
	if code := <-first; code != http.StatusCreated {
		t.Fatalf("first submit status = %d", code)
	}
}

func TestReapClosesSessionSockets(t *testing.T) {
	h := newTestServer(&stubCreator{})
	srv := httptest.NewServer(h)
	defer srv.Close()
	id := createSession(t, h)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/"+id, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first dispatch.Message
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if n := h.WSReg.Count(id); n != 1 {
		t.Fatalf("sockets before reap = %d", n)
	}

	if n := h.Sessions.Reap(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("reaped %d sessions", n)
	}
	if n := h.WSReg.Count(id); n != 0 {
		t.Fatalf("sockets after reap = %d", n)
	}
	for {
		var msg dispatch.Message
		if err := conn.ReadJSON(&msg); err != nil {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("socket still open after reap")
			}
			return
		}
	}
}
