package composer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-composer/internal/backend"
	"github.com/example/ride-composer/internal/models"
	"github.com/example/ride-composer/internal/offer"
	"github.com/example/ride-composer/internal/recency"
	"github.com/example/ride-composer/internal/resolver"
	"github.com/example/ride-composer/internal/storage"
	"github.com/example/ride-composer/internal/submit"
)

type stubGeocoder struct{}

func (stubGeocoder) Suggest(context.Context, string, *models.Coord) ([]models.Suggestion, error) {
	return nil, nil
}
func (stubGeocoder) Forward(_ context.Context, q string) (models.LocationPoint, error) {
	return models.ResolvedPoint(q, 1, 1), nil
}
func (stubGeocoder) Reverse(context.Context, float64, float64) (string, error) {
	return "Pinned Place", nil
}

type stubVehicles struct {
	vs  []models.Vehicle
	err error
}

func (s stubVehicles) ListVehicles(context.Context, int64) ([]models.Vehicle, error) {
	return s.vs, s.err
}

type stubRides struct{ got backend.SearchParams }

func (s *stubRides) SearchRides(_ context.Context, p backend.SearchParams) (json.RawMessage, error) {
	s.got = p
	return json.RawMessage(`[{"id":1}]`), nil
}

type countingCreator struct {
	mu    sync.Mutex
	calls int
	resp  string
}

func (c *countingCreator) CreateRide(context.Context, models.Mode, any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return json.RawMessage(c.resp), nil
}

var driver = models.User{ID: 7, Role: "driver"}

func newDeps(store storage.Store, creator submit.RideCreator) Deps {
	return Deps{
		Geocoder: stubGeocoder{},
		Vehicles: stubVehicles{vs: []models.Vehicle{
			{ID: 1, Capacity: 2},
			{ID: 2, Capacity: 4, IsDefault: true},
		}},
		Rides:    &stubRides{},
		Pipeline: &submit.Pipeline{Creator: creator, Store: store},
		Store:    store,
		Resolver: resolver.Options{Debounce: 5 * time.Millisecond},
	}
}

func suggestion(name string, lat, lng float64) models.Suggestion {
	return models.Suggestion{Description: name, Coordinates: &models.Coord{Lat: lat, Lng: lng}}
}

func TestCreatePreselectsDefaultVehicle(t *testing.T) {
	store := storage.NewMemoryStore()
	s, err := Create(context.Background(), "s1", driver, newDeps(store, &countingCreator{resp: "1"}))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Dispose()
	v := s.View()
	if v.Offer.Vehicle == nil || v.Offer.Vehicle.ID != 2 || v.Offer.Seats != 4 {
		t.Fatalf("offer = %+v", v.Offer)
	}
	if len(v.Vehicles) != 2 || v.Recent == nil {
		t.Fatalf("view = %+v", v)
	}
}

func TestCreateFailsWhenVehiclesUnavailable(t *testing.T) {
	deps := newDeps(storage.NewMemoryStore(), &countingCreator{})
	deps.Vehicles = stubVehicles{err: errors.New("backend down")}
	if _, err := Create(context.Background(), "s1", driver, deps); err == nil {
		t.Fatal("expected error")
	}
	rider := models.User{ID: 8, Role: "rider"}
	s, err := Create(context.Background(), "s2", rider, deps)
	if err != nil {
		t.Fatalf("riders do not need vehicles: %v", err)
	}
	s.Dispose()
}

func TestSelectingBothEndsRecordsRoute(t *testing.T) {
	store := storage.NewMemoryStore()
	s, _ := Create(context.Background(), "s1", driver, newDeps(store, &countingCreator{}))
	defer s.Dispose()
	ctx := context.Background()

	if _, err := s.Select(ctx, FieldFrom, suggestion("Home", 52.5, 13.4)); err != nil {
		t.Fatal(err)
	}
	if len(s.View().Recent) != 0 {
		t.Fatal("route recorded before both ends were resolved")
	}
	if _, err := s.Pin(ctx, FieldTo, 52.4, 13.5); err != nil {
		t.Fatal(err)
	}
	recent := s.View().Recent
	if len(recent) != 1 || recent[0].From.Address != "Home" || recent[0].To.Address != "Pinned Place" {
		t.Fatalf("recent = %+v", recent)
	}

	persisted, err := recency.NewRoutes(store, driver.ID, 3, nil).LoadAll(ctx)
	if err != nil || len(persisted) != 1 {
		t.Fatalf("persisted = %+v, err = %v", persisted, err)
	}
}

func TestSubmitOneTime(t *testing.T) {
	store := storage.NewMemoryStore()
	creator := &countingCreator{resp: `{"rideId":42}`}
	s, _ := Create(context.Background(), "s1", driver, newDeps(store, creator))
	defer s.Dispose()
	ctx := context.Background()

	_, _ = s.Select(ctx, FieldFrom, suggestion("Home", 52.5, 13.4))
	_, _ = s.Select(ctx, FieldTo, suggestion("Office", 52.4, 13.5))
	_ = s.SetTime(models.TimeOfDay{Hour: 8, Minute: 30})

	res, err := s.Submit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.RideID != 42 || res.Directive.Screen != submit.ScreenRideDetail {
		t.Fatalf("result = %+v", res)
	}
	if lr := s.View().LastRide; lr == nil || lr.RideID != 42 {
		t.Fatalf("last ride = %+v", lr)
	}
}

func TestSubmitRecurringWithoutDaysMakesNoCall(t *testing.T) {
	creator := &countingCreator{resp: `1`}
	s, _ := Create(context.Background(), "s1", driver, newDeps(storage.NewMemoryStore(), creator))
	defer s.Dispose()
	ctx := context.Background()

	_, _ = s.Select(ctx, FieldFrom, suggestion("Home", 52.5, 13.4))
	_, _ = s.Select(ctx, FieldTo, suggestion("Office", 52.4, 13.5))
	_ = s.SetTime(models.TimeOfDay{Hour: 8, Minute: 30})
	_ = s.SetMode(models.ModeRecurring)

	_, err := s.Submit(ctx)
	var ve *offer.ValidationError
	if !errors.As(err, &ve) || ve.Rule != "recurringDays" {
		t.Fatalf("err = %v", err)
	}
	if creator.calls != 0 {
		t.Fatalf("backend called %d times", creator.calls)
	}
}

func TestApplyRecentRestoresRecurringRoute(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	routes := recency.NewRoutes(store, driver.ID, 3, nil)
	_, _ = recency.InsertRoute(ctx, routes, models.SearchEntry{
		From:          models.ResolvedPoint("Home", 52.5, 13.4),
		To:            models.ResolvedPoint("Gym", 52.4, 13.5),
		Recurring:     true,
		RecurringDays: []models.Weekday{models.Tuesday, models.Thursday},
	})

	s, _ := Create(ctx, "s1", driver, newDeps(store, &countingCreator{}))
	defer s.Dispose()
	if err := s.ApplyRecent(0); err != nil {
		t.Fatal(err)
	}
	o := s.View().Offer
	if o.Mode != models.ModeRecurring || len(o.RecurringDays) != 2 || o.To.Address != "Gym" || !o.From.Resolved() {
		t.Fatalf("offer = %+v", o)
	}
	if _, err := s.ToggleDay(models.Friday); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyRecent(0); err != nil {
		t.Fatal(err)
	}
	days := s.View().Offer.RecurringDays
	if len(days) != 2 || days[0] != models.Tuesday || days[1] != models.Thursday {
		t.Fatalf("days after reapplying = %v", days)
	}
	if err := s.ApplyRecent(5); !errors.Is(err, ErrNoRecentRoute) {
		t.Fatalf("err = %v", err)
	}
}

func TestSearchUsesCurrentRoute(t *testing.T) {
	deps := newDeps(storage.NewMemoryStore(), &countingCreator{})
	rides := deps.Rides.(*stubRides)
	s, _ := Create(context.Background(), "s1", models.User{ID: 3, Role: "rider"}, deps)
	defer s.Dispose()

	if _, err := s.Search(context.Background(), models.Date{}); err == nil {
		t.Fatal("search without locations should fail")
	}
	_, _ = s.Select(context.Background(), FieldFrom, suggestion("Home", 52.5, 13.4))
	_, _ = s.Select(context.Background(), FieldTo, suggestion("Office", 52.4, 13.5))
	raw, err := s.Search(context.Background(), models.Date{})
	if err != nil || string(raw) != `[{"id":1}]` {
		t.Fatalf("raw = %s, err = %v", raw, err)
	}
	if rides.got.To.Address != "Office" {
		t.Fatalf("params = %+v", rides.got)
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	s, _ := Create(context.Background(), "s1", driver, newDeps(storage.NewMemoryStore(), &countingCreator{}))
	defer s.Dispose()
	got := make(chan resolver.Update, 4)
	unsubscribe := s.Subscribe(func(u resolver.Update) { got <- u })

	_, _ = s.Select(context.Background(), FieldFrom, suggestion("Home", 52.5, 13.4))
	select {
	case u := <-got:
		if u.Field != "from" || u.Query != "Home" {
			t.Fatalf("update = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	unsubscribe()
	_, _ = s.Select(context.Background(), FieldTo, suggestion("Office", 52.4, 13.5))
	select {
	case u := <-got:
		t.Fatalf("update after unsubscribe: %+v", u)
	default:
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(newDeps(storage.NewMemoryStore(), &countingCreator{}), time.Minute)
	var disposed []string
	m.OnDispose(func(id string) { disposed = append(disposed, id) })
	s, err := m.Create(context.Background(), driver)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := m.Get(s.ID); err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}

	if n := m.Reap(time.Now()); n != 0 {
		t.Fatalf("reaped fresh session")
	}
	if n := m.Reap(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if len(disposed) != 1 || disposed[0] != s.ID {
		t.Fatalf("dispose hook saw %v", disposed)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := s.SetSeats(1); !errors.Is(err, ErrSessionDisposed) {
		t.Fatalf("disposed session accepted a mutation: %v", err)
	}
	if err := m.Dispose(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
}

// blockingCreator holds CreateRide open until release is closed.
type blockingCreator struct {
	started chan struct{}
	release chan struct{}
}

func (c *blockingCreator) CreateRide(ctx context.Context, _ models.Mode, _ any) (json.RawMessage, error) {
	c.started <- struct{}{}
	select {
	case <-c.release:
		return json.RawMessage(`{"id":9}`), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type panickingCreator struct{}

func (panickingCreator) CreateRide(context.Context, models.Mode, any) (json.RawMessage, error) {
	panic("backend exploded")
}

func readyToSubmit(t *testing.T, s *Session) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Select(ctx, FieldFrom, suggestion("Home", 52.5, 13.4)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Select(ctx, FieldTo, suggestion("Office", 52.4, 13.5)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTime(models.TimeOfDay{Hour: 8, Minute: 30}); err != nil {
		t.Fatal(err)
	}
}

func TestSubmitRejectsConcurrentSubmit(t *testing.T) {
	creator := &blockingCreator{started: make(chan struct{}, 1), release: make(chan struct{})}
	s, _ := Create(context.Background(), "s1", driver, newDeps(storage.NewMemoryStore(), creator))
	defer s.Dispose()
	readyToSubmit(t, s)

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background())
		done <- err
	}()
	<-creator.started

	if _, err := s.Submit(context.Background()); !errors.Is(err, ErrSubmitInProgress) {
		t.Fatalf("second submit err = %v", err)
	}
	close(creator.release)
	if err := <-done; err != nil {
		t.Fatalf("first submit err = %v", err)
	}

	if _, err := s.Submit(context.Background()); err != nil {
		t.Fatalf("submit after completion err = %v", err)
	}
}

func TestSubmitFlagClearedAfterPanic(t *testing.T) {
	s, _ := Create(context.Background(), "s1", driver, newDeps(storage.NewMemoryStore(), panickingCreator{}))
	defer s.Dispose()
	readyToSubmit(t, s)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic from creator")
			}
		}()
		_, _ = s.Submit(context.Background())
	}()

	s.deps.Pipeline = &submit.Pipeline{Creator: &countingCreator{resp: `5`}, Store: storage.NewMemoryStore()}
	if _, err := s.Submit(context.Background()); err != nil {
		t.Fatalf("submit after panic err = %v", err)
	}
}
