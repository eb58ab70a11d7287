// Package composer hosts ride composition sessions. A Session ties the two
// location resolvers, the offer state machine, the user's recent routes and
// the submission pipeline together for one client screen.
package composer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-composer/internal/backend"
	"github.com/example/ride-composer/internal/logging"
	"github.com/example/ride-composer/internal/models"
	"github.com/example/ride-composer/internal/offer"
	"github.com/example/ride-composer/internal/recency"
	"github.com/example/ride-composer/internal/resolver"
	"github.com/example/ride-composer/internal/storage"
	"github.com/example/ride-composer/internal/submit"
)

type Field string

const (
	FieldFrom Field = "from"
	FieldTo   Field = "to"
)

func ParseField(s string) (Field, error) {
	switch f := Field(s); f {
	case FieldFrom, FieldTo:
		return f, nil
	}
	return "", ErrUnknownField
}

var (
	ErrSessionNotFound  = errors.New("composer: session not found")
	ErrSessionDisposed  = errors.New("composer: session disposed")
	ErrUnknownField     = errors.New("composer: unknown location field")
	ErrUnknownVehicle   = errors.New("composer: vehicle not registered to user")
	ErrNoRecentRoute    = errors.New("composer: no recent route at that position")
	ErrSubmitInProgress = errors.New("composer: submission already in progress")
)

type VehicleLister interface {
	ListVehicles(ctx context.Context, driverID int64) ([]models.Vehicle, error)
}

type RideSearcher interface {
	SearchRides(ctx context.Context, p backend.SearchParams) (json.RawMessage, error)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Geocoder     resolver.Geocoder
	Vehicles     VehicleLister
	Rides        RideSearcher
	Pipeline     *submit.Pipeline
	Store        storage.Store
	Resolver     resolver.Options
	RecencyLimit int
	Log          *slog.Logger
}

// View is a point-in-time copy of a session for clients.
type View struct {
	ID        string               `json:"id"`
	User      models.User          `json:"user"`
	Offer     offer.Offer          `json:"offer"`
	Pending   *offer.PendingDate   `json:"pendingDate,omitempty"`
	From      resolver.Update      `json:"fromInput"`
	To        resolver.Update      `json:"toInput"`
	Vehicles  []models.Vehicle     `json:"vehicles"`
	Recent    []models.SearchEntry `json:"recentRoutes"`
	LastRide  *submit.Result       `json:"lastSubmission,omitempty"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

type Session struct {
	ID   string
	User models.User

	deps   Deps
	log    *slog.Logger
	routes *recency.Cache[models.SearchEntry]
	from   *resolver.Resolver
	to     *resolver.Resolver

	mu         sync.Mutex
	machine    *offer.Machine
	vehicles   []models.Vehicle
	recent     []models.SearchEntry
	lastResult *submit.Result
	submitting bool
	disposed   bool
	lastUsed   time.Time

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(resolver.Update)
}

// Create opens a session for user. Recent routes and, for drivers, the
// vehicle list are loaded concurrently; a default vehicle is preselected.
// An unreadable recency store degrades to an empty list.
func Create(ctx context.Context, id string, user models.User, deps Deps) (*Session, error) {
	log := logging.OrDefault(deps.Log).With("session_id", id, "user_id", user.ID)
	s := &Session{
		ID:       id,
		User:     user,
		deps:     deps,
		log:      log,
		routes:   recency.NewRoutes(deps.Store, user.ID, deps.RecencyLimit, log),
		machine:  offer.NewMachine(),
		recent:   []models.SearchEntry{},
		vehicles: []models.Vehicle{},
		lastUsed: time.Now(),
		subs:     make(map[int]func(resolver.Update)),
	}
	s.from = resolver.New(string(FieldFrom), deps.Geocoder, deps.Resolver, s.broadcast, log)
	s.to = resolver.New(string(FieldTo), deps.Geocoder, deps.Resolver, s.broadcast, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recent, err := s.routes.LoadAll(gctx)
		if err != nil {
			log.Warn("recent routes unavailable", "error", err)
			return nil
		}
		s.recent = recent
		return nil
	})
	if user.Role != "rider" && deps.Vehicles != nil {
		g.Go(func() error {
			vs, err := deps.Vehicles.ListVehicles(gctx, user.ID)
			if err != nil {
				return fmt.Errorf("load vehicles: %w", err)
			}
			s.vehicles = vs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.closeResolvers()
		return nil, err
	}

	if v, ok := defaultVehicle(s.vehicles); ok {
		s.machine.SelectVehicle(v)
	}
	return s, nil
}

func defaultVehicle(vs []models.Vehicle) (models.Vehicle, bool) {
	for _, v := range vs {
		if v.IsDefault {
			return v, true
		}
	}
	if len(vs) == 1 {
		return vs[0], true
	}
	return models.Vehicle{}, false
}

// Subscribe registers fn for suggestion updates of both fields. The returned
// func removes it.
func (s *Session) Subscribe(fn func(resolver.Update)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Session) broadcast(u resolver.Update) {
	s.subMu.Lock()
	fns := make([]func(resolver.Update), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (s *Session) resolverFor(f Field) (*resolver.Resolver, error) {
	switch f {
	case FieldFrom:
		return s.from, nil
	case FieldTo:
		return s.to, nil
	}
	return nil, ErrUnknownField
}

// begin locks the session for a mutation. Callers must call s.mu.Unlock.
func (s *Session) begin() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	s.lastUsed = time.Now()
	return nil
}

func (s *Session) QueryChanged(f Field, text string) error {
	r, err := s.resolverFor(f)
	if err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}
	s.mu.Unlock()
	r.OnQueryChanged(text)
	return nil
}

// SetNear biases suggestions for f towards c, typically the device location.
func (s *Session) SetNear(f Field, c *models.Coord) error {
	r, err := s.resolverFor(f)
	if err != nil {
		return err
	}
	r.SetNear(c)
	return nil
}

func (s *Session) Suggestions(f Field) (resolver.Update, error) {
	r, err := s.resolverFor(f)
	if err != nil {
		return resolver.Update{}, err
	}
	return r.Snapshot(), nil
}

// Select resolves a picked suggestion for f.
func (s *Session) Select(ctx context.Context, f Field, sg models.Suggestion) (models.LocationPoint, error) {
	r, err := s.resolverFor(f)
	if err != nil {
		return models.LocationPoint{}, err
	}
	if err := s.begin(); err != nil {
		return models.LocationPoint{}, err
	}
	s.mu.Unlock()
	p, err := r.ResolveSelection(ctx, sg)
	if err != nil {
		return p, err
	}
	s.afterSelection(ctx, f, p)
	return p, nil
}

// Pin resolves a map coordinate for f.
func (s *Session) Pin(ctx context.Context, f Field, lat, lng float64) (models.LocationPoint, error) {
	r, err := s.resolverFor(f)
	if err != nil {
		return models.LocationPoint{}, err
	}
	if err := s.begin(); err != nil {
		return models.LocationPoint{}, err
	}
	s.mu.Unlock()
	p, err := r.ResolveCoordinatePair(ctx, lat, lng)
	if err != nil {
		return p, err
	}
	s.afterSelection(ctx, f, p)
	return p, nil
}

// afterSelection biases the drop-off search around the pick-up and records
// the route once both ends are resolved.
func (s *Session) afterSelection(ctx context.Context, f Field, p models.LocationPoint) {
	if f == FieldFrom {
		if c, ok := p.Coord(); ok {
			s.to.SetNear(&c)
		}
	}
	from, to := s.from.Point(), s.to.Point()
	if !from.Resolved() || !to.Resolved() {
		return
	}
	if err := s.recordRoute(ctx, from, to); err != nil {
		s.log.Warn("recent route not saved", "error", err)
	}
}

func (s *Session) recordRoute(ctx context.Context, from, to models.LocationPoint) error {
	s.mu.Lock()
	o := s.machine.Offer()
	s.mu.Unlock()
	e := models.SearchEntry{From: from, To: to, Timestamp: time.Now()}
	if o.Mode == models.ModeRecurring && len(o.RecurringDays) > 0 {
		e.Recurring = true
		e.RecurringDays = o.RecurringDays
	}
	recent, err := recency.InsertRoute(ctx, s.routes, e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.recent = recent
	s.mu.Unlock()
	return nil
}

// SaveRoute stores the current pair of locations as a recent route.
func (s *Session) SaveRoute(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	s.mu.Unlock()
	from, to := s.from.Point(), s.to.Point()
	if !from.Resolved() || !to.Resolved() {
		return &offer.ValidationError{Rule: "locations", Field: "route", Message: "both locations must be resolved to save a route"}
	}
	return s.recordRoute(ctx, from, to)
}

// ApplyRecent fills both locations from the recent route at index. Recurring
// routes also restore the recurring mode and replace the selected days with
// the route's days.
func (s *Session) ApplyRecent(index int) error {
	if err := s.begin(); err != nil {
		return err
	}
	if index < 0 || index >= len(s.recent) {
		s.mu.Unlock()
		return ErrNoRecentRoute
	}
	e := s.recent[index]
	if e.Recurring {
		s.machine.SetMode(models.ModeRecurring)
		want := make(map[models.Weekday]bool, len(e.RecurringDays))
		for _, d := range e.RecurringDays {
			want[d] = true
		}
		have := make(map[models.Weekday]bool)
		for _, d := range s.machine.Offer().RecurringDays {
			have[d] = true
			if !want[d] {
				_, _ = s.machine.ToggleDay(d)
			}
		}
		for d := range want {
			if !have[d] {
				_, _ = s.machine.ToggleDay(d)
			}
		}
	}
	s.mu.Unlock()

	if err := s.from.SetPoint(e.From); err != nil {
		return err
	}
	if c, ok := e.From.Coord(); ok {
		s.to.SetNear(&c)
	}
	return s.to.SetPoint(e.To)
}

func (s *Session) SetMode(m models.Mode) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.machine.SetMode(m)
	return nil
}

func (s *Session) SelectVehicle(id int64) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	for _, v := range s.vehicles {
		if v.ID == id {
			s.machine.SelectVehicle(v)
			return nil
		}
	}
	return ErrUnknownVehicle
}

func (s *Session) SetSeats(n int) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.machine.SetSeats(n)
}

func (s *Session) SetTime(t models.TimeOfDay) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.machine.SetTime(t)
	return nil
}

func (s *Session) StageDate(f offer.DateField, d models.Date) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.machine.StageDate(f, d)
}

func (s *Session) ConfirmDate() error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.machine.ConfirmDate()
}

func (s *Session) CancelDate() error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.machine.CancelDate()
	return nil
}

func (s *Session) ToggleDay(d models.Weekday) (bool, error) {
	if err := s.begin(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	return s.machine.ToggleDay(d)
}

// Search looks up rides along the current route, for riders browsing offers.
// A successful search records the route as recent.
func (s *Session) Search(ctx context.Context, d models.Date) (json.RawMessage, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	s.mu.Unlock()
	from, to := s.from.Point(), s.to.Point()
	if !from.Resolved() || !to.Resolved() {
		return nil, &offer.ValidationError{Rule: "locations", Field: "route", Message: "both locations must be resolved to search"}
	}
	if s.deps.Rides == nil {
		return json.RawMessage("[]"), nil
	}
	raw, err := s.deps.Rides.SearchRides(ctx, backend.SearchParams{From: from, To: to, Date: d})
	if err != nil {
		return nil, err
	}
	if err := s.recordRoute(ctx, from, to); err != nil {
		s.log.Warn("recent route not saved", "error", err)
	}
	return raw, nil
}

// Submit validates and sends the offer. Only one submission may run at a
// time; the committed offer is left untouched on failure.
func (s *Session) Submit(ctx context.Context) (submit.Result, error) {
	if err := s.begin(); err != nil {
		return submit.Result{}, err
	}
	if s.submitting {
		s.mu.Unlock()
		return submit.Result{}, ErrSubmitInProgress
	}
	s.submitting = true
	o := s.offerLocked()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.submitting = false
		s.mu.Unlock()
	}()

	res, err := s.deps.Pipeline.Submit(ctx, o, s.User, s.routes)
	if err != nil {
		return res, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = &res
	if recent, lerr := s.routes.LoadAll(context.WithoutCancel(ctx)); lerr == nil {
		s.recent = recent
	}
	return res, nil
}

func (s *Session) offerLocked() offer.Offer {
	s.machine.SetFrom(s.from.Point())
	s.machine.SetTo(s.to.Point())
	return s.machine.Offer()
}

// View returns a snapshot of the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		ID:        s.ID,
		User:      s.User,
		Offer:     s.offerLocked(),
		Pending:   s.machine.Pending(),
		From:      s.from.Snapshot(),
		To:        s.to.Snapshot(),
		Vehicles:  append(make([]models.Vehicle, 0, len(s.vehicles)), s.vehicles...),
		Recent:    append(make([]models.SearchEntry, 0, len(s.recent)), s.recent...),
		UpdatedAt: s.lastUsed,
	}
	if s.lastResult != nil {
		r := *s.lastResult
		v.LastRide = &r
	}
	return v
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Dispose stops pending suggestion work and rejects further calls. It is
// safe to call more than once.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()
	s.closeResolvers()

	s.subMu.Lock()
	s.subs = make(map[int]func(resolver.Update))
	s.subMu.Unlock()
}

func (s *Session) closeResolvers() {
	s.from.Close()
	s.to.Close()
}
