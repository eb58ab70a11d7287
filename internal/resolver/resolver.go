// Package resolver turns free-text location input into geocoded points for one
// composer field. Suggestion fetches are debounced, and only the response to
// the latest query may reach the visible suggestion list.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/example/ride-composer/internal/debounce"
	"github.com/example/ride-composer/internal/geo"
	"github.com/example/ride-composer/internal/logging"
	"github.com/example/ride-composer/internal/models"
	"github.com/example/ride-composer/internal/observability"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultMinChars = 3
)

var (
	ErrInvalidCoordinate = errors.New("resolver: coordinate out of range")
	ErrEmptySelection    = errors.New("resolver: suggestion has neither coordinates nor description")
	ErrClosed            = errors.New("resolver: closed")
)

type Geocoder interface {
	Suggest(ctx context.Context, query string, near *models.Coord) ([]models.Suggestion, error)
	Forward(ctx context.Context, query string) (models.LocationPoint, error)
	Reverse(ctx context.Context, lat, lng float64) (string, error)
}

type State string

const (
	StateIdle       State = "IDLE"
	StateDebouncing State = "DEBOUNCING"
	StateFetching   State = "FETCHING"
	StateReady      State = "SUGGESTIONS_READY"
	StateFailed     State = "FAILED"
)

// Update is the visible suggestion state of a field. Seq grows with every
// keystroke; consumers may drop updates older than one already shown.
type Update struct {
	Field       string              `json:"field"`
	Query       string              `json:"query"`
	State       State               `json:"state"`
	Suggestions []models.Suggestion `json:"suggestions"`
	Seq         uint64              `json:"seq"`
}

type Options struct {
	Debounce time.Duration
	MinChars int
}

// Resolver owns the input stream of a single location field.
type Resolver struct {
	field     string
	geocoder  Geocoder
	debouncer *debounce.Debouncer
	minChars  int
	onUpdate  func(Update)
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	seq         uint64
	state       State
	query       string
	near        *models.Coord
	suggestions []models.Suggestion
	point       models.LocationPoint
	closed      bool

	notifyMu      sync.Mutex
	lastPublished uint64
}

// New creates a resolver for field. onUpdate may be nil; it is called from
// background goroutines and must not block for long.
func New(field string, g Geocoder, opts Options, onUpdate func(Update), log *slog.Logger) *Resolver {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MinChars <= 0 {
		opts.MinChars = DefaultMinChars
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		field:     field,
		geocoder:  g,
		debouncer: debounce.New(opts.Debounce),
		minChars:  opts.MinChars,
		onUpdate:  onUpdate,
		log:       logging.OrDefault(log).With("field", field),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
	}
}

// SetNear biases later suggestion fetches towards c; nil removes the bias.
func (r *Resolver) SetNear(c *models.Coord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.near = c
}

// OnQueryChanged records a keystroke. A query is short when, after trimming
// surrounding whitespace, it has fewer than MinChars runes (so at most two
// characters by default). Short queries clear the suggestions without
// touching the network; longer ones (re)start the debounce window.
func (r *Resolver) OnQueryChanged(text string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.seq++
	seq := r.seq
	r.query = text
	r.point = models.UnresolvedPoint(text)

	if utf8.RuneCountInString(strings.TrimSpace(text)) < r.minChars {
		r.debouncer.Cancel()
		r.state = StateIdle
		r.suggestions = nil
		u := r.snapshotLocked()
		r.mu.Unlock()
		r.publish(u)
		return
	}

	r.state = StateDebouncing
	var near *models.Coord
	if r.near != nil {
		c := *r.near
		near = &c
	}
	r.debouncer.Schedule(r.ctx, func(ctx context.Context) {
		r.fetch(ctx, seq, text, near)
	})
	r.mu.Unlock()
}

func (r *Resolver) fetch(ctx context.Context, seq uint64, query string, near *models.Coord) {
	r.mu.Lock()
	if seq != r.seq {
		r.mu.Unlock()
		return
	}
	r.state = StateFetching
	r.mu.Unlock()

	results, err := r.geocoder.Suggest(ctx, strings.TrimSpace(query), near)

	r.mu.Lock()
	if seq != r.seq {
		r.mu.Unlock()
		observability.SuggestionStaleDiscarded.Inc()
		r.log.Debug("discarding stale suggestions", "query", query)
		return
	}
	if err != nil {
		observability.SuggestionFetches.WithLabelValues("error").Inc()
		r.log.Warn("suggestion fetch failed", "query", query, "error", err)
		r.state = StateFailed
		r.suggestions = []models.Suggestion{}
	} else {
		observability.SuggestionFetches.WithLabelValues("ok").Inc()
		r.state = StateReady
		r.suggestions = results
	}
	u := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(u)
}

// ResolveSelection turns a picked suggestion into a point. Suggestions with a
// usable coordinate pair resolve directly; others are forward geocoded. A
// failed geocode leaves an unresolved point carrying the description instead
// of failing, so the user can pick again or drop a pin.
func (r *Resolver) ResolveSelection(ctx context.Context, s models.Suggestion) (models.LocationPoint, error) {
	desc := strings.TrimSpace(s.Description)
	if desc == "" {
		desc = strings.TrimSpace(s.MainText + " " + s.SecondaryText)
	}

	var p models.LocationPoint
	switch {
	case s.Coordinates != nil && geo.ValidCoord(s.Coordinates.Lat, s.Coordinates.Lng):
		if desc == "" {
			return r.ResolveCoordinatePair(ctx, s.Coordinates.Lat, s.Coordinates.Lng)
		}
		p = models.ResolvedPoint(desc, s.Coordinates.Lat, s.Coordinates.Lng)
	case desc == "":
		return models.LocationPoint{}, ErrEmptySelection
	default:
		resolved, err := r.geocoder.Forward(ctx, desc)
		if err != nil {
			observability.GeocodeFallbacks.WithLabelValues("forward").Inc()
			r.log.Warn("forward geocode failed, keeping description", "description", desc, "error", err)
			p = models.UnresolvedPoint(desc)
		} else {
			p = resolved
		}
	}
	return p, r.settle(p)
}

// ResolveCoordinatePair builds a point from a map pin. The address label comes
// from reverse geocoding and falls back to "lat, lng".
func (r *Resolver) ResolveCoordinatePair(ctx context.Context, lat, lng float64) (models.LocationPoint, error) {
	if !geo.ValidCoord(lat, lng) {
		return models.LocationPoint{}, ErrInvalidCoordinate
	}
	label, err := r.geocoder.Reverse(ctx, lat, lng)
	if err != nil || strings.TrimSpace(label) == "" {
		observability.GeocodeFallbacks.WithLabelValues("reverse").Inc()
		r.log.Warn("reverse geocode failed, using coordinates as label", "error", err)
		label = geo.FormatPair(lat, lng)
	}
	p := models.ResolvedPoint(label, lat, lng)
	return p, r.settle(p)
}

// SetPoint replaces the field value, e.g. when a recent route is reused.
func (r *Resolver) SetPoint(p models.LocationPoint) error {
	return r.settle(p)
}

// settle stores p as the field value and ends the current input cycle.
func (r *Resolver) settle(p models.LocationPoint) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.debouncer.Cancel()
	r.seq++
	r.point = p
	r.query = p.Address
	r.state = StateIdle
	r.suggestions = nil
	u := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(u)
	return nil
}

func (r *Resolver) Point() models.LocationPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.point
}

func (r *Resolver) Snapshot() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Resolver) snapshotLocked() Update {
	s := make([]models.Suggestion, len(r.suggestions))
	copy(s, r.suggestions)
	return Update{Field: r.field, Query: r.query, State: r.state, Suggestions: s, Seq: r.seq}
}

// Close cancels any pending debounce and in-flight fetch. Later keystrokes
// are ignored.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.seq++
	r.debouncer.Cancel()
	r.cancel()
}

func (r *Resolver) publish(u Update) {
	if r.onUpdate == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if u.Seq < r.lastPublished {
		return
	}
	r.lastPublished = u.Seq
	r.onUpdate(u)
}
