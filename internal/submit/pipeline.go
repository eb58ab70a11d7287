package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/ride-composer/internal/events"
	"github.com/example/ride-composer/internal/logging"
	"github.com/example/ride-composer/internal/models"
	"github.com/example/ride-composer/internal/observability"
	"github.com/example/ride-composer/internal/offer"
	"github.com/example/ride-composer/internal/recency"
	"github.com/example/ride-composer/internal/storage"
	"github.com/example/ride-composer/internal/upstream"
)

// RideCreator posts a ride payload to the backend endpoint for mode.
type RideCreator interface {
	CreateRide(ctx context.Context, mode models.Mode, payload any) (json.RawMessage, error)
}

type Pipeline struct {
	Creator RideCreator
	Store   storage.Store
	Events  events.Publisher // optional
	Now     func() time.Time
	Log     *slog.Logger
}

type Result struct {
	RideID    int64     `json:"rideId"`
	Directive Directive `json:"directive"`
}

// LastRide is what the pipeline remembers about a user's latest submission.
type LastRide struct {
	RideID    int64       `json:"rideId"`
	Mode      models.Mode `json:"mode"`
	CreatedAt time.Time   `json:"createdAt"`
}

func LastRideKey(userID int64) string {
	return "rides:last:" + strconv.FormatInt(userID, 10)
}

// Submit validates o, creates the ride and records it. Validation failures
// return an *offer.ValidationError without contacting the backend. Once the
// backend has returned an id, follow-up bookkeeping failures are logged and do
// not fail the submission.
func (p *Pipeline) Submit(ctx context.Context, o offer.Offer, user models.User, routes *recency.Cache[models.SearchEntry]) (Result, error) {
	log := logging.OrDefault(p.Log).With("user_id", user.ID, "mode", string(o.Mode))
	mode := string(o.Mode)

	if err := offer.Validate(o); err != nil {
		var ve *offer.ValidationError
		if errors.As(err, &ve) {
			observability.ValidationFailures.WithLabelValues(ve.Rule).Inc()
		}
		observability.Submissions.WithLabelValues(mode, "invalid").Inc()
		return Result{}, err
	}

	now := p.now()
	payload, err := BuildPayload(o, user, models.DateOf(now))
	if err != nil {
		observability.Submissions.WithLabelValues(mode, "invalid").Inc()
		return Result{}, err
	}

	raw, err := p.Creator.CreateRide(ctx, o.Mode, payload)
	if err != nil {
		outcome := "error"
		if upstream.IsNetworkError(err) {
			outcome = "network"
		}
		observability.Submissions.WithLabelValues(mode, outcome).Inc()
		log.Error("ride creation failed", "error", err)
		return Result{}, err
	}

	id, err := NormalizeID(raw)
	if err != nil {
		observability.Submissions.WithLabelValues(mode, "missing_id").Inc()
		log.Error("ride created without usable identifier", "response", truncate(raw, 256))
		return Result{}, err
	}

	// The ride exists upstream now; a client hanging up must not skip the
	// bookkeeping below.
	ctx = context.WithoutCancel(ctx)
	p.remember(ctx, log, user, LastRide{RideID: id, Mode: o.Mode, CreatedAt: now})

	entry := models.SearchEntry{
		From:      o.From,
		To:        o.To,
		Timestamp: now,
		Recurring: o.Mode == models.ModeRecurring,
	}
	if entry.Recurring {
		entry.RecurringDays = o.RecurringDays
	}
	if routes != nil {
		if _, err := recency.InsertRoute(ctx, routes, entry); err != nil {
			log.Warn("recent route not saved", "error", err)
		}
	}

	if p.Events != nil {
		ev := events.RideOffered{
			RideID:        id,
			UserID:        user.ID,
			Mode:          o.Mode,
			From:          o.From,
			To:            o.To,
			RecurringDays: entry.RecurringDays,
			OccurredAt:    now,
		}
		if err := p.Events.PublishRideOffered(ctx, ev); err != nil {
			log.Warn("ride offered event not published", "ride_id", id, "error", err)
		}
	}

	observability.Submissions.WithLabelValues(mode, "ok").Inc()
	log.Info("ride submitted", "ride_id", id)
	return Result{RideID: id, Directive: DirectiveFor(o.Mode, id)}, nil
}

// LoadLastRide returns the latest ride recorded for userID.
func LoadLastRide(ctx context.Context, store storage.Store, userID int64) (LastRide, error) {
	var lr LastRide
	b, err := store.Get(ctx, LastRideKey(userID))
	if err != nil {
		return lr, err
	}
	if err := json.Unmarshal(b, &lr); err != nil {
		return lr, fmt.Errorf("decode last ride: %w", err)
	}
	return lr, nil
}

func (p *Pipeline) remember(ctx context.Context, log *slog.Logger, user models.User, lr LastRide) {
	if p.Store == nil {
		return
	}
	b, err := json.Marshal(lr)
	if err == nil {
		err = p.Store.Set(ctx, LastRideKey(user.ID), b)
	}
	if err != nil {
		log.Warn("ride id not persisted", "ride_id", lr.RideID, "error", err)
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
