// Package submit turns a validated offer into a backend ride and tells the
// caller where to go next.
package submit

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-composer/internal/models"
	"github.com/example/ride-composer/internal/offer"
)

const (
	oneTimeDuration = 30 * time.Minute
	statusScheduled = "Scheduled"
	statusActive    = "ACTIVE"
)

type OneTimePayload struct {
	Source      string  `json:"source"`
	SourceLat   float64 `json:"sourceLat"`
	SourceLng   float64 `json:"sourceLng"`
	Destination string  `json:"destination"`
	DestLat     float64 `json:"destLat"`
	DestLng     float64 `json:"destLng"`
	Date        string  `json:"date"`
	StartTime   string  `json:"startTime"`
	EndTime     string  `json:"endTime"`
	Status      string  `json:"status"`
	DriverID    int64   `json:"driverId"`
	VehicleID   int64   `json:"vehicleId"`
}

type ScheduledPayload struct {
	PassengerID   int64  `json:"passengerId"`
	DriverID      *int64 `json:"driverId"`
	Date          string `json:"date"`
	Source        string `json:"source"`
	Destination   string `json:"destination"`
	ScheduledTime string `json:"scheduledTime"`
	Status        string `json:"status"`
}

type RecurringPayload struct {
	DriverID      int64            `json:"driverId"`
	Frequency     models.Frequency `json:"frequency"`
	RecurringDays []models.Weekday `json:"recurringDays"`
	StartDate     string           `json:"startDate"`
	EndDate       string           `json:"endDate"`
	TimeOfDay     string           `json:"timeOfDay"`
	Source        string           `json:"source"`
	Destination   string           `json:"destination"`
	Status        string           `json:"status"`
}

var errIncomplete = errors.New("submit: offer is missing fields required by its mode")

// BuildPayload maps o to the request body for its mode. today is the date a
// one-time ride is created for. It performs no I/O.
func BuildPayload(o offer.Offer, user models.User, today models.Date) (any, error) {
	if o.Time == nil {
		return nil, errIncomplete
	}
	switch o.Mode {
	case models.ModeOneTime:
		from, okFrom := o.From.Coord()
		to, okTo := o.To.Coord()
		if !okFrom || !okTo || o.Vehicle == nil {
			return nil, errIncomplete
		}
		return OneTimePayload{
			Source:      o.From.Address,
			SourceLat:   from.Lat,
			SourceLng:   from.Lng,
			Destination: o.To.Address,
			DestLat:     to.Lat,
			DestLng:     to.Lng,
			Date:        today.String(),
			StartTime:   o.Time.Clock(),
			EndTime:     o.Time.Add(oneTimeDuration).Clock(),
			Status:      statusScheduled,
			DriverID:    user.ID,
			VehicleID:   o.Vehicle.ID,
		}, nil
	case models.ModeScheduled:
		if o.ScheduledDate.IsZero() {
			return nil, errIncomplete
		}
		return ScheduledPayload{
			PassengerID:   user.ID,
			Date:          o.ScheduledDate.String(),
			Source:        o.From.Address,
			Destination:   o.To.Address,
			ScheduledTime: o.Time.Clock(),
			Status:        statusScheduled,
		}, nil
	case models.ModeRecurring:
		if len(o.RecurringDays) == 0 || o.StartDate.IsZero() || o.EndDate.IsZero() {
			return nil, errIncomplete
		}
		days := append([]models.Weekday(nil), o.RecurringDays...)
		models.SortWeekdays(days)
		freq := o.Frequency
		if freq == "" {
			freq = models.FrequencyWeekly
		}
		return RecurringPayload{
			DriverID:      user.ID,
			Frequency:     freq,
			RecurringDays: days,
			StartDate:     o.StartDate.String(),
			EndDate:       o.EndDate.String(),
			TimeOfDay:     o.Time.Clock(),
			Source:        o.From.Address,
			Destination:   o.To.Address,
			Status:        statusActive,
		}, nil
	}
	return nil, fmt.Errorf("submit: unknown mode %q", o.Mode)
}
