package offer

import "github.com/example/ride-composer/internal/models"

// ValidationError is a rule violation the user can fix. Rule names the check
// that failed, Field the offending input.
type ValidationError struct {
	Rule    string `json:"rule"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(rule, field, msg string) error {
	return &ValidationError{Rule: rule, Field: field, Message: msg}
}

// Validate applies the pre-submission rules in order and returns the first
// violation.
func Validate(o Offer) error {
	if !o.From.Resolved() {
		return invalid("locations", "from", "pick-up location is not resolved")
	}
	if !o.To.Resolved() {
		return invalid("locations", "to", "drop-off location is not resolved")
	}

	if o.Vehicle == nil {
		return invalid("vehicle", "vehicle", "select a vehicle")
	}
	if o.Seats == 0 {
		return invalid("seats", "seats", "offer at least one seat")
	}
	if o.Seats > o.Vehicle.Capacity {
		return invalid("seats", "seats", "seats exceed vehicle capacity")
	}

	switch o.Mode {
	case models.ModeScheduled:
		if o.ScheduledDate.IsZero() {
			return invalid("scheduledDate", "scheduledDate", "pick a date for the scheduled ride")
		}
	case models.ModeRecurring:
		if len(o.RecurringDays) == 0 {
			return invalid("recurringDays", "recurringDays", "pick at least one weekday")
		}
		if o.StartDate.IsZero() {
			return invalid("startDate", "startDate", "pick a start date")
		}
		if o.EndDate.IsZero() {
			return invalid("endDate", "endDate", "pick an end date")
		}
		if o.StartDate.After(o.EndDate) {
			return invalid("dateRange", "startDate", "start date is after the end date")
		}
		if o.Frequency == "" {
			return invalid("frequency", "frequency", "pick a frequency")
		}
	case models.ModeOneTime:
	default:
		return invalid("mode", "mode", "unknown ride mode")
	}
	if o.Time == nil {
		return invalid("time", "time", "pick a time")
	}
	return nil
}
