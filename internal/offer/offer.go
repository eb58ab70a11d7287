// Package offer holds the ride offer being composed: the mode state machine,
// staged date edits, recurring days and the seat/vehicle coupling.
package offer

import (
	"errors"

	"github.com/example/ride-composer/internal/models"
)

type DateField string

const (
	FieldScheduled  DateField = "scheduled"
	FieldRangeStart DateField = "rangeStart"
	FieldRangeEnd   DateField = "rangeEnd"
)

func ParseDateField(s string) (DateField, error) {
	switch f := DateField(s); f {
	case FieldScheduled, FieldRangeStart, FieldRangeEnd:
		return f, nil
	}
	return "", &ValidationError{Rule: "dateField", Field: s, Message: "unknown date field " + s}
}

// PendingDate is a calendar selection not yet committed to the offer.
type PendingDate struct {
	Field DateField   `json:"field"`
	Date  models.Date `json:"date"`
}

var ErrNothingStaged = errors.New("offer: no staged date to confirm")

// Offer is the committed state of the composer. Staged dates never appear here.
type Offer struct {
	Mode          models.Mode          `json:"mode"`
	From          models.LocationPoint `json:"from"`
	To            models.LocationPoint `json:"to"`
	Vehicle       *models.Vehicle      `json:"vehicle,omitempty"`
	Seats         int                  `json:"seats"`
	Time          *models.TimeOfDay    `json:"time,omitempty"`
	ScheduledDate models.Date          `json:"scheduledDate"`
	StartDate     models.Date          `json:"startDate"`
	EndDate       models.Date          `json:"endDate"`
	RecurringDays []models.Weekday     `json:"recurringDays"`
	Frequency     models.Frequency     `json:"frequency,omitempty"`
}

// Machine is not safe for concurrent use; the owning session serializes access.
type Machine struct {
	mode          models.Mode
	from, to      models.LocationPoint
	vehicle       *models.Vehicle
	seats         int
	time          *models.TimeOfDay
	scheduledDate models.Date
	startDate     models.Date
	endDate       models.Date
	days          map[models.Weekday]struct{}
	frequency     models.Frequency
	pending       *PendingDate
}

func NewMachine() *Machine {
	return &Machine{mode: models.ModeOneTime, days: map[models.Weekday]struct{}{}}
}

func (m *Machine) Mode() models.Mode { return m.mode }

// SetMode switches mode. Locations, vehicle, seats and time survive; fields
// owned by the previous mode are cleared along with any staged date.
func (m *Machine) SetMode(mode models.Mode) {
	if mode == m.mode {
		return
	}
	m.mode = mode
	m.pending = nil
	if mode != models.ModeScheduled {
		m.scheduledDate = models.Date{}
	}
	if mode != models.ModeRecurring {
		m.startDate = models.Date{}
		m.endDate = models.Date{}
		m.days = map[models.Weekday]struct{}{}
		m.frequency = ""
	} else {
		m.frequency = models.FrequencyWeekly
	}
}

func (m *Machine) SetFrom(p models.LocationPoint) { m.from = p }
func (m *Machine) SetTo(p models.LocationPoint)   { m.to = p }

// SelectVehicle attaches v and keeps seats within its capacity: an unset seat
// count takes the full capacity, an excessive one is clamped, and a partial
// choice is left alone.
func (m *Machine) SelectVehicle(v models.Vehicle) {
	m.vehicle = &v
	switch {
	case m.seats == 0:
		m.seats = v.Capacity
	case m.seats > v.Capacity:
		m.seats = v.Capacity
	}
}

func (m *Machine) SetSeats(n int) error {
	if n < 0 {
		return &ValidationError{Rule: "seats", Field: "seats", Message: "seats cannot be negative"}
	}
	if m.vehicle != nil && n > m.vehicle.Capacity {
		return &ValidationError{Rule: "seats", Field: "seats", Message: "seats exceed vehicle capacity"}
	}
	m.seats = n
	return nil
}

func (m *Machine) SetTime(t models.TimeOfDay) {
	m.time = &t
}

// StageDate holds a calendar selection for field without touching committed
// dates. A later stage replaces an earlier one.
func (m *Machine) StageDate(field DateField, d models.Date) error {
	if !fieldAllowed(m.mode, field) {
		return &ValidationError{Rule: "dateField", Field: string(field), Message: "date field not available in " + string(m.mode) + " mode"}
	}
	m.pending = &PendingDate{Field: field, Date: d}
	return nil
}

func (m *Machine) Pending() *PendingDate {
	if m.pending == nil {
		return nil
	}
	p := *m.pending
	return &p
}

// ConfirmDate commits the staged date into its field. A confirm that would put
// the range start after the end (or the end before the start) is rejected and
// leaves both the committed dates and the stage untouched.
func (m *Machine) ConfirmDate() error {
	if m.pending == nil {
		return ErrNothingStaged
	}
	p := *m.pending
	switch p.Field {
	case FieldScheduled:
		m.scheduledDate = p.Date
	case FieldRangeStart:
		if !m.endDate.IsZero() && p.Date.After(m.endDate) {
			return &ValidationError{Rule: "dateRange", Field: "startDate", Message: "start date is after the end date; change the end date first"}
		}
		m.startDate = p.Date
	case FieldRangeEnd:
		if !m.startDate.IsZero() && p.Date.Before(m.startDate) {
			return &ValidationError{Rule: "dateRange", Field: "endDate", Message: "end date is before the start date"}
		}
		m.endDate = p.Date
	}
	m.pending = nil
	return nil
}

// CancelDate discards the staged date.
func (m *Machine) CancelDate() {
	m.pending = nil
}

// ToggleDay adds day when absent and removes it when present. It reports
// whether the day is selected afterwards.
func (m *Machine) ToggleDay(day models.Weekday) (bool, error) {
	if !day.Valid() {
		return false, &ValidationError{Rule: "recurringDays", Field: "recurringDays", Message: "unknown weekday " + string(day)}
	}
	if _, ok := m.days[day]; ok {
		delete(m.days, day)
		return false, nil
	}
	m.days[day] = struct{}{}
	return true, nil
}

// Offer returns a copy of the committed state.
func (m *Machine) Offer() Offer {
	o := Offer{
		Mode:          m.mode,
		From:          m.from,
		To:            m.to,
		Seats:         m.seats,
		ScheduledDate: m.scheduledDate,
		StartDate:     m.startDate,
		EndDate:       m.endDate,
		Frequency:     m.frequency,
		RecurringDays: make([]models.Weekday, 0, len(m.days)),
	}
	if m.vehicle != nil {
		v := *m.vehicle
		o.Vehicle = &v
	}
	if m.time != nil {
		t := *m.time
		o.Time = &t
	}
	for d := range m.days {
		o.RecurringDays = append(o.RecurringDays, d)
	}
	models.SortWeekdays(o.RecurringDays)
	return o
}

func fieldAllowed(mode models.Mode, f DateField) bool {
	switch f {
	case FieldScheduled:
		return mode == models.ModeScheduled
	case FieldRangeStart, FieldRangeEnd:
		return mode == models.ModeRecurring
	}
	return false
}
