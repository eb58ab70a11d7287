package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Mode string

const (
	ModeOneTime   Mode = "ONE_TIME"
	ModeScheduled Mode = "SCHEDULED"
	ModeRecurring Mode = "RECURRING"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeOneTime, ModeScheduled, ModeRecurring:
		return m, nil
	}
	return "", fmt.Errorf("unknown ride mode %q", s)
}

type Frequency string

const FrequencyWeekly Frequency = "WEEKLY"

type Weekday string

const (
	Monday    Weekday = "MONDAY"
	Tuesday   Weekday = "TUESDAY"
	Wednesday Weekday = "WEDNESDAY"
	Thursday  Weekday = "THURSDAY"
	Friday    Weekday = "FRIDAY"
	Saturday  Weekday = "SATURDAY"
	Sunday    Weekday = "SUNDAY"
)

var weekdayOrder = map[Weekday]int{
	Monday: 0, Tuesday: 1, Wednesday: 2, Thursday: 3, Friday: 4, Saturday: 5, Sunday: 6,
}

func (d Weekday) Valid() bool {
	_, ok := weekdayOrder[d]
	return ok
}

// ParseWeekday accepts full names and three letter abbreviations in any case.
func ParseWeekday(s string) (Weekday, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for d := range weekdayOrder {
		if string(d) == s || (len(s) == 3 && strings.HasPrefix(string(d), s)) {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown weekday %q", s)
}

// SortWeekdays orders days Monday first.
func SortWeekdays(days []Weekday) {
	sort.Slice(days, func(i, j int) bool { return weekdayOrder[days[i]] < weekdayOrder[days[j]] })
}

// TimeOfDay is a local wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:mm" and "HH:mm:ss"; seconds are dropped.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
}

// Add shifts the time, wrapping around midnight.
func (t TimeOfDay) Add(d time.Duration) TimeOfDay {
	mins := (t.Hour*60 + t.Minute + int(d/time.Minute)) % (24 * 60)
	if mins < 0 {
		mins += 24 * 60
	}
	return TimeOfDay{Hour: mins / 60, Minute: mins % 60}
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Clock formats as HH:mm:ss, the form the ride backend expects.
func (t TimeOfDay) Clock() string {
	return fmt.Sprintf("%02d:%02d:00", t.Hour, t.Minute)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Date is a calendar day without a time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) Before(o Date) bool { return d.time().Before(o.time()) }
func (d Date) After(o Date) bool  { return d.time().After(o.time()) }

func (d Date) String() string {
	return d.time().Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}
