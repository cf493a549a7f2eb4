package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

type SlotStatus string

const (
	SlotFree   SlotStatus = "free"
	SlotBooked SlotStatus = "booked"
)

// Clinic maps to the clinic table.
type Clinic struct {
	ID   uuid.UUID `db:"id" json:"id"`
	Name string    `db:"name" json:"name"`
}

// Doctor maps to the doctor table. DurationMinutes is the length of one
// appointment and drives slot generation for every schedule of the doctor.
type Doctor struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	ClinicID        *uuid.UUID `db:"clinic_id" json:"clinic_id,omitempty"`
	LastName        string     `db:"last_name" json:"last_name"`
	FirstName       string     `db:"first_name" json:"first_name"`
	Patronymic      string     `db:"patronymic" json:"patronymic"`
	FullName        string     `db:"full_name" json:"full_name"`
	DurationMinutes int        `db:"duration" json:"duration"`
}

// Schedule maps to the schedule table: a doctor's declared working window
// and break for one date. All clock times lie on Date.
type Schedule struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ClinicID   uuid.UUID `db:"clinic_id" json:"clinic_id"`
	DoctorID   uuid.UUID `db:"doctor_id" json:"doctor_id"`
	Date       time.Time `db:"date" json:"date"`
	StartTime  time.Time `db:"start_time" json:"start_time"`
	EndTime    time.Time `db:"end_time" json:"end_time"`
	BreakStart time.Time `db:"start_break_time" json:"start_break_time"`
	BreakEnd   time.Time `db:"end_break_time" json:"end_break_time"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Definition resolves the schedule against the doctor's appointment length.
func (s *Schedule) Definition(duration time.Duration) Definition {
	return Definition{
		DoctorID:     s.DoctorID,
		Date:         s.Date,
		WorkStart:    s.StartTime,
		WorkEnd:      s.EndTime,
		BreakStart:   s.BreakStart,
		BreakEnd:     s.BreakEnd,
		SlotDuration: duration,
	}
}

// Slot maps to the talon table. (DoctorID, Date, StartTime, EndTime) is
// unique across the store.
type Slot struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	DoctorID  uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	Date      time.Time  `db:"slot_date" json:"date"`
	StartTime time.Time  `db:"start_at" json:"start_time"`
	EndTime   time.Time  `db:"end_at" json:"end_time"`
	Status    SlotStatus `db:"status" json:"status"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

func (sl *Slot) Key() SlotKey {
	return SlotKey{DoctorID: sl.DoctorID, Date: sl.Date, StartTime: sl.StartTime, EndTime: sl.EndTime}
}

func (sl *Slot) IsFree() bool { return sl.Status == SlotFree }

// SlotKey is the deduplication identity of a slot.
type SlotKey struct {
	DoctorID  uuid.UUID
	Date      time.Time
	StartTime time.Time
	EndTime   time.Time
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s/%s/%s-%s", k.DoctorID, k.Date.Format(DateLayout),
		k.StartTime.Format(ClockLayout), k.EndTime.Format(ClockLayout))
}

// normalized strips monotonic readings and locations so keys built from
// equal instants compare equal as map keys.
func (k SlotKey) normalized() SlotKey {
	return SlotKey{
		DoctorID:  k.DoctorID,
		Date:      k.Date.UTC().Round(0),
		StartTime: k.StartTime.UTC().Round(0),
		EndTime:   k.EndTime.UTC().Round(0),
	}
}

// Candidate is a generated, not yet persisted slot interval.
type Candidate struct {
	DoctorID  uuid.UUID
	Date      time.Time
	StartTime time.Time
	EndTime   time.Time
}

func (c Candidate) Duration() time.Duration { return c.EndTime.Sub(c.StartTime) }

// Slot returns a free slot for the candidate interval.
func (c Candidate) Slot() *Slot {
	return &Slot{
		DoctorID:  c.DoctorID,
		Date:      c.Date,
		StartTime: c.StartTime,
		EndTime:   c.EndTime,
		Status:    SlotFree,
	}
}

// BusySlot is the occupied interval of a booked slot.
type BusySlot struct {
	DoctorID  uuid.UUID `json:"doctor_id"`
	Date      time.Time `json:"date"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

func busyFromSlot(sl *Slot) BusySlot {
	return BusySlot{DoctorID: sl.DoctorID, Date: sl.Date, StartTime: sl.StartTime, EndTime: sl.EndTime}
}

// SlotFilter narrows slot listings. Zero fields are ignored.
type SlotFilter struct {
	DoctorID *uuid.UUID
	Date     *time.Time
	Status   SlotStatus
}

// ScheduleFilter narrows schedule listings. Zero fields are ignored.
type ScheduleFilter struct {
	DoctorID *uuid.UUID
	Date     *time.Time
}

// ParseDate parses a YYYY-MM-DD calendar date at midnight UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return d, nil
}

// ParseClock parses an HH:MM wall-clock time and places it on date.
func ParseClock(date time.Time, s string) (time.Time, error) {
	c, err := time.Parse(ClockLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	return OnDate(date, c.Hour(), c.Minute()), nil
}

// OnDate returns hour:minute on the calendar day of date.
func OnDate(date time.Time, hour, minute int) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, date.Location())
}

// DateOf truncates t to midnight of its calendar day.
func DateOf(t time.Time) time.Time {
	return OnDate(t, 0, 0)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
