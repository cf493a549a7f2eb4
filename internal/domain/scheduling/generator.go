package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Definition is a doctor's working window and break for one date, plus the
// appointment length used to cut it into talons. A zero-length break
// (BreakStart == BreakEnd) means the doctor takes no break.
type Definition struct {
	DoctorID     uuid.UUID
	Date         time.Time
	WorkStart    time.Time
	WorkEnd      time.Time
	BreakStart   time.Time
	BreakEnd     time.Time
	SlotDuration time.Duration
}

func (d Definition) hasBreak() bool { return d.BreakStart.Before(d.BreakEnd) }

// Validate reports the first violated invariant as an *InvalidScheduleError.
func (d Definition) Validate() error {
	if d.DoctorID == uuid.Nil {
		return invalid("doctor_id", "is required")
	}
	if d.Date.IsZero() {
		return invalid("date", "is required")
	}
	if d.SlotDuration <= 0 {
		return invalid("duration", "must be positive")
	}
	if !d.WorkStart.Before(d.WorkEnd) {
		return invalid("start_time", "must be before end_time")
	}
	if d.BreakEnd.Before(d.BreakStart) {
		return invalid("start_break_time", "must not be after end_break_time")
	}
	for _, f := range []struct {
		name string
		at   time.Time
	}{
		{"start_time", d.WorkStart},
		{"end_time", d.WorkEnd},
		{"start_break_time", d.BreakStart},
		{"end_break_time", d.BreakEnd},
	} {
		if !sameDay(f.at, d.Date) {
			return invalid(f.name, "must fall on the schedule date")
		}
	}
	return nil
}

// Generate cuts the working window into consecutive talons of SlotDuration,
// carving around the break. Fragments truncated at the break start are kept;
// a trailing remainder shorter than SlotDuration is dropped.
func Generate(def Definition) ([]Candidate, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	var (
		out    []Candidate
		cursor = def.WorkStart
		bs, be = def.BreakStart, def.BreakEnd
		brk    = def.hasBreak()
	)
	emit := func(start, end time.Time) {
		out = append(out, Candidate{DoctorID: def.DoctorID, Date: def.Date, StartTime: start, EndTime: end})
	}

	for cursor.Before(def.WorkEnd) {
		if brk && !cursor.Before(bs) && cursor.Before(be) {
			cursor = be
			continue
		}

		end := cursor.Add(def.SlotDuration)
		if end.After(def.WorkEnd) {
			break
		}

		if brk {
			switch {
			case end.After(bs) && !end.After(be):
				// ends inside the break
				if bs.After(cursor) {
					emit(cursor, bs)
				}
				cursor = be
				continue
			case cursor.Before(bs) && end.After(be):
				// break strictly inside; the post-break part is picked up
				// by the next iteration
				emit(cursor, bs)
				cursor = be
				continue
			case cursor.Before(be) && end.After(bs):
				cursor = be
				continue
			}
		}

		emit(cursor, end)
		cursor = end
	}
	return out, nil
}
