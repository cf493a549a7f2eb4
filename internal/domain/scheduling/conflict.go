package scheduling

import "time"

// overlaps treats both intervals as half-open [start, end).
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// FilterConflicts drops every candidate overlapping a busy slot of the same
// doctor and date. Survivors keep their order.
func FilterConflicts(candidates []Candidate, busy []BusySlot) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !conflicts(c, busy) {
			out = append(out, c)
		}
	}
	return out
}

func conflicts(c Candidate, busy []BusySlot) bool {
	for _, b := range busy {
		if b.DoctorID != c.DoctorID || !sameDay(b.Date, c.Date) {
			continue
		}
		if overlaps(c.StartTime, c.EndTime, b.StartTime, b.EndTime) {
			return true
		}
	}
	return false
}
