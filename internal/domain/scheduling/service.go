package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	schedules ScheduleRepository
	doctors   DoctorRepository
	slots     SlotStore
	coord     *Coordinator
	metrics   *Metrics
	logger    zerolog.Logger
}

func NewService(sched ScheduleRepository, doctors DoctorRepository, slots SlotStore, metrics *Metrics, logger zerolog.Logger) *Service {
	return &Service{
		schedules: sched,
		doctors:   doctors,
		slots:     slots,
		coord:     NewCoordinator(slots, metrics, logger),
		metrics:   metrics,
		logger:    logger,
	}
}

// -- Materialization --

// MaterializeSchedule generates the talons of def, drops those colliding
// with booked talons and persists the rest. Talons that already exist are
// skipped, so repeated calls are safe. Only newly created talons are
// returned. On a storage failure the talons created before it are returned
// along with the error.
func (s *Service) MaterializeSchedule(ctx context.Context, def Definition) ([]*Slot, error) {
	candidates, err := Generate(def)
	if err != nil {
		return nil, err
	}

	busy, err := s.slots.FindBusySlots(ctx, def.DoctorID, def.Date)
	if err != nil {
		return nil, err
	}
	survivors := FilterConflicts(candidates, busy)

	var created []*Slot
	for _, c := range survivors {
		ok, sl, err := s.slots.CreateIfAbsent(ctx, c.Slot())
		if err != nil {
			s.metrics.AddTalonsCreated("schedule", len(created))
			return created, err
		}
		if ok {
			created = append(created, sl)
		}
	}
	s.metrics.AddTalonsCreated("schedule", len(created))

	s.logger.Info().
		Str("doctor_id", def.DoctorID.String()).
		Str("date", def.Date.Format(DateLayout)).
		Int("candidates", len(candidates)).
		Int("conflicting", len(candidates)-len(survivors)).
		Int("created", len(created)).
		Msg("schedule materialized")
	return created, nil
}

// GenerateTalons materializes a stored schedule using its doctor's
// appointment length.
func (s *Service) GenerateTalons(ctx context.Context, scheduleID uuid.UUID) ([]*Slot, error) {
	sched, err := s.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	def, err := s.definitionOf(ctx, sched)
	if err != nil {
		return nil, err
	}
	return s.MaterializeSchedule(ctx, def)
}

func (s *Service) definitionOf(ctx context.Context, sched *Schedule) (Definition, error) {
	doc, err := s.doctors.GetByID(ctx, sched.DoctorID)
	if err != nil {
		return Definition{}, err
	}
	return sched.Definition(time.Duration(doc.DurationMinutes) * time.Minute), nil
}

// -- Schedule --

// CreateSchedule stores a schedule and materializes it right away.
func (s *Service) CreateSchedule(ctx context.Context, sched *Schedule) ([]*Slot, error) {
	if sched.ClinicID == uuid.Nil {
		return nil, invalid("clinic_id", "is required")
	}
	if sched.DoctorID == uuid.Nil {
		return nil, invalid("doctor_id", "is required")
	}
	def, err := s.definitionOf(ctx, sched)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := s.schedules.Create(ctx, sched); err != nil {
		return nil, err
	}
	return s.MaterializeSchedule(ctx, def)
}

func (s *Service) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return s.schedules.GetByID(ctx, id)
}

func (s *Service) ListSchedules(ctx context.Context, filter ScheduleFilter, limit, offset int) ([]*Schedule, int, error) {
	return s.schedules.List(ctx, filter, limit, offset)
}

// ScheduleTalons pairs a schedule with the talons of its doctor and date.
type ScheduleTalons struct {
	Schedule *Schedule `json:"schedule"`
	Talons   []*Slot   `json:"talons"`
}

func (s *Service) ListSchedulesWithTalons(ctx context.Context, filter ScheduleFilter, limit, offset int) ([]ScheduleTalons, int, error) {
	scheds, total, err := s.schedules.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]ScheduleTalons, 0, len(scheds))
	for _, sc := range scheds {
		doctorID, date := sc.DoctorID, sc.Date
		talons, _, err := s.slots.List(ctx, SlotFilter{DoctorID: &doctorID, Date: &date}, 0, 0)
		if err != nil {
			return nil, 0, err
		}
		if talons == nil {
			talons = []*Slot{}
		}
		out = append(out, ScheduleTalons{Schedule: sc, Talons: talons})
	}
	return out, total, nil
}

// -- Talon --

// CreateSlot persists a single free talon outside of any schedule. A talon
// with the same doctor, date and interval yields ErrSlotExists.
func (s *Service) CreateSlot(ctx context.Context, sl *Slot) error {
	if sl.DoctorID == uuid.Nil {
		return invalid("doctor_id", "is required")
	}
	if !sl.StartTime.Before(sl.EndTime) {
		return invalid("start_time", "must be before end_time")
	}
	if !sameDay(sl.StartTime, sl.Date) || !sameDay(sl.EndTime, sl.Date) {
		return invalid("date", "start_time and end_time must fall on the talon date")
	}
	if _, err := s.doctors.GetByID(ctx, sl.DoctorID); err != nil {
		return err
	}

	sl.Status = SlotFree
	created, stored, err := s.slots.CreateIfAbsent(ctx, sl)
	if err != nil {
		return err
	}
	if !created {
		return ErrSlotExists
	}
	*sl = *stored
	s.metrics.AddTalonsCreated("manual", 1)
	return nil
}

func (s *Service) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.slots.GetByID(ctx, id)
}

func (s *Service) ListSlots(ctx context.Context, filter SlotFilter, limit, offset int) ([]*Slot, int, error) {
	return s.slots.List(ctx, filter, limit, offset)
}

func (s *Service) BookSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.coord.Book(ctx, id)
}

func (s *Service) CancelSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.coord.Cancel(ctx, id)
}

// -- Doctor --

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.doctors.GetByID(ctx, id)
}

func (s *Service) ListDoctors(ctx context.Context, clinicID *uuid.UUID, limit, offset int) ([]*Doctor, int, error) {
	return s.doctors.List(ctx, clinicID, limit, offset)
}

func (s *Service) ListDoctorSlots(ctx context.Context, doctorID uuid.UUID, filter SlotFilter, limit, offset int) ([]*Slot, int, error) {
	if _, err := s.doctors.GetByID(ctx, doctorID); err != nil {
		return nil, 0, err
	}
	filter.DoctorID = &doctorID
	return s.slots.List(ctx, filter, limit, offset)
}
