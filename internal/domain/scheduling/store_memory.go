package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemorySlotStore is an in-process SlotStore. Row data is guarded by one
// RWMutex held only for short map operations; booking exclusivity comes
// from a per-talon lock table, so bookings of different talons never
// contend.
type MemorySlotStore struct {
	mu    sync.RWMutex
	slots map[uuid.UUID]*Slot
	byKey map[SlotKey]uuid.UUID

	locksMu sync.Mutex
	locks   map[uuid.UUID]chan struct{} // one-token semaphore per talon

	policy LockPolicy
	now    func() time.Time
}

// MemoryStoreOption configures a MemorySlotStore.
type MemoryStoreOption func(*MemorySlotStore)

func WithMemoryLockPolicy(p LockPolicy) MemoryStoreOption {
	return func(s *MemorySlotStore) { s.policy = p }
}

func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemorySlotStore) { s.now = now }
}

func NewMemorySlotStore(opts ...MemoryStoreOption) *MemorySlotStore {
	s := &MemorySlotStore{
		slots: make(map[uuid.UUID]*Slot),
		byKey: make(map[SlotKey]uuid.UUID),
		locks: make(map[uuid.UUID]chan struct{}),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemorySlotStore) FindBusySlots(_ context.Context, doctorID uuid.UUID, date time.Time) ([]BusySlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var busy []BusySlot
	for _, sl := range s.slots {
		if sl.DoctorID == doctorID && sameDay(sl.Date, date) && sl.Status == SlotBooked {
			busy = append(busy, busyFromSlot(sl))
		}
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].StartTime.Before(busy[j].StartTime) })
	return busy, nil
}

func (s *MemorySlotStore) CreateIfAbsent(_ context.Context, sl *Slot) (bool, *Slot, error) {
	key := sl.Key().normalized()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[key]; ok {
		return false, cloneSlot(s.slots[id]), nil
	}

	row := cloneSlot(sl)
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.Status == "" {
		row.Status = SlotFree
	}
	now := s.now()
	row.CreatedAt, row.UpdatedAt = now, now

	s.slots[row.ID] = row
	s.byKey[key] = row.ID
	return true, cloneSlot(row), nil
}

func (s *MemorySlotStore) LockForUpdate(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, sl *Slot) error) (*Slot, error) {
	if _, err := s.GetByID(ctx, id); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	lockCtx, held := withHeldLock(ctx, s, id)
	defer held.released.Store(true)
	if err := fn(lockCtx, current); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

func (s *MemorySlotStore) lockFor(id uuid.UUID) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	return ch
}

func (s *MemorySlotStore) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	ch := s.lockFor(id)
	release := func() { <-ch }

	if s.policy.NoWait {
		select {
		case ch <- struct{}{}:
			return release, nil
		default:
			return nil, ErrSlotLockTimeout
		}
	}

	var timeout <-chan time.Time
	if s.policy.Timeout > 0 {
		timer := time.NewTimer(s.policy.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
		return release, nil
	case <-timeout:
		return nil, ErrSlotLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MemorySlotStore) Save(ctx context.Context, sl *Slot) error {
	if !holdsLock(ctx, s, sl.ID) {
		return ErrLockNotHeld
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.slots[sl.ID]
	if !ok {
		return ErrSlotNotFound
	}
	row.Status = sl.Status
	row.UpdatedAt = s.now()
	sl.UpdatedAt = row.UpdatedAt
	return nil
}

func (s *MemorySlotStore) GetByID(_ context.Context, id uuid.UUID) (*Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return cloneSlot(sl), nil
}

func (s *MemorySlotStore) List(_ context.Context, filter SlotFilter, limit, offset int) ([]*Slot, int, error) {
	s.mu.RLock()
	var items []*Slot
	for _, sl := range s.slots {
		if filter.DoctorID != nil && sl.DoctorID != *filter.DoctorID {
			continue
		}
		if filter.Date != nil && !sameDay(sl.Date, *filter.Date) {
			continue
		}
		if filter.Status != "" && sl.Status != filter.Status {
			continue
		}
		items = append(items, cloneSlot(sl))
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].Date.Equal(items[j].Date) {
			return items[i].Date.Before(items[j].Date)
		}
		return items[i].StartTime.Before(items[j].StartTime)
	})
	return paginate(items, limit, offset), len(items), nil
}

func cloneSlot(sl *Slot) *Slot {
	if sl == nil {
		return nil
	}
	c := *sl
	return &c
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// MemoryScheduleRepo is an in-process ScheduleRepository.
type MemoryScheduleRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Schedule
	now   func() time.Time
}

func NewMemoryScheduleRepo() *MemoryScheduleRepo {
	return &MemoryScheduleRepo{items: make(map[uuid.UUID]*Schedule), now: time.Now}
}

func (r *MemoryScheduleRepo) Create(_ context.Context, s *Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = r.now()
	c := *s
	r.items[s.ID] = &c
	return nil
}

func (r *MemoryScheduleRepo) GetByID(_ context.Context, id uuid.UUID) (*Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	c := *s
	return &c, nil
}

func (r *MemoryScheduleRepo) List(_ context.Context, filter ScheduleFilter, limit, offset int) ([]*Schedule, int, error) {
	r.mu.RLock()
	var items []*Schedule
	for _, s := range r.items {
		if filter.DoctorID != nil && s.DoctorID != *filter.DoctorID {
			continue
		}
		if filter.Date != nil && !sameDay(s.Date, *filter.Date) {
			continue
		}
		c := *s
		items = append(items, &c)
	}
	r.mu.RUnlock()

	// newest date first, then by start time
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Date.Equal(items[j].Date) {
			return items[i].Date.After(items[j].Date)
		}
		return items[i].StartTime.Before(items[j].StartTime)
	})
	return paginate(items, limit, offset), len(items), nil
}

// MemoryDoctorRepo is an in-process DoctorRepository.
type MemoryDoctorRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Doctor
}

func NewMemoryDoctorRepo(doctors ...*Doctor) *MemoryDoctorRepo {
	r := &MemoryDoctorRepo{items: make(map[uuid.UUID]*Doctor)}
	for _, d := range doctors {
		r.Put(d)
	}
	return r
}

// Put adds or replaces a doctor.
func (r *MemoryDoctorRepo) Put(d *Doctor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	c := *d
	r.items[d.ID] = &c
}

func (r *MemoryDoctorRepo) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.items[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	c := *d
	return &c, nil
}

func (r *MemoryDoctorRepo) List(_ context.Context, clinicID *uuid.UUID, limit, offset int) ([]*Doctor, int, error) {
	r.mu.RLock()
	var items []*Doctor
	for _, d := range r.items {
		if clinicID != nil && (d.ClinicID == nil || *d.ClinicID != *clinicID) {
			continue
		}
		c := *d
		items = append(items, &c)
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].FullName < items[j].FullName })
	return paginate(items, limit, offset), len(items), nil
}
