package scheduling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
)

// slotStoreSuite is the behavioural contract every SlotStore must honour.
// Concrete suites provide the store factory and a way to obtain a doctor id
// the store accepts. reset, when set, wipes shared state before each test.
type slotStoreSuite struct {
	suite.Suite
	newStore  func(policy LockPolicy) SlotStore
	newDoctor func() uuid.UUID
	reset     func()

	store  SlotStore
	doctor uuid.UUID
}

func (s *slotStoreSuite) SetupTest() {
	if s.reset != nil {
		s.reset()
	}
	s.store = s.newStore(LockPolicy{Timeout: 2 * time.Second})
	s.doctor = s.newDoctor()
}

func (s *slotStoreSuite) freeSlot(startHour, startMinute int, d time.Duration) *Slot {
	start := at(startHour, startMinute)
	return &Slot{DoctorID: s.doctor, Date: testDate, StartTime: start, EndTime: start.Add(d), Status: SlotFree}
}

func (s *slotStoreSuite) create(sl *Slot) *Slot {
	created, stored, err := s.store.CreateIfAbsent(context.Background(), sl)
	s.Require().NoError(err)
	s.Require().True(created)
	return stored
}

func (s *slotStoreSuite) book(store SlotStore, id uuid.UUID) (*Slot, error) {
	return NewCoordinator(store, nil, zerolog.Nop()).Book(context.Background(), id)
}

func (s *slotStoreSuite) TestCreateIfAbsent() {
	ctx := context.Background()

	s.Run("creates a free talon", func() {
		stored := s.create(s.freeSlot(9, 0, 30*time.Minute))
		s.NotEqual(uuid.Nil, stored.ID)
		s.Equal(SlotFree, stored.Status)
		s.True(stored.StartTime.Equal(at(9, 0)))
		s.True(stored.EndTime.Equal(at(9, 30)))
	})

	s.Run("returns the existing row for a duplicate key", func() {
		first := s.create(s.freeSlot(10, 0, 30*time.Minute))

		created, stored, err := s.store.CreateIfAbsent(ctx, s.freeSlot(10, 0, 30*time.Minute))
		s.Require().NoError(err)
		s.False(created)
		s.Equal(first.ID, stored.ID)
	})

	s.Run("same start with another end is a different talon", func() {
		s.create(s.freeSlot(11, 0, 30*time.Minute))
		created, _, err := s.store.CreateIfAbsent(ctx, s.freeSlot(11, 0, 15*time.Minute))
		s.Require().NoError(err)
		s.True(created)
	})
}

func (s *slotStoreSuite) TestCreateIfAbsent_Concurrent() {
	const goroutines = 20
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		ids     sync.Map
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, stored, err := s.store.CreateIfAbsent(context.Background(), s.freeSlot(14, 0, 30*time.Minute))
			if err != nil {
				s.T().Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				created.Add(1)
			}
			ids.Store(stored.ID, true)
		}()
	}
	wg.Wait()

	s.Equal(int32(1), created.Load(), "exactly one caller should create the talon")
	distinct := 0
	ids.Range(func(_, _ any) bool { distinct++; return true })
	s.Equal(1, distinct, "every caller should see the same row")
}

func (s *slotStoreSuite) TestFindBusySlots() {
	ctx := context.Background()
	s.create(s.freeSlot(9, 0, 30*time.Minute))
	booked := s.create(s.freeSlot(9, 30, 30*time.Minute))
	_, err := s.book(s.store, booked.ID)
	s.Require().NoError(err)

	busy, err := s.store.FindBusySlots(ctx, s.doctor, testDate)
	s.Require().NoError(err)
	s.Require().Len(busy, 1)
	s.True(busy[0].StartTime.Equal(booked.StartTime))
	s.Equal(s.doctor, busy[0].DoctorID)

	other, err := s.store.FindBusySlots(ctx, s.newDoctor(), testDate)
	s.Require().NoError(err)
	s.Empty(other)

	nextDay, err := s.store.FindBusySlots(ctx, s.doctor, testDate.Add(24*time.Hour))
	s.Require().NoError(err)
	s.Empty(nextDay)
}

func (s *slotStoreSuite) TestLockForUpdate_UnknownID() {
	ctx := context.Background()
	called := false

	_, err := s.store.LockForUpdate(ctx, uuid.New(), func(context.Context, *Slot) error {
		called = true
		return nil
	})
	s.ErrorIs(err, ErrSlotNotFound)
	s.False(called)

	_, total, err := s.store.List(ctx, SlotFilter{DoctorID: &s.doctor}, 0, 0)
	s.Require().NoError(err)
	s.Zero(total, "no talon should be created")
}

func (s *slotStoreSuite) TestLockForUpdate_ReleasesOnError() {
	ctx := context.Background()
	sl := s.create(s.freeSlot(9, 0, 30*time.Minute))
	boom := errors.New("boom")

	_, err := s.store.LockForUpdate(ctx, sl.ID, func(context.Context, *Slot) error { return boom })
	s.ErrorIs(err, boom)

	_, err = s.store.LockForUpdate(ctx, sl.ID, func(context.Context, *Slot) error { return nil })
	s.NoError(err, "lock should be released after fn fails")
}

func (s *slotStoreSuite) TestLockForUpdate_ReleasesOnPanic() {
	ctx := context.Background()
	sl := s.create(s.freeSlot(9, 0, 30*time.Minute))

	func() {
		defer func() { _ = recover() }()
		_, _ = s.store.LockForUpdate(ctx, sl.ID, func(context.Context, *Slot) error { panic("boom") })
	}()

	booked, err := s.book(s.store, sl.ID)
	s.Require().NoError(err, "lock should be released after a panic")
	s.Equal(SlotBooked, booked.Status)
}

func (s *slotStoreSuite) TestLockForUpdate_ReturnsSavedRow() {
	ctx := context.Background()
	sl := s.create(s.freeSlot(9, 0, 30*time.Minute))

	got, err := s.store.LockForUpdate(ctx, sl.ID, func(ctx context.Context, locked *Slot) error {
		s.Equal(SlotFree, locked.Status)
		locked.Status = SlotBooked
		return s.store.Save(ctx, locked)
	})
	s.Require().NoError(err)
	s.Equal(SlotBooked, got.Status)
	s.Equal(sl.ID, got.ID)
}

func (s *slotStoreSuite) TestSave_RequiresLockScope() {
	ctx := context.Background()
	sl := s.create(s.freeSlot(9, 0, 30*time.Minute))

	sl.Status = SlotBooked
	s.ErrorIs(s.store.Save(ctx, sl), ErrLockNotHeld)

	var leaked context.Context
	_, err := s.store.LockForUpdate(ctx, sl.ID, func(ctx context.Context, _ *Slot) error {
		leaked = ctx
		return nil
	})
	s.Require().NoError(err)
	s.ErrorIs(s.store.Save(leaked, sl), ErrLockNotHeld)

	other := s.create(s.freeSlot(10, 0, 30*time.Minute))
	_, err = s.store.LockForUpdate(ctx, sl.ID, func(ctx context.Context, _ *Slot) error {
		other.Status = SlotBooked
		return s.store.Save(ctx, other)
	})
	s.ErrorIs(err, ErrLockNotHeld, "a scope only covers its own talon")

	got, err := s.store.GetByID(ctx, sl.ID)
	s.Require().NoError(err)
	s.Equal(SlotFree, got.Status)
}

func (s *slotStoreSuite) TestBook_ConcurrentExactlyOneWins() {
	sl := s.create(s.freeSlot(9, 0, 30*time.Minute))

	const goroutines = 25
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.book(s.store, sl.ID)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrAlreadyBooked):
				conflicts.Add(1)
			default:
				s.T().Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	s.Equal(int32(1), successes.Load())
	s.Equal(int32(goroutines-1), conflicts.Load())

	got, err := s.store.GetByID(context.Background(), sl.ID)
	s.Require().NoError(err)
	s.Equal(SlotBooked, got.Status)
}

// holdLock keeps id locked until the returned release func is called.
func (s *slotStoreSuite) holdLock(store SlotStore, id uuid.UUID) (release func()) {
	held := make(chan struct{})
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, err := store.LockForUpdate(context.Background(), id, func(context.Context, *Slot) error {
			close(held)
			<-done
			return nil
		})
		if err != nil {
			s.T().Errorf("holder: unexpected error: %v", err)
		}
	}()
	<-held
	return func() {
		close(done)
		<-finished
	}
}

func (s *slotStoreSuite) TestLockPolicy_NoWaitFailsFast() {
	store := s.newStore(LockPolicy{NoWait: true})
	_, sl, err := store.CreateIfAbsent(context.Background(), s.freeSlot(9, 0, 30*time.Minute))
	s.Require().NoError(err)

	release := s.holdLock(store, sl.ID)
	start := time.Now()
	_, err = s.book(store, sl.ID)
	release()

	s.ErrorIs(err, ErrSlotLockTimeout)
	s.Less(time.Since(start), time.Second)

	got, err := store.GetByID(context.Background(), sl.ID)
	s.Require().NoError(err)
	s.Equal(SlotFree, got.Status, "a timed-out booking must not mutate the talon")
}

func (s *slotStoreSuite) TestLockPolicy_TimeoutBoundsWait() {
	store := s.newStore(LockPolicy{Timeout: 50 * time.Millisecond})
	_, sl, err := store.CreateIfAbsent(context.Background(), s.freeSlot(9, 0, 30*time.Minute))
	s.Require().NoError(err)

	release := s.holdLock(store, sl.ID)
	_, err = s.book(store, sl.ID)
	release()
	s.ErrorIs(err, ErrSlotLockTimeout)

	// the lock is free again once the holder is done
	booked, err := s.book(store, sl.ID)
	s.Require().NoError(err)
	s.Equal(SlotBooked, booked.Status)
}

func (s *slotStoreSuite) TestLockPolicy_ContextCancelWhileWaiting() {
	store := s.newStore(LockPolicy{})
	_, sl, err := store.CreateIfAbsent(context.Background(), s.freeSlot(9, 0, 30*time.Minute))
	s.Require().NoError(err)

	release := s.holdLock(store, sl.ID)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = NewCoordinator(store, nil, zerolog.Nop()).Book(ctx, sl.ID)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *slotStoreSuite) TestCancel() {
	sl := s.create(s.freeSlot(9, 0, 30*time.Minute))
	coord := NewCoordinator(s.store, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := coord.Book(ctx, sl.ID)
	s.Require().NoError(err)

	freed, err := coord.Cancel(ctx, sl.ID)
	s.Require().NoError(err)
	s.Equal(SlotFree, freed.Status)

	again, err := coord.Cancel(ctx, sl.ID)
	s.Require().NoError(err, "cancel is idempotent")
	s.Equal(SlotFree, again.Status)

	rebooked, err := coord.Book(ctx, sl.ID)
	s.Require().NoError(err)
	s.Equal(SlotBooked, rebooked.Status)
}

func (s *slotStoreSuite) TestList() {
	ctx := context.Background()
	late := s.create(s.freeSlot(11, 0, 30*time.Minute))
	early := s.create(s.freeSlot(9, 0, 30*time.Minute))
	mid := s.create(s.freeSlot(10, 0, 30*time.Minute))
	_, err := s.book(s.store, mid.ID)
	s.Require().NoError(err)

	s.Run("ordered by date and start", func() {
		items, total, err := s.store.List(ctx, SlotFilter{DoctorID: &s.doctor}, 0, 0)
		s.Require().NoError(err)
		s.Equal(3, total)
		s.Require().Len(items, 3)
		s.Equal(early.ID, items[0].ID)
		s.Equal(mid.ID, items[1].ID)
		s.Equal(late.ID, items[2].ID)
	})

	s.Run("status filter", func() {
		items, total, err := s.store.List(ctx, SlotFilter{DoctorID: &s.doctor, Status: SlotBooked}, 0, 0)
		s.Require().NoError(err)
		s.Equal(1, total)
		s.Require().Len(items, 1)
		s.Equal(mid.ID, items[0].ID)
	})

	s.Run("date filter", func() {
		day := testDate.Add(24 * time.Hour)
		items, total, err := s.store.List(ctx, SlotFilter{DoctorID: &s.doctor, Date: &day}, 0, 0)
		s.Require().NoError(err)
		s.Zero(total)
		s.Empty(items)
	})

	s.Run("limit and offset", func() {
		items, total, err := s.store.List(ctx, SlotFilter{DoctorID: &s.doctor}, 1, 1)
		s.Require().NoError(err)
		s.Equal(3, total)
		s.Require().Len(items, 1)
		s.Equal(mid.ID, items[0].ID)
	})
}
