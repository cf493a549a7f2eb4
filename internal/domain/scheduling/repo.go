package scheduling

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SlotStore owns persisted talon state. All methods are safe for concurrent
// use.
type SlotStore interface {
	// FindBusySlots returns booked talons of the doctor on date. The result
	// may lag behind concurrent bookings.
	FindBusySlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]BusySlot, error)

	// CreateIfAbsent inserts sl as a free talon unless a talon with the same
	// key exists, and returns whichever row is stored. Atomic per key.
	CreateIfAbsent(ctx context.Context, sl *Slot) (created bool, stored *Slot, err error)

	// LockForUpdate holds an exclusive lock on one talon while fn runs and
	// releases it on every exit path. fn receives a context that Save
	// accepts and a fresh copy of the row. The returned talon is the row as
	// stored when the lock is released. Returns ErrSlotNotFound for an
	// unknown id and ErrSlotLockTimeout when the lock cannot be obtained
	// within the store's wait policy.
	LockForUpdate(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, sl *Slot) error) (*Slot, error)

	// Save persists a talon locked by LockForUpdate. ctx must be the one
	// passed to fn; otherwise ErrLockNotHeld.
	Save(ctx context.Context, sl *Slot) error

	GetByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	List(ctx context.Context, filter SlotFilter, limit, offset int) ([]*Slot, int, error)
}

type ScheduleRepository interface {
	Create(ctx context.Context, s *Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error)
	List(ctx context.Context, filter ScheduleFilter, limit, offset int) ([]*Schedule, int, error)
}

type DoctorRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	List(ctx context.Context, clinicID *uuid.UUID, limit, offset int) ([]*Doctor, int, error)
}

// LockPolicy controls how a store waits for a talon lock held by another
// caller.
type LockPolicy struct {
	// NoWait fails immediately with ErrSlotLockTimeout when the lock is held.
	NoWait bool
	// Timeout bounds the wait when NoWait is false. Zero waits until the
	// caller's context is done.
	Timeout time.Duration
}

type heldLockKey struct{}

// heldLock marks a context as holding one talon's lock inside a
// LockForUpdate scope. It is released when the scope ends so a leaked
// context cannot Save afterwards.
type heldLock struct {
	owner    any
	id       uuid.UUID
	released atomic.Bool
}

func withHeldLock(ctx context.Context, owner any, id uuid.UUID) (context.Context, *heldLock) {
	h := &heldLock{owner: owner, id: id}
	return context.WithValue(ctx, heldLockKey{}, h), h
}

// holdsLock reports whether ctx is a live lock scope of owner for id.
func holdsLock(ctx context.Context, owner any, id uuid.UUID) bool {
	h, _ := ctx.Value(heldLockKey{}).(*heldLock)
	return h != nil && h.owner == owner && h.id == id && !h.released.Load()
}
