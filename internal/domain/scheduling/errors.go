package scheduling

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrDoctorNotFound   = errors.New("doctor not found")
	ErrSlotNotFound     = errors.New("talon not found")
	ErrSlotExists       = errors.New("talon already exists")
	ErrAlreadyBooked    = errors.New("talon is already booked")
	ErrSlotLockTimeout  = errors.New("timed out waiting for talon lock")
	ErrLockNotHeld      = errors.New("talon lock not held")
	ErrStorage          = errors.New("storage failure")
)

// InvalidScheduleError describes why a schedule definition or manual talon
// was rejected. It matches ErrInvalidSchedule.
type InvalidScheduleError struct {
	Field  string
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	if e.Field == "" {
		return "invalid schedule: " + e.Reason
	}
	return fmt.Sprintf("invalid schedule: %s %s", e.Field, e.Reason)
}

func (e *InvalidScheduleError) Is(target error) bool { return target == ErrInvalidSchedule }

func invalid(field, reason string) error {
	return &InvalidScheduleError{Field: field, Reason: reason}
}

// StorageError wraps a persistence failure. It matches ErrStorage and
// unwraps to the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
