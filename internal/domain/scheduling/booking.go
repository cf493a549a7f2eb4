package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Coordinator claims and releases talons. Every transition happens inside
// the store's per-talon lock, so two callers can never both book one talon.
type Coordinator struct {
	store   SlotStore
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewCoordinator(store SlotStore, metrics *Metrics, logger zerolog.Logger) *Coordinator {
	return &Coordinator{store: store, metrics: metrics, logger: logger, now: time.Now}
}

// Book marks a free talon as booked. A booked talon yields ErrAlreadyBooked
// and is left unchanged.
func (c *Coordinator) Book(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return c.transition(ctx, "book", id, func(sl *Slot) error {
		if sl.Status == SlotBooked {
			return ErrAlreadyBooked
		}
		sl.Status = SlotBooked
		return nil
	})
}

// Cancel frees a talon. Cancelling a free talon succeeds.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return c.transition(ctx, "cancel", id, func(sl *Slot) error {
		sl.Status = SlotFree
		return nil
	})
}

func (c *Coordinator) transition(ctx context.Context, op string, id uuid.UUID, mutate func(*Slot) error) (*Slot, error) {
	start := c.now()
	sl, err := c.store.LockForUpdate(ctx, id, func(ctx context.Context, sl *Slot) error {
		if err := mutate(sl); err != nil {
			return err
		}
		return c.store.Save(ctx, sl)
	})
	c.metrics.ObserveLock(c.now().Sub(start))

	outcome := outcomeOf(err)
	c.metrics.IncrementOutcome(op, outcome)
	if err != nil {
		c.logger.Debug().Str("op", op).Str("talon_id", id.String()).Str("outcome", outcome).Err(err).Msg("talon transition rejected")
		return nil, err
	}
	c.logger.Info().Str("op", op).Str("talon_id", id.String()).Str("status", string(sl.Status)).Msg("talon updated")
	return sl, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyBooked):
		return "already_booked"
	case errors.Is(err, ErrSlotNotFound):
		return "not_found"
	case errors.Is(err, ErrSlotLockTimeout):
		return "lock_timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
