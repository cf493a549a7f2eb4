package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	busyKeyPrefix = "talons:busy:"
	busyGenPrefix = "talons:busy-gen:"

	// busyGenTTL bounds how long an idle generation counter is kept. It
	// must outlive any single read-through by a wide margin.
	busyGenTTL = 24 * time.Hour
)

var cacheJSON = jsoniter.ConfigFastest

// storeIfCurrent writes the projection only when the generation read before
// the store query is still current. A missing counter reads as "0".
const storeIfCurrent = `
local gen = redis.call('GET', KEYS[1]) or '0'
if gen ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`

// bumpGeneration invalidates every read-through started before it.
const bumpGeneration = `
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`

// CachedSlotStore is a SlotStore whose busy-slot projection is served from
// Redis. Entries expire after the TTL and are dropped whenever a lock scope
// on a talon of the same doctor and date commits. Each committed scope also
// bumps a per-key generation, and a read-through only stores its result if
// no scope committed while it queried the wrapped store. Redis failures are
// logged and fall through to the wrapped store.
type CachedSlotStore struct {
	SlotStore
	client  redis.Cmdable
	ttl     time.Duration
	metrics *Metrics
	logger  zerolog.Logger
}

func NewCachedSlotStore(store SlotStore, client redis.Cmdable, ttl time.Duration, metrics *Metrics, logger zerolog.Logger) *CachedSlotStore {
	return &CachedSlotStore{SlotStore: store, client: client, ttl: ttl, metrics: metrics, logger: logger}
}

func busyKey(doctorID uuid.UUID, date time.Time) string {
	return busyKeyPrefix + doctorID.String() + ":" + date.Format(DateLayout)
}

func busyGenKey(doctorID uuid.UUID, date time.Time) string {
	return busyGenPrefix + doctorID.String() + ":" + date.Format(DateLayout)
}

func (c *CachedSlotStore) FindBusySlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]BusySlot, error) {
	key := busyKey(doctorID, date)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var busy []BusySlot
		if err := cacheJSON.Unmarshal(raw, &busy); err == nil {
			c.metrics.IncrementCacheLookup("hit")
			return busy, nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding undecodable busy-slot cache entry")
	case errors.Is(err, redis.Nil):
		c.metrics.IncrementCacheLookup("miss")
	default:
		c.metrics.IncrementCacheLookup("error")
		c.logger.Warn().Err(err).Str("key", key).Msg("busy-slot cache read failed")
	}

	genKey := busyGenKey(doctorID, date)
	gen, err := c.client.Get(ctx, genKey).Result()
	cacheable := true
	switch {
	case errors.Is(err, redis.Nil):
		gen = "0"
	case err != nil:
		cacheable = false
	}

	busy, err := c.SlotStore.FindBusySlots(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	if !cacheable {
		return busy, nil
	}
	raw, err = cacheJSON.Marshal(busy)
	if err != nil {
		return busy, nil
	}
	stored, err := c.client.Eval(ctx, storeIfCurrent, []string{genKey, key}, gen, raw, c.ttl.Milliseconds()).Int()
	switch {
	case err != nil:
		c.logger.Warn().Err(err).Str("key", key).Msg("busy-slot cache write failed")
	case stored == 0:
		c.logger.Debug().Str("key", key).Msg("skipping busy-slot write-back after concurrent booking")
	}
	return busy, nil
}

func (c *CachedSlotStore) LockForUpdate(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, sl *Slot) error) (*Slot, error) {
	sl, err := c.SlotStore.LockForUpdate(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, sl.DoctorID, sl.Date)
	return sl, nil
}

func (c *CachedSlotStore) invalidate(ctx context.Context, doctorID uuid.UUID, date time.Time) {
	key := busyKey(doctorID, date)
	keys := []string{busyGenKey(doctorID, date), key}
	if err := c.client.Eval(context.WithoutCancel(ctx), bumpGeneration, keys, busyGenTTL.Milliseconds()).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("busy-slot cache invalidation failed")
	}
}
