package db

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// LockStats reports row-lock pressure on the table booking locks.
type LockStats struct {
	Table string `json:"table"`
	// Holders are backends inside a SELECT ... FOR UPDATE scope on Table.
	Holders int `json:"holders"`
	// Waiters are backends of this database blocked on a heavyweight lock,
	// which is where a booking waits for a held talon until lock_timeout.
	Waiters int `json:"waiters"`
}

// PoolUsage is the part of pgxpool.Stat that tells booking waits apart from
// a starved pool.
type PoolUsage struct {
	Acquired         int32  `json:"acquired"`
	Max              int32  `json:"max"`
	EmptyAcquires    int64  `json:"empty_acquires"`
	CanceledAcquires int64  `json:"canceled_acquires"`
	AcquireWait      string `json:"acquire_wait"`
}

// Health is the /health/db body.
type Health struct {
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Locks  *LockStats `json:"locks,omitempty"`
	Pool   PoolUsage  `json:"pool"`
}

const (
	HealthOK        = "healthy"
	HealthContended = "contended"
	HealthDown      = "unhealthy"
)

const lockStatsSQL = `
SELECT
	(SELECT count(DISTINCT l.pid)
	   FROM pg_locks l JOIN pg_class c ON c.oid = l.relation
	  WHERE c.relname = $1 AND l.mode = 'RowShareLock' AND l.granted
	    AND l.pid <> pg_backend_pid()),
	(SELECT count(*)
	   FROM pg_stat_activity
	  WHERE datname = current_database() AND wait_event_type = 'Lock')`

func poolUsage(s *pgxpool.Stat) PoolUsage {
	return PoolUsage{
		Acquired:         s.AcquiredConns(),
		Max:              s.MaxConns(),
		EmptyAcquires:    s.EmptyAcquireCount(),
		CanceledAcquires: s.CanceledAcquireCount(),
		AcquireWait:      s.EmptyAcquireWaitTime().String(),
	}
}

// ReadLockStats counts lock holders and waiters for table.
func ReadLockStats(ctx context.Context, q Queryable, table string) (*LockStats, error) {
	st := &LockStats{Table: table}
	if err := q.QueryRow(ctx, lockStatsSQL, table).Scan(&st.Holders, &st.Waiters); err != nil {
		return nil, fmt.Errorf("read lock stats: %w", err)
	}
	return st, nil
}

// status grades a report. Waiters alone is not an outage, a booking queued
// behind another one still completes within lock_timeout.
func (h *Health) status() (int, string) {
	switch {
	case h.Error != "":
		return http.StatusServiceUnavailable, HealthDown
	case h.Locks != nil && h.Locks.Waiters > 0:
		return http.StatusOK, HealthContended
	default:
		return http.StatusOK, HealthOK
	}
}

// HealthHandler pings the database and reports pool usage together with
// the row locks held on lockTable.
func HealthHandler(pool *pgxpool.Pool, lockTable string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		h := &Health{Pool: poolUsage(pool.Stat())}
		locks, err := ReadLockStats(ctx, pool, lockTable)
		if err != nil {
			h.Error = err.Error()
		}
		h.Locks = locks

		code, status := h.status()
		h.Status = status
		return c.JSON(code, h)
	}
}
