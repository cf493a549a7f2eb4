package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/booking/internal/platform/db"
)

const (
	dialectPostgres = "postgres"

	// lock_not_available: raised by NOWAIT and by an expired lock_timeout
	pgLockNotAvailable = "55P03"
)

func buildQuery(ds interface {
	ToSQL() (string, []interface{}, error)
}) (string, []interface{}, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("build query: %w", err)
	}
	return query, args, nil
}

// =========== Talon Store ===========

type slotStorePG struct {
	pool   *pgxpool.Pool
	policy LockPolicy
}

// NewSlotStorePG returns a SlotStore backed by the talon table. Row locks
// are taken with SELECT ... FOR UPDATE inside a transaction per lock scope.
func NewSlotStorePG(pool *pgxpool.Pool, policy LockPolicy) SlotStore {
	return &slotStorePG{pool: pool, policy: policy}
}

const talonCols = `id, doctor_id, slot_date, start_at, end_at, status, created_at, updated_at`

var talonColumns = []interface{}{"id", "doctor_id", "slot_date", "start_at", "end_at", "status", "created_at", "updated_at"}

func scanTalon(row pgx.Row) (*Slot, error) {
	var sl Slot
	err := row.Scan(&sl.ID, &sl.DoctorID, &sl.Date, &sl.StartTime, &sl.EndTime,
		&sl.Status, &sl.CreatedAt, &sl.UpdatedAt)
	return &sl, err
}

func (r *slotStorePG) FindBusySlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]BusySlot, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT doctor_id, slot_date, start_at, end_at FROM talon
		WHERE doctor_id = $1 AND slot_date = $2 AND status = $3
		ORDER BY start_at`, doctorID, DateOf(date), SlotBooked)
	if err != nil {
		return nil, storageErr("find busy talons", err)
	}
	defer rows.Close()

	var busy []BusySlot
	for rows.Next() {
		var b BusySlot
		if err := rows.Scan(&b.DoctorID, &b.Date, &b.StartTime, &b.EndTime); err != nil {
			return nil, storageErr("find busy talons", err)
		}
		busy = append(busy, b)
	}
	return busy, storageErr("find busy talons", rows.Err())
}

func (r *slotStorePG) CreateIfAbsent(ctx context.Context, sl *Slot) (bool, *Slot, error) {
	id := sl.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	status := sl.Status
	if status == "" {
		status = SlotFree
	}

	conn := db.Conn(ctx, r.pool)
	stored, err := scanTalon(conn.QueryRow(ctx, `
		INSERT INTO talon (id, doctor_id, slot_date, start_at, end_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (doctor_id, slot_date, start_at, end_at) DO NOTHING
		RETURNING `+talonCols,
		id, sl.DoctorID, DateOf(sl.Date), sl.StartTime, sl.EndTime, status))
	if err == nil {
		return true, stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, storageErr("create talon", err)
	}

	existing, err := scanTalon(conn.QueryRow(ctx, `
		SELECT `+talonCols+` FROM talon
		WHERE doctor_id = $1 AND slot_date = $2 AND start_at = $3 AND end_at = $4`,
		sl.DoctorID, DateOf(sl.Date), sl.StartTime, sl.EndTime))
	if err != nil {
		return false, nil, storageErr("fetch existing talon", err)
	}
	return false, existing, nil
}

func (r *slotStorePG) LockForUpdate(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, sl *Slot) error) (*Slot, error) {
	lockQuery := `SELECT ` + talonCols + ` FROM talon WHERE id = $1 FOR UPDATE`
	if r.policy.NoWait {
		lockQuery += ` NOWAIT`
	}

	var (
		result *Slot
		fnErr  error
	)
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)
		if !r.policy.NoWait && r.policy.Timeout > 0 {
			timeout := fmt.Sprintf("%dms", r.policy.Timeout.Milliseconds())
			if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
				return err
			}
		}

		current, err := scanTalon(tx.QueryRow(ctx, lockQuery, id))
		if err != nil {
			return err
		}

		lockCtx, held := withHeldLock(ctx, r, id)
		fnErr = func() error {
			defer held.released.Store(true)
			return fn(lockCtx, current)
		}()
		if fnErr != nil {
			return fnErr
		}

		result, err = scanTalon(tx.QueryRow(ctx, `SELECT `+talonCols+` FROM talon WHERE id = $1`, id))
		return err
	})
	if fnErr != nil {
		return nil, fnErr
	}
	if err != nil {
		return nil, lockErr(ctx, err)
	}
	return result, nil
}

func lockErr(ctx context.Context, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrSlotNotFound
	case errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable:
		return ErrSlotLockTimeout
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return storageErr("lock talon", err)
	}
}

func (r *slotStorePG) Save(ctx context.Context, sl *Slot) error {
	tx := db.TxFromContext(ctx)
	if tx == nil || !holdsLock(ctx, r, sl.ID) {
		return ErrLockNotHeld
	}
	err := tx.QueryRow(ctx, `
		UPDATE talon SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`, sl.ID, sl.Status).Scan(&sl.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSlotNotFound
	}
	return storageErr("save talon", err)
}

func (r *slotStorePG) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	sl, err := scanTalon(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+talonCols+` FROM talon WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, storageErr("get talon", err)
	}
	return sl, nil
}

func (r *slotStorePG) List(ctx context.Context, filter SlotFilter, limit, offset int) ([]*Slot, int, error) {
	where := goqu.Ex{}
	if filter.DoctorID != nil {
		where["doctor_id"] = filter.DoctorID.String()
	}
	if filter.Date != nil {
		where["slot_date"] = DateOf(*filter.Date)
	}
	if filter.Status != "" {
		where["status"] = string(filter.Status)
	}

	base := goqu.Dialect(dialectPostgres).From("talon").Prepared(true).Where(where)

	countSQL, countArgs, err := buildQuery(base.Select(goqu.COUNT("*")))
	if err != nil {
		return nil, 0, err
	}
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, storageErr("count talons", err)
	}

	ds := base.Select(talonColumns...).
		Order(goqu.I("slot_date").Asc(), goqu.I("start_at").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	if offset > 0 {
		ds = ds.Offset(uint(offset))
	}
	query, args, err := buildQuery(ds)
	if err != nil {
		return nil, 0, err
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, storageErr("list talons", err)
	}
	defer rows.Close()
	var items []*Slot
	for rows.Next() {
		sl, err := scanTalon(rows)
		if err != nil {
			return nil, 0, storageErr("list talons", err)
		}
		items = append(items, sl)
	}
	return items, total, storageErr("list talons", rows.Err())
}

// =========== Schedule Repository ===========

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func NewScheduleRepoPG(pool *pgxpool.Pool) ScheduleRepository { return &scheduleRepoPG{pool: pool} }

const schedCols = `id, clinic_id, doctor_id, date, start_time, end_time, start_break_time, end_break_time, created_at`

var schedColumns = []interface{}{"id", "clinic_id", "doctor_id", "date", "start_time", "end_time", "start_break_time", "end_break_time", "created_at"}

// clockOf converts the wall-clock part of t to a TIME value.
func clockOf(t time.Time) pgtype.Time {
	since := t.Sub(DateOf(t))
	return pgtype.Time{Microseconds: since.Microseconds(), Valid: true}
}

// atClock places a TIME value on date.
func atClock(date time.Time, c pgtype.Time) time.Time {
	return DateOf(date).Add(time.Duration(c.Microseconds) * time.Microsecond)
}

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var (
		s                  Schedule
		start, end, bs, be pgtype.Time
	)
	if err := row.Scan(&s.ID, &s.ClinicID, &s.DoctorID, &s.Date, &start, &end, &bs, &be, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.StartTime = atClock(s.Date, start)
	s.EndTime = atClock(s.Date, end)
	s.BreakStart = atClock(s.Date, bs)
	s.BreakEnd = atClock(s.Date, be)
	return &s, nil
}

func (r *scheduleRepoPG) Create(ctx context.Context, s *Schedule) error {
	s.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO schedule (id, clinic_id, doctor_id, date, start_time, end_time, start_break_time, end_break_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		s.ID, s.ClinicID, s.DoctorID, DateOf(s.Date),
		clockOf(s.StartTime), clockOf(s.EndTime), clockOf(s.BreakStart), clockOf(s.BreakEnd)).Scan(&s.CreatedAt)
	return storageErr("create schedule", err)
}

func (r *scheduleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	s, err := scanSchedule(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+schedCols+` FROM schedule WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, storageErr("get schedule", err)
	}
	return s, nil
}

func (r *scheduleRepoPG) List(ctx context.Context, filter ScheduleFilter, limit, offset int) ([]*Schedule, int, error) {
	where := goqu.Ex{}
	if filter.DoctorID != nil {
		where["doctor_id"] = filter.DoctorID.String()
	}
	if filter.Date != nil {
		where["date"] = DateOf(*filter.Date)
	}
	base := goqu.Dialect(dialectPostgres).From("schedule").Prepared(true).Where(where)

	countSQL, countArgs, err := buildQuery(base.Select(goqu.COUNT("*")))
	if err != nil {
		return nil, 0, err
	}
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, storageErr("count schedules", err)
	}

	ds := base.Select(schedColumns...).
		Order(goqu.I("date").Desc(), goqu.I("start_time").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	if offset > 0 {
		ds = ds.Offset(uint(offset))
	}
	query, args, err := buildQuery(ds)
	if err != nil {
		return nil, 0, err
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, storageErr("list schedules", err)
	}
	defer rows.Close()
	var items []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, 0, storageErr("list schedules", err)
		}
		items = append(items, s)
	}
	return items, total, storageErr("list schedules", rows.Err())
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository { return &doctorRepoPG{pool: pool} }

const doctorCols = `id, clinic_id, last_name, first_name, patronymic, full_name, duration`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.ClinicID, &d.LastName, &d.FirstName, &d.Patronymic, &d.FullName, &d.DurationMinutes)
	return &d, err
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := scanDoctor(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDoctorNotFound
	}
	if err != nil {
		return nil, storageErr("get doctor", err)
	}
	return d, nil
}

func (r *doctorRepoPG) List(ctx context.Context, clinicID *uuid.UUID, limit, offset int) ([]*Doctor, int, error) {
	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM doctor WHERE $1::uuid IS NULL OR clinic_id = $1`, clinicID).Scan(&total); err != nil {
		return nil, 0, storageErr("count doctors", err)
	}
	rows, err := conn.Query(ctx, `
		SELECT `+doctorCols+` FROM doctor
		WHERE $1::uuid IS NULL OR clinic_id = $1
		ORDER BY full_name LIMIT $2 OFFSET $3`, clinicID, limitOrAll(limit), offset)
	if err != nil {
		return nil, 0, storageErr("list doctors", err)
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, 0, storageErr("list doctors", err)
		}
		items = append(items, d)
	}
	return items, total, storageErr("list doctors", rows.Err())
}

// limitOrAll maps a non-positive limit to NULL, which LIMIT treats as no limit.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
