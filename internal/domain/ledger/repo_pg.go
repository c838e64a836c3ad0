package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
	"github.com/clinicops/portal/internal/platform/clock"
)

// PGLedger stores appointments in PostgreSQL. Each write runs in a
// transaction holding a transaction-scoped advisory lock per doctor.
type PGLedger struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewPGLedger(pool *pgxpool.Pool, clk clock.Clock) *PGLedger {
	return &PGLedger{pool: pool, clock: clk}
}

const apptCols = `id, patient_id, doctor_id, start_time, end_time, status, reason,
	request_id, cancellation_reason, created_at, updated_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var st string
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Start, &a.End, &st, &a.Reason,
		&a.RequestID, &a.CancellationReason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if a.Status, err = status.ParseAppointmentStatus(st); err != nil {
		return nil, err
	}
	return &a, nil
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}
	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.RequestID != nil {
		add("request_id = $%d", *f.RequestID)
	}
	if len(f.Statuses) > 0 {
		codes := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			codes[i] = string(s)
		}
		add("status = ANY($%d)", codes)
	}
	if f.From != nil {
		add("start_time >= $%d", *f.From)
	}
	if f.To != nil {
		add("start_time < $%d", *f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func queryAppointments(ctx context.Context, q querier, f Filter) ([]Appointment, error) {
	where, args := buildWhere(f)
	rows, err := q.Query(ctx, `SELECT `+apptCols+` FROM appointment `+where+` ORDER BY start_time, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (l *PGLedger) Query(ctx context.Context, f Filter) ([]Appointment, error) {
	out, err := queryAppointments(ctx, l.pool, f)
	if err != nil {
		return nil, apperr.Persistence("ledger.Query", err)
	}
	return out, nil
}

func (l *PGLedger) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(l.pool.QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("ledger.Get", "appointment", id)
	}
	if err != nil {
		return nil, apperr.Persistence("ledger.Get", err)
	}
	return a, nil
}

func findOverlapPG(ctx context.Context, q querier, doctorID uuid.UUID, start, end time.Time, excludeID uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(q.QueryRow(ctx, `
		SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = $1 AND status = ANY($2) AND id <> $3
			AND start_time < $5 AND $4 < end_time
		ORDER BY start_time LIMIT 1`,
		doctorID, []string{string(status.AppointmentPending), string(status.AppointmentConfirmed)},
		excludeID, start, end))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (l *PGLedger) FindOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time, excludeID uuid.UUID) (*Appointment, error) {
	a, err := findOverlapPG(ctx, l.pool, doctorID, start, end, excludeID)
	if err != nil {
		return nil, apperr.Persistence("ledger.FindOverlap", err)
	}
	return a, nil
}

func lockDoctorsPG(ctx context.Context, tx pgx.Tx, ids ...uuid.UUID) error {
	for _, key := range doctorKeys(ids...) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return err
		}
	}
	return nil
}

func (l *PGLedger) Create(ctx context.Context, a *Appointment) (uuid.UUID, error) {
	const op = "ledger.Create"
	if err := validate(op, a); err != nil {
		return uuid.Nil, err
	}
	rec := a.clone()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := l.clock.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now

	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if err := lockDoctorsPG(ctx, tx, rec.DoctorID); err != nil {
			return err
		}
		existing, err := scanAppointment(tx.QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, rec.ID))
		switch {
		case err == nil:
			if existing.SameSlot(&rec) {
				rec = *existing
				return nil
			}
			return apperr.Concurrency(op, "appointment %s already exists with a different slot", rec.ID)
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}
		if IsActive(rec.Status) {
			c, err := findOverlapPG(ctx, tx, rec.DoctorID, rec.Start, rec.End, rec.ID)
			if err != nil {
				return err
			}
			if c != nil {
				return conflictError(op, c)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO appointment (`+apptCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			rec.ID, rec.PatientID, rec.DoctorID, rec.Start, rec.End, string(rec.Status), rec.Reason,
			rec.RequestID, rec.CancellationReason, rec.CreatedAt, rec.UpdatedAt)
		return err
	})
	if err != nil {
		return uuid.Nil, apperr.Persistence(op, err)
	}
	a.ID, a.CreatedAt, a.UpdatedAt = rec.ID, rec.CreatedAt, rec.UpdatedAt
	return rec.ID, nil
}

func (l *PGLedger) Update(ctx context.Context, a *Appointment) error {
	const op = "ledger.Update"
	if err := validate(op, a); err != nil {
		return err
	}
	current, err := l.Get(ctx, a.ID)
	if err != nil {
		return err
	}
	rec := a.clone()
	rec.UpdatedAt = l.clock.Now()

	err = pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if err := lockDoctorsPG(ctx, tx, current.DoctorID, rec.DoctorID); err != nil {
			return err
		}
		prev, err := scanAppointment(tx.QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1 FOR UPDATE`, rec.ID))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound(op, "appointment", rec.ID)
		}
		if err != nil {
			return err
		}
		if prev.DoctorID != current.DoctorID {
			return apperr.Concurrency(op, "appointment %s was reassigned concurrently", rec.ID)
		}
		if IsActive(rec.Status) {
			c, err := findOverlapPG(ctx, tx, rec.DoctorID, rec.Start, rec.End, rec.ID)
			if err != nil {
				return err
			}
			if c != nil {
				return conflictError(op, c)
			}
		}
		rec.CreatedAt = prev.CreatedAt
		_, err = tx.Exec(ctx, `
			UPDATE appointment SET patient_id=$2, doctor_id=$3, start_time=$4, end_time=$5, status=$6,
				reason=$7, request_id=$8, cancellation_reason=$9, updated_at=$10
			WHERE id = $1`,
			rec.ID, rec.PatientID, rec.DoctorID, rec.Start, rec.End, string(rec.Status),
			rec.Reason, rec.RequestID, rec.CancellationReason, rec.UpdatedAt)
		return err
	})
	if err != nil {
		return apperr.Persistence(op, err)
	}
	a.CreatedAt, a.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return nil
}
