package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
	"github.com/clinicops/portal/internal/platform/clock"
)

// Timestamps are stored as fixed-width UTC text so that string comparison
// in SQL orders them chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS appointment (
	id                  TEXT PRIMARY KEY,
	patient_id          TEXT NOT NULL,
	doctor_id           TEXT NOT NULL,
	start_time          TEXT NOT NULL,
	end_time            TEXT NOT NULL,
	status              TEXT NOT NULL,
	reason              TEXT NOT NULL DEFAULT '',
	request_id          INTEGER,
	cancellation_reason TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_appointment_doctor_start ON appointment (doctor_id, start_time);
CREATE INDEX IF NOT EXISTS idx_appointment_patient ON appointment (patient_id);
CREATE INDEX IF NOT EXISTS idx_appointment_request ON appointment (request_id);
`

// SQLiteLedger stores appointments in an embedded SQLite database. The
// handle is expected to allow a single connection (see sqlitedb.Open), so
// each write transaction excludes every other writer.
type SQLiteLedger struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteLedger ensures the schema exists and returns the ledger.
func NewSQLiteLedger(ctx context.Context, db *sql.DB, clk clock.Clock) (*SQLiteLedger, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db, clock: clk}, nil
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func scanSQLiteAppointment(row rowScanner) (*Appointment, error) {
	var a Appointment
	var id, patientID, doctorID, start, end, st, created, updated string
	var requestID sql.NullInt64
	if err := row.Scan(&id, &patientID, &doctorID, &start, &end, &st, &a.Reason,
		&requestID, &a.CancellationReason, &created, &updated); err != nil {
		return nil, err
	}

	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if a.PatientID, err = uuid.Parse(patientID); err != nil {
		return nil, err
	}
	if a.DoctorID, err = uuid.Parse(doctorID); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&a.Start, start}, {&a.End, end}, {&a.CreatedAt, created}, {&a.UpdatedAt, updated}} {
		if *f.dst, err = time.Parse(sqliteTimeLayout, f.src); err != nil {
			return nil, err
		}
	}
	if a.Status, err = status.ParseAppointmentStatus(st); err != nil {
		return nil, err
	}
	if requestID.Valid {
		v := requestID.Int64
		a.RequestID = &v
	}
	return &a, nil
}

func nullableRequestID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func sqliteWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any
	if f.DoctorID != nil {
		clauses, args = append(clauses, "doctor_id = ?"), append(args, f.DoctorID.String())
	}
	if f.PatientID != nil {
		clauses, args = append(clauses, "patient_id = ?"), append(args, f.PatientID.String())
	}
	if f.RequestID != nil {
		clauses, args = append(clauses, "request_id = ?"), append(args, *f.RequestID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.From != nil {
		clauses, args = append(clauses, "start_time >= ?"), append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses, args = append(clauses, "start_time < ?"), append(args, formatTime(*f.To))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func querySQLite(ctx context.Context, q sqlQuerier, f Filter) ([]Appointment, error) {
	where, args := sqliteWhere(f)
	rows, err := q.QueryContext(ctx, `SELECT `+apptCols+` FROM appointment `+where+` ORDER BY start_time, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanSQLiteAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func getSQLite(ctx context.Context, q sqlQuerier, id uuid.UUID) (*Appointment, error) {
	return scanSQLiteAppointment(q.QueryRowContext(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = ?`, id.String()))
}

func findOverlapSQLite(ctx context.Context, q sqlQuerier, doctorID uuid.UUID, start, end time.Time, excludeID uuid.UUID) (*Appointment, error) {
	a, err := scanSQLiteAppointment(q.QueryRowContext(ctx, `
		SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = ? AND status IN (?, ?) AND id <> ?
			AND start_time < ? AND ? < end_time
		ORDER BY start_time LIMIT 1`,
		doctorID.String(), string(status.AppointmentPending), string(status.AppointmentConfirmed),
		excludeID.String(), formatTime(end), formatTime(start)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (l *SQLiteLedger) Query(ctx context.Context, f Filter) ([]Appointment, error) {
	out, err := querySQLite(ctx, l.db, f)
	if err != nil {
		return nil, apperr.Persistence("ledger.Query", err)
	}
	return out, nil
}

func (l *SQLiteLedger) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := getSQLite(ctx, l.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("ledger.Get", "appointment", id)
	}
	if err != nil {
		return nil, apperr.Persistence("ledger.Get", err)
	}
	return a, nil
}

func (l *SQLiteLedger) FindOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time, excludeID uuid.UUID) (*Appointment, error) {
	a, err := findOverlapSQLite(ctx, l.db, doctorID, start, end, excludeID)
	if err != nil {
		return nil, apperr.Persistence("ledger.FindOverlap", err)
	}
	return a, nil
}

// inTx runs fn in one transaction, committing only when fn succeeds.
func (l *SQLiteLedger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (l *SQLiteLedger) Create(ctx context.Context, a *Appointment) (uuid.UUID, error) {
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

	err := l.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getSQLite(ctx, tx, rec.ID)
		switch {
		case err == nil:
			if existing.SameSlot(&rec) {
				rec = *existing
				return nil
			}
			return apperr.Concurrency(op, "appointment %s already exists with a different slot", rec.ID)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		if IsActive(rec.Status) {
			c, err := findOverlapSQLite(ctx, tx, rec.DoctorID, rec.Start, rec.End, rec.ID)
			if err != nil {
				return err
			}
			if c != nil {
				return conflictError(op, c)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO appointment (`+apptCols+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			rec.ID.String(), rec.PatientID.String(), rec.DoctorID.String(),
			formatTime(rec.Start), formatTime(rec.End), string(rec.Status), rec.Reason,
			nullableRequestID(rec.RequestID), rec.CancellationReason,
			formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
		return err
	})
	if err != nil {
		return uuid.Nil, apperr.Persistence(op, err)
	}
	a.ID, a.CreatedAt, a.UpdatedAt = rec.ID, rec.CreatedAt, rec.UpdatedAt
	return rec.ID, nil
}

func (l *SQLiteLedger) Update(ctx context.Context, a *Appointment) error {
	const op = "ledger.Update"
	if err := validate(op, a); err != nil {
		return err
	}
	rec := a.clone()
	rec.UpdatedAt = l.clock.Now()

	err := l.inTx(ctx, func(tx *sql.Tx) error {
		prev, err := getSQLite(ctx, tx, rec.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound(op, "appointment", rec.ID)
		}
		if err != nil {
			return err
		}
		if IsActive(rec.Status) {
			c, err := findOverlapSQLite(ctx, tx, rec.DoctorID, rec.Start, rec.End, rec.ID)
			if err != nil {
				return err
			}
			if c != nil {
				return conflictError(op, c)
			}
		}
		rec.CreatedAt = prev.CreatedAt
		_, err = tx.ExecContext(ctx, `
			UPDATE appointment SET patient_id=?, doctor_id=?, start_time=?, end_time=?, status=?,
				reason=?, request_id=?, cancellation_reason=?, updated_at=?
			WHERE id = ?`,
			rec.PatientID.String(), rec.DoctorID.String(), formatTime(rec.Start), formatTime(rec.End),
			string(rec.Status), rec.Reason, nullableRequestID(rec.RequestID), rec.CancellationReason,
			formatTime(rec.UpdatedAt), rec.ID.String())
		return err
	})
	if err != nil {
		return apperr.Persistence(op, err)
	}
	a.CreatedAt, a.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return nil
}
