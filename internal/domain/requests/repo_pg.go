package requests

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinicops/portal/internal/domain/status"
	"github.com/clinicops/portal/internal/platform/apperr"
	"github.com/clinicops/portal/internal/platform/clock"
)

// PGStore is the multi-instance Store. Row locks replace the file mutex.
type PGStore struct {
	pool   *pgxpool.Pool
	clock  clock.Clock
	logger zerolog.Logger
}

func NewPGStore(pool *pgxpool.Pool, clk clock.Clock, logger zerolog.Logger) *PGStore {
	return &PGStore{pool: pool, clock: clk, logger: logger.With().Str("component", "request_store").Logger()}
}

const reqCols = `id, patient_id, patient_name, patient_phone, patient_email,
	symptoms_description, preferred_specialty, urgency_level, preferred_date, preferred_time,
	additional_comments, submitted_at, status, assigned_doctor_id, assigned_doctor_name,
	confirmed_start, confirmed_end, secretary_comments, processed_at, processed_by,
	linked_appointment_id`

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var urgency, st string
	err := row.Scan(&r.ID, &r.PatientID, &r.PatientName, &r.PatientPhone, &r.PatientEmail,
		&r.SymptomsDescription, &r.PreferredSpecialty, &urgency, &r.PreferredDate, &r.PreferredTime,
		&r.AdditionalComments, &r.SubmittedAt, &st, &r.AssignedDoctorID, &r.AssignedDoctorName,
		&r.ConfirmedStart, &r.ConfirmedEnd, &r.SecretaryComments, &r.ProcessedAt, &r.ProcessedBy,
		&r.LinkedAppointmentID)
	if err != nil {
		return nil, err
	}
	if r.UrgencyLevel, err = status.ParseUrgency(urgency); err != nil {
		return nil, err
	}
	if r.Status, err = status.ParseRequestStatus(st); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PGStore) list(ctx context.Context, op, where, limit string, args ...any) ([]Request, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+reqCols+` FROM appointment_request `+where+
		` ORDER BY submitted_at DESC, id DESC `+limit, args...)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	defer rows.Close()
	out := make([]Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, apperr.Persistence(op, err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return out, nil
}

func (s *PGStore) Add(ctx context.Context, r *Request) (*Request, error) {
	const op = "requests.Add"
	rec := r.Clone()
	if err := prepareNew(&rec, s.clock.Now()); err != nil {
		return nil, err
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// EXCLUSIVE still admits readers but serializes id assignment.
		if _, err := tx.Exec(ctx, `LOCK TABLE appointment_request IN EXCLUSIVE MODE`); err != nil {
			return err
		}
		if rec.ID == 0 {
			if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM appointment_request`).Scan(&rec.ID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO appointment_request (`+reqCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
			rec.ID, rec.PatientID, rec.PatientName, rec.PatientPhone, rec.PatientEmail,
			rec.SymptomsDescription, rec.PreferredSpecialty, string(rec.UrgencyLevel), rec.PreferredDate, rec.PreferredTime,
			rec.AdditionalComments, rec.SubmittedAt, string(rec.Status), rec.AssignedDoctorID, rec.AssignedDoctorName,
			rec.ConfirmedStart, rec.ConfirmedEnd, rec.SecretaryComments, rec.ProcessedAt, rec.ProcessedBy,
			rec.LinkedAppointmentID)
		return err
	})
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	s.logger.Info().Int64("request_id", rec.ID).Str("patient_id", rec.PatientID.String()).Msg("request added")
	return &rec, nil
}

func (s *PGStore) GetAll(ctx context.Context) ([]Request, error) {
	return s.list(ctx, "requests.GetAll", "", "")
}

func (s *PGStore) GetByPatient(ctx context.Context, patientID uuid.UUID) ([]Request, error) {
	return s.list(ctx, "requests.GetByPatient", "WHERE patient_id = $1", "", patientID)
}

func (s *PGStore) GetByID(ctx context.Context, id int64) (*Request, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, `SELECT `+reqCols+` FROM appointment_request WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("requests.GetByID", "request", id)
	}
	if err != nil {
		return nil, apperr.Persistence("requests.GetByID", err)
	}
	return r, nil
}

func (s *PGStore) GetRecent(ctx context.Context, n int) ([]Request, error) {
	return s.list(ctx, "requests.GetRecent", "", "LIMIT $1", n)
}

// update runs fn on the row locked FOR UPDATE and writes it back if fn
// reports a change.
func (s *PGStore) update(ctx context.Context, op string, id int64, fn func(r *Request) (bool, error)) (*Request, bool, error) {
	var out *Request
	var changed bool
	var domainErr error
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := scanRequest(tx.QueryRow(ctx, `SELECT `+reqCols+` FROM appointment_request WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			domainErr = apperr.NotFound(op, "request", id)
			return domainErr
		}
		if err != nil {
			return err
		}
		if changed, domainErr = fn(r); domainErr != nil {
			return domainErr
		}
		out = r
		if !changed {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE appointment_request SET status=$2, assigned_doctor_id=$3, assigned_doctor_name=$4,
				confirmed_start=$5, confirmed_end=$6, secretary_comments=$7, processed_at=$8,
				processed_by=$9, linked_appointment_id=$10
			WHERE id = $1`,
			r.ID, string(r.Status), r.AssignedDoctorID, r.AssignedDoctorName,
			r.ConfirmedStart, r.ConfirmedEnd, r.SecretaryComments, r.ProcessedAt,
			r.ProcessedBy, r.LinkedAppointmentID)
		return err
	})
	if domainErr != nil {
		return nil, false, domainErr
	}
	if err != nil {
		return nil, false, apperr.Persistence(op, err)
	}
	return out, changed, nil
}

func (s *PGStore) Approve(ctx context.Context, id int64, p ApproveParams) (*Request, error) {
	r, changed, err := s.update(ctx, "requests.Approve", id, func(r *Request) (bool, error) {
		return applyApprove(r, p, s.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info().Int64("request_id", id).Str("appointment_id", p.LinkedAppointmentID.String()).
			Str("processed_by", p.Actor).Msg("request approved")
	}
	return r, nil
}

func (s *PGStore) Decline(ctx context.Context, id int64, reason, actor string) (*Request, error) {
	r, changed, err := s.update(ctx, "requests.Decline", id, func(r *Request) (bool, error) {
		return applyDecline(r, reason, actor, s.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info().Int64("request_id", id).Str("processed_by", actor).Msg("request declined")
	}
	return r, nil
}

func (s *PGStore) CountByStatus(ctx context.Context, st status.RequestStatus) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM appointment_request WHERE status = $1`, string(st)).Scan(&n); err != nil {
		return 0, apperr.Persistence("requests.CountByStatus", err)
	}
	return n, nil
}

// CountMatching evaluates pred over a full snapshot; predicates are arbitrary
// Go code and cannot be pushed down to SQL.
func (s *PGStore) CountMatching(ctx context.Context, pred func(Request) bool) (int, error) {
	reqs, err := s.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range reqs {
		if pred(r) {
			n++
		}
	}
	return n, nil
}

func (s *PGStore) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE appointment_request`); err != nil {
		return apperr.Persistence("requests.Reset", fmt.Errorf("truncate: %w", err))
	}
	s.logger.Warn().Msg("request store reset")
	return nil
}
