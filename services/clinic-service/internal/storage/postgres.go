package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Querier is the subset of *pgxpool.Pool the store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// QuerierSource yields a live pool. In the service it wraps the connection guard's Ensure.
type QuerierSource func(ctx context.Context) (Querier, error)

type PostgresStore struct {
	db QuerierSource
}

func NewPostgresStore(db QuerierSource) *PostgresStore {
	return &PostgresStore{db: db}
}

const appointmentColumns = `id, doctor_id, patient_id, therapy_id, start_time, end_time, status, notes, rating, created_at, updated_at`

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	q, err := s.db(ctx)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, appt model.Appointment) error {
	q, err := s.db(ctx)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, appt.ID, appt.DoctorID, appt.PatientID, appt.TherapyID, appt.StartTime, appt.EndTime,
		string(appt.Status), appt.Notes, appt.Rating, appt.CreatedAt, appt.UpdatedAt)
	if err != nil {
		if IsConflict(err) || isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (model.Appointment, error) {
	q, err := s.db(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	appt, err := scanAppointment(q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, ErrNotFound
	}
	if err != nil {
		return model.Appointment{}, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]model.Appointment, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.DoctorID != "" {
		add("doctor_id = ?", f.DoctorID)
	}
	if f.PatientID != "" {
		add("patient_id = ?", f.PatientID)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if !f.To.IsZero() {
		add("start_time < ?", f.To)
	}
	if !f.From.IsZero() {
		add("end_time > ?", f.From)
	}

	sql := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY start_time ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += ` LIMIT $` + strconv.Itoa(len(args))
	}
	return s.query(ctx, sql, args...)
}

func (s *PostgresStore) ListActiveForDoctor(ctx context.Context, doctorID string, from, to time.Time) ([]model.Appointment, error) {
	return s.query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
			AND status <> 'cancelled'
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time ASC
	`, doctorID, from, to)
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]model.Appointment, error) {
	q, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	appts := []model.Appointment{}
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to model.Status, at time.Time) (model.Appointment, error) {
	return s.updateOne(ctx, `
		UPDATE appointments
		SET status = $3,
			updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+appointmentColumns, id, string(from), string(to), at)
}

func (s *PostgresStore) SetRating(ctx context.Context, id string, rating int, at time.Time) (model.Appointment, error) {
	return s.updateOne(ctx, `
		UPDATE appointments
		SET rating = $2,
			updated_at = $3
		WHERE id = $1 AND status = 'completed'
		RETURNING `+appointmentColumns, id, rating, at)
}

func (s *PostgresStore) updateOne(ctx context.Context, sql string, args ...any) (model.Appointment, error) {
	q, err := s.db(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	appt, err := scanAppointment(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, ErrStaleStatus
	}
	if err != nil {
		return model.Appointment{}, fmt.Errorf("update appointment: %w", err)
	}
	return appt, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	q, err := s.db(ctx)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var (
		appt   model.Appointment
		status string
	)
	err := row.Scan(
		&appt.ID,
		&appt.DoctorID,
		&appt.PatientID,
		&appt.TherapyID,
		&appt.StartTime,
		&appt.EndTime,
		&status,
		&appt.Notes,
		&appt.Rating,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.Status = model.Status(status)
	return appt, nil
}

// IsConflict reports an exclusion constraint violation (overlapping active appointment).
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
