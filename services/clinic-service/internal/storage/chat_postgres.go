package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
)

const (
	threadColumns  = `id, patient_id, doctor_id, created_at, updated_at`
	messageColumns = `id, chat_id, sender_id, sender_role, body, attachment_url, reply_to, created_at`
)

func (s *PostgresStore) EnsureThread(ctx context.Context, t model.Thread) (model.Thread, error) {
	q, err := s.db(ctx)
	if err != nil {
		return model.Thread{}, err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO chat_threads (`+threadColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.PatientID, t.DoctorID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return model.Thread{}, fmt.Errorf("ensure chat thread: %w", err)
	}
	return s.GetThread(ctx, t.ID)
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (model.Thread, error) {
	q, err := s.db(ctx)
	if err != nil {
		return model.Thread{}, err
	}
	var t model.Thread
	err = q.QueryRow(ctx, `
		SELECT `+threadColumns+`
		FROM chat_threads
		WHERE id = $1
	`, id).Scan(&t.ID, &t.PatientID, &t.DoctorID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Thread{}, ErrThreadNotFound
	}
	if err != nil {
		return model.Thread{}, fmt.Errorf("get chat thread: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, f ThreadFilter) ([]model.Thread, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.PatientID != "" {
		add("patient_id = ?", f.PatientID)
	}
	if f.DoctorID != "" {
		add("doctor_id = ?", f.DoctorID)
	}
	sql := `SELECT ` + threadColumns + ` FROM chat_threads`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY updated_at DESC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += ` LIMIT $` + strconv.Itoa(len(args))
	}

	q, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat threads: %w", err)
	}
	defer rows.Close()

	threads := []model.Thread{}
	for rows.Next() {
		var t model.Thread
		if err := rows.Scan(&t.ID, &t.PatientID, &t.DoctorID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// AppendMessage touches the thread and inserts the message in one statement, so an unknown thread inserts nothing.
func (s *PostgresStore) AppendMessage(ctx context.Context, m model.Message) error {
	q, err := s.db(ctx)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		WITH thread AS (
			UPDATE chat_threads
			SET updated_at = GREATEST(updated_at, $8)
			WHERE id = $2
			RETURNING id
		)
		INSERT INTO chat_messages (`+messageColumns+`)
		SELECT $1, thread.id, $3, $4, $5, $6, $7, $8
		FROM thread
	`, m.ID, m.ChatID, m.Sender.UID, m.Sender.Role, m.Text, m.AttachmentURL, m.ReplyTo, m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: message %s", ErrConflict, m.ID)
		}
		return fmt.Errorf("insert chat message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	q, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	args := []any{chatID}
	inner := `SELECT ` + messageColumns + ` FROM chat_messages WHERE chat_id = $1 ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit)
		inner += ` LIMIT $2`
	}
	rows, err := q.Query(ctx, `
		SELECT `+messageColumns+`
		FROM (`+inner+`) recent
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var m model.Message
		err := rows.Scan(&m.ID, &m.ChatID, &m.Sender.UID, &m.Sender.Role, &m.Text, &m.AttachmentURL, &m.ReplyTo, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
