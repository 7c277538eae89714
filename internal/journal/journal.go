package journal

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Submission is one recorded attendance submit.
type Submission struct {
	ID          string    `json:"id"`
	ClassID     string    `json:"class_id"`
	StaffID     string    `json:"staff_id"`
	Date        string    `json:"date"`
	Students    int       `json:"students"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Message event kinds.
const (
	KindSend   = "send"
	KindPoll   = "poll"
	KindDelete = "delete"
)

// MessageEvent is one recorded message mutation.
type MessageEvent struct {
	ID         string    `json:"id"`
	ClassID    string    `json:"class_id"`
	MessageID  string    `json:"message_id"`
	Kind       string    `json:"kind"`
	Actor      string    `json:"actor"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Repository persists the agent's audit trail in Postgres. The admin
// dashboard reads it through the agent's local API. A nil repository
// disables journaling.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// RecordSubmission writes one attendance submit.
func (r *Repository) RecordSubmission(ctx context.Context, classID, staffID, date string, students int) error {
	if r == nil || r.db == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_submissions (id, class_id, staff_id, date, students, submitted_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
	`, uuid.NewString(), classID, staffID, date, students)
	return err
}

// RecordMessageEvent writes one message mutation outcome.
func (r *Repository) RecordMessageEvent(ctx context.Context, classID, messageID, kind, actor string) error {
	if r == nil || r.db == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_events (id, class_id, message_id, kind, actor, occurred_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
	`, uuid.NewString(), classID, messageID, kind, actor)
	return err
}

// ListSubmissions returns recent submissions, newest first.
func (r *Repository) ListSubmissions(ctx context.Context, classID string, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, class_id, staff_id, date, students, submitted_at
		FROM attendance_submissions`
	args := []any{}
	if classID != "" {
		query += ` WHERE class_id = $1`
		args = append(args, classID)
	}
	query += ` ORDER BY submitted_at DESC LIMIT ` + itoa(limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Submission
	for rows.Next() {
		var s Submission
		if err := rows.Scan(&s.ID, &s.ClassID, &s.StaffID, &s.Date, &s.Students, &s.SubmittedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListMessageEvents returns recent message events, newest first.
func (r *Repository) ListMessageEvents(ctx context.Context, classID string, limit int) ([]MessageEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, class_id, message_id, kind, actor, occurred_at
		FROM message_events`
	args := []any{}
	if classID != "" {
		query += ` WHERE class_id = $1`
		args = append(args, classID)
	}
	query += ` ORDER BY occurred_at DESC LIMIT ` + itoa(limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []MessageEvent
	for rows.Next() {
		var e MessageEvent
		if err := rows.Scan(&e.ID, &e.ClassID, &e.MessageID, &e.Kind, &e.Actor, &e.OccurredAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func itoa(i int) string { return strconv.Itoa(i) }
