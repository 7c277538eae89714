package attendance

import (
	"context"
	"time"

	"schoolsync/internal/gateway"
	"schoolsync/internal/session"
)

// Gateway is the slice of the school API the engine consumes.
type Gateway interface {
	ListStudents(ctx context.Context, classID string) ([]gateway.Student, error)
	GetAttendance(ctx context.Context, classID, date string) (*gateway.AttendanceRecord, error)
	PostAttendance(ctx context.Context, sub gateway.Submission) error
}

// Engine produces and submits a complete attendance record for one class
// on one date, reconciling any prior remote record with the fresh roster.
type Engine struct {
	gw   Gateway
	sess session.Session
}

// NewEngine creates an engine for the given session. The session's user is
// the submitting staff member.
func NewEngine(gw Gateway, sess session.Session) *Engine {
	return &Engine{gw: gw, sess: sess}
}

// DateKey truncates a date to the YYYY-MM-DD form used for lookups and
// submissions; the time component carries no meaning.
func DateKey(t time.Time) string { return t.Format("2006-01-02") }

// LoadDraft fetches the roster and any existing record for (classID, date)
// and merges them into a draft. An absent existing record is not a fault;
// it means no prior submission and every student defaults to Present.
// Fetch failures are fatal to this load only; retry is simply calling
// LoadDraft again.
func (e *Engine) LoadDraft(ctx context.Context, classID string, date time.Time) (*Draft, error) {
	day := DateKey(date)
	roster, err := e.gw.ListStudents(ctx, classID)
	if err != nil {
		return nil, err
	}
	existing, err := e.gw.GetAttendance(ctx, classID, day)
	if err != nil {
		return nil, err
	}
	return newDraft(classID, day, roster, existing), nil
}

// Submit sends the draft as one atomic record replacing any prior
// submission for its class and date. On failure the draft is left
// untouched so the caller can retry with the same inputs; there is no
// partial-success state because submission is a single request.
func (e *Engine) Submit(ctx context.Context, d *Draft) error {
	if d == nil || d.Len() == 0 {
		return ErrEmptyDraft
	}
	sub := gateway.Submission{
		ClassID: d.ClassID,
		StaffID: e.sess.User.ID,
		Date:    d.Date,
		Records: d.Records(),
	}
	return e.gw.PostAttendance(ctx, sub)
}
