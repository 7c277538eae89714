package attendance

import (
	"errors"

	"schoolsync/internal/gateway"
)

// Status of one student for one day.
type Status string

const (
	StatusPresent Status = "Present"
	StatusAbsent  Status = "Absent"
	StatusOD      Status = "OD"
)

// Valid reports whether s is one of the three accepted statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusOD:
		return true
	}
	return false
}

var (
	// ErrUnknownStudent rejects a status change for a student not on the
	// draft's roster.
	ErrUnknownStudent = errors.New("student not in draft")
	// ErrBadStatus rejects a status outside {Present, Absent, OD}.
	ErrBadStatus = errors.New("invalid status")
	// ErrEmptyDraft rejects submission of a draft with no students.
	ErrEmptyDraft = errors.New("draft is empty")
)

// Draft is the locally-held, user-editable attendance state for one class
// and date. Every enrolled student has exactly one entry. A draft is
// discarded wholesale on successful submit or when the class/date
// selection changes; it is never partially flushed.
type Draft struct {
	ClassID  string
	Date     string
	roster   []gateway.Student
	statuses map[string]Status
}

// newDraft builds the merged draft: every roster student defaults to
// Present unless the existing record says otherwise. Students in the
// existing record but no longer enrolled are dropped; the draft reflects
// who is enrolled now, not history.
func newDraft(classID, date string, roster []gateway.Student, existing *gateway.AttendanceRecord) *Draft {
	prior := make(map[string]Status)
	if existing != nil {
		for _, rec := range existing.Records {
			if st := Status(rec.Status); st.Valid() {
				prior[rec.Student] = st
			}
		}
	}
	statuses := make(map[string]Status, len(roster))
	for _, s := range roster {
		if st, ok := prior[s.ID]; ok {
			statuses[s.ID] = st
		} else {
			statuses[s.ID] = StatusPresent
		}
	}
	return &Draft{ClassID: classID, Date: date, roster: roster, statuses: statuses}
}

// SetStatus overwrites one student's entry. Idempotent; no cascading
// effects.
func (d *Draft) SetStatus(studentID string, status Status) error {
	if !status.Valid() {
		return ErrBadStatus
	}
	if _, ok := d.statuses[studentID]; !ok {
		return ErrUnknownStudent
	}
	d.statuses[studentID] = status
	return nil
}

// Status returns the current entry for a student.
func (d *Draft) Status(studentID string) (Status, bool) {
	st, ok := d.statuses[studentID]
	return st, ok
}

// Len is the number of students in the draft.
func (d *Draft) Len() int { return len(d.statuses) }

// Roster returns the students the draft covers, in roster order.
func (d *Draft) Roster() []gateway.Student {
	out := make([]gateway.Student, len(d.roster))
	copy(out, d.roster)
	return out
}

// Records converts the draft into the wire list, in roster order. Order is
// not semantically significant to the receiver.
func (d *Draft) Records() []gateway.StudentStatus {
	out := make([]gateway.StudentStatus, 0, len(d.roster))
	for _, s := range d.roster {
		out = append(out, gateway.StudentStatus{Student: s.ID, Status: string(d.statuses[s.ID])})
	}
	return out
}
