package gateway

import (
	"encoding/json"
	"time"

	"schoolsync/internal/session"
)

// Student is one roster entry.
type Student struct {
	ID      string `json:"_id"`
	Name    string `json:"name"`
	ClassID string `json:"studentClass"`
}

// StudentStatus is one per-student entry of a day's attendance record.
type StudentStatus struct {
	Student string `json:"student"`
	Status  string `json:"status"`
}

// AttendanceRecord is the existing submission for a (class, date) pair.
type AttendanceRecord struct {
	ClassID string          `json:"classId"`
	Date    string          `json:"date"`
	Records []StudentStatus `json:"records"`
}

// Submission is the full replacement record posted for one class and date.
// The server upserts: a second submission for the same pair replaces the
// first rather than appending.
type Submission struct {
	ClassID string          `json:"classId"`
	StaffID string          `json:"staffId"`
	Date    string          `json:"date"`
	Records []StudentStatus `json:"records"`
}

// Attachment types accepted by the messages endpoint.
const (
	AttachmentImage = "image"
	AttachmentPDF   = "pdf"
)

// Attachment is a stored file reference on a message.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Upload is an outgoing attachment: raw bytes plus the MIME type declared
// in its multipart file part.
type Upload struct {
	Filename string
	MIME     string
	Data     []byte
}

// PollOption is one choice of a poll message with its voter set.
type PollOption struct {
	Text  string   `json:"text"`
	Votes []string `json:"votes"`
}

// Message is one entry of a class channel. Poll messages carry
// PollQuestion/PollOptions and no Content; plain messages carry at least
// one of Content/Attachment.
type Message struct {
	ID           string           `json:"_id"`
	Sender       session.Identity `json:"sender"`
	Content      string           `json:"content,omitempty"`
	Attachment   *Attachment      `json:"attachment,omitempty"`
	IsPoll       bool             `json:"isPoll"`
	PollQuestion string           `json:"pollQuestion,omitempty"`
	PollOptions  []PollOption     `json:"pollOptions,omitempty"`
	ReadBy       []string         `json:"readBy"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// ReadByUser reports whether the given user id is in the read set.
func (m Message) ReadByUser(id string) bool {
	for _, r := range m.ReadBy {
		if r == id {
			return true
		}
	}
	return false
}

// VotedOption returns the index of the option the user voted for, or -1.
// A user appears in at most one option's voter set.
func (m Message) VotedOption(userID string) int {
	for i, opt := range m.PollOptions {
		for _, v := range opt.Votes {
			if v == userID {
				return i
			}
		}
	}
	return -1
}

// Profile is the authoritative record of the logged-in user. The cached
// session copy can go stale (class reassignment), so class resolution
// always goes through here.
type Profile struct {
	User    session.Identity
	ClassID string
}

// UnmarshalJSON decodes the identity through the normalized type and picks
// up the class assignment alongside it.
func (p *Profile) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &p.User); err != nil {
		return err
	}
	var raw struct {
		ClassID string `json:"studentClass"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.ClassID = raw.ClassID
	return nil
}
