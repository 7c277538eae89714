package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"schoolsync/internal/metrics"
)

// Client calls the school REST API. Every request carries the bearer token
// returned by the Token func, so a refreshed login is picked up without
// rebuilding the client.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   func() string
}

// New creates a client with the given request timeout.
func New(baseURL string, token func() string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// ListStudents returns the current roster of a class.
func (c *Client) ListStudents(ctx context.Context, classID string) ([]Student, error) {
	var out []Student
	path := "/students?classId=" + url.QueryEscape(classID)
	if err := c.getJSON(ctx, "list students", path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAttendance fetches the existing record for a class and date
// (YYYY-MM-DD). An absent record is (nil, nil), not an error: it means no
// prior submission.
func (c *Client) GetAttendance(ctx context.Context, classID, date string) (*AttendanceRecord, error) {
	const op = "get attendance"
	path := fmt.Sprintf("/attendance?classId=%s&date=%s", url.QueryEscape(classID), url.QueryEscape(date))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	body, err := c.do(req, op, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 || string(body) == "null" {
		return nil, nil
	}
	var rec AttendanceRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if len(rec.Records) == 0 && rec.ClassID == "" {
		return nil, nil
	}
	return &rec, nil
}

// PostAttendance submits the day's full replacement record.
func (c *Client) PostAttendance(ctx context.Context, sub Submission) error {
	const op = "post attendance"
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/attendance", bytes.NewReader(payload), "application/json")
	if err != nil {
		return err
	}
	_, err = c.do(req, op)
	return err
}

// Profile fetches the authoritative record of the logged-in user.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var out Profile
	if err := c.getJSON(ctx, "get profile", "/profile", &out); err != nil {
		return Profile{}, err
	}
	return out, nil
}

// ListMessages returns the full message history of a class channel,
// ordered by creation time ascending.
func (c *Client) ListMessages(ctx context.Context, classID string) ([]Message, error) {
	var out []Message
	path := "/messages/class/" + url.PathEscape(classID)
	if err := c.getJSON(ctx, "list messages", path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts a plain message with optional attachment and returns
// the canonical copy with its server-assigned id and timestamp.
func (c *Client) SendMessage(ctx context.Context, classID, content string, att *Upload) (Message, error) {
	const op = "send message"
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if content != "" {
		_ = w.WriteField("content", content)
	}
	if att != nil {
		if err := writeAttachment(w, att); err != nil {
			return Message{}, fmt.Errorf("%s: %w", op, err)
		}
	}
	w.Close()
	return c.postMessage(ctx, op, classID, &buf, w.FormDataContentType())
}

// CreatePoll posts a poll message. Options are JSON-encoded into a single
// multipart field, matching what the API expects.
func (c *Client) CreatePoll(ctx context.Context, classID, question string, options []string) (Message, error) {
	const op = "create poll"
	encoded, err := json.Marshal(options)
	if err != nil {
		return Message{}, err
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("isPoll", "true")
	_ = w.WriteField("pollQuestion", question)
	_ = w.WriteField("pollOptions", string(encoded))
	w.Close()
	return c.postMessage(ctx, op, classID, &buf, w.FormDataContentType())
}

// MarkRead records that the current user has seen a message. Callers treat
// this as best-effort.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	const op = "mark read"
	req, err := c.newRequest(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID)+"/read", nil, "")
	if err != nil {
		return err
	}
	_, err = c.do(req, op)
	return err
}

// Vote casts the current user's single vote on a poll and returns the
// updated message with authoritative tallies.
func (c *Client) Vote(ctx context.Context, messageID string, optionIndex int) (Message, error) {
	const op = "vote"
	payload, err := json.Marshal(map[string]int{"optionIndex": optionIndex})
	if err != nil {
		return Message{}, err
	}
	path := "/messages/" + url.PathEscape(messageID) + "/vote"
	req, err := c.newRequest(ctx, http.MethodPut, path, bytes.NewReader(payload), "application/json")
	if err != nil {
		return Message{}, err
	}
	body, err := c.do(req, op)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return msg, nil
}

// DeleteMessage removes a message. The server enforces sender-or-staff
// authorization; callers only remove their local copy after this succeeds.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	const op = "delete message"
	req, err := c.newRequest(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, "")
	if err != nil {
		return err
	}
	_, err = c.do(req, op)
	return err
}

func (c *Client) postMessage(ctx context.Context, op, classID string, body io.Reader, contentType string) (Message, error) {
	path := "/messages/class/" + url.PathEscape(classID)
	req, err := c.newRequest(ctx, http.MethodPost, path, body, contentType)
	if err != nil {
		return Message{}, err
	}
	respBody, err := c.do(req, op)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return Message{}, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return msg, nil
}

// writeAttachment adds the file part with its declared MIME type.
func writeAttachment(w *multipart.Writer, att *Upload) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename="%s"`, att.Filename))
	h.Set("Content-Type", att.MIME)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(att.Data)
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// do executes the request and returns the response body. Statuses in
// allowEmpty are treated as "no content" (nil body, nil error) rather than
// failures; GetAttendance uses this for 404.
func (c *Client) do(req *http.Request, op string, allowEmpty ...int) ([]byte, error) {
	start := time.Now()
	resp, err := c.HTTP.Do(req)
	metrics.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GatewayRequests.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("school api %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		for _, s := range allowEmpty {
			if resp.StatusCode == s {
				metrics.GatewayRequests.WithLabelValues(op, "ok").Inc()
				return nil, nil
			}
		}
		body, _ := io.ReadAll(resp.Body)
		metrics.GatewayRequests.WithLabelValues(op, "error").Inc()
		return nil, &Error{Op: op, Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.GatewayRequests.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("school api %s: read response: %w", op, err)
	}
	metrics.GatewayRequests.WithLabelValues(op, "ok").Inc()
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	body, err := c.do(req, op)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
