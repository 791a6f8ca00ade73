package usage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
)

// Default and maximum page sizes for RecentHistory
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// Event is one consumption entry. Events are never updated after they are appended.
type Event struct {
	ID                 int64           `json:"id"`
	UserID             int64           `json:"userId"`
	TeamID             *int64          `json:"teamId,omitempty"`
	Tokens             int64           `json:"tokens"`
	Action             string          `json:"action"`
	StripeMeterEventID *string         `json:"stripeMeterEventId"`
	Metadata           json.RawMessage `json:"metadata"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// RecordRequest describes an event to append
type RecordRequest struct {
	UserID   int64
	TeamID   *int64
	Tokens   int64
	Action   string
	MeterRef string
	Metadata json.RawMessage
}

// Validate checks a record request
func (r *RecordRequest) Validate() error {
	if r.Tokens <= 0 {
		return ErrInvalidTokens
	}
	if r.UserID <= 0 {
		return ErrInvalidUser
	}
	if r.Action == "" {
		return ErrMissingAction
	}
	if len(r.Metadata) > 0 && !json.Valid(r.Metadata) {
		return ErrInvalidMetadata
	}
	return nil
}

// Cursor pages through history from newest to oldest by (CreatedAt, ID).
// Use NextCursor to continue after a page. A zero BeforeID compares on
// CreatedAt alone.
type Cursor struct {
	Before   time.Time
	BeforeID int64
	Limit    int
}

// NextCursor continues after the last event of a page
func NextCursor(last *Event, limit int) Cursor {
	return Cursor{Before: last.CreatedAt, BeforeID: last.ID, Limit: limit}
}

// admits reports whether e sorts strictly below the cursor position
func (c Cursor) admits(e *Event) bool {
	if c.Before.IsZero() {
		return true
	}
	if c.BeforeID > 0 && e.CreatedAt.Equal(c.Before) {
		return e.ID < c.BeforeID
	}
	return e.CreatedAt.Before(c.Before)
}

func (c Cursor) limit() int {
	switch {
	case c.Limit <= 0:
		return DefaultHistoryLimit
	case c.Limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return c.Limit
}

// Ledger is the append-only usage store
type Ledger interface {
	Record(ctx context.Context, req RecordRequest) (*Event, error)
	// MonthlyTotal sums tokens for the subscriber in the calendar month (UTC) containing asOf
	MonthlyTotal(ctx context.Context, ref subscribers.Ref, asOf time.Time) (int64, error)
	RecentHistory(ctx context.Context, ref subscribers.Ref, cursor Cursor) ([]*Event, error)
	// ScanMonth streams every event of the calendar month containing month, oldest first
	ScanMonth(ctx context.Context, month time.Time, fn func(*Event) error) error
}

// MonthStart returns midnight UTC on the first day of t's month
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthRange returns the half-open interval [start, end) of t's month
func MonthRange(t time.Time) (time.Time, time.Time) {
	start := MonthStart(t)
	return start, start.AddDate(0, 1, 0)
}

var (
	ErrInvalidTokens   = errors.New("usage: tokens must be positive")
	ErrInvalidUser     = errors.New("usage: user id is required")
	ErrMissingAction   = errors.New("usage: action is required")
	ErrInvalidMetadata = errors.New("usage: metadata must be valid JSON")
)
