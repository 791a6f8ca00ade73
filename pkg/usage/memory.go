package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
)

// MemoryLedger is an in-process Ledger for tests and local runs
type MemoryLedger struct {
	mu     sync.RWMutex
	events []*Event
	nextID int64
	now    func() time.Time
}

// NewMemoryLedger creates an empty ledger. A nil clock uses time.Now.
func NewMemoryLedger(now func() time.Time) *MemoryLedger {
	if now == nil {
		now = time.Now
	}
	return &MemoryLedger{now: now}
}

func (l *MemoryLedger) Record(_ context.Context, req RecordRequest) (*Event, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	e := &Event{
		ID:        l.nextID,
		UserID:    req.UserID,
		Tokens:    req.Tokens,
		Action:    req.Action,
		CreatedAt: l.now().UTC(),
	}
	if req.TeamID != nil {
		id := *req.TeamID
		e.TeamID = &id
	}
	if req.MeterRef != "" {
		ref := req.MeterRef
		e.StripeMeterEventID = &ref
	}
	if len(req.Metadata) > 0 {
		e.Metadata = append([]byte(nil), req.Metadata...)
	}
	l.events = append(l.events, e)

	cp := *e
	return &cp, nil
}

func matches(e *Event, ref subscribers.Ref) bool {
	if ref.Kind == subscribers.KindTeam {
		return e.TeamID != nil && *e.TeamID == ref.ID
	}
	return e.UserID == ref.ID
}

func (l *MemoryLedger) MonthlyTotal(_ context.Context, ref subscribers.Ref, asOf time.Time) (int64, error) {
	start, end := MonthRange(asOf)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for _, e := range l.events {
		if matches(e, ref) && !e.CreatedAt.Before(start) && e.CreatedAt.Before(end) {
			total += e.Tokens
		}
	}
	return total, nil
}

func (l *MemoryLedger) RecentHistory(_ context.Context, ref subscribers.Ref, cursor Cursor) ([]*Event, error) {
	l.mu.RLock()
	var out []*Event
	for _, e := range l.events {
		if !matches(e, ref) {
			continue
		}
		if !cursor.admits(e) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if n := cursor.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (l *MemoryLedger) ScanMonth(ctx context.Context, month time.Time, fn func(*Event) error) error {
	start, end := MonthRange(month)
	l.mu.RLock()
	var batch []*Event
	for _, e := range l.events {
		if !e.CreatedAt.Before(start) && e.CreatedAt.Before(end) {
			cp := *e
			batch = append(batch, &cp)
		}
	}
	l.mu.RUnlock()

	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}
