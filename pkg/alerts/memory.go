package alerts

import (
	"context"
	"sort"
	"sync"
	"time"
)

type alertKey struct {
	teamID int64
	typ    AlertType
	period time.Time
}

// MemoryStore is an in-process Store for tests and local runs
type MemoryStore struct {
	mu     sync.Mutex
	alerts map[int64]*Alert
	keys   map[alertKey]int64
	nextID int64
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[int64]*Alert),
		keys:   make(map[alertKey]int64),
		now:    time.Now,
	}
}

func (m *MemoryStore) InsertIfAbsent(_ context.Context, alert *Alert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := alertKey{teamID: alert.TeamID, typ: alert.Type, period: alert.Period.UTC()}
	if _, exists := m.keys[key]; exists {
		return false, nil
	}
	m.nextID++
	alert.ID = m.nextID
	alert.CreatedAt = m.now()
	cp := *alert
	m.alerts[cp.ID] = &cp
	m.keys[key] = cp.ID
	return true, nil
}

func (m *MemoryStore) ListActive(_ context.Context, teamID int64, period time.Time) ([]*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Alert
	for _, a := range m.alerts {
		if a.TeamID == teamID && a.Period.Equal(period) && a.AcknowledgedAt == nil {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Acknowledge(_ context.Context, teamID, alertID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok || a.TeamID != teamID {
		return ErrAlertNotFound
	}
	if a.AcknowledgedAt == nil {
		t := at
		a.AcknowledgedAt = &t
	}
	return nil
}

func (m *MemoryStore) MarkEmailSent(_ context.Context, alertID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return ErrAlertNotFound
	}
	t := at
	a.EmailSentAt = &t
	a.NotificationSent = true
	return nil
}

// Get returns a copy of an alert by id
func (m *MemoryStore) Get(alertID int64) (*Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}
