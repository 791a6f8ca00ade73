package subscribers

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and local runs
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[int64]*Subscriber
	teams   map[int64]*Subscriber
	members map[int64]int64
	items   map[int64][]*SubscriptionItem
	nextID  int64
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[int64]*Subscriber),
		teams:   make(map[int64]*Subscriber),
		members: make(map[int64]int64),
		items:   make(map[int64][]*SubscriptionItem),
		now:     time.Now,
	}
}

// PutUser inserts or replaces a user row
func (m *MemoryStore) PutUser(u *Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	cp.Kind = KindUser
	if cp.Status == "" {
		cp.Status = StatusNone
	}
	m.users[cp.ID] = &cp
}

// PutTeam inserts or replaces a team row
func (m *MemoryStore) PutTeam(t *Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.Kind = KindTeam
	if cp.Status == "" {
		cp.Status = StatusNone
	}
	m.teams[cp.ID] = &cp
}

// AddMember records a user as member of a team
func (m *MemoryStore) AddMember(userID, teamID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[userID]; !ok {
		m.members[userID] = teamID
	}
}

func (m *MemoryStore) row(ref Ref) *Subscriber {
	if ref.Kind == KindTeam {
		return m.teams[ref.ID]
	}
	return m.users[ref.ID]
}

func copyOf(s *Subscriber) *Subscriber {
	cp := *s
	return &cp
}

func (m *MemoryStore) GetUser(_ context.Context, userID int64) (*Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(u), nil
}

func (m *MemoryStore) GetTeam(_ context.Context, teamID int64) (*Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teams[teamID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(t), nil
}

func (m *MemoryStore) GetTeamForUser(_ context.Context, userID int64) (*Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	teamID, ok := m.members[userID]
	if !ok {
		return nil, ErrNotFound
	}
	t, ok := m.teams[teamID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(t), nil
}

func (m *MemoryStore) FindByCustomer(_ context.Context, customerID string) (*Owners, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owners := &Owners{}
	for _, t := range m.teams {
		if t.StripeCustomerID == customerID {
			owners.Team = copyOf(t)
			break
		}
	}
	for _, u := range m.users {
		if u.StripeCustomerID == customerID {
			owners.User = copyOf(u)
			break
		}
	}
	return owners, nil
}

func (m *MemoryStore) LinkCustomer(_ context.Context, userID int64, customerID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.StripeCustomerID = customerID
	if u.StripeSubscriptionID == "" {
		u.Status = status
	}
	u.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ApplySubscription(_ context.Context, ref Ref, state SubscriptionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.row(ref)
	if s == nil {
		return ErrNotFound
	}
	if state.CustomerID != "" {
		s.StripeCustomerID = state.CustomerID
	}
	s.StripeSubscriptionID = state.SubscriptionID
	s.StripeProductID = state.ProductID
	s.PlanType = state.PlanType
	s.Status = state.Status
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ClearSubscription(_ context.Context, ref Ref, subscriptionID string, status Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.row(ref)
	if s == nil || s.StripeSubscriptionID != subscriptionID {
		return false, nil
	}
	s.StripeSubscriptionID = ""
	s.StripeProductID = ""
	s.PlanType = ""
	s.Status = status
	s.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, ref Ref, subscriptionID string, status Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.row(ref)
	if s == nil || s.StripeSubscriptionID != subscriptionID {
		return false, nil
	}
	s.Status = status
	s.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) ReplaceItems(_ context.Context, teamID int64, subscriptionID string, items []*SubscriptionItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.withoutSubscription(teamID, subscriptionID)
	now := m.now()
	for _, item := range items {
		m.nextID++
		cp := *item
		cp.ID = m.nextID
		cp.TeamID = teamID
		cp.StripeSubscriptionID = subscriptionID
		cp.CreatedAt = now
		cp.UpdatedAt = now
		kept = append(kept, &cp)
	}
	m.items[teamID] = kept
	return nil
}

func (m *MemoryStore) DeleteItems(_ context.Context, teamID int64, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[teamID] = m.withoutSubscription(teamID, subscriptionID)
	return nil
}

func (m *MemoryStore) withoutSubscription(teamID int64, subscriptionID string) []*SubscriptionItem {
	var kept []*SubscriptionItem
	for _, item := range m.items[teamID] {
		if item.StripeSubscriptionID != subscriptionID {
			kept = append(kept, item)
		}
	}
	return kept
}

func (m *MemoryStore) ListItems(_ context.Context, teamID int64) ([]*SubscriptionItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SubscriptionItem, 0, len(m.items[teamID]))
	for _, item := range m.items[teamID] {
		cp := *item
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListFixedCapTeams(_ context.Context, planTypes []string) ([]*Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[string]bool, len(planTypes))
	for _, p := range planTypes {
		wanted[p] = true
	}
	var out []*Subscriber
	for _, t := range m.teams {
		if wanted[t.PlanType] && t.Status.Entitling() {
			out = append(out, copyOf(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListBilledCustomers returns the distinct customer ids that hold a subscription
func (m *MemoryStore) ListBilledCustomers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, rows := range []map[int64]*Subscriber{m.users, m.teams} {
		for _, s := range rows {
			if s.StripeCustomerID == "" || s.StripeSubscriptionID == "" || seen[s.StripeCustomerID] {
				continue
			}
			seen[s.StripeCustomerID] = true
			out = append(out, s.StripeCustomerID)
		}
	}
	sort.Strings(out)
	return out, nil
}
