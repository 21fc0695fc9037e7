package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codelaboratoryltd/radsync/pkg/radius"
	"github.com/codelaboratoryltd/radsync/pkg/subscription"
)

type membershipKey struct {
	username string
	group    string
}

type attributeState struct {
	rows    map[radius.RowKey]radius.Row
	members map[membershipKey]int
}

func (s *attributeState) clone() *attributeState {
	c := &attributeState{
		rows:    make(map[radius.RowKey]radius.Row, len(s.rows)),
		members: make(map[membershipKey]int, len(s.members)),
	}
	for k, v := range s.rows {
		c.rows[k] = v
	}
	for k, v := range s.members {
		c.members[k] = v
	}
	return c
}

func (s *attributeState) apply(o op) {
	switch o.kind {
	case opUpsert:
		s.rows[o.row.Key()] = o.row
	case opDelete:
		delete(s.rows, o.key)
	case opDeleteSubject:
		for k := range s.rows {
			if k.Subject == o.subject {
				delete(s.rows, k)
			}
		}
	case opJoin:
		s.members[membershipKey{o.username, o.group}] = o.priority
	case opLeave:
		delete(s.members, membershipKey{o.username, o.group})
	case opLeavePackageGroups:
		for k := range s.members {
			if k.username == o.username && k.group != o.group && radius.IsPackageGroup(k.group) {
				delete(s.members, k)
			}
		}
	case opLeaveAll:
		for k := range s.members {
			if k.username == o.username {
				delete(s.members, k)
			}
		}
	}
}

// MemoryAttributes is an in-memory AttributeStore.
type MemoryAttributes struct {
	mu    sync.RWMutex
	state *attributeState

	// FailNext makes the next ApplyBatch fail without writing, for tests.
	FailNext error
}

// NewMemoryAttributes creates an empty attribute store.
func NewMemoryAttributes() *MemoryAttributes {
	return &MemoryAttributes{state: &attributeState{
		rows:    make(map[radius.RowKey]radius.Row),
		members: make(map[membershipKey]int),
	}}
}

// ApplyBatch applies the batch to a copy and swaps it in on success.
func (m *MemoryAttributes) ApplyBatch(ctx context.Context, batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailNext; err != nil {
		m.FailNext = nil
		return err
	}
	next := m.state.clone()
	for _, o := range batch.ops {
		next.apply(o)
	}
	m.state = next
	return nil
}

// Rows returns the rows of one scope for a subject.
func (m *MemoryAttributes) Rows(ctx context.Context, scope radius.Scope, subject string) ([]radius.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rows []radius.Row
	for k, r := range m.state.rows {
		if k.Scope == scope && k.Subject == subject {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Attribute.String() < rows[j].Attribute.String()
	})
	return rows, nil
}

// Memberships returns the groups of a username ordered by priority.
func (m *MemoryAttributes) Memberships(ctx context.Context, username string) ([]radius.GroupMembership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []radius.GroupMembership
	for k, prio := range m.state.members {
		if k.username == username {
			out = append(out, radius.GroupMembership{Username: k.username, GroupName: k.group, Priority: prio})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].GroupName < out[j].GroupName
	})
	return out, nil
}

// GroupMembers returns the usernames assigned to a group.
func (m *MemoryAttributes) GroupMembers(ctx context.Context, group string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for k := range m.state.members {
		if k.group == group {
			out = append(out, k.username)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RowCount returns the total number of check and reply rows.
func (m *MemoryAttributes) RowCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.state.rows)
}

// MemoryAccounting is an in-memory AccountingStore.
type MemoryAccounting struct {
	mu       sync.RWMutex
	sessions map[string]*AccountingSession
}

// NewMemoryAccounting creates an empty accounting store.
func NewMemoryAccounting() *MemoryAccounting {
	return &MemoryAccounting{sessions: make(map[string]*AccountingSession)}
}

// RecordSession inserts or replaces a session keyed by its unique ID.
func (m *MemoryAccounting) RecordSession(ctx context.Context, s *AccountingSession) error {
	if s.UniqueID == "" {
		return fmt.Errorf("session unique ID required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.sessions[s.UniqueID] = &c
	return nil
}

// ActiveSessions returns open sessions, all of them when username is empty.
func (m *MemoryAccounting) ActiveSessions(ctx context.Context, username string) ([]AccountingSession, error) {
	return m.filter(func(s *AccountingSession) bool {
		return s.IsActive() && (username == "" || s.Username == username)
	}), nil
}

// SessionsStartedBetween returns sessions for username with from <= start < to.
func (m *MemoryAccounting) SessionsStartedBetween(ctx context.Context, username string, from, to time.Time) ([]AccountingSession, error) {
	return m.filter(func(s *AccountingSession) bool {
		return s.Username == username && !s.StartTime.Before(from) && s.StartTime.Before(to)
	}), nil
}

// CloseSession stops an active session.
func (m *MemoryAccounting) CloseSession(ctx context.Context, uniqueID string, stop time.Time, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[uniqueID]
	if !ok {
		return fmt.Errorf("session %s: %w", uniqueID, ErrNotFound)
	}
	if !s.IsActive() {
		return fmt.Errorf("session %s: %w", uniqueID, ErrSessionClosed)
	}
	s.StopTime = &stop
	s.TerminateCause = cause
	s.SessionTime = sessionTime(s.StartTime, stop)
	return nil
}

// CountActiveSessions returns the number of open sessions.
func (m *MemoryAccounting) CountActiveSessions(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.IsActive() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryAccounting) filter(keep func(*AccountingSession) bool) []AccountingSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []AccountingSession
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].UniqueID < out[j].UniqueID
	})
	return out
}

// MemorySubscriptions is an in-memory SubscriptionStore and UsageStore.
type MemorySubscriptions struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription.Subscription
	packages      map[string]*subscription.Package
	customers     map[string]*subscription.Customer
	aggregates    map[string]map[int64]UsageAggregate
}

// NewMemorySubscriptions creates an empty subscription store.
func NewMemorySubscriptions() *MemorySubscriptions {
	return &MemorySubscriptions{
		subscriptions: make(map[string]*subscription.Subscription),
		packages:      make(map[string]*subscription.Package),
		customers:     make(map[string]*subscription.Customer),
		aggregates:    make(map[string]map[int64]UsageAggregate),
	}
}

// GetSubscription returns a copy of the subscription.
func (m *MemorySubscriptions) GetSubscription(ctx context.Context, id string) (*subscription.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

// CreateSubscription inserts a new subscription.
func (m *MemorySubscriptions) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[sub.ID]; ok {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	m.subscriptions[sub.ID] = sub.Clone()
	return nil
}

// UpdateSubscription replaces an existing subscription.
func (m *MemorySubscriptions) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[sub.ID]; !ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrNotFound)
	}
	m.subscriptions[sub.ID] = sub.Clone()
	return nil
}

// ListSubscriptions returns matching subscriptions ordered by expiry.
func (m *MemorySubscriptions) ListSubscriptions(ctx context.Context, filter subscription.Filter) ([]*subscription.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*subscription.Subscription
	for _, s := range m.subscriptions {
		if filter.Matches(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetPackage returns a package by ID.
func (m *MemorySubscriptions) GetPackage(ctx context.Context, id string) (*subscription.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.packages[id]
	if !ok {
		return nil, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	c := *p
	return &c, nil
}

// SavePackage inserts or replaces a package.
func (m *MemorySubscriptions) SavePackage(ctx context.Context, pkg *subscription.Package) error {
	if err := pkg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *pkg
	m.packages[pkg.ID] = &c
	return nil
}

// ListPackages returns every package ordered by ID.
func (m *MemorySubscriptions) ListPackages(ctx context.Context) ([]*subscription.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*subscription.Package, 0, len(m.packages))
	for _, p := range m.packages {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetCustomer returns a customer by ID.
func (m *MemorySubscriptions) GetCustomer(ctx context.Context, id string) (*subscription.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", id, ErrNotFound)
	}
	cc := *c
	return &cc, nil
}

// SaveCustomer inserts or replaces a customer.
func (m *MemorySubscriptions) SaveCustomer(ctx context.Context, c *subscription.Customer) error {
	if c.ID == "" {
		return fmt.Errorf("customer ID required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cc := *c
	m.customers[c.ID] = &cc
	return nil
}

// CountByStatus returns the number of live subscriptions per status.
func (m *MemorySubscriptions) CountByStatus(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, s := range m.subscriptions {
		if s.DeletedAt == nil {
			counts[string(s.Status)]++
		}
	}
	return counts, nil
}

// SaveAggregate inserts or replaces the aggregate for (subscription, period start).
func (m *MemorySubscriptions) SaveAggregate(ctx context.Context, agg *UsageAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPeriod, ok := m.aggregates[agg.SubscriptionID]
	if !ok {
		byPeriod = make(map[int64]UsageAggregate)
		m.aggregates[agg.SubscriptionID] = byPeriod
	}
	byPeriod[agg.PeriodStart.UnixNano()] = *agg
	return nil
}

// ListAggregates returns aggregates whose period starts at or after since.
func (m *MemorySubscriptions) ListAggregates(ctx context.Context, subscriptionID string, since time.Time) ([]UsageAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []UsageAggregate
	for _, a := range m.aggregates[subscriptionID] {
		if !a.PeriodStart.Before(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}
