package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStorage is an in-memory storage implementation for testing and development.
type MemoryStorage struct {
	mu     sync.RWMutex
	events map[string]*Event

	// Index by subscription
	bySubscription map[string][]string

	// Index by type
	byType map[EventType][]string
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		events:         make(map[string]*Event),
		bySubscription: make(map[string][]string),
		byType:         make(map[EventType][]string),
	}
}

// Store persists an event.
func (s *MemoryStorage) Store(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.ID] = event

	if event.SubscriptionID != "" {
		s.bySubscription[event.SubscriptionID] = append(s.bySubscription[event.SubscriptionID], event.ID)
	}
	s.byType[event.Type] = append(s.byType[event.Type], event.ID)

	return nil
}

// StoreBatch persists multiple events.
func (s *MemoryStorage) StoreBatch(ctx context.Context, events []*Event) error {
	for _, event := range events {
		if err := s.Store(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Query retrieves events matching criteria.
func (s *MemoryStorage) Query(ctx context.Context, query *Query) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Event
	for _, event := range s.events {
		if Matches(event, query) {
			results = append(results, event)
		}
	}

	// Sort by timestamp (descending by default)
	if query.Ascending {
		sort.Slice(results, func(i, j int) bool {
			return results[i].Timestamp.Before(results[j].Timestamp)
		})
	} else {
		sort.Slice(results, func(i, j int) bool {
			return results[i].Timestamp.After(results[j].Timestamp)
		})
	}

	if query.Offset > 0 {
		if query.Offset >= len(results) {
			return []*Event{}, nil
		}
		results = results[query.Offset:]
	}

	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}

	return results, nil
}

// Matches reports whether an event satisfies the query filters.
func Matches(event *Event, query *Query) bool {
	if !query.StartTime.IsZero() && event.Timestamp.Before(query.StartTime) {
		return false
	}
	if !query.EndTime.IsZero() && event.Timestamp.After(query.EndTime) {
		return false
	}

	if len(query.Types) > 0 {
		found := false
		for _, t := range query.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(query.Categories) > 0 {
		found := false
		category := event.Type.Category()
		for _, c := range query.Categories {
			if category == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if query.SubscriptionID != "" && event.SubscriptionID != query.SubscriptionID {
		return false
	}
	if query.Username != "" && event.Username != query.Username {
		return false
	}
	if query.SessionID != "" && event.SessionID != query.SessionID {
		return false
	}

	return event.Type.GetSeverity() >= query.MinSeverity
}

// DeleteExpired removes events past their retention.
func (s *MemoryStorage) DeleteExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var deleted int64

	for id, event := range s.events {
		if event.ExpiresAt.IsZero() || !event.ExpiresAt.Before(now) {
			continue
		}
		if event.SubscriptionID != "" {
			removeFromIndex(s.bySubscription, event.SubscriptionID, id)
		}
		ids := s.byType[event.Type]
		for i, eid := range ids {
			if eid == id {
				s.byType[event.Type] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		delete(s.events, id)
		deleted++
	}

	return deleted, nil
}

func removeFromIndex(index map[string][]string, key, id string) {
	ids := index[key]
	for i, eid := range ids {
		if eid == id {
			index[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Close releases storage resources.
// Data is preserved so events can be queried after shutdown.
func (s *MemoryStorage) Close() error {
	return nil
}

// Count returns the number of stored events.
func (s *MemoryStorage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// GetBySubscription returns all events for a subscription.
func (s *MemoryStorage) GetBySubscription(subscriptionID string) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySubscription[subscriptionID]
	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if event, ok := s.events[id]; ok {
			events = append(events, event)
		}
	}
	return events
}

// GetByType returns all events of a type.
func (s *MemoryStorage) GetByType(eventType EventType) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byType[eventType]
	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if event, ok := s.events[id]; ok {
			events = append(events, event)
		}
	}
	return events
}
