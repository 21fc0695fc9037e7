package audit

import "time"

// RetentionPolicy decides how long an event is kept. An event type
// override beats its category, and the category beats the default.
// Zero or negative days keep the event forever.
type RetentionPolicy struct {
	DefaultDays int
	ByCategory  map[string]int
	ByEvent     map[EventType]int
}

// Days returns the retention for an event type.
func (p RetentionPolicy) Days(eventType EventType) int {
	if days, ok := p.ByEvent[eventType]; ok {
		return days
	}
	if days, ok := p.ByCategory[eventType.Category()]; ok {
		return days
	}
	return p.DefaultDays
}

// Stamp sets RetentionDays and ExpiresAt on the event. Events kept forever
// get a zero ExpiresAt, which DeleteExpired skips.
func (p RetentionPolicy) Stamp(event *Event) {
	event.RetentionDays = p.Days(event.Type)
	if event.RetentionDays <= 0 {
		event.ExpiresAt = time.Time{}
		return
	}
	event.ExpiresAt = event.Timestamp.AddDate(0, 0, event.RetentionDays)
}
