package usage

import (
	"time"

	"github.com/codelaboratoryltd/radsync/pkg/subscription"
)

// Period is the half-open interval [Start, End). A zero End is open ended.
type Period struct {
	Start time.Time
	End   time.Time
}

// SubscriptionPeriod covers the usage window of a subscription, from the
// last usage reset (or the start) to expiry.
func SubscriptionPeriod(sub *subscription.Subscription) Period {
	return Period{Start: windowStart(sub), End: sub.ExpiresAt}
}

// CalendarDay returns the UTC day containing t.
func CalendarDay(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 0, 1)}
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	if t.Before(p.Start) {
		return false
	}
	return p.End.IsZero() || t.Before(p.End)
}

// IsEmpty reports whether the period holds no instant.
func (p Period) IsEmpty() bool {
	return !p.End.IsZero() && !p.Start.Before(p.End)
}

// Clamp restricts p to the usage window of sub.
func (p Period) Clamp(sub *subscription.Subscription) Period {
	w := SubscriptionPeriod(sub)
	if p.Start.Before(w.Start) {
		p.Start = w.Start
	}
	if !w.End.IsZero() && (p.End.IsZero() || p.End.After(w.End)) {
		p.End = w.End
	}
	return p
}

func windowStart(sub *subscription.Subscription) time.Time {
	if !sub.UsageResetAt.IsZero() {
		return sub.UsageResetAt
	}
	return sub.StartsAt
}
