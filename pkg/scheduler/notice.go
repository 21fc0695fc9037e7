package scheduler

import (
	"time"

	"github.com/codelaboratoryltd/radsync/pkg/subscription"
)

// NoticeLead returns how long before expiry the upcoming-expiry notice is
// sent. Short packages get a lead proportional to their duration: 20% for
// minute packages, 25% capped at one hour for hour packages. Day, week and
// month packages are told a day ahead. Trial packages use their trial
// duration.
func NoticeLead(pkg *subscription.Package) time.Duration {
	unit, _ := pkg.EffectiveDuration()
	dur, err := pkg.Duration()
	if err != nil || dur <= 0 {
		return 0
	}

	switch unit {
	case subscription.DurationMinute:
		return dur / 5
	case subscription.DurationHour:
		lead := dur / 4
		if lead > time.Hour {
			lead = time.Hour
		}
		return lead
	default:
		return 24 * time.Hour
	}
}

// RenewLead returns how long before expiry the next period of an
// auto-renewing subscription is reserved: a quarter of the package
// duration, capped at max.
func RenewLead(pkg *subscription.Package, max time.Duration) time.Duration {
	dur, err := pkg.Duration()
	if err != nil || dur <= 0 {
		return 0
	}
	lead := dur / 4
	if lead > max {
		lead = max
	}
	return lead
}

// dueForNotice reports whether the notice for sub is due at now.
func dueForNotice(sub *subscription.Subscription, pkg *subscription.Package, now time.Time) bool {
	lead := NoticeLead(pkg)
	if lead <= 0 || sub.ExpiresAt.IsZero() || sub.IsExpiredAt(now) {
		return false
	}
	return sub.Remaining(now) <= lead
}
