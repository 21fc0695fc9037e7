// Package store holds the RADIUS attribute tables, the accounting session
// table and the subscription catalog, in memory or in SQL.
package store

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/codelaboratoryltd/radsync/pkg/radius"
	"github.com/codelaboratoryltd/radsync/pkg/subscription"
)

// ErrNotFound aliases the subscription sentinel so callers can use either.
var ErrNotFound = subscription.ErrNotFound

// ErrSessionClosed is returned when closing a session that already has a stop time.
var ErrSessionClosed = errors.New("session already closed")

// AttributeStore reads and writes check/reply/group rows.
type AttributeStore interface {
	// ApplyBatch applies every operation in the batch or none of them.
	ApplyBatch(ctx context.Context, batch *Batch) error
	// Rows returns the rows of one scope for a subject, ordered by attribute.
	Rows(ctx context.Context, scope radius.Scope, subject string) ([]radius.Row, error)
	// Memberships returns the groups of a username, by priority.
	Memberships(ctx context.Context, username string) ([]radius.GroupMembership, error)
	// GroupMembers returns the usernames assigned to a group.
	GroupMembers(ctx context.Context, group string) ([]string, error)
}

// AccountingSession is one NAS accounting record.
type AccountingSession struct {
	SessionID        string
	UniqueID         string
	Username         string
	NASIPAddress     string
	NASPortID        string
	StartTime        time.Time
	UpdateTime       *time.Time
	StopTime         *time.Time // nil while active
	SessionTime      int64      // seconds
	InputOctets      int64
	OutputOctets     int64
	TerminateCause   string
	CallingStationID string
	CalledStationID  string
	FramedIPAddress  net.IP
}

// IsActive reports whether the session has no stop time.
func (s *AccountingSession) IsActive() bool {
	return s.StopTime == nil
}

// TotalOctets returns input plus output octets.
func (s *AccountingSession) TotalOctets() int64 {
	return s.InputOctets + s.OutputOctets
}

// AccountingStore reads accounting sessions and closes them after a
// forced disconnect.
type AccountingStore interface {
	// ActiveSessions returns sessions without a stop time. An empty
	// username returns every active session.
	ActiveSessions(ctx context.Context, username string) ([]AccountingSession, error)
	// SessionsStartedBetween returns sessions for username with from <= start < to.
	SessionsStartedBetween(ctx context.Context, username string, from, to time.Time) ([]AccountingSession, error)
	// CloseSession sets the stop time, terminate cause and session time of
	// an active session. It returns ErrSessionClosed if already stopped.
	CloseSession(ctx context.Context, uniqueID string, stop time.Time, cause string) error
	// CountActiveSessions returns the number of sessions without a stop time.
	CountActiveSessions(ctx context.Context) (int, error)
	// RecordSession inserts or replaces a session, as the NAS would.
	RecordSession(ctx context.Context, s *AccountingSession) error
}

// UsageAggregate is the re-aggregated usage of one subscription over one period.
type UsageAggregate struct {
	SubscriptionID   string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	BytesIn          int64
	BytesOut         int64
	Sessions         int
	ConnectedSeconds int64
	ComputedAt       time.Time
}

// TotalBytes returns BytesIn plus BytesOut.
func (a *UsageAggregate) TotalBytes() int64 {
	return a.BytesIn + a.BytesOut
}

// UsageStore keeps usage aggregates keyed by (subscription, period start).
type UsageStore interface {
	SaveAggregate(ctx context.Context, agg *UsageAggregate) error
	ListAggregates(ctx context.Context, subscriptionID string, since time.Time) ([]UsageAggregate, error)
}

// SubscriptionStore is the subscription repository plus catalog writes.
type SubscriptionStore interface {
	subscription.Repository
	SavePackage(ctx context.Context, pkg *subscription.Package) error
	ListPackages(ctx context.Context) ([]*subscription.Package, error)
	SaveCustomer(ctx context.Context, c *subscription.Customer) error
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// sessionTime returns whole seconds between start and stop.
func sessionTime(start, stop time.Time) int64 {
	if stop.Before(start) {
		return 0
	}
	return int64(stop.Sub(start) / time.Second)
}
