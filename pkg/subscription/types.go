package subscription

import (
	"fmt"
	"strings"
	"time"

	"github.com/codelaboratoryltd/radsync/pkg/radius"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusBlocked   Status = "blocked"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusActive, StatusSuspended, StatusBlocked, StatusExpired, StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled
}

// DurationType is the unit of a package duration.
type DurationType string

const (
	DurationMinute DurationType = "minute"
	DurationHour   DurationType = "hour"
	DurationDay    DurationType = "day"
	DurationWeek   DurationType = "week"
	DurationMonth  DurationType = "month"
)

// Seconds per duration unit. A month is 30 days.
var unitSeconds = map[DurationType]int64{
	DurationMinute: 60,
	DurationHour:   3600,
	DurationDay:    86400,
	DurationWeek:   604800,
	DurationMonth:  2592000,
}

// DurationSeconds converts a package duration to seconds.
func DurationSeconds(unit DurationType, value int) (int64, error) {
	secs, ok := unitSeconds[unit]
	if !ok {
		return 0, fmt.Errorf("%w: unknown duration type %q", ErrInvalidPackage, unit)
	}
	if value < 0 {
		return 0, fmt.Errorf("%w: negative duration %d", ErrInvalidPackage, value)
	}
	return secs * int64(value), nil
}

// Package is the entitlement template a subscription is bought from.
type Package struct {
	ID            string
	Name          string
	DurationType  DurationType
	DurationValue int

	IsTrial            bool
	TrialDurationType  DurationType
	TrialDurationValue int

	UploadKbps      int64
	DownloadKbps    int64
	DataCapMB       *int64 // nil = unlimited
	SimultaneousUse int
	VLANID          int
	Priority        int

	RenewalPackageID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveDuration returns the duration unit and value that apply, the
// trial duration for trial packages that define one.
func (p *Package) EffectiveDuration() (DurationType, int) {
	if p.IsTrial && p.TrialDurationType != "" && p.TrialDurationValue > 0 {
		return p.TrialDurationType, p.TrialDurationValue
	}
	return p.DurationType, p.DurationValue
}

// DurationSeconds returns the effective duration in seconds.
func (p *Package) DurationSeconds() (int64, error) {
	unit, value := p.EffectiveDuration()
	return DurationSeconds(unit, value)
}

// Duration returns the effective duration.
func (p *Package) Duration() (time.Duration, error) {
	secs, err := p.DurationSeconds()
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// IsTimeBounded reports whether the package grants a finite duration.
func (p *Package) IsTimeBounded() bool {
	secs, err := p.DurationSeconds()
	return err == nil && secs > 0
}

// Validate checks the package definition.
func (p *Package) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidPackage)
	}
	if _, err := p.DurationSeconds(); err != nil {
		return err
	}
	if p.UploadKbps < 0 || p.DownloadKbps < 0 {
		return fmt.Errorf("%w: negative bandwidth", ErrInvalidPackage)
	}
	if p.DataCapMB != nil && *p.DataCapMB < 0 {
		return fmt.Errorf("%w: negative data cap", ErrInvalidPackage)
	}
	if p.SimultaneousUse < 0 || p.VLANID < 0 || p.VLANID > 4094 {
		return fmt.Errorf("%w: simultaneous use or VLAN out of range", ErrInvalidPackage)
	}
	return nil
}

// DataCapBytes returns the cap in bytes, or 0 when unlimited.
func (p *Package) DataCapBytes() int64 {
	if p.DataCapMB == nil || *p.DataCapMB <= 0 {
		return 0
	}
	return radius.MegabytesToBytes(*p.DataCapMB)
}

// Entitlement converts the package into attribute units.
func (p *Package) Entitlement() (radius.Entitlement, error) {
	secs, err := p.DurationSeconds()
	if err != nil {
		return radius.Entitlement{}, err
	}
	return radius.Entitlement{
		SessionTimeout:  uint32(secs),
		UploadKbps:      p.UploadKbps,
		DownloadKbps:    p.DownloadKbps,
		DataCapMB:       p.DataCapMB,
		VLANID:          p.VLANID,
		SimultaneousUse: p.SimultaneousUse,
	}, nil
}

// Customer owns subscriptions and the RADIUS identity they share.
type Customer struct {
	ID             string
	Name           string
	Username       string
	Password       string
	Phone          string
	Email          string
	TelegramChatID int64
}

// RADIUSUsername is the chosen username, else the normalized phone number.
func (c *Customer) RADIUSUsername() string {
	if u := strings.TrimSpace(c.Username); u != "" {
		return u
	}
	return NormalizePhone(c.Phone)
}

// NormalizePhone keeps the digits of a phone number.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Subscription is the unit of entitlement.
type Subscription struct {
	ID               string
	CustomerID       string
	PackageID        string
	RenewalPackageID string
	Username         string

	Status    Status
	StartsAt  time.Time
	ExpiresAt time.Time

	// DataUsed is the byte total since UsageResetAt, recomputed from accounting.
	DataUsed     int64
	UsageResetAt time.Time

	AutoRenew bool
	IsTrial   bool

	ExpiryNotified   bool
	ExpiryNotifiedAt *time.Time
	QuotaWarned      bool
	QuotaWarnedAt    *time.Time

	// RenewedToID links an auto-renewed subscription to its successor.
	RenewedToID string

	StatusReason string
	Notes        []string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Notes = append([]string(nil), s.Notes...)
	if s.ExpiryNotifiedAt != nil {
		t := *s.ExpiryNotifiedAt
		c.ExpiryNotifiedAt = &t
	}
	if s.QuotaWarnedAt != nil {
		t := *s.QuotaWarnedAt
		c.QuotaWarnedAt = &t
	}
	if s.DeletedAt != nil {
		t := *s.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// IsExpiredAt reports whether the entitlement time has passed.
func (s *Subscription) IsExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// CanRenew reports whether renew is allowed: active or expired, not a trial.
func (s *Subscription) CanRenew() bool {
	if s.IsTrial {
		return false
	}
	return s.Status == StatusActive || s.Status == StatusExpired
}

// Remaining returns the time left until expiry (never negative).
func (s *Subscription) Remaining(now time.Time) time.Duration {
	if s.ExpiresAt.IsZero() || !now.Before(s.ExpiresAt) {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}

// Filter selects subscriptions. Zero fields do not filter.
type Filter struct {
	Statuses       []Status
	CustomerID     string
	Username       string
	ExpiresBefore  time.Time
	ExpiresAfter   time.Time
	AutoRenew      *bool
	ExpiryNotified *bool
	Limit          int
}

// Matches applies the filter to one subscription.
func (f Filter) Matches(s *Subscription) bool {
	if s.DeletedAt != nil {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if s.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CustomerID != "" && s.CustomerID != f.CustomerID {
		return false
	}
	if f.Username != "" && s.Username != f.Username {
		return false
	}
	if !f.ExpiresBefore.IsZero() && !s.ExpiresAt.Before(f.ExpiresBefore) {
		return false
	}
	if !f.ExpiresAfter.IsZero() && !s.ExpiresAt.After(f.ExpiresAfter) {
		return false
	}
	if f.AutoRenew != nil && s.AutoRenew != *f.AutoRenew {
		return false
	}
	if f.ExpiryNotified != nil && s.ExpiryNotified != *f.ExpiryNotified {
		return false
	}
	return true
}

// Bool returns a pointer to b, for Filter fields.
func Bool(b bool) *bool { return &b }
