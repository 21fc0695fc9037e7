package synchronizer

import (
	"strconv"
	"time"

	"github.com/codelaboratoryltd/radsync/pkg/radius"
	"github.com/codelaboratoryltd/radsync/pkg/store"
	"github.com/codelaboratoryltd/radsync/pkg/subscription"
)

// decision is the access outcome for one subscription state.
type decision struct {
	grant      bool
	reason     string // Reply-Message when rejected
	marker     string // Mikrotik-Address-List, empty = none
	disconnect bool
	cause      string // Acct-Terminate-Cause for dropped sessions
}

var (
	causeAdminReset     = radius.TerminateCauseName(radius.TerminateCauseAdminReset)
	causeSessionTimeout = radius.TerminateCauseName(radius.TerminateCauseSessionTimeout)
)

// decide maps status and expiry to an access decision:
//
//	active, not expired  grant, clear markers, Session-Timeout = remaining
//	active, past expiry  reject, exhausted marker, disconnect
//	suspended            reject, disconnect
//	blocked              reject, blocked marker, disconnect
//	expired              reject, exhausted marker, disconnect
//	cancelled            reject, disconnect
//	pending              reject with the pending reason, no disconnect
func (s *Synchronizer) decide(sub *subscription.Subscription, now time.Time) decision {
	switch sub.Status {
	case subscription.StatusActive:
		if sub.IsExpiredAt(now) {
			return decision{reason: s.config.ExpiredReason, marker: s.config.ExhaustedList,
				disconnect: true, cause: causeSessionTimeout}
		}
		return decision{grant: true}
	case subscription.StatusPending:
		return decision{reason: s.config.PendingReason}
	case subscription.StatusSuspended:
		return decision{reason: orDefault(sub.StatusReason, s.config.SuspendedReason),
			disconnect: true, cause: causeAdminReset}
	case subscription.StatusBlocked:
		return decision{reason: orDefault(sub.StatusReason, s.config.BlockedReason), marker: s.config.BlockedList,
			disconnect: true, cause: causeAdminReset}
	case subscription.StatusExpired:
		return decision{reason: s.config.ExpiredReason, marker: s.config.ExhaustedList,
			disconnect: true, cause: causeSessionTimeout}
	default:
		return decision{reason: s.config.CancelledReason, disconnect: true, cause: causeAdminReset}
	}
}

// statusRows appends the rows that express the decision for the username.
func (s *Synchronizer) statusRows(batch *store.Batch, sub *subscription.Subscription, pkg *subscription.Package, d decision, now time.Time) {
	user := sub.Username
	if d.grant {
		batch.Delete(radius.ScopeCheck, user, radius.AttrAuthType).
			Delete(radius.ScopeReply, user, radius.AttrReplyMessage).
			Delete(radius.ScopeReply, user, radius.AttrMikrotikAddressList)
		if timeout := sessionTimeout(sub, pkg, now); timeout > 0 {
			batch.Upsert(radius.CheckRow(user, radius.AttrSessionTimeout, strconv.FormatInt(timeout, 10)))
		}
		return
	}

	batch.Upsert(radius.RejectRows(user, d.reason)...)
	if d.marker != "" {
		batch.Upsert(radius.MarkerRow(user, d.marker))
	} else {
		batch.Delete(radius.ScopeReply, user, radius.AttrMikrotikAddressList)
	}
}

// sessionTimeout is the package duration capped at the time remaining, so
// a session never outlives the entitlement.
func sessionTimeout(sub *subscription.Subscription, pkg *subscription.Package, now time.Time) int64 {
	full, err := pkg.DurationSeconds()
	if err != nil || full <= 0 {
		return 0
	}
	if sub.ExpiresAt.IsZero() {
		return full
	}
	remaining := int64(sub.Remaining(now) / time.Second)
	if remaining <= 0 {
		return 0
	}
	if remaining < full {
		return remaining
	}
	return full
}

type managedAttr struct {
	scope radius.Scope
	attr  radius.Attribute
}

// Entitlement attributes owned by the synchronizer. Any of these that a
// new package no longer defines is deleted on provision.
var entitlementAttrs = []managedAttr{
	{radius.ScopeCheck, radius.AttrSessionTimeout},
	{radius.ScopeCheck, radius.AttrMaxData},
	{radius.ScopeReply, radius.AttrMikrotikRateLimit},
	{radius.ScopeReply, radius.AttrWISPrBandwidthMaxUp},
	{radius.ScopeReply, radius.AttrWISPrBandwidthMaxDown},
	{radius.ScopeReply, radius.AttrMikrotikTotalLimit},
	{radius.ScopeReply, radius.AttrTunnelType},
	{radius.ScopeReply, radius.AttrTunnelMediumType},
	{radius.ScopeReply, radius.AttrTunnelPrivateGroupID},
}

var groupAttrs = []managedAttr{
	{radius.ScopeCheck, radius.AttrSimultaneousUse},
	{radius.ScopeCheck, radius.AttrAuthType},
	{radius.ScopeCheck, radius.AttrMaxData},
	{radius.ScopeReply, radius.AttrServiceType},
	{radius.ScopeReply, radius.AttrMikrotikRateLimit},
	{radius.ScopeReply, radius.AttrWISPrBandwidthMaxUp},
	{radius.ScopeReply, radius.AttrWISPrBandwidthMaxDown},
	{radius.ScopeReply, radius.AttrMikrotikTotalLimit},
}

// writeRows upserts rows and deletes managed attributes the rows omit.
func writeRows(batch *store.Batch, subject string, rows []radius.Row, managed []managedAttr) {
	present := make(map[managedAttr]bool, len(rows))
	for _, r := range rows {
		present[managedAttr{r.Scope, r.Attribute}] = true
	}
	batch.Upsert(rows...)
	for _, m := range managed {
		if !present[m] {
			batch.Delete(m.scope, subject, m.attr)
		}
	}
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
