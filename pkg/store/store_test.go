package store

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/audit"
	"github.com/codelaboratoryltd/radsync/pkg/radius"
	"github.com/codelaboratoryltd/radsync/pkg/subscription"
)

type backend struct {
	attrs AttributeStore
	acct  AccountingStore
	subs  interface {
		SubscriptionStore
		UsageStore
	}
}

func openSQLite(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, Config{
		Dialect: DialectSQLite,
		DSN:     filepath.Join(t.TempDir(), "radsync.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))
	return db
}

func backends(t *testing.T) map[string]func(t *testing.T) backend {
	return map[string]func(t *testing.T) backend{
		"memory": func(t *testing.T) backend {
			return backend{
				attrs: NewMemoryAttributes(),
				acct:  NewMemoryAccounting(),
				subs:  NewMemorySubscriptions(),
			}
		},
		"sqlite": func(t *testing.T) backend {
			db := openSQLite(t)
			return backend{
				attrs: NewSQLAttributes(db),
				acct:  NewSQLAccounting(db),
				subs:  NewSQLSubscriptions(db),
			}
		},
	}
}

func TestAttributeStore_UpsertReplaces(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)

			err := b.attrs.ApplyBatch(ctx, NewBatch().Upsert(
				radius.CheckRow("alice", radius.AttrCleartextPassword, "secret"),
				radius.ReplyRow("alice", radius.AttrSessionTimeout, "3600"),
			))
			require.NoError(t, err)

			err = b.attrs.ApplyBatch(ctx, NewBatch().Upsert(
				radius.CheckRow("alice", radius.AttrCleartextPassword, "changed"),
			))
			require.NoError(t, err)

			check, err := b.attrs.Rows(ctx, radius.ScopeCheck, "alice")
			require.NoError(t, err)
			require.Len(t, check, 1)
			assert.Equal(t, "changed", check[0].Value)
			assert.Equal(t, radius.AttrCleartextPassword, check[0].Attribute)
			assert.Equal(t, radius.OpSet, check[0].Op)

			reply, err := b.attrs.Rows(ctx, radius.ScopeReply, "alice")
			require.NoError(t, err)
			require.Len(t, reply, 1)
			assert.Equal(t, "3600", reply[0].Value)
		})
	}
}

func TestAttributeStore_GroupRowsSeparateFromUserRows(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			group := radius.GroupName("basic")

			rows := radius.GroupRows(group, radius.Entitlement{UploadKbps: 1024, DownloadKbps: 2048})
			require.NoError(t, b.attrs.ApplyBatch(ctx, NewBatch().Upsert(rows...)))

			check, err := b.attrs.Rows(ctx, radius.ScopeCheck, group)
			require.NoError(t, err)
			assert.NotEmpty(t, check)

			var authType radius.Row
			for _, r := range check {
				if r.Attribute == radius.AttrAuthType {
					authType = r
				}
			}
			assert.Equal(t, radius.OpAssign, authType.Op)
			assert.Equal(t, radius.AuthTypePAP, authType.Value)

			user, err := b.attrs.Rows(ctx, radius.ScopeCheck, "alice")
			require.NoError(t, err)
			assert.Empty(t, user)
		})
	}
}

func TestAttributeStore_Memberships(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)

			require.NoError(t, b.attrs.ApplyBatch(ctx, NewBatch().
				Join("alice", radius.GroupName("old"), 1).
				Join("alice", "staff", 5).
				Join("bob", radius.GroupName("old"), 1)))

			// Switching package drops the other package groups but keeps "staff".
			require.NoError(t, b.attrs.ApplyBatch(ctx, NewBatch().
				LeavePackageGroups("alice", radius.GroupName("new")).
				Join("alice", radius.GroupName("new"), 1)))

			got, err := b.attrs.Memberships(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, radius.GroupName("new"), got[0].GroupName)
			assert.Equal(t, "staff", got[1].GroupName)

			members, err := b.attrs.GroupMembers(ctx, radius.GroupName("old"))
			require.NoError(t, err)
			assert.Equal(t, []string{"bob"}, members)

			require.NoError(t, b.attrs.ApplyBatch(ctx, NewBatch().LeaveAll("alice")))
			got, err = b.attrs.Memberships(ctx, "alice")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestAttributeStore_DeleteSubject(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)

			require.NoError(t, b.attrs.ApplyBatch(ctx, NewBatch().
				Upsert(radius.RejectRows("alice", "Blocked")...).
				Upsert(radius.CheckRow("bob", radius.AttrCleartextPassword, "x"))))

			require.NoError(t, b.attrs.ApplyBatch(ctx, NewBatch().
				Delete(radius.ScopeReply, "alice", radius.AttrReplyMessage)))
			reply, err := b.attrs.Rows(ctx, radius.ScopeReply, "alice")
			require.NoError(t, err)
			assert.Empty(t, reply)

			require.NoError(t, b.attrs.ApplyBatch(ctx, NewBatch().DeleteSubject("alice")))
			check, err := b.attrs.Rows(ctx, radius.ScopeCheck, "alice")
			require.NoError(t, err)
			assert.Empty(t, check)

			bob, err := b.attrs.Rows(ctx, radius.ScopeCheck, "bob")
			require.NoError(t, err)
			assert.Len(t, bob, 1)
		})
	}
}

func TestAttributeStore_InvalidBatchWritesNothing(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)

			err := b.attrs.ApplyBatch(ctx, NewBatch().
				Upsert(radius.CheckRow("alice", radius.AttrCleartextPassword, "secret")).
				Upsert(radius.Row{Scope: radius.ScopeCheck, Subject: "alice", Attribute: radius.AttrAuthType, Op: "??"}))
			require.Error(t, err)

			rows, err := b.attrs.Rows(ctx, radius.ScopeCheck, "alice")
			require.NoError(t, err)
			assert.Empty(t, rows)
		})
	}
}

func TestMemoryAttributes_FailNextLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryAttributes()
	require.NoError(t, m.ApplyBatch(ctx, NewBatch().Upsert(radius.CheckRow("alice", radius.AttrCleartextPassword, "a"))))

	m.FailNext = errors.New("connection reset")
	err := m.ApplyBatch(ctx, NewBatch().
		Upsert(radius.CheckRow("alice", radius.AttrCleartextPassword, "b")).
		Upsert(radius.RejectRows("alice", "Blocked")...))
	require.Error(t, err)

	rows, err := m.Rows(ctx, radius.ScopeCheck, "alice")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].Value)
	assert.Equal(t, 1, m.RowCount())
}

func TestAccountingStore_Sessions(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)

			stopped := base.Add(2 * time.Hour)
			require.NoError(t, b.acct.RecordSession(ctx, &AccountingSession{
				SessionID: "s1", UniqueID: "u1", Username: "alice", NASIPAddress: "10.0.0.1",
				StartTime: base.Add(time.Hour), StopTime: &stopped, SessionTime: 3600,
				InputOctets: 100, OutputOctets: 200,
			}))
			require.NoError(t, b.acct.RecordSession(ctx, &AccountingSession{
				SessionID: "s2", UniqueID: "u2", Username: "alice", NASIPAddress: "10.0.0.1",
				StartTime: base.Add(3 * time.Hour), InputOctets: 10, OutputOctets: 20,
				FramedIPAddress: net.ParseIP("100.64.0.2"),
			}))
			require.NoError(t, b.acct.RecordSession(ctx, &AccountingSession{
				SessionID: "s3", UniqueID: "u3", Username: "bob", NASIPAddress: "10.0.0.2",
				StartTime: base.Add(-time.Hour),
			}))

			active, err := b.acct.ActiveSessions(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "u2", active[0].UniqueID)
			assert.True(t, active[0].FramedIPAddress.Equal(net.ParseIP("100.64.0.2")))

			all, err := b.acct.ActiveSessions(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 2)

			window, err := b.acct.SessionsStartedBetween(ctx, "alice", base, base.Add(3*time.Hour))
			require.NoError(t, err)
			require.Len(t, window, 1, "end of window is exclusive")
			assert.Equal(t, int64(300), window[0].TotalOctets())
			assert.True(t, window[0].StartTime.Equal(base.Add(time.Hour)))

			n, err := b.acct.CountActiveSessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestAccountingStore_CloseSession(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)

			require.NoError(t, b.acct.RecordSession(ctx, &AccountingSession{
				SessionID: "s1", UniqueID: "u1", Username: "alice", NASIPAddress: "10.0.0.1", StartTime: start,
			}))

			stop := start.Add(90 * time.Minute)
			require.NoError(t, b.acct.CloseSession(ctx, "u1", stop, "Admin-Reset"))

			err := b.acct.CloseSession(ctx, "u1", stop.Add(time.Minute), "Admin-Reset")
			assert.ErrorIs(t, err, ErrSessionClosed)

			err = b.acct.CloseSession(ctx, "missing", stop, "Admin-Reset")
			assert.ErrorIs(t, err, ErrNotFound)

			window, err := b.acct.SessionsStartedBetween(ctx, "alice", start, start.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, window, 1)
			s := window[0]
			require.NotNil(t, s.StopTime)
			assert.True(t, s.StopTime.Equal(stop))
			assert.Equal(t, int64(5400), s.SessionTime)
			assert.Equal(t, "Admin-Reset", s.TerminateCause)
			assert.False(t, s.IsActive())
		})
	}
}

func seedCatalog(t *testing.T, ctx context.Context, s SubscriptionStore) {
	t.Helper()
	capMB := int64(1024)
	require.NoError(t, s.SavePackage(ctx, &subscription.Package{
		ID: "daily", Name: "Daily", DurationType: subscription.DurationDay, DurationValue: 1,
		UploadKbps: 1024, DownloadKbps: 4096, DataCapMB: &capMB, SimultaneousUse: 1,
	}))
	require.NoError(t, s.SaveCustomer(ctx, &subscription.Customer{
		ID: "c1", Name: "Alice", Phone: "+1 (555) 010-0001", Email: "alice@example.com",
	}))
}

func TestSubscriptionStore_RoundTrip(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			seedCatalog(t, ctx, b.subs)

			pkg, err := b.subs.GetPackage(ctx, "daily")
			require.NoError(t, err)
			require.NotNil(t, pkg.DataCapMB)
			assert.Equal(t, int64(1024), *pkg.DataCapMB)
			assert.Equal(t, subscription.DurationDay, pkg.DurationType)

			cust, err := b.subs.GetCustomer(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "15550100001", cust.RADIUSUsername())

			notified := start.Add(20 * time.Hour)
			sub := &subscription.Subscription{
				ID: "s1", CustomerID: "c1", PackageID: "daily", Username: "15550100001",
				Status: subscription.StatusActive, StartsAt: start, ExpiresAt: start.Add(24 * time.Hour),
				UsageResetAt: start, AutoRenew: true,
				ExpiryNotified: true, ExpiryNotifiedAt: &notified,
				Notes:     []string{"[2024-01-01T00:00:00Z] active"},
				CreatedAt: start, UpdatedAt: start,
			}
			require.NoError(t, b.subs.CreateSubscription(ctx, sub))

			got, err := b.subs.GetSubscription(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, subscription.StatusActive, got.Status)
			assert.True(t, got.ExpiresAt.Equal(start.Add(24*time.Hour)))
			assert.True(t, got.AutoRenew)
			require.NotNil(t, got.ExpiryNotifiedAt)
			assert.True(t, got.ExpiryNotifiedAt.Equal(notified))
			assert.Nil(t, got.QuotaWarnedAt)
			assert.Equal(t, sub.Notes, got.Notes)

			got.DataUsed = 42
			got.Status = subscription.StatusSuspended
			got.Notes = append(got.Notes, "[2024-01-01T01:00:00Z] active -> suspended")
			require.NoError(t, b.subs.UpdateSubscription(ctx, got))

			again, err := b.subs.GetSubscription(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, int64(42), again.DataUsed)
			assert.Len(t, again.Notes, 2)

			_, err = b.subs.GetSubscription(ctx, "missing")
			assert.ErrorIs(t, err, subscription.ErrNotFound)
			_, err = b.subs.GetPackage(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSubscriptionStore_ListFilter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			seedCatalog(t, ctx, b.subs)

			mk := func(id string, status subscription.Status, expires time.Time, autoRenew bool) {
				require.NoError(t, b.subs.CreateSubscription(ctx, &subscription.Subscription{
					ID: id, CustomerID: "c1", PackageID: "daily", Username: "alice",
					Status: status, StartsAt: now.Add(-24 * time.Hour), ExpiresAt: expires,
					AutoRenew: autoRenew, CreatedAt: now, UpdatedAt: now,
				}))
			}
			mk("past", subscription.StatusActive, now.Add(-time.Hour), false)
			mk("soon", subscription.StatusActive, now.Add(time.Hour), true)
			mk("later", subscription.StatusActive, now.Add(48*time.Hour), true)
			mk("gone", subscription.StatusExpired, now.Add(-48*time.Hour), false)
			mk("deleted", subscription.StatusActive, now.Add(-2*time.Hour), false)

			del, err := b.subs.GetSubscription(ctx, "deleted")
			require.NoError(t, err)
			del.DeletedAt = &now
			require.NoError(t, b.subs.UpdateSubscription(ctx, del))

			due, err := b.subs.ListSubscriptions(ctx, subscription.Filter{
				Statuses:      []subscription.Status{subscription.StatusActive},
				ExpiresBefore: now.Add(time.Second),
			})
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, "past", due[0].ID)

			renewable, err := b.subs.ListSubscriptions(ctx, subscription.Filter{
				Statuses:      []subscription.Status{subscription.StatusActive},
				AutoRenew:     subscription.Bool(true),
				ExpiresAfter:  now,
				ExpiresBefore: now.Add(24 * time.Hour),
			})
			require.NoError(t, err)
			require.Len(t, renewable, 1)
			assert.Equal(t, "soon", renewable[0].ID)

			limited, err := b.subs.ListSubscriptions(ctx, subscription.Filter{Limit: 2})
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, "gone", limited[0].ID, "ordered by expiry")

			counts, err := b.subs.CountByStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"active": 3, "expired": 1}, counts)
		})
	}
}

func TestUsageStore_Aggregates(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			seedCatalog(t, ctx, b.subs)
			require.NoError(t, b.subs.CreateSubscription(ctx, &subscription.Subscription{
				ID: "s1", CustomerID: "c1", PackageID: "daily", Username: "alice",
				Status: subscription.StatusActive, StartsAt: start, ExpiresAt: start.Add(24 * time.Hour),
			}))

			agg := &UsageAggregate{
				SubscriptionID: "s1", PeriodStart: start, PeriodEnd: start.Add(24 * time.Hour),
				BytesIn: 10, BytesOut: 20, Sessions: 1, ConnectedSeconds: 60, ComputedAt: start.Add(time.Hour),
			}
			require.NoError(t, b.subs.SaveAggregate(ctx, agg))

			// Recomputing the same period replaces the earlier result.
			agg.BytesIn, agg.Sessions = 110, 2
			require.NoError(t, b.subs.SaveAggregate(ctx, agg))

			got, err := b.subs.ListAggregates(ctx, "s1", start)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, int64(130), got[0].TotalBytes())
			assert.Equal(t, 2, got[0].Sessions)
			assert.True(t, got[0].PeriodEnd.Equal(start.Add(24*time.Hour)))

			none, err := b.subs.ListAggregates(ctx, "s1", start.Add(time.Hour))
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestSQLAudit_StoreAndQuery(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	storage := NewSQLAudit(db)

	now := time.Now().UTC()
	events := []*audit.Event{
		{ID: "e1", Type: audit.EventSubscriptionActivated, Timestamp: now.Add(-2 * time.Minute), SubscriptionID: "s1", Username: "alice"},
		{ID: "e2", Type: audit.EventDisconnectFailure, Timestamp: now.Add(-time.Minute), Username: "alice", SessionID: "u1", ErrorMessage: "timeout"},
		{ID: "e3", Type: audit.EventSubscriptionExpired, Timestamp: now, SubscriptionID: "s2", Username: "bob",
			ExpiresAt: now.Add(-time.Hour), Metadata: map[string]string{"k": "v"}},
	}
	require.NoError(t, storage.StoreBatch(ctx, events))
	// Re-storing an event is a no-op.
	require.NoError(t, storage.Store(ctx, events[0]))

	all, err := storage.Query(ctx, &audit.Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e3", all[0].ID, "newest first")
	assert.Equal(t, "v", all[0].Metadata["k"])

	byUser, err := storage.Query(ctx, &audit.Query{Username: "alice", Ascending: true})
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "e1", byUser[0].ID)

	sessions, err := storage.Query(ctx, &audit.Query{Categories: []string{"session"}})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "timeout", sessions[0].ErrorMessage)

	paged, err := storage.Query(ctx, &audit.Query{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "e2", paged[0].ID)

	deleted, err := storage.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	require.NoError(t, db.Migrate(ctx))

	files, err := MigrationFiles(DialectSQLite)
	require.NoError(t, err)
	pg, err := MigrationFiles(DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, pg, files, "both dialects carry the same migrations")
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: DialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)",
		pg.rebind("SELECT a FROM t WHERE b = ? AND c IN (?, ?)"))

	lite := &DB{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestScanTime(t *testing.T) {
	want := time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)
	for _, src := range []any{
		want,
		formatTime(want),
		[]byte(formatTime(want)),
		"2024-01-01 10:30:00",
		"2024-01-01T10:30:00Z",
	} {
		var st scanTime
		require.NoError(t, st.Scan(src), "%v", src)
		assert.True(t, st.Valid)
		assert.True(t, st.Time.Equal(want), "%v", src)
	}

	var st scanTime
	require.NoError(t, st.Scan(nil))
	assert.False(t, st.Valid)
	assert.Nil(t, st.ptr())
	assert.Error(t, st.Scan(42))
}
