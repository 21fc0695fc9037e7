package usage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/radius"
	"github.com/codelaboratoryltd/radsync/pkg/store"
	"github.com/codelaboratoryltd/radsync/pkg/subscription"
	"github.com/codelaboratoryltd/radsync/pkg/synchronizer"
	"github.com/codelaboratoryltd/radsync/pkg/usage"
)

const mib = 1024 * 1024

var jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
	used  int64
}

func (f *fakeNotifier) QuotaWarning(ctx context.Context, sub *subscription.Subscription, used, limit int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.used = used
	return nil
}

type harness struct {
	now      time.Time
	repo     *store.MemorySubscriptions
	attrs    *store.MemoryAttributes
	acct     *store.MemoryAccounting
	manager  *subscription.Manager
	enforcer *usage.Enforcer
	notifier *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		now:      jan1.Add(12 * time.Hour),
		repo:     store.NewMemorySubscriptions(),
		attrs:    store.NewMemoryAttributes(),
		acct:     store.NewMemoryAccounting(),
		notifier: &fakeNotifier{},
	}
	clock := func() time.Time { return h.now }

	capMB := int64(1024)
	require.NoError(t, h.repo.SavePackage(ctx, &subscription.Package{
		ID: "daily", DurationType: subscription.DurationDay, DurationValue: 1, DataCapMB: &capMB,
	}))
	require.NoError(t, h.repo.SavePackage(ctx, &subscription.Package{
		ID: "unlimited", DurationType: subscription.DurationDay, DurationValue: 1,
	}))
	require.NoError(t, h.repo.SaveCustomer(ctx, &subscription.Customer{ID: "c1", Username: "alice"}))

	syncCfg := synchronizer.DefaultConfig()
	syncCfg.Clock = clock
	syncer := synchronizer.New(syncCfg, h.attrs, h.repo, nil, zap.NewNop())

	h.manager = subscription.NewManager(subscription.Config{Clock: clock}, h.repo, syncer, zap.NewNop())

	cfg := usage.DefaultConfig()
	cfg.Clock = clock
	h.enforcer = usage.NewEnforcer(cfg, h.acct, h.repo, h.repo, h.manager, zap.NewNop())
	h.enforcer.SetNotifier(h.notifier)
	return h
}

func (h *harness) create(t *testing.T, pkg string) *subscription.Subscription {
	t.Helper()
	sub, err := h.manager.Create(context.Background(), subscription.CreateRequest{
		CustomerID: "c1", PackageID: pkg, StartsAt: jan1, Activate: true,
	})
	require.NoError(t, err)
	require.Equal(t, subscription.StatusActive, sub.Status)
	return sub
}

func (h *harness) session(t *testing.T, id string, start time.Time, in, out int64) {
	t.Helper()
	require.NoError(t, h.acct.RecordSession(context.Background(), &store.AccountingSession{
		SessionID: id, UniqueID: id, Username: "alice", NASIPAddress: "10.0.0.1",
		StartTime: start, SessionTime: 600, InputOctets: in, OutputOctets: out,
	}))
}

func TestEnforce_DataCapSuspends(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.create(t, "daily")
	assert.Equal(t, jan1.Add(24*time.Hour), sub.ExpiresAt)

	h.session(t, "s1", jan1.Add(time.Hour), 512*mib, 512*mib)

	res, err := h.enforcer.Enforce(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, usage.QuotaExceeded, res.State)
	assert.True(t, res.Acted)
	assert.Equal(t, int64(1024*mib), res.Used)

	got, err := h.repo.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusSuspended, got.Status)
	assert.Equal(t, "Data limit exceeded", got.StatusReason)

	rows, err := h.attrs.Rows(ctx, radius.ScopeCheck, "alice")
	require.NoError(t, err)
	var rejected bool
	for _, r := range rows {
		if r.Attribute == radius.AttrAuthType && r.Value == radius.AuthTypeReject {
			rejected = true
		}
	}
	assert.True(t, rejected, "reject row written")

	// A second check on the suspended subscription does nothing more.
	res, err = h.enforcer.CheckQuota(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, usage.QuotaExceeded, res.State)
	assert.False(t, res.Acted)
}

func TestEnforce_WarningOncePerWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.create(t, "daily")

	h.session(t, "s1", jan1.Add(time.Hour), 900*mib, 30*mib)

	res, err := h.enforcer.Enforce(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, usage.QuotaWarning, res.State)
	assert.True(t, res.Acted)
	assert.InDelta(t, 90.82, res.Percent(), 0.01)
	assert.Equal(t, 1, h.notifier.calls)

	sub, err = h.repo.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	res, err = h.enforcer.Enforce(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, usage.QuotaWarning, res.State)
	assert.False(t, res.Acted)
	assert.Equal(t, 1, h.notifier.calls, "warning is not repeated")

	got, err := h.repo.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, got.Status)
	assert.True(t, got.QuotaWarned)
}

func TestEnforce_BelowThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.create(t, "daily")
	h.session(t, "s1", jan1.Add(time.Hour), 100*mib, 100*mib)

	res, err := h.enforcer.Enforce(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, usage.QuotaOK, res.State)
	assert.Zero(t, h.notifier.calls)
}

func TestCheckQuota_Unlimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.create(t, "unlimited")
	h.session(t, "s1", jan1.Add(time.Hour), 100000*mib, 0)

	res, err := h.enforcer.Enforce(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, usage.QuotaUnlimited, res.State)
	assert.Zero(t, res.Percent())
}

func TestRecomputeUsage_WindowAndIdempotence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.create(t, "daily")

	h.session(t, "before", jan1.Add(-time.Hour), 50*mib, 0)
	h.session(t, "inside", jan1.Add(2*time.Hour), 10*mib, 5*mib)
	h.session(t, "after", jan1.Add(25*time.Hour), 70*mib, 0)

	first, err := h.enforcer.RecomputeUsage(ctx, sub, usage.SubscriptionPeriod(sub))
	require.NoError(t, err)
	assert.Equal(t, int64(15*mib), first.DataUsed)

	second, err := h.enforcer.RecomputeUsage(ctx, first, usage.SubscriptionPeriod(first))
	require.NoError(t, err)
	assert.Equal(t, first.DataUsed, second.DataUsed)

	aggs, err := h.repo.ListAggregates(ctx, sub.ID, jan1)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, 1, aggs[0].Sessions)
	assert.Equal(t, int64(600), aggs[0].ConnectedSeconds)
}

func TestRecomputeUsage_CalendarDayDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.create(t, "daily")
	h.session(t, "s1", jan1.Add(2*time.Hour), 10*mib, 0)

	_, err := h.enforcer.RecomputeUsage(ctx, sub, usage.SubscriptionPeriod(sub))
	require.NoError(t, err)
	got, err := h.enforcer.RecomputeUsage(ctx, sub, usage.CalendarDay(jan1.Add(3*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, int64(10*mib), got.DataUsed)
}

func TestSumAggregates(t *testing.T) {
	agg := func(start, end time.Duration, bytes int64) store.UsageAggregate {
		return store.UsageAggregate{PeriodStart: jan1.Add(start), PeriodEnd: jan1.Add(end), BytesIn: bytes}
	}
	day := 24 * time.Hour

	assert.Equal(t, int64(30), usage.SumAggregates([]store.UsageAggregate{
		agg(day, 2*day, 20), agg(0, day, 10),
	}))
	assert.Equal(t, int64(100), usage.SumAggregates([]store.UsageAggregate{
		agg(0, day, 10), agg(0, 2*day, 100), agg(day, 2*day, 20),
	}))
	assert.Zero(t, usage.SumAggregates(nil))
}

func TestPeriod(t *testing.T) {
	sub := &subscription.Subscription{
		StartsAt: jan1, UsageResetAt: jan1.Add(time.Hour), ExpiresAt: jan1.Add(48 * time.Hour),
	}

	w := usage.SubscriptionPeriod(sub)
	assert.Equal(t, jan1.Add(time.Hour), w.Start)
	assert.True(t, w.Contains(jan1.Add(47*time.Hour)))
	assert.False(t, w.Contains(jan1.Add(48*time.Hour)))

	day := usage.CalendarDay(time.Date(2024, 1, 2, 15, 4, 5, 0, time.FixedZone("X", 3600)))
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), day.Start)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), day.End)

	first := usage.CalendarDay(jan1).Clamp(sub)
	assert.Equal(t, jan1.Add(time.Hour), first.Start)
	assert.False(t, first.IsEmpty())

	late := usage.CalendarDay(jan1.Add(72 * time.Hour)).Clamp(sub)
	assert.True(t, late.IsEmpty())
}
