package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

type fakeStatuses map[string]int

func (f fakeStatuses) CountByStatus(ctx context.Context) (map[string]int, error) {
	return f, nil
}

type fakeSessions struct {
	n   int
	err error
}

func (f fakeSessions) CountActiveSessions(ctx context.Context) (int, error) {
	return f.n, f.err
}

func TestNew(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, logger)

	if m == nil {
		t.Fatal("Expected non-nil Metrics")
	}
	if m.transitionsTotal == nil {
		t.Error("transitionsTotal not initialized")
	}
	if m.disconnectAttempts == nil {
		t.Error("disconnectAttempts not initialized")
	}
	if m.notifications == nil {
		t.Error("notifications not initialized")
	}
}

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	oldDefault := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = oldDefault }()

	logger, _ := zap.NewDevelopment()
	m := New(nil, nil, logger)

	if err := m.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Register again should not fail (already registered is ignored)
	if err := m.Register(); err != nil {
		t.Fatalf("Register() second call error = %v", err)
	}
}

func TestHandler(t *testing.T) {
	m := New(nil, nil, zap.NewNop())
	if m.Handler() == nil {
		t.Error("Expected non-nil handler")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTransition("active", "expired")
	m.RecordSweep("expiry", 3, 1, time.Second)
	m.RecordAttributeOp("provision", nil)
	m.RecordQuotaEvent("warning")
	m.RecordDisconnectAttempt("coa", true, time.Millisecond)
	m.RecordNotification("sms", "delivered")
}

func TestRecordTransition(t *testing.T) {
	m := New(nil, nil, zap.NewNop())
	m.RecordTransition("active", "suspended")
	m.RecordTransition("active", "suspended")

	if got := testutil.ToFloat64(m.transitionsTotal.WithLabelValues("active", "suspended")); got != 2 {
		t.Errorf("transitions = %v, want 2", got)
	}
}

func TestRecordSweep(t *testing.T) {
	m := New(nil, nil, zap.NewNop())
	m.RecordSweep("expiry", 5, 2, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.sweepItems.WithLabelValues("expiry", "ok")); got != 3 {
		t.Errorf("ok items = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.sweepItems.WithLabelValues("expiry", "failed")); got != 2 {
		t.Errorf("failed items = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.sweepRuns.WithLabelValues("expiry")); got != 1 {
		t.Errorf("runs = %v, want 1", got)
	}
}

func TestRecordAttributeOp(t *testing.T) {
	m := New(nil, nil, zap.NewNop())
	m.RecordAttributeOp("provision", nil)
	m.RecordAttributeOp("provision", errors.New("db down"))

	if got := testutil.ToFloat64(m.attributeOps.WithLabelValues("provision", "error")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestRecordDisconnectAttempt(t *testing.T) {
	m := New(nil, nil, zap.NewNop())
	m.RecordDisconnectAttempt("coa", false, time.Millisecond)
	m.RecordDisconnectAttempt("router_api", true, time.Millisecond)

	if got := testutil.ToFloat64(m.disconnectAttempts.WithLabelValues("coa", "failure")); got != 1 {
		t.Errorf("coa failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.disconnectAttempts.WithLabelValues("router_api", "success")); got != 1 {
		t.Errorf("router_api successes = %v, want 1", got)
	}
}

func TestCollect(t *testing.T) {
	m := New(fakeStatuses{"active": 4, "expired": 2}, fakeSessions{n: 7}, zap.NewNop())
	m.Collect(context.Background())

	if got := testutil.ToFloat64(m.subscriptions.WithLabelValues("active")); got != 4 {
		t.Errorf("active = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.activeSessions); got != 7 {
		t.Errorf("sessions = %v, want 7", got)
	}
}

func TestCollect_SourceError(t *testing.T) {
	m := New(nil, fakeSessions{err: errors.New("boom")}, zap.NewNop())
	m.Collect(context.Background())

	if got := testutil.ToFloat64(m.activeSessions); got != 0 {
		t.Errorf("sessions = %v, want 0", got)
	}
}

func TestStartCollector(t *testing.T) {
	m := New(fakeStatuses{"pending": 1}, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.StartCollector(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}

	if got := testutil.ToFloat64(m.subscriptions.WithLabelValues("pending")); got != 1 {
		t.Errorf("pending = %v, want 1", got)
	}
}
