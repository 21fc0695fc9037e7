package disconnect_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/disconnect"
	"github.com/codelaboratoryltd/radsync/pkg/retry"
	"github.com/codelaboratoryltd/radsync/pkg/store"
)

func TestDisconnect(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Disconnect Dispatcher Suite")
}

// fakeChannel fails the first failures calls (all of them when failures < 0).
type fakeChannel struct {
	name     string
	failures int
	block    bool

	mu      sync.Mutex
	calls   int
	targets []disconnect.Target
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Disconnect(ctx context.Context, target disconnect.Target, reason string) error {
	f.mu.Lock()
	f.calls++
	f.targets = append(f.targets, target)
	n := f.calls
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.failures < 0 || n <= f.failures {
		return errors.New(f.name + " unreachable")
	}
	return nil
}

func (f *fakeChannel) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type disconnectRecord struct {
	username string
	channel  string
	attempts int
	err      error
}

type fakeAuditor struct {
	mu      sync.Mutex
	records []disconnectRecord
}

func (f *fakeAuditor) LogDisconnect(username, sessionID, nas, channel string, attempts int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, disconnectRecord{username, channel, attempts, err})
}

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func testConfig() disconnect.Config {
	cfg := disconnect.DefaultConfig()
	cfg.Clock = func() time.Time { return now }
	cfg.Retry = retry.Policy{MaxAttempts: 2, Backoff: retry.BackoffConstant, Timeout: time.Second}
	cfg.BatchDelay = 0
	return cfg
}

func openSession(acct *store.MemoryAccounting, id, username string) store.AccountingSession {
	s := store.AccountingSession{
		SessionID:    "sess-" + id,
		UniqueID:     id,
		Username:     username,
		NASIPAddress: "10.0.0.1",
		StartTime:    now.Add(-time.Hour),
	}
	Expect(acct.RecordSession(context.Background(), &s)).To(Succeed())
	return s
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx     context.Context
		acct    *store.MemoryAccounting
		auditor *fakeAuditor
	)

	BeforeEach(func() {
		ctx = context.Background()
		acct = store.NewMemoryAccounting()
		auditor = &fakeAuditor{}
	})

	newDispatcher := func(cfg disconnect.Config, channels ...disconnect.Channel) *disconnect.Dispatcher {
		d := disconnect.NewDispatcher(cfg, acct, zap.NewNop(), channels...)
		d.SetAuditor(auditor)
		return d
	}

	Context("channel order", func() {
		It("stops at the first channel that succeeds", func() {
			coa := &fakeChannel{name: "coa"}
			api := &fakeChannel{name: "router_api"}
			d := newDispatcher(testConfig(), coa, api)
			s := openSession(acct, "u1", "alice")

			res := d.DisconnectSession(ctx, s, "Admin-Reset")

			Expect(res.Success).To(BeTrue())
			Expect(res.Channel).To(Equal("coa"))
			Expect(res.Attempts).To(HaveLen(1))
			Expect(api.Calls()).To(Equal(0))
			Expect(d.Channels()).To(Equal([]string{"coa", "router_api"}))
		})

		It("falls back after the preferred channel exhausts its retries", func() {
			coa := &fakeChannel{name: "coa", failures: -1}
			api := &fakeChannel{name: "router_api"}
			d := newDispatcher(testConfig(), coa, api)
			s := openSession(acct, "u1", "alice")

			res := d.DisconnectSession(ctx, s, "Admin-Reset")

			Expect(res.Success).To(BeTrue())
			Expect(res.Channel).To(Equal("router_api"))
			Expect(res.Attempts).To(HaveLen(2))
			Expect(res.Attempts[0].Success).To(BeFalse())
			Expect(res.Attempts[0].Tries).To(Equal(2))
			Expect(res.Attempts[0].Detail).To(ContainSubstring("coa unreachable"))
			Expect(coa.Calls()).To(Equal(2))
		})

		It("retries a flaky channel before moving on", func() {
			coa := &fakeChannel{name: "coa", failures: 1}
			api := &fakeChannel{name: "router_api"}
			d := newDispatcher(testConfig(), coa, api)

			res := d.DisconnectSession(ctx, openSession(acct, "u1", "alice"), "Admin-Reset")

			Expect(res.Channel).To(Equal("coa"))
			Expect(res.Attempts[0].Tries).To(Equal(2))
			Expect(api.Calls()).To(Equal(0))
		})

		It("reports failure when every channel fails", func() {
			d := newDispatcher(testConfig(),
				&fakeChannel{name: "coa", failures: -1},
				&fakeChannel{name: "snmp", failures: -1})
			s := openSession(acct, "u1", "alice")

			res := d.DisconnectSession(ctx, s, "Admin-Reset")

			Expect(res.Success).To(BeFalse())
			Expect(res.Attempts).To(HaveLen(2))
			Expect(res.RowClosed).To(BeFalse())

			active, err := acct.ActiveSessions(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(HaveLen(1))

			Expect(auditor.records).To(HaveLen(1))
			Expect(auditor.records[0].err).To(HaveOccurred())
			Expect(auditor.records[0].attempts).To(Equal(4))
		})

		It("fails without channels", func() {
			d := newDispatcher(testConfig())
			res := d.DisconnectSession(ctx, openSession(acct, "u1", "alice"), "Admin-Reset")
			Expect(res.Success).To(BeFalse())
			Expect(res.Attempts[0].Detail).To(Equal(disconnect.ErrNoChannels.Error()))
		})
	})

	Context("timeouts", func() {
		It("turns a stuck channel into a failed attempt", func() {
			cfg := testConfig()
			cfg.Retry = retry.Policy{MaxAttempts: 1, Timeout: 50 * time.Millisecond}
			stuck := &fakeChannel{name: "coa", block: true}
			api := &fakeChannel{name: "router_api"}
			d := newDispatcher(cfg, stuck, api)

			start := time.Now()
			res := d.DisconnectSession(ctx, openSession(acct, "u1", "alice"), "Admin-Reset")

			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
			Expect(res.Success).To(BeTrue())
			Expect(res.Channel).To(Equal("router_api"))
			Expect(res.Attempts[0].Success).To(BeFalse())
		})
	})

	Context("circuit breaker", func() {
		It("skips a channel whose breaker is open", func() {
			cfg := testConfig()
			cfg.Retry = retry.Policy{MaxAttempts: 1, Timeout: time.Second}
			cfg.Breaker = disconnect.BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute, MaxRequests: 1}
			coa := &fakeChannel{name: "coa", failures: -1}
			api := &fakeChannel{name: "router_api"}
			d := newDispatcher(cfg, coa, api)

			for _, id := range []string{"u1", "u2", "u3"} {
				res := d.DisconnectSession(ctx, openSession(acct, id, "alice"), "Admin-Reset")
				Expect(res.Success).To(BeTrue())
			}

			Expect(coa.Calls()).To(Equal(2))
			Expect(d.BreakerStates()["coa"]).To(Equal("open"))
			Expect(d.BreakerStates()["router_api"]).To(Equal("closed"))
		})
	})

	Context("accounting", func() {
		It("closes the accounting row with the reason", func() {
			d := newDispatcher(testConfig(), &fakeChannel{name: "coa"})
			s := openSession(acct, "u1", "alice")

			res := d.DisconnectSession(ctx, s, "Session-Timeout")
			Expect(res.RowClosed).To(BeTrue())

			rows, err := acct.SessionsStartedBetween(ctx, "alice", now.Add(-2*time.Hour), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].StopTime).NotTo(BeNil())
			Expect(*rows[0].StopTime).To(Equal(now))
			Expect(rows[0].TerminateCause).To(Equal("Session-Timeout"))
			Expect(rows[0].SessionTime).To(Equal(int64(3600)))
		})

		It("resolves the accounting row from session ID and NAS", func() {
			coa := &fakeChannel{name: "coa"}
			d := newDispatcher(testConfig(), coa)
			openSession(acct, "u1", "alice")

			res := d.Disconnect(ctx, "sess-u1", "10.0.0.1", "alice", "Admin-Reset")

			Expect(res.Success).To(BeTrue())
			Expect(res.RowClosed).To(BeTrue())
			Expect(coa.targets[0].UniqueID).To(Equal("u1"))
		})

		It("tolerates a row the NAS already stopped", func() {
			d := newDispatcher(testConfig(), &fakeChannel{name: "coa"})
			s := openSession(acct, "u1", "alice")
			Expect(acct.CloseSession(ctx, "u1", now, "User-Request")).To(Succeed())

			res := d.DisconnectSession(ctx, s, "Admin-Reset")
			Expect(res.Success).To(BeTrue())
			Expect(res.RowClosed).To(BeFalse())
		})
	})

	Context("batches", func() {
		It("counts outcomes and success rate", func() {
			coa := &fakeChannel{name: "coa", failures: 2}
			cfg := testConfig()
			cfg.Retry = retry.Policy{MaxAttempts: 1, Timeout: time.Second}
			d := newDispatcher(cfg, coa)

			sessions := []store.AccountingSession{
				openSession(acct, "u1", "alice"),
				openSession(acct, "u2", "bob"),
				openSession(acct, "u3", "carol"),
				openSession(acct, "u4", "dave"),
			}
			batch := d.DisconnectAll(ctx, sessions, "Admin-Reset")

			Expect(batch.Total).To(Equal(4))
			Expect(batch.Succeeded).To(Equal(2))
			Expect(batch.Failed).To(Equal(2))
			Expect(batch.SuccessRate()).To(BeNumerically("==", 50))
		})

		It("paces batches above the threshold", func() {
			cfg := testConfig()
			cfg.BatchThreshold = 2
			cfg.BatchDelay = 20 * time.Millisecond
			d := newDispatcher(cfg, &fakeChannel{name: "coa"})

			sessions := []store.AccountingSession{
				openSession(acct, "u1", "alice"),
				openSession(acct, "u2", "alice"),
				openSession(acct, "u3", "alice"),
			}
			start := time.Now()
			batch := d.DisconnectAll(ctx, sessions, "Admin-Reset")

			Expect(batch.Succeeded).To(Equal(3))
			Expect(time.Since(start)).To(BeNumerically(">=", 40*time.Millisecond))
		})

		It("reports an empty batch as fully successful", func() {
			d := newDispatcher(testConfig(), &fakeChannel{name: "coa"})
			Expect(d.DisconnectAll(ctx, nil, "Admin-Reset").SuccessRate()).To(BeNumerically("==", 100))
		})
	})

	Context("TerminateUser", func() {
		It("drops every active session of the username only", func() {
			d := newDispatcher(testConfig(), &fakeChannel{name: "coa"})
			openSession(acct, "u1", "alice")
			openSession(acct, "u2", "alice")
			openSession(acct, "u3", "bob")

			Expect(d.TerminateUser(ctx, "alice", "Admin-Reset")).To(Succeed())

			alice, _ := acct.ActiveSessions(ctx, "alice")
			bob, _ := acct.ActiveSessions(ctx, "bob")
			Expect(alice).To(BeEmpty())
			Expect(bob).To(HaveLen(1))
		})

		It("is a no-op without sessions", func() {
			coa := &fakeChannel{name: "coa"}
			d := newDispatcher(testConfig(), coa)
			Expect(d.TerminateUser(ctx, "nobody", "Admin-Reset")).To(Succeed())
			Expect(coa.Calls()).To(Equal(0))
		})

		It("returns an error when a session survives", func() {
			d := newDispatcher(testConfig(), &fakeChannel{name: "coa", failures: -1})
			openSession(acct, "u1", "alice")

			err := d.TerminateUser(ctx, "alice", "Admin-Reset")
			Expect(err).To(MatchError(ContainSubstring("1 of 1 sessions")))
		})
	})
})
