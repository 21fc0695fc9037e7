package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/audit"
	"github.com/codelaboratoryltd/radsync/pkg/disconnect"
	"github.com/codelaboratoryltd/radsync/pkg/metrics"
	"github.com/codelaboratoryltd/radsync/pkg/notify"
	"github.com/codelaboratoryltd/radsync/pkg/radius"
	"github.com/codelaboratoryltd/radsync/pkg/scheduler"
	"github.com/codelaboratoryltd/radsync/pkg/store"
	"github.com/codelaboratoryltd/radsync/pkg/subscription"
	"github.com/codelaboratoryltd/radsync/pkg/synchronizer"
	"github.com/codelaboratoryltd/radsync/pkg/usage"
)

// repository is what the SQL and in-memory subscription stores provide.
type repository interface {
	store.SubscriptionStore
	store.UsageStore
}

// app holds the wired components.
type app struct {
	logger *zap.Logger

	db         *store.DB
	repo       repository
	attrs      store.AttributeStore
	accounting store.AccountingStore
	redis      redis.UniversalClient

	audit        *audit.Logger
	metrics      *metrics.Metrics
	dispatcher   *disconnect.Dispatcher
	synchronizer *synchronizer.Synchronizer
	manager      *subscription.Manager
	enforcer     *usage.Enforcer
	engine       *notify.Engine
	notifier     *notify.Notifier
	scheduler    *scheduler.Scheduler
}

// buildApp opens the stores and wires every component. withNotify adds
// the notification channels; commands that never notify skip them.
func buildApp(ctx context.Context, logger *zap.Logger, withNotify bool) (*app, error) {
	a := &app{logger: logger}
	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	var auditStorage audit.Storage = audit.NewMemoryStorage()
	if a.db != nil {
		auditStorage = store.NewSQLAudit(a.db)
	}
	auditCfg := audit.DefaultConfig()
	auditCfg.InstanceID, _ = os.Hostname()
	if auditRetention > 0 {
		auditCfg.DefaultRetentionDays = auditRetention
	}
	a.audit = audit.NewLogger(auditCfg, auditStorage, logger.Named("audit"))
	if err := a.audit.Start(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to start audit logger: %w", err)
	}

	a.metrics = metrics.New(a.repo, a.accounting, logger.Named("metrics"))

	channels, err := disconnectChannels(logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	dcfg := disconnect.DefaultConfig()
	dcfg.BatchThreshold = disconnectBatch
	a.dispatcher = disconnect.NewDispatcher(dcfg, a.accounting, logger.Named("disconnect"), channels...)
	a.dispatcher.SetAuditor(a.audit)
	a.dispatcher.SetMetrics(a.metrics)

	a.synchronizer = synchronizer.New(synchronizer.DefaultConfig(), a.attrs, a.repo, a.dispatcher, logger.Named("synchronizer"))
	a.synchronizer.SetAuditor(a.audit)
	a.synchronizer.SetMetrics(a.metrics)

	a.manager = subscription.NewManager(subscription.DefaultConfig(), a.repo, a.synchronizer, logger.Named("lifecycle"))
	a.manager.SetAuditor(a.audit)
	a.manager.SetMetrics(a.metrics)

	a.enforcer = usage.NewEnforcer(usage.DefaultConfig(), a.accounting, a.repo, a.repo, a.manager, logger.Named("usage"))
	a.enforcer.SetAuditor(a.audit)
	a.enforcer.SetMetrics(a.metrics)

	if withNotify {
		if err := a.buildNotifier(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	scfg := scheduler.DefaultConfig()
	scfg.Interval = sweepInterval
	scfg.RenewLookahead = renewLookahead
	scfg.DisableUsage = disableUsage

	var expiryNotifier scheduler.ExpiryNotifier
	if a.notifier != nil {
		expiryNotifier = a.notifier
	}
	a.scheduler = scheduler.New(scfg, a.manager, a.repo, expiryNotifier, a.enforcer, logger.Named("scheduler"))
	a.scheduler.SetMetrics(a.metrics)
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	if dbDialect == "memory" {
		subs := store.NewMemorySubscriptions()
		a.repo = subs
		a.attrs = store.NewMemoryAttributes()
		a.accounting = store.NewMemoryAccounting()
		a.logger.Warn("Using in-memory stores; state is lost on exit")
		return nil
	}

	dsn := dbDSN
	if dbDSNFile != "" {
		data, err := os.ReadFile(dbDSNFile)
		if err != nil {
			return fmt.Errorf("failed to read --db-dsn-file: %w", err)
		}
		dsn = strings.TrimSpace(string(data))
	}

	cfg := store.DefaultConfig()
	cfg.Dialect = store.Dialect(dbDialect)
	cfg.DSN = dsn
	db, err := store.Open(ctx, cfg, a.logger.Named("store"))
	if err != nil {
		return err
	}
	a.db = db
	a.repo = store.NewSQLSubscriptions(db)
	a.attrs = store.NewSQLAttributes(db)
	a.accounting = store.NewSQLAccounting(db)
	return nil
}

func disconnectChannels(logger *zap.Logger) ([]disconnect.Channel, error) {
	var channels []disconnect.Channel

	secret := resolveSecret(coaSecret, coaSecretFile, "coa-secret", "coa-secret-file", logger)
	if secret != "" {
		client, err := radius.NewDisconnectClient(radius.DisconnectClientConfig{
			Secret: secret,
			Port:   coaPort,
		}, logger.Named("coa"))
		if err != nil {
			return nil, fmt.Errorf("failed to create CoA client: %w", err)
		}
		channels = append(channels, disconnect.NewCoAChannel(client))

		if radclientPath != "" {
			channels = append(channels, disconnect.NewRadclientChannel(disconnect.RadclientConfig{
				Path:   radclientPath,
				Secret: secret,
				Port:   coaPort,
			}))
		}
	}

	if routerUser != "" {
		channels = append(channels, disconnect.NewRouterAPIChannel(disconnect.RouterAPIConfig{
			Port:               routerPort,
			Username:           routerUser,
			Password:           resolveSecret(routerPass, routerPassFile, "router-api-password", "router-api-password-file", logger),
			InsecureSkipVerify: routerInsecure,
		}))
	}

	if snmpOIDPrefix != "" {
		ch, err := disconnect.NewSNMPChannel(disconnect.SNMPConfig{
			Community: snmpCommunity,
			OIDPrefix: snmpOIDPrefix,
		})
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	if len(channels) == 0 {
		logger.Warn("No disconnect channel configured; revoked users keep their live sessions")
	}
	return channels, nil
}

func (a *app) buildNotifier(ctx context.Context) error {
	var channels []notify.Channel

	if smsURL != "" {
		channels = append(channels, notify.NewSMSChannel(notify.SMSConfig{
			URL:    smsURL,
			Token:  resolveSecret(smsToken, smsTokenFile, "sms-token", "sms-token-file", a.logger),
			Sender: smsSender,
		}))
	}
	if smtpHost != "" {
		channels = append(channels, notify.NewEmailChannel(notify.EmailConfig{
			Host:        smtpHost,
			Port:        smtpPort,
			Username:    smtpUser,
			Password:    resolveSecret(smtpPass, smtpPassFile, "smtp-password", "smtp-password-file", a.logger),
			FromAddress: smtpFrom,
			FromName:    smtpFromName,
		}))
	}
	if token := resolveSecret(telegramToken, telegramTokFile, "telegram-token", "telegram-token-file", a.logger); token != "" {
		tg, err := notify.NewTelegramChannel(token)
		if err != nil {
			a.logger.Warn("Telegram channel unavailable", zap.Error(err))
		} else {
			channels = append(channels, tg)
		}
	}

	cfg := notify.DefaultConfig()
	cfg.Fallback = notify.ChannelKind(notifyFallback)
	for _, d := range splitAndTrim(notifyDisabled) {
		cfg.Disabled = append(cfg.Disabled, notify.ChannelKind(d))
	}
	cfg.RateLimit = notify.RateLimitConfig{PerMinute: ratePerMinute, PerHour: ratePerHour}

	var limiter notify.RateLimiter
	if redisAddr != "" {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    splitAndTrim(redisAddr),
			Password: redisPassword,
			DB:       redisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.logger.Warn("Redis unreachable; rate limiting fails open until it returns", zap.Error(err))
		}
		limiter = notify.NewRedisRateLimiter(a.redis, cfg.RateLimit)
	}

	engine, err := notify.NewEngine(cfg, limiter, a.logger.Named("notify"), channels...)
	if err != nil {
		return fmt.Errorf("failed to create notification engine: %w", err)
	}
	engine.SetAuditor(a.audit)
	engine.SetMetrics(a.metrics)
	a.engine = engine

	a.notifier = notify.NewNotifier(engine, a.repo, 2*time.Minute, a.logger.Named("notify"))
	a.manager.OnEvent(a.notifier.HandleEvent)
	a.enforcer.SetNotifier(a.notifier)

	a.logger.Info("Notification channels configured", zap.Int("channels", len(channels)))
	return nil
}

type healthStatus struct {
	Status   string            `json:"status"`
	Database string            `json:"database,omitempty"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

func (a *app) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{Status: "ok", Breakers: a.dispatcher.BreakerStates()}
	code := http.StatusOK

	if a.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.db.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Database = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status.Database = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// Close releases the stores and flushes the audit trail.
func (a *app) Close() {
	if a.notifier != nil {
		a.notifier.Wait()
	}
	if a.audit != nil {
		if err := a.audit.Stop(); err != nil {
			a.logger.Warn("Failed to stop audit logger", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}
