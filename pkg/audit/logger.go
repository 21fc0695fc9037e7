package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Logger is the audit trail for lifecycle, access, disconnect and
// notification events.
type Logger struct {
	config Config
	logger *zap.Logger

	mu sync.RWMutex

	storage Storage

	// Buffering for async writes
	eventChan chan *Event
	buffer    []*Event

	retention RetentionPolicy

	stats LoggerStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds audit logger configuration.
type Config struct {
	// InstanceID identifies this radsync instance.
	InstanceID string

	// BufferSize is the event buffer size for async processing.
	BufferSize int

	// FlushInterval is how often to flush buffered events.
	FlushInterval time.Duration

	// DefaultRetentionDays is the default retention period.
	DefaultRetentionDays int

	// RetentionByCategory allows different retention per event category.
	RetentionByCategory map[string]int

	// RetentionByEvent overrides the category for single event types.
	RetentionByEvent map[EventType]int

	// PurgeInterval is how often expired events are deleted. The first
	// purge runs PurgeDelay after Start.
	PurgeInterval time.Duration
	PurgeDelay    time.Duration

	// MinSeverity is the minimum severity to log.
	MinSeverity Severity

	// SyncWrites forces synchronous writes (slower but safer).
	SyncWrites bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:           10000,
		FlushInterval:        5 * time.Second,
		DefaultRetentionDays: 90,
		RetentionByCategory: map[string]int{
			"subscription": 730,
			"radius":       90,
			"usage":        365,
			"session":      365,
			"notification": 90,
			"admin":        730,
			"system":       30,
		},
		// Failed notifications are the only durable record of a lost message.
		RetentionByEvent: map[EventType]int{
			EventNotificationFailed: 365,
		},
		PurgeInterval: 24 * time.Hour,
		PurgeDelay:    time.Minute,
		MinSeverity:   SeverityDebug,
	}
}

// Storage is the interface for audit event persistence.
type Storage interface {
	// Store persists an event.
	Store(ctx context.Context, event *Event) error

	// StoreBatch persists multiple events.
	StoreBatch(ctx context.Context, events []*Event) error

	// Query retrieves events matching criteria.
	Query(ctx context.Context, query *Query) ([]*Event, error)

	// DeleteExpired removes events past their retention.
	DeleteExpired(ctx context.Context) (int64, error)

	// Close releases storage resources.
	Close() error
}

// Query represents a query for audit events.
type Query struct {
	// Time range
	StartTime time.Time
	EndTime   time.Time

	// Filters
	Types          []EventType
	Categories     []string
	SubscriptionID string
	Username       string
	SessionID      string
	MinSeverity    Severity

	// Pagination
	Limit  int
	Offset int

	Ascending bool
}

// LoggerStats holds audit logger statistics.
type LoggerStats struct {
	EventsLogged  int64
	EventsDropped int64
	EventsExpired int64
	BufferSize    int
	StorageErrors int64
}

// NewLogger creates a new audit logger.
func NewLogger(config Config, storage Storage, logger *zap.Logger) *Logger {
	ctx, cancel := context.WithCancel(context.Background())

	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	def := DefaultConfig()
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = def.PurgeInterval
	}
	if config.PurgeDelay <= 0 {
		config.PurgeDelay = def.PurgeDelay
	}

	return &Logger{
		config:    config,
		logger:    logger,
		storage:   storage,
		eventChan: make(chan *Event, config.BufferSize),
		buffer:    make([]*Event, 0, 1000),
		retention: RetentionPolicy{
			DefaultDays: config.DefaultRetentionDays,
			ByCategory:  config.RetentionByCategory,
			ByEvent:     config.RetentionByEvent,
		},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the audit logger.
func (l *Logger) Start() error {
	l.logger.Info("Starting audit logger",
		zap.String("instance_id", l.config.InstanceID),
		zap.Int("buffer_size", l.config.BufferSize),
		zap.Duration("flush_interval", l.config.FlushInterval),
		zap.Bool("sync_writes", l.config.SyncWrites),
	)

	l.LogEvent(&Event{Type: EventSystemStart})

	if !l.config.SyncWrites {
		l.wg.Add(1)
		go l.processEvents()
	}

	l.wg.Add(1)
	go l.flushLoop()

	l.wg.Add(1)
	go l.retentionLoop()

	l.logger.Info("Audit logger started")
	return nil
}

// Stop shuts down the audit logger.
func (l *Logger) Stop() error {
	l.logger.Info("Stopping audit logger")

	l.LogEvent(&Event{Type: EventSystemStop})

	l.cancel()

	close(l.eventChan)
	l.wg.Wait()

	l.flush()

	if l.storage != nil {
		if err := l.storage.Close(); err != nil {
			l.logger.Warn("Error closing storage", zap.Error(err))
		}
	}

	l.logger.Info("Audit logger stopped")
	return nil
}

// LogEvent logs a single audit event.
func (l *Logger) LogEvent(event *Event) {
	l.prepareEvent(event)

	if event.Type.GetSeverity() < l.config.MinSeverity {
		return
	}

	if l.config.SyncWrites {
		l.store(event)
		return
	}

	// Stop closes the channel; late events after shutdown are stored directly.
	if l.ctx.Err() != nil {
		l.store(event)
		return
	}

	select {
	case l.eventChan <- event:
	default:
		l.mu.Lock()
		l.stats.EventsDropped++
		l.mu.Unlock()
		l.logger.Warn("Audit event dropped - buffer full",
			zap.String("type", string(event.Type)),
		)
	}
}

// LogTransition records a subscription status change.
func (l *Logger) LogTransition(eventType EventType, subscriptionID, username, from, to, reason string) {
	l.LogEvent(&Event{
		Type:           eventType,
		SubscriptionID: subscriptionID,
		Username:       username,
		FromStatus:     from,
		ToStatus:       to,
		Reason:         reason,
	})
}

// LogDisconnect records the outcome of a forced disconnect.
func (l *Logger) LogDisconnect(username, sessionID, nas, channel string, attempts int, err error) {
	event := &Event{
		Type:       EventDisconnectSuccess,
		Username:   username,
		SessionID:  sessionID,
		NASAddress: nas,
		Channel:    channel,
		Attempts:   attempts,
	}
	if err != nil {
		event.Type = EventDisconnectFailure
		event.ErrorMessage = err.Error()
	}
	l.LogEvent(event)
}

// prepareEvent fills in default fields.
func (l *Logger) prepareEvent(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.InstanceID == "" {
		event.InstanceID = l.config.InstanceID
	}

	l.retention.Stamp(event)
}

func (l *Logger) store(event *Event) {
	if l.storage != nil {
		if err := l.storage.Store(context.Background(), event); err != nil {
			l.mu.Lock()
			l.stats.StorageErrors++
			l.mu.Unlock()
			l.logger.Error("Failed to store audit event",
				zap.Error(err),
				zap.String("event_id", event.ID),
			)
			return
		}
	}

	l.mu.Lock()
	l.stats.EventsLogged++
	l.mu.Unlock()
}

// processEvents processes events from the channel.
func (l *Logger) processEvents() {
	defer l.wg.Done()

	for event := range l.eventChan {
		l.mu.Lock()
		l.buffer = append(l.buffer, event)
		bufLen := len(l.buffer)
		l.mu.Unlock()

		if bufLen >= cap(l.buffer)*80/100 {
			l.flush()
		}
	}
}

// flushLoop periodically flushes the buffer.
func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

// flush writes buffered events to storage.
func (l *Logger) flush() {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}

	events := l.buffer
	l.buffer = make([]*Event, 0, 1000)
	l.mu.Unlock()

	if l.storage != nil {
		if err := l.storage.StoreBatch(context.Background(), events); err != nil {
			l.mu.Lock()
			l.stats.StorageErrors++
			l.mu.Unlock()
			l.logger.Error("Failed to store audit batch",
				zap.Error(err),
				zap.Int("count", len(events)),
			)
			return
		}
	}

	l.mu.Lock()
	l.stats.EventsLogged += int64(len(events))
	l.mu.Unlock()
}

// retentionLoop purges expired events once after PurgeDelay and then on
// every PurgeInterval.
func (l *Logger) retentionLoop() {
	defer l.wg.Done()

	timer := time.NewTimer(l.config.PurgeDelay)
	defer timer.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-timer.C:
			if _, err := l.Purge(l.ctx); err != nil {
				l.logger.Error("Failed to purge expired audit events", zap.Error(err))
			}
			timer.Reset(l.config.PurgeInterval)
		}
	}
}

// Purge deletes events whose retention has passed and returns how many
// were removed.
func (l *Logger) Purge(ctx context.Context) (int64, error) {
	if l.storage == nil {
		return 0, nil
	}
	deleted, err := l.storage.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		l.mu.Lock()
		l.stats.EventsExpired += deleted
		l.mu.Unlock()
		l.logger.Info("Purged expired audit events", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// Query searches for audit events.
func (l *Logger) Query(ctx context.Context, query *Query) ([]*Event, error) {
	if l.storage == nil {
		return nil, fmt.Errorf("no storage configured")
	}
	return l.storage.Query(ctx, query)
}

// Stats returns logger statistics.
func (l *Logger) Stats() LoggerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := l.stats
	stats.BufferSize = len(l.buffer)
	return stats
}

// FormatJSON formats an event as JSON.
func FormatJSON(event *Event) ([]byte, error) {
	return json.Marshal(event)
}

// FormatLine formats an event as a single key=value line.
func FormatLine(event *Event) string {
	msg := fmt.Sprintf("[%s] instance=%s type=%s",
		event.Timestamp.Format(time.RFC3339),
		event.InstanceID,
		event.Type,
	)

	if event.SubscriptionID != "" {
		msg += fmt.Sprintf(" subscription=%s", event.SubscriptionID)
	}
	if event.Username != "" {
		msg += fmt.Sprintf(" username=%s", event.Username)
	}
	if event.FromStatus != "" || event.ToStatus != "" {
		msg += fmt.Sprintf(" from=%s to=%s", event.FromStatus, event.ToStatus)
	}
	if event.SessionID != "" {
		msg += fmt.Sprintf(" session=%s", event.SessionID)
	}
	if event.Channel != "" {
		msg += fmt.Sprintf(" channel=%s", event.Channel)
	}
	if event.Reason != "" {
		msg += fmt.Sprintf(" reason=%q", event.Reason)
	}
	if event.ErrorMessage != "" {
		msg += fmt.Sprintf(" error=%q", event.ErrorMessage)
	}

	return msg
}
