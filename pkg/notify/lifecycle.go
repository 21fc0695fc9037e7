package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/subscription"
)

// Directory resolves the customer and package of a subscription.
type Directory interface {
	GetCustomer(ctx context.Context, id string) (*subscription.Customer, error)
	GetPackage(ctx context.Context, id string) (*subscription.Package, error)
}

// Notifier turns subscription events into customer notices.
type Notifier struct {
	engine  *Engine
	dir     Directory
	logger  *zap.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

// NewNotifier creates a notifier. timeout bounds each asynchronous notice.
func NewNotifier(engine *Engine, dir Directory, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Notifier{engine: engine, dir: dir, timeout: timeout, logger: logger}
}

// ExpiryWarning sends the upcoming-expiry notice.
func (n *Notifier) ExpiryWarning(ctx context.Context, sub *subscription.Subscription) (DeliveryResult, error) {
	return n.send(ctx, EventExpiryWarning, sub, nil)
}

// QuotaWarning sends the data usage warning.
func (n *Notifier) QuotaWarning(ctx context.Context, sub *subscription.Subscription, used, limit int64) error {
	percent := int64(0)
	if limit > 0 {
		percent = used * 100 / limit
	}
	res, err := n.send(ctx, EventQuotaWarning, sub, map[string]any{
		"Used":    FormatBytes(used),
		"Limit":   FormatBytes(limit),
		"Percent": percent,
	})
	if err != nil {
		return err
	}
	if !res.Delivered() {
		return fmt.Errorf("quota warning for %s: %s", sub.ID, res.Outcome)
	}
	return nil
}

// HandleEvent is a subscription.EventHandler. Notices are sent in the
// background so transitions never wait on delivery.
func (n *Notifier) HandleEvent(ev *subscription.Event) {
	var notice EventType
	switch ev.Type {
	case subscription.EventExpired:
		notice = EventExpired
	case subscription.EventSuspended:
		notice = EventSuspended
	case subscription.EventActivated, subscription.EventUnblocked:
		notice = EventActivated
	case subscription.EventRenewed:
		notice = EventRenewed
	default:
		return
	}
	sub := ev.Subscription
	if ev.Successor != nil {
		sub = ev.Successor
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if _, err := n.send(ctx, notice, sub, map[string]any{"Reason": ev.Reason}); err != nil {
			n.logger.Warn("Failed to prepare notification",
				zap.String("subscription_id", sub.ID),
				zap.String("event", string(notice)),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until background notices are done.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) send(ctx context.Context, ev EventType, sub *subscription.Subscription, extra map[string]any) (DeliveryResult, error) {
	customer, err := n.dir.GetCustomer(ctx, sub.CustomerID)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to load customer %s: %w", sub.CustomerID, err)
	}
	pkgName := sub.PackageID
	if pkg, err := n.dir.GetPackage(ctx, sub.PackageID); err == nil && pkg.Name != "" {
		pkgName = pkg.Name
	}

	data := map[string]any{
		"Package":   pkgName,
		"ExpiresAt": sub.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"),
		"Username":  sub.Username,
	}
	for k, v := range extra {
		data[k] = v
	}
	return n.engine.Send(ctx, ev, RecipientFor(customer), data), nil
}

// RecipientFor builds a recipient from a customer.
func RecipientFor(c *subscription.Customer) Recipient {
	return Recipient{
		CustomerID: c.ID,
		Name:       c.Name,
		Phone:      c.Phone,
		Email:      c.Email,
		ChatID:     c.TelegramChatID,
	}
}

// FormatBytes renders a byte count with binary units.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit && exp < 4; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTP"[exp])
}
