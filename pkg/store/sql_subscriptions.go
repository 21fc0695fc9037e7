package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codelaboratoryltd/radsync/pkg/subscription"
)

// SQLSubscriptions stores subscriptions, packages, customers and usage
// aggregates.
type SQLSubscriptions struct {
	db *DB
}

// NewSQLSubscriptions creates a subscription store on db.
func NewSQLSubscriptions(db *DB) *SQLSubscriptions {
	return &SQLSubscriptions{db: db}
}

const subscriptionColumns = `id, customer_id, package_id, renewal_package_id, username, status,
	starts_at, expires_at, data_used, usage_reset_at, auto_renew, is_trial,
	expiry_notified, expiry_notified_at, quota_warned, quota_warned_at,
	renewed_to_id, status_reason, notes, created_at, updated_at, deleted_at`

// GetSubscription returns a subscription by ID, including soft-deleted ones.
func (s *SQLSubscriptions) GetSubscription(ctx context.Context, id string) (*subscription.Subscription, error) {
	row := s.db.queryRow(ctx, s.db.db, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription %s: %w", id, err)
	}
	return sub, nil
}

// CreateSubscription inserts a new subscription.
func (s *SQLSubscriptions) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	notes, err := json.Marshal(nonNilNotes(sub.Notes))
	if err != nil {
		return err
	}
	_, err = s.db.exec(ctx, s.db.db, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.CustomerID, sub.PackageID, sub.RenewalPackageID, sub.Username, string(sub.Status),
		formatTime(sub.StartsAt), formatTime(sub.ExpiresAt), sub.DataUsed, zeroNullTime(sub.UsageResetAt),
		sub.AutoRenew, sub.IsTrial,
		sub.ExpiryNotified, nullTime(sub.ExpiryNotifiedAt), sub.QuotaWarned, nullTime(sub.QuotaWarnedAt),
		sub.RenewedToID, sub.StatusReason, string(notes),
		zeroNullTime(sub.CreatedAt), zeroNullTime(sub.UpdatedAt), nullTime(sub.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert subscription %s: %w", sub.ID, err)
	}
	return nil
}

// UpdateSubscription replaces an existing subscription.
func (s *SQLSubscriptions) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	notes, err := json.Marshal(nonNilNotes(sub.Notes))
	if err != nil {
		return err
	}
	res, err := s.db.exec(ctx, s.db.db, `
		UPDATE subscriptions SET
			customer_id = ?, package_id = ?, renewal_package_id = ?, username = ?, status = ?,
			starts_at = ?, expires_at = ?, data_used = ?, usage_reset_at = ?, auto_renew = ?, is_trial = ?,
			expiry_notified = ?, expiry_notified_at = ?, quota_warned = ?, quota_warned_at = ?,
			renewed_to_id = ?, status_reason = ?, notes = ?, updated_at = ?, deleted_at = ?
		WHERE id = ?`,
		sub.CustomerID, sub.PackageID, sub.RenewalPackageID, sub.Username, string(sub.Status),
		formatTime(sub.StartsAt), formatTime(sub.ExpiresAt), sub.DataUsed, zeroNullTime(sub.UsageResetAt),
		sub.AutoRenew, sub.IsTrial,
		sub.ExpiryNotified, nullTime(sub.ExpiryNotifiedAt), sub.QuotaWarned, nullTime(sub.QuotaWarnedAt),
		sub.RenewedToID, sub.StatusReason, string(notes), zeroNullTime(sub.UpdatedAt), nullTime(sub.DeletedAt),
		sub.ID)
	if err != nil {
		return fmt.Errorf("failed to update subscription %s: %w", sub.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrNotFound)
	}
	return nil
}

// ListSubscriptions returns live subscriptions matching the filter, ordered by expiry.
func (s *SQLSubscriptions) ListSubscriptions(ctx context.Context, f subscription.Filter) ([]*subscription.Subscription, error) {
	where := []string{"deleted_at IS NULL"}
	var args []any

	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.Username != "" {
		where = append(where, "username = ?")
		args = append(args, f.Username)
	}
	if !f.ExpiresBefore.IsZero() {
		where = append(where, "expires_at < ?")
		args = append(args, formatTime(f.ExpiresBefore))
	}
	if !f.ExpiresAfter.IsZero() {
		where = append(where, "expires_at > ?")
		args = append(args, formatTime(f.ExpiresAfter))
	}
	if f.AutoRenew != nil {
		where = append(where, "auto_renew = ?")
		args = append(args, *f.AutoRenew)
	}
	if f.ExpiryNotified != nil {
		where = append(where, "expiry_notified = ?")
		args = append(args, *f.ExpiryNotified)
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY expires_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.query(ctx, s.db.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of live subscriptions per status.
func (s *SQLSubscriptions) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.query(ctx, s.db.db,
		`SELECT status, COUNT(*) FROM subscriptions WHERE deleted_at IS NULL GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const packageColumns = `id, name, duration_type, duration_value, is_trial, trial_duration_type, trial_duration_value,
	upload_kbps, download_kbps, data_cap_mb, simultaneous_use, vlan_id, priority, renewal_package_id,
	created_at, updated_at`

// GetPackage returns a package by ID.
func (s *SQLSubscriptions) GetPackage(ctx context.Context, id string) (*subscription.Package, error) {
	row := s.db.queryRow(ctx, s.db.db, `SELECT `+packageColumns+` FROM packages WHERE id = ?`, id)
	pkg, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load package %s: %w", id, err)
	}
	return pkg, nil
}

// SavePackage inserts or replaces a package.
func (s *SQLSubscriptions) SavePackage(ctx context.Context, pkg *subscription.Package) error {
	if err := pkg.Validate(); err != nil {
		return err
	}
	var dataCap any
	if pkg.DataCapMB != nil {
		dataCap = *pkg.DataCapMB
	}
	now := time.Now()
	created := pkg.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.exec(ctx, s.db.db, `
		INSERT INTO packages (`+packageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, duration_type = excluded.duration_type, duration_value = excluded.duration_value,
			is_trial = excluded.is_trial, trial_duration_type = excluded.trial_duration_type,
			trial_duration_value = excluded.trial_duration_value, upload_kbps = excluded.upload_kbps,
			download_kbps = excluded.download_kbps, data_cap_mb = excluded.data_cap_mb,
			simultaneous_use = excluded.simultaneous_use, vlan_id = excluded.vlan_id,
			priority = excluded.priority, renewal_package_id = excluded.renewal_package_id,
			updated_at = excluded.updated_at`,
		pkg.ID, pkg.Name, string(pkg.DurationType), pkg.DurationValue, pkg.IsTrial,
		string(pkg.TrialDurationType), pkg.TrialDurationValue, pkg.UploadKbps, pkg.DownloadKbps, dataCap,
		pkg.SimultaneousUse, pkg.VLANID, pkg.Priority, pkg.RenewalPackageID,
		formatTime(created), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to save package %s: %w", pkg.ID, err)
	}
	return nil
}

// ListPackages returns every package ordered by ID.
func (s *SQLSubscriptions) ListPackages(ctx context.Context) ([]*subscription.Package, error) {
	rows, err := s.db.query(ctx, s.db.db, `SELECT `+packageColumns+` FROM packages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	defer rows.Close()

	var out []*subscription.Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

// GetCustomer returns a customer by ID.
func (s *SQLSubscriptions) GetCustomer(ctx context.Context, id string) (*subscription.Customer, error) {
	c := &subscription.Customer{}
	err := s.db.queryRow(ctx, s.db.db,
		`SELECT id, name, username, password, phone, email, telegram_chat_id FROM customers WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Username, &c.Password, &c.Phone, &c.Email, &c.TelegramChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load customer %s: %w", id, err)
	}
	return c, nil
}

// SaveCustomer inserts or replaces a customer.
func (s *SQLSubscriptions) SaveCustomer(ctx context.Context, c *subscription.Customer) error {
	if c.ID == "" {
		return fmt.Errorf("customer ID required")
	}
	_, err := s.db.exec(ctx, s.db.db, `
		INSERT INTO customers (id, name, username, password, phone, email, telegram_chat_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, username = excluded.username, password = excluded.password,
			phone = excluded.phone, email = excluded.email, telegram_chat_id = excluded.telegram_chat_id`,
		c.ID, c.Name, c.Username, c.Password, c.Phone, c.Email, c.TelegramChatID)
	if err != nil {
		return fmt.Errorf("failed to save customer %s: %w", c.ID, err)
	}
	return nil
}

// SaveAggregate inserts or replaces the aggregate for (subscription, period start).
func (s *SQLSubscriptions) SaveAggregate(ctx context.Context, agg *UsageAggregate) error {
	computed := agg.ComputedAt
	if computed.IsZero() {
		computed = time.Now()
	}
	_, err := s.db.exec(ctx, s.db.db, `
		INSERT INTO usage_aggregates (subscription_id, period_start, period_end, bytes_in, bytes_out,
			sessions, connected_seconds, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id, period_start) DO UPDATE SET
			period_end = excluded.period_end, bytes_in = excluded.bytes_in, bytes_out = excluded.bytes_out,
			sessions = excluded.sessions, connected_seconds = excluded.connected_seconds,
			computed_at = excluded.computed_at`,
		agg.SubscriptionID, formatTime(agg.PeriodStart), formatTime(agg.PeriodEnd),
		agg.BytesIn, agg.BytesOut, agg.Sessions, agg.ConnectedSeconds, formatTime(computed))
	if err != nil {
		return fmt.Errorf("failed to save usage aggregate: %w", err)
	}
	return nil
}

// ListAggregates returns aggregates whose period starts at or after since.
func (s *SQLSubscriptions) ListAggregates(ctx context.Context, subscriptionID string, since time.Time) ([]UsageAggregate, error) {
	rows, err := s.db.query(ctx, s.db.db, `
		SELECT subscription_id, period_start, period_end, bytes_in, bytes_out, sessions, connected_seconds, computed_at
		FROM usage_aggregates WHERE subscription_id = ? AND period_start >= ? ORDER BY period_start`,
		subscriptionID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list usage aggregates: %w", err)
	}
	defer rows.Close()

	var out []UsageAggregate
	for rows.Next() {
		var (
			a                      UsageAggregate
			start, end, computedAt scanTime
		)
		if err := rows.Scan(&a.SubscriptionID, &start, &end, &a.BytesIn, &a.BytesOut,
			&a.Sessions, &a.ConnectedSeconds, &computedAt); err != nil {
			return nil, err
		}
		a.PeriodStart, a.PeriodEnd, a.ComputedAt = start.Time, end.Time, computedAt.Time
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*subscription.Subscription, error) {
	var (
		sub                             subscription.Subscription
		status, notes                   string
		starts, expires, reset          scanTime
		expiryNotifiedAt, quotaWarnedAt scanTime
		created, updated, deleted       scanTime
	)
	if err := row.Scan(&sub.ID, &sub.CustomerID, &sub.PackageID, &sub.RenewalPackageID, &sub.Username, &status,
		&starts, &expires, &sub.DataUsed, &reset, &sub.AutoRenew, &sub.IsTrial,
		&sub.ExpiryNotified, &expiryNotifiedAt, &sub.QuotaWarned, &quotaWarnedAt,
		&sub.RenewedToID, &sub.StatusReason, &notes, &created, &updated, &deleted); err != nil {
		return nil, err
	}
	sub.Status = subscription.Status(status)
	sub.StartsAt, sub.ExpiresAt, sub.UsageResetAt = starts.Time, expires.Time, reset.Time
	sub.ExpiryNotifiedAt = expiryNotifiedAt.ptr()
	sub.QuotaWarnedAt = quotaWarnedAt.ptr()
	sub.CreatedAt, sub.UpdatedAt = created.Time, updated.Time
	sub.DeletedAt = deleted.ptr()
	if notes != "" {
		if err := json.Unmarshal([]byte(notes), &sub.Notes); err != nil {
			return nil, fmt.Errorf("invalid notes for %s: %w", sub.ID, err)
		}
	}
	return &sub, nil
}

func scanPackage(row scanner) (*subscription.Package, error) {
	var (
		pkg                subscription.Package
		durType, trialType string
		dataCap            sql.NullInt64
		created, updated   scanTime
	)
	if err := row.Scan(&pkg.ID, &pkg.Name, &durType, &pkg.DurationValue, &pkg.IsTrial, &trialType,
		&pkg.TrialDurationValue, &pkg.UploadKbps, &pkg.DownloadKbps, &dataCap, &pkg.SimultaneousUse,
		&pkg.VLANID, &pkg.Priority, &pkg.RenewalPackageID, &created, &updated); err != nil {
		return nil, err
	}
	pkg.DurationType = subscription.DurationType(durType)
	pkg.TrialDurationType = subscription.DurationType(trialType)
	if dataCap.Valid {
		v := dataCap.Int64
		pkg.DataCapMB = &v
	}
	pkg.CreatedAt, pkg.UpdatedAt = created.Time, updated.Time
	return &pkg, nil
}

func nonNilNotes(notes []string) []string {
	if notes == nil {
		return []string{}
	}
	return notes
}
