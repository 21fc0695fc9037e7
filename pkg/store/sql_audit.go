package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/codelaboratoryltd/radsync/pkg/audit"
)

// SQLAudit persists audit events in the audit_events table. The full
// event is kept as a JSON payload; the indexed columns serve queries.
type SQLAudit struct {
	db *DB
}

var _ audit.Storage = (*SQLAudit)(nil)

// NewSQLAudit creates an audit storage on db.
func NewSQLAudit(db *DB) *SQLAudit {
	return &SQLAudit{db: db}
}

// Store persists an event.
func (s *SQLAudit) Store(ctx context.Context, event *audit.Event) error {
	return s.StoreBatch(ctx, []*audit.Event{event})
}

// StoreBatch persists events in one transaction.
func (s *SQLAudit) StoreBatch(ctx context.Context, events []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			payload, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to encode event %s: %w", e.ID, err)
			}
			if _, err := s.db.exec(ctx, tx, `
				INSERT INTO audit_events (id, type, category, severity, ts, subscription_id, username, session_id, expires_at, payload)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO NOTHING`,
				e.ID, string(e.Type), e.Type.Category(), int(e.Type.GetSeverity()), formatTime(e.Timestamp),
				e.SubscriptionID, e.Username, e.SessionID, zeroNullTime(e.ExpiresAt), string(payload)); err != nil {
				return fmt.Errorf("failed to store event %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// Query retrieves events matching the query.
func (s *SQLAudit) Query(ctx context.Context, q *audit.Query) ([]*audit.Event, error) {
	var (
		where []string
		args  []any
	)
	if !q.StartTime.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, formatTime(q.StartTime))
	}
	if !q.EndTime.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, formatTime(q.EndTime))
	}
	if q.SubscriptionID != "" {
		where = append(where, "subscription_id = ?")
		args = append(args, q.SubscriptionID)
	}
	if q.Username != "" {
		where = append(where, "username = ?")
		args = append(args, q.Username)
	}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, t := range q.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ", ")+")")
	}
	if len(q.Categories) > 0 {
		marks := make([]string, len(q.Categories))
		for i, c := range q.Categories {
			marks[i] = "?"
			args = append(args, c)
		}
		where = append(where, "category IN ("+strings.Join(marks, ", ")+")")
	}
	if q.MinSeverity > audit.SeverityDebug {
		where = append(where, "severity >= ?")
		args = append(args, int(q.MinSeverity))
	}

	query := `SELECT payload FROM audit_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if q.Ascending {
		query += ` ORDER BY ts ASC, id ASC`
	} else {
		query += ` ORDER BY ts DESC, id DESC`
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := s.db.query(ctx, s.db.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []*audit.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		e := &audit.Event{}
		if err := json.Unmarshal([]byte(payload), e); err != nil {
			return nil, fmt.Errorf("failed to decode audit event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.Limit <= 0 && q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	return out, nil
}

// DeleteExpired removes events past their retention.
func (s *SQLAudit) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.exec(ctx, s.db.db,
		`DELETE FROM audit_events WHERE expires_at IS NOT NULL AND expires_at < ?`, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit events: %w", err)
	}
	return res.RowsAffected()
}

// Close is a no-op; the database handle is owned by the caller.
func (s *SQLAudit) Close() error {
	return nil
}
