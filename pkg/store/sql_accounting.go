package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"
)

// SQLAccounting reads and closes rows of the radacct table.
type SQLAccounting struct {
	db *DB
}

// NewSQLAccounting creates an accounting store on db.
func NewSQLAccounting(db *DB) *SQLAccounting {
	return &SQLAccounting{db: db}
}

const accountingColumns = `acctsessionid, acctuniqueid, username, nasipaddress, COALESCE(nasportid, ''),
	acctstarttime, acctupdatetime, acctstoptime, acctsessiontime, acctinputoctets, acctoutputoctets,
	acctterminatecause, callingstationid, calledstationid, framedipaddress`

// RecordSession inserts or replaces a session keyed by its unique ID.
func (s *SQLAccounting) RecordSession(ctx context.Context, sess *AccountingSession) error {
	if sess.UniqueID == "" {
		return fmt.Errorf("session unique ID required")
	}
	framed := ""
	if sess.FramedIPAddress != nil {
		framed = sess.FramedIPAddress.String()
	}
	_, err := s.db.exec(ctx, s.db.db, `
		INSERT INTO radacct (acctsessionid, acctuniqueid, username, nasipaddress, nasportid,
			acctstarttime, acctupdatetime, acctstoptime, acctsessiontime, acctinputoctets, acctoutputoctets,
			acctterminatecause, callingstationid, calledstationid, framedipaddress)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (acctuniqueid) DO UPDATE SET
			acctupdatetime = excluded.acctupdatetime,
			acctstoptime = excluded.acctstoptime,
			acctsessiontime = excluded.acctsessiontime,
			acctinputoctets = excluded.acctinputoctets,
			acctoutputoctets = excluded.acctoutputoctets,
			acctterminatecause = excluded.acctterminatecause`,
		sess.SessionID, sess.UniqueID, sess.Username, sess.NASIPAddress, sess.NASPortID,
		zeroNullTime(sess.StartTime), nullTime(sess.UpdateTime), nullTime(sess.StopTime),
		sess.SessionTime, sess.InputOctets, sess.OutputOctets,
		sess.TerminateCause, sess.CallingStationID, sess.CalledStationID, framed)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", sess.UniqueID, err)
	}
	return nil
}

// ActiveSessions returns open sessions, all of them when username is empty.
func (s *SQLAccounting) ActiveSessions(ctx context.Context, username string) ([]AccountingSession, error) {
	if username == "" {
		return s.list(ctx, `SELECT `+accountingColumns+` FROM radacct
			WHERE acctstoptime IS NULL ORDER BY acctstarttime, acctuniqueid`)
	}
	return s.list(ctx, `SELECT `+accountingColumns+` FROM radacct
		WHERE username = ? AND acctstoptime IS NULL ORDER BY acctstarttime, acctuniqueid`, username)
}

// SessionsStartedBetween returns sessions for username with from <= start < to.
func (s *SQLAccounting) SessionsStartedBetween(ctx context.Context, username string, from, to time.Time) ([]AccountingSession, error) {
	return s.list(ctx, `SELECT `+accountingColumns+` FROM radacct
		WHERE username = ? AND acctstarttime >= ? AND acctstarttime < ?
		ORDER BY acctstarttime, acctuniqueid`,
		username, formatTime(from), formatTime(to))
}

// CloseSession stops an active session. The update is conditional on the
// stop time being null so a concurrent accounting stop is not overwritten.
func (s *SQLAccounting) CloseSession(ctx context.Context, uniqueID string, stop time.Time, cause string) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		var start, stopped scanTime
		err := s.db.queryRow(ctx, tx,
			`SELECT acctstarttime, acctstoptime FROM radacct WHERE acctuniqueid = ?`, uniqueID).
			Scan(&start, &stopped)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", uniqueID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", uniqueID, err)
		}
		if stopped.Valid {
			return fmt.Errorf("session %s: %w", uniqueID, ErrSessionClosed)
		}

		res, err := s.db.exec(ctx, tx, `
			UPDATE radacct SET acctstoptime = ?, acctterminatecause = ?, acctsessiontime = ?
			WHERE acctuniqueid = ? AND acctstoptime IS NULL`,
			formatTime(stop), cause, sessionTime(start.Time, stop), uniqueID)
		if err != nil {
			return fmt.Errorf("failed to close session %s: %w", uniqueID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", uniqueID, ErrSessionClosed)
		}
		return nil
	})
}

// CountActiveSessions returns the number of open sessions.
func (s *SQLAccounting) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.queryRow(ctx, s.db.db,
		`SELECT COUNT(*) FROM radacct WHERE acctstoptime IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

func (s *SQLAccounting) list(ctx context.Context, query string, args ...any) ([]AccountingSession, error) {
	rows, err := s.db.query(ctx, s.db.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query radacct: %w", err)
	}
	defer rows.Close()

	var out []AccountingSession
	for rows.Next() {
		var (
			sess                AccountingSession
			start, update, stop scanTime
			framed              string
		)
		if err := rows.Scan(&sess.SessionID, &sess.UniqueID, &sess.Username, &sess.NASIPAddress, &sess.NASPortID,
			&start, &update, &stop, &sess.SessionTime, &sess.InputOctets, &sess.OutputOctets,
			&sess.TerminateCause, &sess.CallingStationID, &sess.CalledStationID, &framed); err != nil {
			return nil, fmt.Errorf("failed to scan radacct row: %w", err)
		}
		sess.StartTime = start.Time
		sess.UpdateTime = update.ptr()
		sess.StopTime = stop.ptr()
		sess.FramedIPAddress = net.ParseIP(framed)
		out = append(out, sess)
	}
	return out, rows.Err()
}
