package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/codelaboratoryltd/radsync/pkg/radius"
)

// SQLAttributes stores rows in the FreeRADIUS radcheck, radreply,
// radgroupcheck, radgroupreply and radusergroup tables. Subjects named
// package_<id> go to the group tables.
type SQLAttributes struct {
	db *DB
}

// NewSQLAttributes creates an attribute store on db.
func NewSQLAttributes(db *DB) *SQLAttributes {
	return &SQLAttributes{db: db}
}

func rowTable(scope radius.Scope, subject string) (table, column string) {
	group := radius.IsPackageGroup(subject)
	switch {
	case scope == radius.ScopeCheck && group:
		return "radgroupcheck", "groupname"
	case scope == radius.ScopeCheck:
		return "radcheck", "username"
	case group:
		return "radgroupreply", "groupname"
	default:
		return "radreply", "username"
	}
}

// ApplyBatch runs every operation in one transaction.
func (s *SQLAttributes) ApplyBatch(ctx context.Context, batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		for i, o := range batch.ops {
			if err := s.applyOp(ctx, tx, o); err != nil {
				return fmt.Errorf("batch op %d: %w", i, err)
			}
		}
		return nil
	})
}

func (s *SQLAttributes) applyOp(ctx context.Context, tx *sql.Tx, o op) error {
	var err error
	switch o.kind {
	case opUpsert:
		table, column := rowTable(o.row.Scope, o.row.Subject)
		_, err = s.db.exec(ctx, tx, fmt.Sprintf(`
			INSERT INTO %s (%s, attribute, op, value) VALUES (?, ?, ?, ?)
			ON CONFLICT (%s, attribute) DO UPDATE SET op = excluded.op, value = excluded.value`,
			table, column, column),
			o.row.Subject, o.row.Attribute.String(), string(o.row.Op), o.row.Value)
	case opDelete:
		table, column := rowTable(o.key.Scope, o.key.Subject)
		_, err = s.db.exec(ctx, tx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND attribute = ?`, table, column),
			o.key.Subject, o.key.Attribute)
	case opDeleteSubject:
		for _, scope := range []radius.Scope{radius.ScopeCheck, radius.ScopeReply} {
			table, column := rowTable(scope, o.subject)
			if _, err = s.db.exec(ctx, tx,
				fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, table, column), o.subject); err != nil {
				break
			}
		}
	case opJoin:
		_, err = s.db.exec(ctx, tx, `
			INSERT INTO radusergroup (username, groupname, priority) VALUES (?, ?, ?)
			ON CONFLICT (username, groupname) DO UPDATE SET priority = excluded.priority`,
			o.username, o.group, o.priority)
	case opLeave:
		_, err = s.db.exec(ctx, tx,
			`DELETE FROM radusergroup WHERE username = ? AND groupname = ?`, o.username, o.group)
	case opLeavePackageGroups:
		// '_' is a LIKE wildcard, hence the escape.
		_, err = s.db.exec(ctx, tx,
			`DELETE FROM radusergroup WHERE username = ? AND groupname <> ? AND groupname LIKE 'package!_%' ESCAPE '!'`,
			o.username, o.group)
	case opLeaveAll:
		_, err = s.db.exec(ctx, tx, `DELETE FROM radusergroup WHERE username = ?`, o.username)
	}
	return err
}

// Rows returns the rows of one scope for a subject, ordered by attribute.
func (s *SQLAttributes) Rows(ctx context.Context, scope radius.Scope, subject string) ([]radius.Row, error) {
	table, column := rowTable(scope, subject)
	rows, err := s.db.query(ctx, s.db.db,
		fmt.Sprintf(`SELECT attribute, op, value FROM %s WHERE %s = ? ORDER BY attribute`, table, column),
		subject)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []radius.Row
	for rows.Next() {
		var attr, op, value string
		if err := rows.Scan(&attr, &op, &value); err != nil {
			return nil, err
		}
		out = append(out, radius.Row{
			Scope:     scope,
			Subject:   subject,
			Attribute: radius.ParseAttribute(attr),
			Op:        radius.Operator(op),
			Value:     value,
		})
	}
	return out, rows.Err()
}

// Memberships returns the groups of a username ordered by priority.
func (s *SQLAttributes) Memberships(ctx context.Context, username string) ([]radius.GroupMembership, error) {
	rows, err := s.db.query(ctx, s.db.db,
		`SELECT groupname, priority FROM radusergroup WHERE username = ? ORDER BY priority, groupname`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to query radusergroup: %w", err)
	}
	defer rows.Close()

	var out []radius.GroupMembership
	for rows.Next() {
		m := radius.GroupMembership{Username: username}
		if err := rows.Scan(&m.GroupName, &m.Priority); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GroupMembers returns the usernames assigned to a group.
func (s *SQLAttributes) GroupMembers(ctx context.Context, group string) ([]string, error) {
	rows, err := s.db.query(ctx, s.db.db,
		`SELECT username FROM radusergroup WHERE groupname = ? ORDER BY username`, group)
	if err != nil {
		return nil, fmt.Errorf("failed to query radusergroup: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
