package store

import (
	"fmt"

	"github.com/codelaboratoryltd/radsync/pkg/radius"
)

type opKind int

const (
	opUpsert opKind = iota
	opDelete
	opDeleteSubject
	opJoin
	opLeave
	opLeavePackageGroups
	opLeaveAll
)

type op struct {
	kind     opKind
	row      radius.Row
	key      radius.RowKey
	subject  string
	username string
	group    string
	priority int
}

// Batch is an ordered list of attribute writes applied as one unit.
type Batch struct {
	ops []op
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Upsert writes rows, replacing any row with the same (scope, subject, attribute).
func (b *Batch) Upsert(rows ...radius.Row) *Batch {
	for _, r := range rows {
		b.ops = append(b.ops, op{kind: opUpsert, row: r})
	}
	return b
}

// Delete removes one row if present.
func (b *Batch) Delete(scope radius.Scope, subject string, attr radius.Attribute) *Batch {
	b.ops = append(b.ops, op{kind: opDelete, key: radius.RowKey{Scope: scope, Subject: subject, Attribute: attr.String()}})
	return b
}

// DeleteSubject removes every check and reply row of a subject.
func (b *Batch) DeleteSubject(subject string) *Batch {
	b.ops = append(b.ops, op{kind: opDeleteSubject, subject: subject})
	return b
}

// Join assigns username to group, replacing the priority if already a member.
func (b *Batch) Join(username, group string, priority int) *Batch {
	b.ops = append(b.ops, op{kind: opJoin, username: username, group: group, priority: priority})
	return b
}

// Leave removes one membership.
func (b *Batch) Leave(username, group string) *Batch {
	b.ops = append(b.ops, op{kind: opLeave, username: username, group: group})
	return b
}

// LeavePackageGroups removes username from every package_<id> group except keep.
func (b *Batch) LeavePackageGroups(username, keep string) *Batch {
	b.ops = append(b.ops, op{kind: opLeavePackageGroups, username: username, group: keep})
	return b
}

// LeaveAll removes every membership of username.
func (b *Batch) LeaveAll(username string) *Batch {
	b.ops = append(b.ops, op{kind: opLeaveAll, username: username})
	return b
}

// Len returns the number of operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Validate checks every row before anything is written.
func (b *Batch) Validate() error {
	for i, o := range b.ops {
		switch o.kind {
		case opUpsert:
			if err := o.row.Validate(); err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
		case opJoin, opLeave:
			if o.username == "" || o.group == "" {
				return fmt.Errorf("op %d: username and group required", i)
			}
		case opLeavePackageGroups, opLeaveAll:
			if o.username == "" {
				return fmt.Errorf("op %d: username required", i)
			}
		case opDeleteSubject:
			if o.subject == "" {
				return fmt.Errorf("op %d: subject required", i)
			}
		}
	}
	return nil
}
