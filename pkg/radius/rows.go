package radius

import (
	"fmt"
	"strings"
)

// Scope selects the check or reply table.
type Scope int

const (
	ScopeCheck Scope = iota
	ScopeReply
)

func (s Scope) String() string {
	switch s {
	case ScopeCheck:
		return "check"
	case ScopeReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Row is one attribute row for a user or a group. Rows are unique on
// (Scope, Subject, Attribute); writing the same key again replaces the
// previous operator and value.
type Row struct {
	Scope     Scope
	Subject   string
	Attribute Attribute
	Op        Operator
	Value     string
}

// RowKey identifies a row for upsert purposes.
type RowKey struct {
	Scope     Scope
	Subject   string
	Attribute string
}

// Key returns the upsert key of the row.
func (r Row) Key() RowKey {
	return RowKey{Scope: r.Scope, Subject: r.Subject, Attribute: r.Attribute.String()}
}

// Validate checks the row before it is written.
func (r Row) Validate() error {
	if r.Subject == "" {
		return fmt.Errorf("row subject required")
	}
	if r.Attribute.IsZero() {
		return fmt.Errorf("row attribute required")
	}
	if !r.Op.Valid() {
		return fmt.Errorf("invalid operator %q for %s", r.Op, r.Attribute)
	}
	return nil
}

func (r Row) String() string {
	return fmt.Sprintf("%s %s %s %s %q", r.Scope, r.Subject, r.Attribute, r.Op, r.Value)
}

// CheckRow builds a check row with the := operator.
func CheckRow(subject string, attr Attribute, value string) Row {
	return Row{Scope: ScopeCheck, Subject: subject, Attribute: attr, Op: OpSet, Value: value}
}

// ReplyRow builds a reply row with the := operator.
func ReplyRow(subject string, attr Attribute, value string) Row {
	return Row{Scope: ScopeReply, Subject: subject, Attribute: attr, Op: OpSet, Value: value}
}

// GroupMembership assigns a username to a group. Lower priority values
// are evaluated first.
type GroupMembership struct {
	Username  string
	GroupName string
	Priority  int
}

const groupPrefix = "package_"

// GroupName returns the RADIUS group that carries a package's attributes.
func GroupName(packageID string) string {
	return groupPrefix + packageID
}

// PackageIDFromGroup extracts the package ID from a package group name.
func PackageIDFromGroup(group string) (string, bool) {
	if !strings.HasPrefix(group, groupPrefix) || len(group) == len(groupPrefix) {
		return "", false
	}
	return strings.TrimPrefix(group, groupPrefix), true
}

// IsPackageGroup reports whether group follows the package_<id> convention.
func IsPackageGroup(group string) bool {
	_, ok := PackageIDFromGroup(group)
	return ok
}
