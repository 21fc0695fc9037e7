package radius

import (
	"fmt"
	"strings"
)

// Attribute is a RADIUS attribute name as stored in the attribute tables.
//
// The set of attributes this package writes is closed: use the Attr*
// variables. Deployments that need a vendor attribute outside the
// vocabulary go through VendorAttribute, which keeps the escape hatch
// explicit and greppable.
type Attribute struct {
	name   string
	vendor bool
}

// Standard and vendor attributes written by the synchronizer.
var (
	AttrCleartextPassword = Attribute{name: "Cleartext-Password"}
	AttrAuthType          = Attribute{name: "Auth-Type"}
	AttrReplyMessage      = Attribute{name: "Reply-Message"}
	AttrSessionTimeout    = Attribute{name: "Session-Timeout"}
	AttrIdleTimeout       = Attribute{name: "Idle-Timeout"}
	AttrSimultaneousUse   = Attribute{name: "Simultaneous-Use"}
	AttrServiceType       = Attribute{name: "Service-Type"}
	AttrMaxData           = Attribute{name: "Max-Data"}

	AttrMikrotikRateLimit   = Attribute{name: "Mikrotik-Rate-Limit"}
	AttrMikrotikTotalLimit  = Attribute{name: "Mikrotik-Total-Limit"}
	AttrMikrotikAddressList = Attribute{name: "Mikrotik-Address-List"}

	AttrWISPrBandwidthMaxUp   = Attribute{name: "WISPr-Bandwidth-Max-Up"}
	AttrWISPrBandwidthMaxDown = Attribute{name: "WISPr-Bandwidth-Max-Down"}

	AttrTunnelType           = Attribute{name: "Tunnel-Type"}
	AttrTunnelMediumType     = Attribute{name: "Tunnel-Medium-Type"}
	AttrTunnelPrivateGroupID = Attribute{name: "Tunnel-Private-Group-Id"}
)

var vocabulary = map[string]Attribute{}

func init() {
	for _, a := range []Attribute{
		AttrCleartextPassword, AttrAuthType, AttrReplyMessage,
		AttrSessionTimeout, AttrIdleTimeout, AttrSimultaneousUse,
		AttrServiceType, AttrMaxData,
		AttrMikrotikRateLimit, AttrMikrotikTotalLimit, AttrMikrotikAddressList,
		AttrWISPrBandwidthMaxUp, AttrWISPrBandwidthMaxDown,
		AttrTunnelType, AttrTunnelMediumType, AttrTunnelPrivateGroupID,
	} {
		vocabulary[strings.ToLower(a.name)] = a
	}
}

// VendorAttribute returns an attribute outside the built-in vocabulary.
// The name must look like a dictionary attribute name (no spaces or
// operator characters).
func VendorAttribute(name string) (Attribute, error) {
	if name == "" {
		return Attribute{}, fmt.Errorf("attribute name required")
	}
	if strings.ContainsAny(name, " \t:=!<>~*\"'") {
		return Attribute{}, fmt.Errorf("invalid attribute name: %q", name)
	}
	if a, ok := vocabulary[strings.ToLower(name)]; ok {
		return a, nil
	}
	return Attribute{name: name, vendor: true}, nil
}

// ParseAttribute maps a stored attribute name back to an Attribute. Names
// that are not in the vocabulary come back as vendor attributes.
func ParseAttribute(name string) Attribute {
	if a, ok := vocabulary[strings.ToLower(name)]; ok {
		return a
	}
	return Attribute{name: name, vendor: true}
}

// String returns the dictionary name.
func (a Attribute) String() string { return a.name }

// IsVendor reports whether the attribute came through VendorAttribute.
func (a Attribute) IsVendor() bool { return a.vendor }

// IsZero reports whether the attribute is unset.
func (a Attribute) IsZero() bool { return a.name == "" }

// Operator is a FreeRADIUS attribute operator.
type Operator string

const (
	OpSet           Operator = ":="
	OpAssign        Operator = "="
	OpEqual         Operator = "=="
	OpAdd           Operator = "+="
	OpNotEqual      Operator = "!="
	OpGreater       Operator = ">"
	OpGreaterEqual  Operator = ">="
	OpLess          Operator = "<"
	OpLessEqual     Operator = "<="
	OpRegexMatch    Operator = "=~"
	OpRegexNotMatch Operator = "!~"
	OpExists        Operator = "=*"
	OpNotExists     Operator = "!*"
)

// Valid reports whether op is one of the supported operators.
func (op Operator) Valid() bool {
	switch op {
	case OpSet, OpAssign, OpEqual, OpAdd, OpNotEqual,
		OpGreater, OpGreaterEqual, OpLess, OpLessEqual,
		OpRegexMatch, OpRegexNotMatch, OpExists, OpNotExists:
		return true
	}
	return false
}

// Attribute values with fixed meaning.
const (
	AuthTypeReject = "Reject"
	AuthTypePAP    = "PAP"

	ServiceTypeFramedUser = "Framed-User"

	// Tunnel-Type VLAN (RFC 3580) and Tunnel-Medium-Type IEEE-802.
	TunnelTypeVLAN       = "13"
	TunnelMediumType8021 = "6"

	AddressListExhausted = "exhausted"
	AddressListBlocked   = "blocked"
)
