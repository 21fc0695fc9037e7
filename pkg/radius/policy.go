package radius

import (
	"strconv"
)

// Entitlement is what a package grants, already converted to the units
// the attribute tables use.
type Entitlement struct {
	SessionTimeout  uint32 // seconds, 0 = not time-bounded
	UploadKbps      int64
	DownloadKbps    int64
	DataCapMB       *int64 // nil = unlimited
	VLANID          int
	SimultaneousUse int
}

// HasBandwidth reports whether a rate limit should be written.
func (e Entitlement) HasBandwidth() bool {
	return e.UploadKbps > 0 || e.DownloadKbps > 0
}

// HasDataCap reports whether a data cap should be written.
func (e Entitlement) HasDataCap() bool {
	return e.DataCapMB != nil && *e.DataCapMB > 0
}

// KbpsToMbps renders a Kbps rate as Mbps with the shortest exact decimal
// representation (512 -> "0.512", 2000 -> "2").
func KbpsToMbps(kbps int64) string {
	return strconv.FormatFloat(float64(kbps)/1000, 'f', -1, 64)
}

// RateLimit renders the Mikrotik-Rate-Limit value "<up>M/<down>M".
func RateLimit(uploadKbps, downloadKbps int64) string {
	return KbpsToMbps(uploadKbps) + "M/" + KbpsToMbps(downloadKbps) + "M"
}

// MegabytesToBytes converts a data cap in MB to bytes (binary megabytes).
func MegabytesToBytes(mb int64) int64 {
	return mb * 1024 * 1024
}

// UserRows returns the per-user rows for a provisioned username.
func UserRows(username, password string, e Entitlement) []Row {
	rows := []Row{CheckRow(username, AttrCleartextPassword, password)}

	if e.SessionTimeout > 0 {
		rows = append(rows, CheckRow(username, AttrSessionTimeout, strconv.FormatUint(uint64(e.SessionTimeout), 10)))
	}
	rows = append(rows, bandwidthRows(username, e)...)
	rows = append(rows, dataCapRows(username, e)...)

	if e.VLANID > 0 {
		rows = append(rows,
			ReplyRow(username, AttrTunnelType, TunnelTypeVLAN),
			ReplyRow(username, AttrTunnelMediumType, TunnelMediumType8021),
			ReplyRow(username, AttrTunnelPrivateGroupID, strconv.Itoa(e.VLANID)),
		)
	}
	return rows
}

// GroupRows returns the group-level rows for a package group.
func GroupRows(group string, e Entitlement) []Row {
	simUse := e.SimultaneousUse
	if simUse <= 0 {
		simUse = 1
	}

	rows := []Row{
		CheckRow(group, AttrSimultaneousUse, strconv.Itoa(simUse)),
		// "=" only applies when no earlier row set Auth-Type, so a
		// per-user Reject is never overridden by the group.
		{Scope: ScopeCheck, Subject: group, Attribute: AttrAuthType, Op: OpAssign, Value: AuthTypePAP},
		ReplyRow(group, AttrServiceType, ServiceTypeFramedUser),
	}
	rows = append(rows, bandwidthRows(group, e)...)
	rows = append(rows, dataCapRows(group, e)...)
	return rows
}

// RejectRows marks a username as rejected with a reason.
func RejectRows(username, reason string) []Row {
	return []Row{
		CheckRow(username, AttrAuthType, AuthTypeReject),
		ReplyRow(username, AttrReplyMessage, reason),
	}
}

// MarkerRow tags a username with a router address-list.
func MarkerRow(username, list string) Row {
	return ReplyRow(username, AttrMikrotikAddressList, list)
}

func bandwidthRows(subject string, e Entitlement) []Row {
	if !e.HasBandwidth() {
		return nil
	}
	return []Row{
		ReplyRow(subject, AttrMikrotikRateLimit, RateLimit(e.UploadKbps, e.DownloadKbps)),
		ReplyRow(subject, AttrWISPrBandwidthMaxUp, strconv.FormatInt(e.UploadKbps*1000, 10)),
		ReplyRow(subject, AttrWISPrBandwidthMaxDown, strconv.FormatInt(e.DownloadKbps*1000, 10)),
	}
}

func dataCapRows(subject string, e Entitlement) []Row {
	if !e.HasDataCap() {
		return nil
	}
	limit := strconv.FormatInt(MegabytesToBytes(*e.DataCapMB), 10)
	return []Row{
		ReplyRow(subject, AttrMikrotikTotalLimit, limit),
		CheckRow(subject, AttrMaxData, limit),
	}
}
