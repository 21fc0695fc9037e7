package radius

// TerminateCause constants (RFC 2866 Acct-Terminate-Cause)
const (
	TerminateCauseUserRequest    = 1
	TerminateCauseLostCarrier    = 2
	TerminateCauseLostService    = 3
	TerminateCauseIdleTimeout    = 4
	TerminateCauseSessionTimeout = 5
	TerminateCauseAdminReset     = 6
	TerminateCauseAdminReboot    = 7
	TerminateCausePortError      = 8
	TerminateCauseNASError       = 9
	TerminateCauseNASRequest     = 10
	TerminateCauseNASReboot      = 11
	TerminateCausePortUnneeded   = 12
	TerminateCausePortPreempted  = 13
	TerminateCausePortSuspended  = 14
	TerminateCauseServiceUnavail = 15
	TerminateCauseCallback       = 16
	TerminateCauseUserError      = 17
	TerminateCauseHostRequest    = 18
)

var terminateCauseNames = map[int]string{
	TerminateCauseUserRequest:    "User-Request",
	TerminateCauseLostCarrier:    "Lost-Carrier",
	TerminateCauseLostService:    "Lost-Service",
	TerminateCauseIdleTimeout:    "Idle-Timeout",
	TerminateCauseSessionTimeout: "Session-Timeout",
	TerminateCauseAdminReset:     "Admin-Reset",
	TerminateCauseAdminReboot:    "Admin-Reboot",
	TerminateCausePortError:      "Port-Error",
	TerminateCauseNASError:       "NAS-Error",
	TerminateCauseNASRequest:     "NAS-Request",
	TerminateCauseNASReboot:      "NAS-Reboot",
	TerminateCausePortUnneeded:   "Port-Unneeded",
	TerminateCausePortPreempted:  "Port-Preempted",
	TerminateCausePortSuspended:  "Port-Suspended",
	TerminateCauseServiceUnavail: "Service-Unavailable",
	TerminateCauseCallback:       "Callback",
	TerminateCauseUserError:      "User-Error",
	TerminateCauseHostRequest:    "Host-Request",
}

// TerminateCauseName returns the dictionary name stored in accounting rows.
func TerminateCauseName(cause int) string {
	if name, ok := terminateCauseNames[cause]; ok {
		return name
	}
	return ""
}
