package models

import "strings"

// Built-in rule names used by the state machine and housekeeping. Operator
// rules carry their own names; open alerts always match by name.
const (
	RuleNameDeviceDown      = "Device Down"
	RuleNameDeviceFlapping  = "Device Flapping"
	RuleNameDeviceRecovered = "Device Recovered"
	RuleNameWorkerMissing   = "Worker Missing"
)

// TagISPUplink marks a device explicitly as an ISP uplink.
const TagISPUplink = "role=isp-uplink"

// IsISPUplink reports whether the device terminates an ISP link. An explicit
// role tag wins; the .5 last-octet addressing convention is the deployment's
// fallback heuristic.
func (d *Device) IsISPUplink() bool {
	if d.HasTag(TagISPUplink) {
		return true
	}
	if idx := strings.LastIndex(d.IP, "."); idx >= 0 {
		return d.IP[idx+1:] == "5"
	}
	return false
}
