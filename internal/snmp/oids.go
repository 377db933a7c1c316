package snmp

// Standard MIB-II OIDs used across polling and discovery.
const (
	OIDSysDescr    = ".1.3.6.1.2.1.1.1.0"
	OIDSysObjectID = ".1.3.6.1.2.1.1.2.0"
	OIDSysName     = ".1.3.6.1.2.1.1.5.0"

	// ifTable
	OIDIfDescr       = ".1.3.6.1.2.1.2.2.1.2"
	OIDIfType        = ".1.3.6.1.2.1.2.2.1.3"
	OIDIfSpeed       = ".1.3.6.1.2.1.2.2.1.5"
	OIDIfAdminStatus = ".1.3.6.1.2.1.2.2.1.7"
	OIDIfOperStatus  = ".1.3.6.1.2.1.2.2.1.8"
	OIDIfInErrors    = ".1.3.6.1.2.1.2.2.1.14"
	OIDIfOutErrors   = ".1.3.6.1.2.1.2.2.1.20"
	OIDIfInDiscards  = ".1.3.6.1.2.1.2.2.1.13"
	OIDIfOutDiscards = ".1.3.6.1.2.1.2.2.1.19"

	// ifXTable
	OIDIfName        = ".1.3.6.1.2.1.31.1.1.1.1"
	OIDIfHCInOctets  = ".1.3.6.1.2.1.31.1.1.1.6"
	OIDIfHCOutOctets = ".1.3.6.1.2.1.31.1.1.1.10"
	OIDIfHighSpeed   = ".1.3.6.1.2.1.31.1.1.1.15"
	OIDIfAlias       = ".1.3.6.1.2.1.31.1.1.1.18"
)
