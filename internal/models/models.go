package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceType enumerates the hardware classes the fleet contains.
type DeviceType string

const (
	DeviceRouter   DeviceType = "router"
	DeviceSwitch   DeviceType = "switch"
	DeviceFirewall DeviceType = "firewall"
	DeviceAP       DeviceType = "ap"
	DeviceNVR      DeviceType = "nvr"
	DeviceServer   DeviceType = "server"
	DeviceOther    DeviceType = "other"
)

// StatusHistoryLimit bounds the recent-transition ring kept per device.
const StatusHistoryLimit = 10

// Device is a monitored network element plus its reachability state machine.
// DownSince is the single source of truth for UP/DOWN: nil means UP.
type Device struct {
	ID           uuid.UUID
	Name         string
	IP           string
	Hostname     string
	Vendor       string
	DeviceType   DeviceType
	Model        string
	Location     string
	Description  string
	Enabled      bool
	Tags         []string
	CustomFields map[string]string
	BranchID     *uuid.UUID
	Branch       string
	Region       string

	DownSince         *time.Time
	LastSeen          *time.Time
	IsFlapping        bool
	FlapCount         int
	FlappingSince     *time.Time
	LastFlapDetected  *time.Time
	StatusChangeTimes []time.Time
}

// IsUp reports reachability as derived from DownSince, never from raw pings.
func (d *Device) IsUp() bool { return d.DownSince == nil }

// HasTag reports whether the device carries the given tag.
func (d *Device) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SNMPVersion selects the protocol dialect for a credential.
type SNMPVersion string

const (
	SNMPv2c SNMPVersion = "v2c"
	SNMPv3  SNMPVersion = "v3"
)

// SNMPCredential is the decrypted credential material for one device.
// Only the vault ever sees ciphertext; everything here is plaintext in memory.
type SNMPCredential struct {
	DeviceID     uuid.UUID
	Version      SNMPVersion
	Port         uint16
	Community    string
	SecurityName string
	AuthProtocol string
	AuthKey      string
	PrivProtocol string
	PrivKey      string
}

// ValueType describes how a polled OID value behaves over time.
type ValueType string

const (
	ValueCounter32 ValueType = "counter32"
	ValueCounter64 ValueType = "counter64"
	ValueGauge     ValueType = "gauge"
	ValueString    ValueType = "string"
)

// MonitoringItem is one OID a template polls on a device.
type MonitoringItem struct {
	ID              uuid.UUID
	DeviceID        uuid.UUID
	Name            string
	OID             string
	IntervalSeconds int
	ValueType       ValueType
	Units           string
	Enabled         bool
}

// MonitoringTemplate binds a vendor/device type to a set of items.
type MonitoringTemplate struct {
	ID         uuid.UUID
	Name       string
	Vendor     string
	DeviceType DeviceType
	Items      []MonitoringItem
}

// InterfaceType is the classifier's verdict for a discovered interface.
type InterfaceType string

const (
	InterfaceISP      InterfaceType = "isp"
	InterfaceWAN      InterfaceType = "wan"
	InterfaceTrunk    InterfaceType = "trunk"
	InterfaceAccess   InterfaceType = "access"
	InterfaceMgmt     InterfaceType = "mgmt"
	InterfaceLoopback InterfaceType = "loopback"
	InterfaceTunnel   InterfaceType = "tunnel"
	InterfaceVirtual  InterfaceType = "virtual"
	InterfaceOther    InterfaceType = "other"
)

// Interface is one row of a device's interface inventory, unique by
// (DeviceID, IfIndex).
type Interface struct {
	DeviceID      uuid.UUID
	IfIndex       int
	IfName        string
	IfAlias       string
	IfDescr       string
	IfType        int
	InterfaceType InterfaceType
	AdminStatus   int
	OperStatus    int
	SpeedBPS      uint64
	IsCritical    bool
	IsISP         bool
	ISPProvider   string
	LastSeen      time.Time
}

// Severity orders alert urgency; higher value wins dedup.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank maps a severity onto an ordering usable for dedup comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AlertRule is an operator-defined condition over device state and recent
// aggregates. Expression uses the closed grammar in internal/alerting.
type AlertRule struct {
	ID              uuid.UUID
	Name            string
	Expression      string
	Severity        Severity
	Enabled         bool
	CooldownSeconds int
	AutoResolve     bool
}

// AlertHistory is one fired alert. RuleName is denormalized so an alert
// survives its rule being deleted and re-created under the same name.
type AlertHistory struct {
	ID          uuid.UUID
	RuleID      uuid.UUID
	RuleName    string
	DeviceID    uuid.UUID
	Severity    Severity
	TriggeredAt time.Time
	ResolvedAt  *time.Time
	Context     map[string]string
}

// PingResult is a short-lived diagnostic row; the TSDB holds long history.
type PingResult struct {
	DeviceID  uuid.UUID
	IP        string
	Reachable bool
	AvgRTTMS  *float64
	LossRatio float64
	ProbedAt  time.Time
}
