package discovery

import (
	"strings"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

// IANA ifType values the classifier cares about.
const (
	ifTypeEthernet    = 6
	ifTypeLoopback    = 24
	ifTypePropVirtual = 53
	ifTypeTunnel      = 131
	ifTypeL2VLAN      = 135
	ifTypeLAG         = 161
)

const gigabit = 1_000_000_000

// ispProviders maps a lowercase ifAlias keyword to the canonical provider
// name. Unknown aliases yield no provider.
var ispProviders = []struct {
	keyword  string
	provider string
}{
	{"magti", "Magti"},
	{"silknet", "Silknet"},
	{"caucasus", "Caucasus Online"},
	{"veon", "Veon"},
	{"beeline", "Beeline"},
	{"skytel", "Skytel"},
	{"datahouse", "Datahouse"},
	{"geonet", "Geonet"},
}

var criticalNamePatterns = []string{"uplink", "core", "backbone", "wan"}

// ProviderFromAlias matches an interface alias against the provider keyword
// table. Returns "" when no provider is recognized.
func ProviderFromAlias(alias string) string {
	lower := strings.ToLower(alias)
	for _, p := range ispProviders {
		if strings.Contains(lower, p.keyword) {
			return p.provider
		}
	}
	return ""
}

// Classify fills the classification fields of a discovered interface row:
// InterfaceType, ISPProvider, IsISP and IsCritical. The input row must carry
// IfName, IfAlias, IfType and SpeedBPS.
func Classify(iface *models.Interface) {
	iface.ISPProvider = ProviderFromAlias(iface.IfAlias)
	iface.InterfaceType = interfaceType(iface)
	iface.IsISP = iface.InterfaceType == models.InterfaceISP
	iface.IsCritical = iface.IsISP ||
		matchesCritical(iface.IfName, iface.IfAlias) ||
		(iface.SpeedBPS >= gigabit && iface.InterfaceType == models.InterfaceTrunk)
}

// interfaceType applies the rules table in order; the first match wins.
func interfaceType(iface *models.Interface) models.InterfaceType {
	name := strings.ToLower(iface.IfName)
	alias := strings.ToLower(iface.IfAlias)

	switch {
	case iface.ISPProvider != "" || strings.Contains(alias, "isp"):
		return models.InterfaceISP
	case iface.IfType == ifTypeLoopback || strings.HasPrefix(name, "lo"):
		return models.InterfaceLoopback
	case iface.IfType == ifTypeTunnel ||
		strings.HasPrefix(name, "tun") || strings.HasPrefix(name, "gre") || strings.HasPrefix(name, "ipip"):
		return models.InterfaceTunnel
	case iface.IfType == ifTypePropVirtual || iface.IfType == ifTypeL2VLAN ||
		strings.HasPrefix(name, "vlan") || strings.HasPrefix(name, "br") || strings.HasPrefix(name, "veth"):
		return models.InterfaceVirtual
	case strings.Contains(name, "mgmt") || strings.Contains(alias, "mgmt") || strings.Contains(alias, "management"):
		return models.InterfaceMgmt
	case strings.Contains(name, "wan") || strings.Contains(alias, "wan"):
		return models.InterfaceWAN
	case iface.IfType == ifTypeLAG ||
		strings.HasPrefix(name, "port-channel") || strings.HasPrefix(name, "po") && isDigitSuffix(name, "po") ||
		strings.HasPrefix(name, "bond") || strings.HasPrefix(name, "ae") && isDigitSuffix(name, "ae") ||
		strings.Contains(alias, "trunk") || strings.Contains(alias, "uplink"):
		return models.InterfaceTrunk
	case iface.IfType == ifTypeEthernet:
		return models.InterfaceAccess
	default:
		return models.InterfaceOther
	}
}

func matchesCritical(name, alias string) bool {
	lower := strings.ToLower(name) + " " + strings.ToLower(alias)
	for _, p := range criticalNamePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// isDigitSuffix reports whether name is prefix followed only by digits,
// so "po1" matches but "pos0/1" and "power" do not.
func isDigitSuffix(name, prefix string) bool {
	rest := name[len(prefix):]
	if rest == "" {
		return false
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] < '0' || rest[i] > '9' {
			return false
		}
	}
	return true
}

// vendorSignatures maps sysDescr/sysObjectID substrings to a canonical
// vendor name, checked in order.
var vendorSignatures = []struct {
	keyword string
	vendor  string
}{
	{"cisco", "Cisco"},
	{"mikrotik", "MikroTik"},
	{"routeros", "MikroTik"},
	{"huawei", "Huawei"},
	{"juniper", "Juniper"},
	{"junos", "Juniper"},
	{"aruba", "Aruba"},
	{"procurve", "HP"},
	{"hewlett", "HP"},
	{"fortinet", "Fortinet"},
	{"fortigate", "Fortinet"},
	{"hikvision", "Hikvision"},
	{"dahua", "Dahua"},
	{"ubiquiti", "Ubiquiti"},
	{"edgeos", "Ubiquiti"},
	{"unifi", "Ubiquiti"},
	{"tp-link", "TP-Link"},
	{"d-link", "D-Link"},
	{"zyxel", "Zyxel"},
	{"linux", "Linux"},
	{"windows", "Windows"},
}

// sysObjectID enterprise arcs for agents whose sysDescr is unhelpful.
var enterpriseOIDs = []struct {
	prefix string
	vendor string
}{
	{".1.3.6.1.4.1.9.", "Cisco"},
	{".1.3.6.1.4.1.14988.", "MikroTik"},
	{".1.3.6.1.4.1.2011.", "Huawei"},
	{".1.3.6.1.4.1.2636.", "Juniper"},
	{".1.3.6.1.4.1.14823.", "Aruba"},
	{".1.3.6.1.4.1.12356.", "Fortinet"},
	{".1.3.6.1.4.1.39165.", "Hikvision"},
	{".1.3.6.1.4.1.1004849.", "Dahua"},
	{".1.3.6.1.4.1.41112.", "Ubiquiti"},
}

// VendorFrom derives a canonical vendor name from sysDescr and sysObjectID.
// Returns "" when neither identifies the platform.
func VendorFrom(sysDescr, sysObjectID string) string {
	lower := strings.ToLower(sysDescr)
	for _, sig := range vendorSignatures {
		if strings.Contains(lower, sig.keyword) {
			return sig.vendor
		}
	}
	for _, e := range enterpriseOIDs {
		if strings.HasPrefix(sysObjectID, e.prefix) {
			return e.vendor
		}
	}
	return ""
}
