package snmp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gosnmp/gosnmp"
)

const maxStringLen = 1024

// CleanString decodes and sanitizes an SNMP string value. Agents return
// OctetStrings that may carry control characters or garbage bytes.
func CleanString(vb VarBind) (string, error) {
	var str string
	switch v := vb.Value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return "", fmt.Errorf("%s: expected string or []byte, got %T", vb.OID, vb.Value)
	}

	if strings.IndexByte(str, 0) >= 0 {
		return "", fmt.Errorf("%s contains null byte", vb.OID)
	}
	if len(str) > maxStringLen {
		str = str[:maxStringLen]
	}

	sanitized := make([]byte, 0, len(str))
	for i := 0; i < len(str); i++ {
		ch := str[i]
		switch {
		case ch == '\n' || ch == '\r' || ch == '\t':
			sanitized = append(sanitized, ' ')
		case ch >= 32 && ch <= 126:
			sanitized = append(sanitized, ch)
		}
	}
	return strings.TrimSpace(string(sanitized)), nil
}

// ToUint64 converts counter and gauge values.
func ToUint64(vb VarBind) (uint64, error) {
	switch vb.Type {
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Integer, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(vb.Value).Uint64(), nil
	}
	return 0, fmt.Errorf("%s: type %v is not numeric", vb.OID, vb.Type)
}

// ToFloat64 converts any numeric value, including string-encoded numbers some
// agents emit for derived metrics.
func ToFloat64(vb VarBind) (float64, error) {
	if n, err := ToUint64(vb); err == nil {
		return float64(n), nil
	}
	s, err := CleanString(vb)
	if err != nil {
		return 0, fmt.Errorf("%s: value is neither numeric nor string", vb.OID)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", vb.OID, err)
	}
	return f, nil
}

// IndexOf extracts the trailing instance index from a walked OID,
// e.g. ".1.3.6.1.2.1.2.2.1.2.17" under ifDescr yields 17.
func IndexOf(oid, base string) (int, bool) {
	trimmed := strings.TrimPrefix(oid, base)
	if trimmed == oid {
		return 0, false
	}
	trimmed = strings.TrimPrefix(trimmed, ".")
	idx, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, false
	}
	return idx, true
}
