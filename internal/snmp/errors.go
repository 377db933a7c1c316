package snmp

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind tags an SNMP failure so workers can switch on it instead of parsing
// error strings. Per-device kinds are contained; they never fail a batch.
type Kind string

const (
	KindTimeout Kind = "timeout"
	KindNetwork Kind = "network"
	KindAuth    Kind = "auth"
	KindDecode  Kind = "decode"
	KindTooBig  Kind = "tooBig"
)

// Error is a tagged SNMP failure.
type Error struct {
	Kind    Kind
	Target  string
	Op      string
	wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("snmp %s %s: %s: %v", e.Op, e.Target, e.Kind, e.wrapped)
}

func (e *Error) Unwrap() error { return e.wrapped }

// IsKind reports whether err is an SNMP error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

func wrapError(op, target string, err error) *Error {
	return &Error{Kind: classify(err), Target: target, Op: op, wrapped: err}
}

func classify(err error) Kind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "authorization") ||
		strings.Contains(msg, "unknown username") ||
		strings.Contains(msg, "usm") ||
		strings.Contains(msg, "incorrect community"):
		return KindAuth
	case strings.Contains(msg, "toobig") || strings.Contains(msg, "too big"):
		return KindTooBig
	case strings.Contains(msg, "unmarshal") ||
		strings.Contains(msg, "decod") ||
		strings.Contains(msg, "parse") ||
		strings.Contains(msg, "ber"):
		return KindDecode
	default:
		return KindNetwork
	}
}
