package snmp

import (
	"context"
	"fmt"
	"strings"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog/log"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

const minRepetitions = 5

// VarBind is one decoded OID/value pair from a response.
type VarBind struct {
	OID   string
	Type  gosnmp.Asn1BER
	Value interface{}
}

// Exists reports whether the agent actually holds this object. NoSuchObject,
// NoSuchInstance and EndOfMibView come back as var-binds, not errors.
func (v VarBind) Exists() bool {
	switch v.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return false
	}
	return true
}

// Client issues SNMP requests against one device at a time. Sessions are
// per-call UDP exchanges; there is nothing to pool.
type Client struct {
	cfg config.SNMPConfig
}

// NewClient builds a client from the SNMP tuning.
func NewClient(cfg config.SNMPConfig) *Client {
	return &Client{cfg: cfg}
}

// Get fetches scalar or indexed OIDs in one request.
func (c *Client) Get(ctx context.Context, target string, cred *models.SNMPCredential, oids []string) ([]VarBind, error) {
	params, err := c.session(ctx, target, cred)
	if err != nil {
		return nil, err
	}
	if err := params.Connect(); err != nil {
		return nil, wrapError("get", target, err)
	}
	defer params.Conn.Close()

	resp, err := params.Get(oids)
	if err != nil {
		return nil, wrapError("get", target, err)
	}
	if resp.Error == gosnmp.TooBig {
		return nil, &Error{Kind: KindTooBig, Target: target, Op: "get", wrapped: fmt.Errorf("agent returned tooBig for %d oids", len(oids))}
	}
	return pdusToVarBinds(resp.Variables), nil
}

// GetNext fetches the lexicographic successors of the given OIDs.
func (c *Client) GetNext(ctx context.Context, target string, cred *models.SNMPCredential, oids []string) ([]VarBind, error) {
	params, err := c.session(ctx, target, cred)
	if err != nil {
		return nil, err
	}
	if err := params.Connect(); err != nil {
		return nil, wrapError("getnext", target, err)
	}
	defer params.Conn.Close()

	resp, err := params.GetNext(oids)
	if err != nil {
		return nil, wrapError("getnext", target, err)
	}
	return pdusToVarBinds(resp.Variables), nil
}

// BulkWalk walks a subtree with GETBULK, invoking fn per var-bind. A tooBig
// response halves max-repetitions and restarts the walk, down to a floor.
func (c *Client) BulkWalk(ctx context.Context, target string, cred *models.SNMPCredential, baseOID string, fn func(vb VarBind) error) error {
	reps := c.cfg.MaxRepetitions
	for {
		err := c.bulkWalkOnce(ctx, target, cred, baseOID, reps, fn)
		if err == nil {
			return nil
		}
		if IsKind(err, KindTooBig) && reps/2 >= minRepetitions {
			reps /= 2
			log.Debug().
				Str("target", target).
				Str("oid", baseOID).
				Uint32("max_repetitions", reps).
				Msg("Agent returned tooBig, retrying walk with smaller repetitions")
			continue
		}
		return err
	}
}

func (c *Client) bulkWalkOnce(ctx context.Context, target string, cred *models.SNMPCredential, baseOID string, reps uint32, fn func(vb VarBind) error) error {
	params, err := c.session(ctx, target, cred)
	if err != nil {
		return err
	}
	params.MaxRepetitions = reps
	if err := params.Connect(); err != nil {
		return wrapError("bulkwalk", target, err)
	}
	defer params.Conn.Close()

	err = params.BulkWalk(baseOID, func(pdu gosnmp.SnmpPDU) error {
		vb := VarBind{OID: pdu.Name, Type: pdu.Type, Value: pdu.Value}
		if !vb.Exists() {
			return nil
		}
		return fn(vb)
	})
	if err != nil {
		return wrapError("bulkwalk", target, err)
	}
	return nil
}

// session builds per-request connection parameters from a decrypted
// credential. The context deadline caps the whole exchange.
func (c *Client) session(ctx context.Context, target string, cred *models.SNMPCredential) (*gosnmp.GoSNMP, error) {
	port := cred.Port
	if port == 0 {
		port = uint16(c.cfg.Port)
	}
	params := &gosnmp.GoSNMP{
		Context:        ctx,
		Target:         target,
		Port:           port,
		Timeout:        c.cfg.Timeout,
		Retries:        c.cfg.Retries,
		MaxRepetitions: c.cfg.MaxRepetitions,
	}

	switch cred.Version {
	case models.SNMPv2c:
		params.Version = gosnmp.Version2c
		params.Community = cred.Community
	case models.SNMPv3:
		params.Version = gosnmp.Version3
		params.SecurityModel = gosnmp.UserSecurityModel
		usm := &gosnmp.UsmSecurityParameters{UserName: cred.SecurityName}
		params.MsgFlags = gosnmp.NoAuthNoPriv
		if cred.AuthKey != "" {
			usm.AuthenticationProtocol = authProtocol(cred.AuthProtocol)
			usm.AuthenticationPassphrase = cred.AuthKey
			params.MsgFlags = gosnmp.AuthNoPriv
		}
		if cred.PrivKey != "" {
			usm.PrivacyProtocol = privProtocol(cred.PrivProtocol)
			usm.PrivacyPassphrase = cred.PrivKey
			params.MsgFlags = gosnmp.AuthPriv
		}
		params.SecurityParameters = usm
	default:
		return nil, &Error{Kind: KindAuth, Target: target, Op: "session",
			wrapped: fmt.Errorf("unsupported SNMP version %q", cred.Version)}
	}
	return params, nil
}

func authProtocol(name string) gosnmp.SnmpV3AuthProtocol {
	switch strings.ToUpper(name) {
	case "MD5":
		return gosnmp.MD5
	case "SHA224":
		return gosnmp.SHA224
	case "SHA256":
		return gosnmp.SHA256
	case "SHA384":
		return gosnmp.SHA384
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.SHA
	}
}

func privProtocol(name string) gosnmp.SnmpV3PrivProtocol {
	switch strings.ToUpper(name) {
	case "DES":
		return gosnmp.DES
	case "AES192":
		return gosnmp.AES192
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.AES
	}
}

func pdusToVarBinds(pdus []gosnmp.SnmpPDU) []VarBind {
	out := make([]VarBind, 0, len(pdus))
	for _, pdu := range pdus {
		out = append(out, VarBind{OID: pdu.Name, Type: pdu.Type, Value: pdu.Value})
	}
	return out
}
