package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

// ErrNotFound is returned when a device has no stored credential.
var ErrNotFound = errors.New("vault: credential not found")

// CredentialRow is the encrypted shape of a credential as stored at rest.
// Ciphertext fields are base64(nonce || sealed).
type CredentialRow struct {
	DeviceID             uuid.UUID
	Version              models.SNMPVersion
	Port                 uint16
	CommunityCiphertext  string
	SecurityName         string
	AuthProtocol         string
	AuthKeyCiphertext    string
	PrivProtocol         string
	PrivKeyCiphertext    string
}

// Store fetches encrypted credential rows; the relational store implements it.
type Store interface {
	GetCredentialRow(ctx context.Context, deviceID uuid.UUID) (*CredentialRow, error)
}

// Vault decrypts SNMP credential material on demand. Read-mostly: credential
// writes happen outside the monitoring core.
type Vault struct {
	store Store
	aead  func() (cipherAEAD, error)
	key   []byte
}

type cipherAEAD interface {
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	NonceSize() int
}

// New builds a vault over the given store. The key must be 32 bytes, supplied
// base64-encoded via VAULT_KEY.
func New(store Store, encodedKey string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("vault: decode key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	v := &Vault{store: store, key: key}
	v.aead = func() (cipherAEAD, error) { return chacha20poly1305.NewX(v.key) }
	return v, nil
}

// Decrypt resolves a device to its plaintext SNMP credential. Returns
// ErrNotFound when the device has none.
func (v *Vault) Decrypt(ctx context.Context, deviceID uuid.UUID) (*models.SNMPCredential, error) {
	row, err := v.store.GetCredentialRow(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}

	cred := &models.SNMPCredential{
		DeviceID:     row.DeviceID,
		Version:      row.Version,
		Port:         row.Port,
		SecurityName: row.SecurityName,
		AuthProtocol: row.AuthProtocol,
		PrivProtocol: row.PrivProtocol,
	}
	if cred.Port == 0 {
		cred.Port = 161
	}

	switch row.Version {
	case models.SNMPv2c:
		cred.Community, err = v.open(row.CommunityCiphertext)
		if err != nil {
			return nil, fmt.Errorf("vault: decrypt community for %s: %w", deviceID, err)
		}
	case models.SNMPv3:
		if row.AuthKeyCiphertext != "" {
			cred.AuthKey, err = v.open(row.AuthKeyCiphertext)
			if err != nil {
				return nil, fmt.Errorf("vault: decrypt auth key for %s: %w", deviceID, err)
			}
		}
		if row.PrivKeyCiphertext != "" {
			cred.PrivKey, err = v.open(row.PrivKeyCiphertext)
			if err != nil {
				return nil, fmt.Errorf("vault: decrypt priv key for %s: %w", deviceID, err)
			}
		}
	default:
		return nil, fmt.Errorf("vault: unknown SNMP version %q", row.Version)
	}
	return cred, nil
}

// Encrypt seals a secret for storage. Used by provisioning tooling and tests;
// the monitoring core itself only decrypts.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := v.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

func (v *Vault) open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := v.aead()
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("ciphertext shorter than nonce")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}
