package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

type mapStore struct {
	rows map[uuid.UUID]*CredentialRow
}

func (m *mapStore) GetCredentialRow(_ context.Context, id uuid.UUID) (*CredentialRow, error) {
	return m.rows[id], nil
}

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestRoundTripV2c(t *testing.T) {
	store := &mapStore{rows: map[uuid.UUID]*CredentialRow{}}
	v, err := New(store, testKey(t))
	require.NoError(t, err)

	ct, err := v.Encrypt("s3cret-community")
	require.NoError(t, err)
	assert.NotContains(t, ct, "s3cret-community")

	id := uuid.New()
	store.rows[id] = &CredentialRow{
		DeviceID:            id,
		Version:             models.SNMPv2c,
		CommunityCiphertext: ct,
	}

	cred, err := v.Decrypt(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-community", cred.Community)
	assert.Equal(t, uint16(161), cred.Port, "default port applied")
}

func TestRoundTripV3(t *testing.T) {
	store := &mapStore{rows: map[uuid.UUID]*CredentialRow{}}
	v, err := New(store, testKey(t))
	require.NoError(t, err)

	authCT, err := v.Encrypt("auth-pass")
	require.NoError(t, err)
	privCT, err := v.Encrypt("priv-pass")
	require.NoError(t, err)

	id := uuid.New()
	store.rows[id] = &CredentialRow{
		DeviceID:          id,
		Version:           models.SNMPv3,
		Port:              1161,
		SecurityName:      "wardflux",
		AuthProtocol:      "SHA",
		AuthKeyCiphertext: authCT,
		PrivProtocol:      "AES",
		PrivKeyCiphertext: privCT,
	}

	cred, err := v.Decrypt(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "auth-pass", cred.AuthKey)
	assert.Equal(t, "priv-pass", cred.PrivKey)
	assert.Equal(t, "wardflux", cred.SecurityName)
	assert.Equal(t, uint16(1161), cred.Port)
}

func TestDecryptMissingDevice(t *testing.T) {
	v, err := New(&mapStore{rows: map[uuid.UUID]*CredentialRow{}}, testKey(t))
	require.NoError(t, err)

	_, err = v.Decrypt(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWrongKeyFails(t *testing.T) {
	store := &mapStore{rows: map[uuid.UUID]*CredentialRow{}}
	v1, err := New(store, testKey(t))
	require.NoError(t, err)
	ct, err := v1.Encrypt("community")
	require.NoError(t, err)

	id := uuid.New()
	store.rows[id] = &CredentialRow{DeviceID: id, Version: models.SNMPv2c, CommunityCiphertext: ct}

	v2, err := New(store, testKey(t))
	require.NoError(t, err)
	_, err = v2.Decrypt(context.Background(), id)
	assert.Error(t, err, "ciphertext sealed under a different key must not open")
}

func TestBadKeyLength(t *testing.T) {
	_, err := New(&mapStore{}, base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}
