package vault

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivepool/backend/internal/models"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestVault(t *testing.T) *Vault {
	v, err := New(testMasterKey)
	require.NoError(t, err)
	return v
}

func TestNewRejectsBadMasterKey(t *testing.T) {
	_, err := New("not-hex")
	assert.ErrorIs(t, err, ErrBadMasterKey)

	_, err = New("abcd") // too short
	assert.ErrorIs(t, err, ErrBadMasterKey)
}

func TestSealOpenRoundTrip(t *testing.T) {
	v := newTestVault(t)

	raw := []byte(`{"type":"service_account","private_key":"` + strings.Repeat("x", 2048) + `"}`)
	cred, err := v.Seal("acct-001", raw)
	require.NoError(t, err)

	assert.Equal(t, "acct-001", cred.ServiceID)
	assert.NotEmpty(t, cred.Encrypted)
	assert.NotEmpty(t, cred.IV)
	assert.NotEmpty(t, cred.AuthTag)

	// Compression should make the stored ciphertext smaller than the input
	ciphertext, err := base64.StdEncoding.DecodeString(cred.Encrypted)
	require.NoError(t, err)
	assert.Less(t, len(ciphertext), len(raw))

	opened, err := v.Open(cred)
	require.NoError(t, err)
	assert.Equal(t, raw, opened)
}

func TestOpenRejectsIncompleteRecord(t *testing.T) {
	v := newTestVault(t)

	cred, err := v.Seal("acct-002", []byte("secret"))
	require.NoError(t, err)

	for _, clear := range []func(c *models.DriveCredential){
		func(c *models.DriveCredential) { c.Encrypted = "" },
		func(c *models.DriveCredential) { c.IV = "" },
		func(c *models.DriveCredential) { c.AuthTag = "" },
	} {
		broken := *cred
		clear(&broken)
		_, err := v.Open(&broken)
		assert.ErrorIs(t, err, ErrIncomplete)
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	v := newTestVault(t)

	cred, err := v.Seal("acct-003", []byte("super secret key material"))
	require.NoError(t, err)

	flipFirstByte := func(encoded string) string {
		data, derr := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, derr)
		data[0] ^= 0xff
		return base64.StdEncoding.EncodeToString(data)
	}

	tests := []struct {
		name   string
		mutate func(c *models.DriveCredential)
	}{
		{"ciphertext", func(c *models.DriveCredential) { c.Encrypted = flipFirstByte(c.Encrypted) }},
		{"iv", func(c *models.DriveCredential) { c.IV = flipFirstByte(c.IV) }},
		{"auth tag", func(c *models.DriveCredential) { c.AuthTag = flipFirstByte(c.AuthTag) }},
		{"garbage base64", func(c *models.DriveCredential) { c.Encrypted = "%%%not-base64%%%" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broken := *cred
			tt.mutate(&broken)
			_, err := v.Open(&broken)
			assert.ErrorIs(t, err, ErrDecryptFailed)
		})
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	v := newTestVault(t)
	cred, err := v.Seal("acct-004", []byte("secret"))
	require.NoError(t, err)

	other, err := New(strings.Repeat("ff", 32))
	require.NoError(t, err)

	_, err = other.Open(cred)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}
