// Package vault seals and opens drive credentials with AES-256-GCM.
// Payloads are DEFLATE-compressed before encryption; the sealed record
// stores ciphertext, IV and auth tag separately and all three are required
// to read it back.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/drivepool/backend/internal/models"
)

var (
	ErrBadMasterKey  = errors.New("vault master key must be 32 bytes")
	ErrDecryptFailed = errors.New("credential decryption failed")
	ErrIncomplete    = errors.New("credential record is missing encrypted, iv or auth_tag")
)

const gcmTagSize = 16

// Vault holds the process-wide master key, loaded once at startup and
// read-only afterwards.
type Vault struct {
	key []byte
}

// New creates a vault from a 64-character hex master key.
func New(masterKeyHex string) (*Vault, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil || len(key) != 32 {
		return nil, ErrBadMasterKey
	}
	return &Vault{key: key}, nil
}

// Seal compresses and encrypts a raw credential for the given drive service id.
func (v *Vault) Seal(serviceID string, raw []byte) (*models.DriveCredential, error) {
	compressed, err := deflate(raw)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, compressed, nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	authTag := sealed[len(sealed)-gcmTagSize:]

	return &models.DriveCredential{
		ServiceID: serviceID,
		Encrypted: base64.StdEncoding.EncodeToString(ciphertext),
		IV:        base64.StdEncoding.EncodeToString(iv),
		AuthTag:   base64.StdEncoding.EncodeToString(authTag),
	}, nil
}

// Open decrypts a sealed credential record and returns the raw credential.
// A failed auth-tag check returns ErrDecryptFailed; that is fatal for the
// drive and must not be retried.
func (v *Vault) Open(cred *models.DriveCredential) ([]byte, error) {
	if cred.Encrypted == "" || cred.IV == "" || cred.AuthTag == "" {
		return nil, ErrIncomplete
	}

	ciphertext, err := base64.StdEncoding.DecodeString(cred.Encrypted)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	iv, err := base64.StdEncoding.DecodeString(cred.IV)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	authTag, err := base64.StdEncoding.DecodeString(cred.AuthTag)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() || len(authTag) != gcmTagSize {
		return nil, ErrDecryptFailed
	}

	sealed := append(ciphertext, authTag...)
	compressed, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return inflate(compressed)
}

// deflate compresses data before encryption to reduce stored size
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return out, nil
}
