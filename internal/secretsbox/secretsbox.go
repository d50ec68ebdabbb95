// Package secretsbox implements C3, the Secrets Box: symmetric encryption
// for mount credentials at rest. It is adapted from the teacher's
// db.EncryptedString (AES-256-GCM, transparent GORM column type) but the
// spec treats mount credentials as an opaque encrypted blob that is only
// ever decrypted into a short-lived struct immediately before building a
// mountStorage command (§4.5, §9) — never transparently on every row read.
// That calls for an explicit Encrypt/Decrypt service rather than a
// database/sql.Scanner, so this package uses golang.org/x/crypto/nacl/secretbox
// (XSalsa20-Poly1305) directly: the same module the teacher already
// depends on, applied through its "secretbox" primitive — a naming match
// for the spec's "Secrets Box" component.
package secretsbox

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the required length, in bytes, of the master key passed to New.
const KeySize = 32

// ErrDecryptFailed is returned when a blob cannot be authenticated and
// decrypted — either it was tampered with, or it was encrypted under a
// different key.
var ErrDecryptFailed = errors.New("secretsbox: decryption failed")

// Box encrypts and decrypts small JSON-shaped secrets (mount credentials)
// under a single master key. The zero value is not usable — create
// instances with New.
type Box struct {
	key [KeySize]byte
}

// New creates a Box from a 32-byte master key. Call this once at startup
// with a key derived from ARKEEP_SECRET_KEY (or equivalent), mirroring the
// teacher's db.InitEncryption startup step.
func New(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secretsbox: key must be exactly %d bytes, got %d", KeySize, len(key))
	}
	b := &Box{}
	copy(b.key[:], key)
	return b, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns
// nonce || ciphertext, suitable for storing directly as an opaque blob
// (see db.MountCredentials.EncryptedBlob).
func (b *Box) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("secretsbox: failed to generate nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], plaintext, &nonce, &b.key)
	return out, nil
}

// Decrypt authenticates and opens a blob previously produced by Encrypt.
func (b *Box) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < 24 {
		return nil, ErrDecryptFailed
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])

	plaintext, ok := secretbox.Open(nil, blob[24:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// MountCredentials is the short-lived, decrypted shape of a CIFS mount's
// credentials. It must never be logged or persisted — only passed into the
// payload of a single mountStorage command (§4.5 step 3-4).
type MountCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain,omitempty"`
}

// EncryptCredentials marshals creds to JSON and seals it for storage in
// MountCredentials.EncryptedBlob.
func (b *Box) EncryptCredentials(creds MountCredentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("secretsbox: failed to marshal credentials: %w", err)
	}
	return b.Encrypt(plaintext)
}

// DecryptCredentials opens and unmarshals a blob produced by EncryptCredentials.
func (b *Box) DecryptCredentials(blob []byte) (MountCredentials, error) {
	var creds MountCredentials
	plaintext, err := b.Decrypt(blob)
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return creds, fmt.Errorf("secretsbox: failed to unmarshal credentials: %w", err)
	}
	return creds, nil
}
