// Package crypto seals backend access tokens at rest.
//
// Tokens are encrypted with AES-256-GCM under a key derived from the
// daemon's machine id, so a copied database file alone does not leak
// the backend credential. This is not a substitute for a platform
// keystore; it raises the bar from "read the file" to "read the file
// and know the machine id".
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	// ErrInvalidCiphertext is returned when a stored token fails to
	// decode or authenticate.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrEmptyToken is returned when asked to seal an empty token.
	ErrEmptyToken = errors.New("token cannot be empty")
)

// defaultMachineID keys installs that never configured a machine id.
const defaultMachineID = "repbook-default-key"

// DeriveKey derives the 32-byte sealing key for a machine id. The
// product prefix keeps the key distinct from anything else hashing the
// same machine id.
func DeriveKey(machineID string) []byte {
	if machineID == "" {
		machineID = defaultMachineID
	}
	hash := sha256.Sum256([]byte("repbook:" + machineID))
	return hash[:]
}

// EncryptToken seals token under the machine key. The result is
// base64(nonce || ciphertext || tag), suitable for a TEXT column.
func EncryptToken(token, machineID string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}

	aead, err := newAEAD(machineID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, []byte(token), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptToken opens a token sealed by EncryptToken. Empty input means
// no token is stored and yields an empty token with no error.
func DecryptToken(sealed, machineID string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	aead, err := newAEAD(machineID)
	if err != nil {
		return "", err
	}
	if len(data) < aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	token, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(token), nil
}

// newAEAD builds the AES-256-GCM cipher for a machine id.
func newAEAD(machineID string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(DeriveKey(machineID))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
