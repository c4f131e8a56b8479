// Package vault provides authenticated symmetric encryption for stored
// SSH secrets. Ciphertext is packed as three colon-separated hex fields
// (iv:tag:cipher); any other shape is a hard decrypt error.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// ErrDecrypt is returned for malformed packed ciphertext or an
// authentication failure.
var ErrDecrypt = errors.New("decrypt error")

// ErrNoSecret is returned by New when no encryption secret is supplied.
var ErrNoSecret = errors.New("vault secret is not configured")

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard nonce
	tagSize   = 16 // GCM tag

	// scrypt parameters. Deliberately slow: the key is derived once at
	// startup and cached, never per call.
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// saltContext is the fixed scrypt salt. The operator secret is the only
// input that must stay private; a fixed salt keeps the packed format
// free of key-derivation metadata.
var saltContext = []byte("bloxos.credential.vault.v1")

// Vault encrypts and decrypts credential material with a key derived
// once from the operator secret.
type Vault struct {
	aead cipher.AEAD
}

// New derives the vault key from the operator secret and returns a
// ready Vault. Fails if the secret is empty.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}

	key, err := scrypt.Key([]byte(secret), saltContext, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive vault key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns the packed ivHex:tagHex:cipherHex
// representation.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the GCM tag to the ciphertext; split it back out so
	// the packed format carries the tag as its own field.
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	), nil
}

// Decrypt unpacks and opens a value produced by Encrypt. Wrong part
// count, bad hex, wrong tag length, and authentication failure all
// surface as ErrDecrypt.
func (v *Vault) Decrypt(packed string) (string, error) {
	parts := strings.Split(packed, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 parts, got %d", ErrDecrypt, len(parts))
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: malformed iv", ErrDecrypt)
	}

	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: malformed auth tag", ErrDecrypt)
	}

	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrDecrypt)
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}

	return string(plaintext), nil
}
