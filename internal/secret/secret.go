// Package secret seals chat tokens at rest and derives purpose-bound keys.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the required master key length in bytes (AES-256).
const KeySize = 32

const (
	nonceSize = 12
	tagSize   = 16
)

// Purposes for DeriveKey.
const (
	PurposeTokenSealing = "helpme-slack/token-sealing/v1"
	PurposeViewSigning  = "helpme-slack/view-signing/v1"
)

// ErrMalformed is returned when a sealed value cannot be decoded.
var ErrMalformed = errors.New("secret: malformed sealed value")

// ParseKey decodes a base64 master key and checks its length.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// DeriveKey derives a KeySize key from master for a single purpose using HKDF-SHA256.
func DeriveKey(master []byte, purpose string) ([]byte, error) {
	if len(master) == 0 {
		return nil, errors.New("derive key: empty master key")
	}
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(purpose)), out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

// Sealer encrypts short strings with AES-256-GCM.
// The encoded layout is base64(nonce || tag || ciphertext), which matches the
// layout written by the legacy links table.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer for a KeySize key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("sealer key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	// GCM appends the tag after the ciphertext; move it in front.
	sealed := s.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	buf := make([]byte, 0, nonceSize+tagSize+len(ct))
	buf = append(buf, nonce...)
	buf = append(buf, tag...)
	buf = append(buf, ct...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(encoded string) (string, error) {
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformed
	}
	if len(buf) < nonceSize+tagSize {
		return "", ErrMalformed
	}
	nonce := buf[:nonceSize]
	tag := buf[nonceSize : nonceSize+tagSize]
	ct := buf[nonceSize+tagSize:]

	joined := make([]byte, 0, len(ct)+tagSize)
	joined = append(joined, ct...)
	joined = append(joined, tag...)
	plain, err := s.aead.Open(nil, nonce, joined, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}
