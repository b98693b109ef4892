package tenant

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

// SecretKeySize is the required master key length (AES-256).
const SecretKeySize = 32

const secretInfo = "worktally-tenant-db-v1"

// SecretBox encrypts tenant database passwords at rest.
// Each tenant gets its own AES-256-GCM key derived from the master key with
// HKDF-SHA-256, salted with the tenant ID.
type SecretBox struct {
	masterKey []byte
}

// NewSecretBox creates a SecretBox. The key must be exactly 32 bytes.
func NewSecretBox(masterKey []byte) (*SecretBox, error) {
	if len(masterKey) != SecretKeySize {
		return nil, fmt.Errorf("tenant secret key must be %d bytes, got %d", SecretKeySize, len(masterKey))
	}
	key := make([]byte, SecretKeySize)
	copy(key, masterKey)
	return &SecretBox{masterKey: key}, nil
}

// NewSecretBoxFromBase64 decodes a standard base64 key.
func NewSecretBoxFromBase64(encoded string) (*SecretBox, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode tenant secret key: %w", err)
	}
	return NewSecretBox(key)
}

func (b *SecretBox) aead(tenantID string) (cipher.AEAD, error) {
	r := hkdf.New(sha256.New, b.masterKey, []byte(tenantID), []byte(secretInfo))
	key := make([]byte, SecretKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext for tenantID. Output is base64(nonce || ciphertext).
func (b *SecretBox) Encrypt(tenantID, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := b.aead(tenantID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt for the same tenantID.
// An empty input decrypts to an empty password.
func (b *SecretBox) Decrypt(tenantID, encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Join(ErrInvalidSecret, err)
	}
	gcm, err := b.aead(tenantID)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", ErrInvalidSecret
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", errors.Join(ErrInvalidSecret, err)
	}
	return string(plain), nil
}
