package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Encryption seals per-tenant secrets with AES-256-GCM. Each tenant gets its
// own data key derived from the master key with HKDF, and the tenant id is
// bound as additional data, so a ciphertext copied across tenants fails to open.
type Encryption struct {
	master []byte
}

// NewEncryption creates a new encryption service from a 32-byte master key
func NewEncryption(masterKey []byte) (*Encryption, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("invalid master key size: must be 32 bytes, got %d", len(masterKey))
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &Encryption{master: key}, nil
}

// NewEncryptionFromBase64 creates a new encryption service from a base64-encoded key
func NewEncryptionFromBase64(encodedKey string) (*Encryption, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	return NewEncryption(key)
}

// GenerateKey returns a random 32-byte master key, base64-encoded for
// environment variables
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (e *Encryption) aead(tenantID string) (cipher.AEAD, error) {
	dataKey := make([]byte, 32)
	kdf := hkdf.New(sha256.New, e.master, nil, []byte("provider-key:"+tenantID))
	if _, err := io.ReadFull(kdf, dataKey); err != nil {
		return nil, fmt.Errorf("failed to derive tenant key: %w", err)
	}
	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext for tenantID and returns base64(nonce|ciphertext)
func (e *Encryption) Seal(tenantID string, plaintext []byte) (string, error) {
	gcm, err := e.aead(tenantID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(tenantID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. It fails when the ciphertext belongs to another tenant.
func (e *Encryption) Open(tenantID, sealedBase64 string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(sealedBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	gcm, err := e.aead(tenantID)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
