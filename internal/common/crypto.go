package common

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// Encryptor provides transparent field encryption for medical content.
// Fields are encrypted with AES-256-GCM and stored base64-encoded; a companion
// SHA-256 hex hash supports deterministic equality lookup without decryption.
// Callers above the repository layer never see ciphertext.
type Encryptor struct {
	enabled bool
	aead    cipher.AEAD
}

// NewEncryptor creates an Encryptor from configuration. The key is either
// 32 raw bytes or 64 hex characters. With encryption disabled the encryptor
// passes values through unchanged (development only).
func NewEncryptor(cfg *EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return &Encryptor{enabled: false}, nil
	}

	key, err := parseKey(cfg.Key)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Encryptor{enabled: true, aead: aead}, nil
}

func parseKey(key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("encryption key is required when encryption is enabled")
	}
	if len(key) == 64 {
		decoded, err := hex.DecodeString(key)
		if err == nil {
			return decoded, nil
		}
	}
	if len(key) == 32 {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("encryption key must be 32 raw bytes or 64 hex characters")
}

// Enabled reports whether encryption is active.
func (e *Encryptor) Enabled() bool {
	return e.enabled
}

// EncryptString encrypts a text field. Empty input stays empty.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if !e.enabled {
		return plaintext, nil
	}
	data, err := e.EncryptBytes([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecryptString reverses EncryptString.
func (e *Encryptor) DecryptString(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if !e.enabled {
		return ciphertext, nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	data, err := e.DecryptBytes(raw)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EncryptBytes encrypts a binary payload. The nonce is prepended.
func (e *Encryptor) EncryptBytes(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	if !e.enabled {
		return plaintext, nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptBytes reverses EncryptBytes.
func (e *Encryptor) DecryptBytes(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if !e.enabled {
		return data, nil
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// SearchableHash returns the SHA-256 hex of the plaintext for deterministic
// equality lookup of encrypted fields. Empty input yields an empty hash.
func SearchableHash(plaintext string) string {
	if plaintext == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
