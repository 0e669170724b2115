package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
)

// Encryptor provides AES-256-GCM encryption for tokens at rest.
// Partner credentials never touch storage in plaintext.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an Encryptor with the given 32-byte AES-256 key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("token encryptor: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("token encryptor: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token encryptor: create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Seal serializes the token and encrypts it, returning the nonce
// prepended to the ciphertext.
func (e *Encryptor) Seal(t *AuthToken) ([]byte, error) {
	plaintext, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("token encrypt: marshal: %w", err)
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("token encrypt: generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed token blob and deserializes it.
func (e *Encryptor) Open(data []byte) (*AuthToken, error) {
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("token decrypt: ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("token decrypt: %w", err)
	}
	var t AuthToken
	if err := json.Unmarshal(plaintext, &t); err != nil {
		return nil, fmt.Errorf("token decrypt: unmarshal: %w", err)
	}
	return &t, nil
}
