// Package encryption seals record payloads before they are written to the records table.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/argon2"
)

// Encryptor seals and opens record payloads.
type Encryptor interface {
	Encrypt(value json.RawMessage) (json.RawMessage, error)
	Decrypt(value json.RawMessage) (json.RawMessage, error)
}

// EncryptedValue is the stored form of a sealed payload.
type EncryptedValue struct {
	EncryptedValue string `json:"encryptedValue"`
	IV             string `json:"iv"`
}

var ErrInvalidKey = errors.New("encryption key must not be empty")

// Noop stores payloads as plain JSON.
type Noop struct{}

func (Noop) Encrypt(value json.RawMessage) (json.RawMessage, error) { return value, nil }
func (Noop) Decrypt(value json.RawMessage) (json.RawMessage, error) { return value, nil }

// AESGCM seals payloads with AES-256-GCM and a random 12-byte nonce per value.
type AESGCM struct {
	aead cipher.AEAD
}

// DeriveKey stretches a configured secret into a 32-byte AES key.
func DeriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, 1, 64*1024, 4, 32)
}

// NewAESGCM builds an Encryptor from a secret. The secret is run through DeriveKey.
func NewAESGCM(secret, salt string) (*AESGCM, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(DeriveKey([]byte(secret), []byte(salt)))
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &AESGCM{aead: aead}, nil
}

func (e *AESGCM) Encrypt(value json.RawMessage) (json.RawMessage, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	sealed := e.aead.Seal(nil, nonce, value, nil)

	return json.Marshal(EncryptedValue{
		EncryptedValue: base64.StdEncoding.EncodeToString(sealed),
		IV:             base64.StdEncoding.EncodeToString(nonce),
	})
}

// Decrypt opens a sealed payload. Values that are not in the sealed form are returned
// unchanged and without error: pruned `{}` payloads and rows written before an
// encryption key was configured are stored as plain JSON and are read back as is.
// A payload that is in the sealed form but fails to open is always an error.
func (e *AESGCM) Decrypt(value json.RawMessage) (json.RawMessage, error) {
	var stored EncryptedValue
	if err := json.Unmarshal(value, &stored); err != nil || stored.EncryptedValue == "" || stored.IV == "" {
		return value, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(stored.EncryptedValue)
	if err != nil {
		return nil, err
	}

	nonce, err := base64.StdEncoding.DecodeString(stored.IV)
	if err != nil {
		return nil, err
	}

	return e.aead.Open(nil, nonce, sealed, nil)
}
