package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"gigchat/internal/constants"

	"golang.org/x/crypto/pbkdf2"
)

// SecretEnvVar holds the passphrase used for at-rest encryption.
const SecretEnvVar = "GIGCHAT_ENCRYPTION_SECRET"

const (
	minSecretLength = 32
	sealedPrefix    = "v1:"
)

// Columns double as associated data so a sealed value only opens in the
// column it was written to.
const (
	columnText         = "messages.text"
	columnReplyPreview = "messages.reply_preview"
)

var errCiphertextTooShort = errors.New("ciphertext too short")

// encryptor seals column values with AES-GCM as "v1:" + base64(nonce|box).
// With a nil aead encryption is off and values pass through unchanged.
type encryptor struct {
	aead cipher.AEAD
}

func newEncryptor(enabled bool, secret string) (*encryptor, error) {
	if !enabled {
		return &encryptor{}, nil
	}
	switch {
	case secret == "":
		return nil, fmt.Errorf("%s is required when encryption at rest is enabled", SecretEnvVar)
	case len(secret) < minSecretLength:
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", minSecretLength)
	}

	key := pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt),
		constants.EncryptionIterations, constants.EncryptionKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, constants.EncryptionNonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &encryptor{aead: aead}, nil
}

func (e *encryptor) enabled() bool { return e.aead != nil }

func (e *encryptor) seal(column, plaintext string) (string, error) {
	if plaintext == "" || !e.enabled() {
		return plaintext, nil
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	box := e.aead.Seal(nonce, nonce, []byte(plaintext), []byte(column))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(box), nil
}

// open reverses seal. Values without the prefix were written while
// encryption was off and are returned as stored.
func (e *encryptor) open(column, stored string) (string, error) {
	if !e.enabled() || !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	box, err := base64.RawStdEncoding.DecodeString(stored[len(sealedPrefix):])
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	n := e.aead.NonceSize()
	if len(box) < n+e.aead.Overhead() {
		return "", errCiphertextTooShort
	}
	plaintext, err := e.aead.Open(nil, box[:n], box[n:], []byte(column))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
