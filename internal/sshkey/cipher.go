// Package sshkey encrypts managed SSH private keys at rest and loads them
// into short-lived ssh-agent processes for git operations.
//
// Keys are stored encrypted with AES-256-GCM under a key derived from a
// process-wide secret using Argon2id. Decrypted key bytes exist only for
// the duration of one agent scope and touch disk only as a 0600 temp file
// that is deleted immediately after ssh-add.
package sshkey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters (RFC 9106 recommendations)
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256

	saltLen  = 32
	nonceLen = 12 // GCM standard nonce size

	saltFile = "sshkey.salt"
)

// ErrNoSecret reports a missing encryption secret. This is a deployment
// error: the agent refuses to generate a silent default because keys
// encrypted under it would be unrecoverable after a restart elsewhere.
var ErrNoSecret = errors.New("ssh key encryption secret is not configured")

// DecryptError reports ciphertext that failed authentication: wrong
// secret, corruption, or material encrypted by a different deployment.
type DecryptError struct {
	cause error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt ssh key: %v", e.cause)
}

func (e *DecryptError) Unwrap() error { return e.cause }

// Cipher performs authenticated encryption of key material.
type Cipher struct {
	key []byte
}

// NewCipher derives the at-rest encryption key from the configured secret
// and a per-installation salt persisted under dataDir. The salt is created
// on first use with owner-only permissions.
func NewCipher(secret []byte, dataDir string) (*Cipher, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	salt, err := loadOrCreateSalt(dataDir)
	if err != nil {
		return nil, err
	}
	key := argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return &Cipher{key: key}, nil
}

// Encrypt seals raw key material. The nonce is prepended to the ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens sealed key material. Authentication failure is a
// *DecryptError; garbage is never returned.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceLen {
		return nil, &DecryptError{cause: errors.New("ciphertext too short")}
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[:nonceLen]
	plaintext, err := gcm.Open(nil, nonce, ciphertext[nonceLen:], nil)
	if err != nil {
		return nil, &DecryptError{cause: err}
	}
	return plaintext, nil
}

// loadOrCreateSalt loads the existing salt or creates a new one.
func loadOrCreateSalt(dataDir string) ([]byte, error) {
	saltPath := filepath.Join(dataDir, saltFile)

	salt, err := os.ReadFile(saltPath)
	if err == nil && len(salt) == saltLen {
		return salt, nil
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(saltPath, salt, 0600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}
