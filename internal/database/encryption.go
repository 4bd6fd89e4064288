package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"silvenger/internal/constants"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize    = 32 // AES-256
	nonceSize  = 12 // GCM standard nonce size
	iterations = 100000

	// EnvEnableEncryption turns on at-rest encryption of queue slots and message content
	EnvEnableEncryption = "SILVENGER_ENABLE_ENCRYPTION"
	// EnvEncryptionSecret is the passphrase the AES key is derived from
	EnvEncryptionSecret = "SILVENGER_ENCRYPTION_SECRET"
)

// encryptor seals stored values with AES-GCM. A nil gcm means encryption is
// off and values pass through unchanged.
type encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor builds an encryptor from the environment
func NewEncryptor() (*encryptor, error) {
	if !isEncryptionEnabled() {
		return &encryptor{}, nil
	}

	key, err := deriveKey(os.Getenv(EnvEncryptionSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &encryptor{gcm: gcm}, nil
}

// Enabled reports whether values are sealed before storage
func (e *encryptor) Enabled() bool {
	return e.gcm != nil
}

// Encrypt seals plaintext with a random nonce and returns base64(nonce || ciphertext)
func (e *encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || e.gcm == nil {
		return plaintext, nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt
func (e *encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" || e.gcm == nil {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

func deriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("%s environment variable is required when encryption is enabled", EnvEncryptionSecret)
	}

	if len(secret) < constants.MinEncryptionSecretLen {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", constants.MinEncryptionSecretLen)
	}

	return pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt), iterations, keySize, sha256.New), nil
}

func isEncryptionEnabled() bool {
	return os.Getenv(EnvEnableEncryption) == "true"
}
