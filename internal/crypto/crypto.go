// Package crypto protects credentials and export archives at rest.
// Uses AES-256-GCM for authenticated encryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"strings"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

// Encrypt encrypts plaintext using AES-256-GCM. The key is derived from
// the input using SHA-256, so any non-empty secret works as a key.
func Encrypt(plaintext, key []byte) (string, error) {
	derivedKey := sha256.Sum256(key)

	block, err := aes.NewCipher(derivedKey[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts ciphertext that was encrypted with Encrypt.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	derivedKey := sha256.Sum256(key)

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(derivedKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, cipherData := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// EncryptString encrypts a string to a base64-encoded string.
func EncryptString(plaintext, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	return Encrypt([]byte(plaintext), []byte(key))
}

// DecryptString decrypts a base64-encoded string to a string.
func DecryptString(ciphertext, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	plaintext, err := Decrypt(ciphertext, []byte(key))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// DeviceKey derives the at-rest key for this device. Tokens encrypted
// on one device do not decrypt on another, which is the point: a copied
// data directory carries no usable credentials.
func DeviceKey() []byte {
	hash := sha256.Sum256([]byte("exposurelog:" + deviceIdentifier()))
	return hash[:]
}

// deviceIdentifier returns a stable per-device value. systemd machine-id
// where available, hostname otherwise.
func deviceIdentifier() string {
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		return strings.TrimSpace(string(data))
	}
	if data, err := os.ReadFile("/var/lib/dbus/machine-id"); err == nil {
		return strings.TrimSpace(string(data))
	}
	hostname, _ := os.Hostname()
	return hostname
}
