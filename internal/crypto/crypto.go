// Package crypto seals secrets stored in the configuration file.
// Uses AES-256-GCM keyed from a machine identifier, so a copied config file
// does not leak the gateway token or mirror credentials.
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

// SealedPrefix marks a sealed value in the configuration file.
const SealedPrefix = "enc:"

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is empty.
	ErrInvalidKey = errors.New("invalid key")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}
	derived := sha256.Sum256(key)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts plaintext and returns base64(nonce || ciphertext).
func Encrypt(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, SealedPrefix)
}

// Seal encrypts value for storage. Empty and already sealed values are
// returned unchanged.
func Seal(value string, key []byte) (string, error) {
	if value == "" || IsSealed(value) {
		return value, nil
	}
	enc, err := Encrypt([]byte(value), key)
	if err != nil {
		return "", err
	}
	return SealedPrefix + enc, nil
}

// Unseal decrypts a sealed value. Plain values pass through.
func Unseal(value string, key []byte) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	plaintext, err := Decrypt(strings.TrimPrefix(value, SealedPrefix), key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// DeriveKey derives a key from a machine identifier.
func DeriveKey(machineID string) []byte {
	hash := sha256.Sum256([]byte("scanvault:" + machineID))
	return hash[:]
}

// MachineKey returns the key for this machine.
func MachineKey() []byte {
	return DeriveKey(machineID())
}

// machineID prefers the systemd/dbus machine id and falls back to the
// hostname.
func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		return "scanvault-default"
	}
	return hostname
}
