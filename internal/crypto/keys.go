// Package crypto implements wallet secret generation and sealing of stored credentials.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for the store passphrase.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1

	KeyLen  = 32
	SaltLen = 16

	walletPasswordBytes = 24 // 32 base64url chars
	walletNamePrefix    = "wallet-"
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewWalletPassword returns a fresh random node wallet password.
func NewWalletPassword() (string, error) {
	b, err := RandBytes(walletPasswordBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// WalletName maps a user ID to its stable wallet name.
func WalletName(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return walletNamePrefix + hex.EncodeToString(sum[:])[:16]
}

// DeriveKEK derives a key-encryption key from passphrase and salt using Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// DeriveWalletKey derives a per-wallet key via HKDF-SHA256 using walletName as info.
func DeriveWalletKey(kek []byte, walletName string) ([]byte, error) {
	r := hkdf.New(sha256.New, kek, nil, []byte(walletName))
	key := make([]byte, KeyLen)
	_, err := r.Read(key)
	return key, err
}
