package crypto

import (
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealedTooShort is returned when a sealed blob cannot even hold a nonce.
var ErrSealedTooShort = errors.New("sealed blob too short")

// Seal encrypts plaintext with XChaCha20-Poly1305 and a random nonce.
// The wallet name is bound as additional data. Output is nonce||ciphertext.
func Seal(key []byte, walletName string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, []byte(walletName))...)
	return out, nil
}

// Open decrypts a blob produced by Seal for the same wallet name.
func Open(key []byte, walletName string, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, ErrSealedTooShort
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ct := sealed[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, []byte(walletName))
}
