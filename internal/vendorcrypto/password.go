package vendorcrypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// InstallKeyLen is the size of the per-install symmetric key.
const InstallKeyLen = 32

// NewInstallKey generates the per-install key used to keep the password
// encrypted at rest.
func NewInstallKey() ([]byte, error) {
	key := make([]byte, InstallKeyLen)
	_, err := rand.Read(key)
	return key, err
}

// WrapPassword encrypts the password with XChaCha20-Poly1305 and a random
// nonce; the nonce is prepended to the ciphertext.
func WrapPassword(key []byte, password string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(password)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, []byte(password), nil)...)
	return out, nil
}

// UnwrapPassword decrypts a blob produced by WrapPassword.
func UnwrapPassword(key, wrapped []byte) (string, error) {
	if len(wrapped) < chacha20poly1305.NonceSizeX {
		return "", errors.New("wrapped password too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := wrapped[:chacha20poly1305.NonceSizeX]
	ct := wrapped[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
