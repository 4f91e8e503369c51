// Package vendorcrypto implements the Maytronics cloud crypto constructions.
package vendorcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" // nolint:gosec
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const keySuffix = "ha"

// SerialKey derives the AES key the token endpoint expects: MD5 of the
// lowercased first two characters of the username followed by "ha".
func SerialKey(username string) []byte {
	prefix := username
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	sum := md5.Sum([]byte(strings.ToLower(prefix + keySuffix))) // nolint:gosec
	return sum[:]
}

// EncryptSerial produces the aws_token_encrypted_key value: base64 of a fresh
// random IV followed by the AES-128-CBC ciphertext of the padded serial. The
// vendor endpoint rejects any other encoding.
func EncryptSerial(username, motorUnitSerial string) (string, error) {
	block, err := aes.NewCipher(SerialKey(username))
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(motorUnitSerial), aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptSerial reverses EncryptSerial using the IV embedded in the payload.
func DecryptSerial(username, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("invalid ciphertext length %d", len(raw))
	}
	block, err := aes.NewCipher(SerialKey(username))
	if err != nil {
		return "", err
	}
	iv, ct := raw[:aes.BlockSize], raw[aes.BlockSize:]
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	unpadded, err := pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - (len(data) % blockSize)
	padding := bytes.Repeat([]byte{byte(pad)}, pad)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padding size")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, errors.New("invalid padding")
	}
	for i := 0; i < pad; i++ {
		if data[len(data)-1-i] != byte(pad) {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
