package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer with HKDF-SHA256 output keyed by secret, salt and info.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// DeriveKey returns a 32 byte key expanded from secret under salt and info.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := HKDF(secret, salt, []byte(info), key); err != nil {
		return nil, err
	}
	return key, nil
}
