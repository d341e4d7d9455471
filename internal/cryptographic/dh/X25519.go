package dh

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = curve25519.ScalarSize

// NewX25519KeyPair generates a new X25519 key pair.
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	_, err = rand.Read(priv[:])
	if err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// X25519SharedSecret performs X25519 scalar multiplication: priv * pub.
func X25519SharedSecret(priv, pub []byte) ([]byte, error) {
	if len(priv) != KeySize || len(pub) != KeySize {
		return nil, fmt.Errorf("x25519: invalid key size %d/%d", len(priv), len(pub))
	}
	return curve25519.X25519(priv, pub)
}

// PublicKey derives the X25519 public key of priv.
func PublicKey(priv []byte) ([]byte, error) {
	key, err := ConvertToECDHFormat(priv)
	if err != nil {
		return nil, err
	}
	return key.PublicKey().Bytes(), nil
}

func ConvertToECDHFormat(privKey []byte) (*ecdh.PrivateKey, error) {
	curve := ecdh.X25519()
	return curve.NewPrivateKey(privKey)
}
