package signature

import (
	"crypto/ed25519"
	"crypto/rand"
)

const (
	PublicKeySize = ed25519.PublicKeySize
	Size          = ed25519.SignatureSize
)

func NewEd25519Keypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// PublicKey returns the public half of an ed25519 private key, or nil if
// privKeyBytes is not a private key.
func PublicKey(privKeyBytes []byte) []byte {
	if len(privKeyBytes) != ed25519.PrivateKeySize {
		return nil
	}
	pub := ed25519.PrivateKey(privKeyBytes).Public().(ed25519.PublicKey)
	return []byte(pub)
}

func ED25519Sign(privKeyBytes []byte, message []byte) []byte {
	privKey := ed25519.PrivateKey(privKeyBytes)
	return ed25519.Sign(privKey, message)
}

func ED25519Verify(pubKeyBytes []byte, message []byte, signature []byte) bool {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return false
	}
	pubKey := ed25519.PublicKey(pubKeyBytes)
	return ed25519.Verify(pubKey, message, signature)
}
