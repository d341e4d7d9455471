package encryption

import (
	"fmt"

	"e2e_groupchat/internal/cryptographic/dh"
	"e2e_groupchat/internal/cryptographic/kdf"
)

const sealInfo = "TicketSeal"

// Seal encrypts plaintext to the holder of the X25519 private key matching
// recipientPub. The output is ephemeralPub || nonce || ciphertext.
func Seal(recipientPub, plaintext, aad []byte) ([]byte, error) {
	ekPriv, ekPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}

	key, err := sealKey(ekPriv[:], recipientPub, ekPub[:], recipientPub)
	if err != nil {
		return nil, err
	}

	ct, err := AEADEncrypt(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return append(ekPub[:], ct...), nil
}

// Open reverses Seal with the recipient's X25519 private key.
func Open(recipientPriv, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < dh.KeySize {
		return nil, fmt.Errorf("sealed box too short: %w", ErrOpen)
	}
	ekPub := sealed[:dh.KeySize]

	recipientPub, err := dh.PublicKey(recipientPriv)
	if err != nil {
		return nil, err
	}

	key, err := sealKey(recipientPriv, ekPub, ekPub, recipientPub)
	if err != nil {
		return nil, err
	}
	return AEADDecrypt(key, sealed[dh.KeySize:], aad)
}

func sealKey(priv, pub, ekPub, recipientPub []byte) ([]byte, error) {
	shared, err := dh.X25519SharedSecret(priv, pub)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, 0, len(ekPub)+len(recipientPub))
	salt = append(salt, ekPub...)
	salt = append(salt, recipientPub...)
	return kdf.DeriveKey(shared, salt, sealInfo)
}
