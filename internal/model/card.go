package model

import (
	"encoding/binary"
	"errors"
	"time"

	"e2e_groupchat/internal/cryptographic/signature"
)

const (
	cardContext     = "e2e_groupchat card v1"
	rotationContext = "e2e_groupchat card rotation v1"
)

var (
	ErrCardSignature = errors.New("card is not signed by its own key")
	ErrCardRotation  = errors.New("card rotation is not endorsed by the previous card")
)

type (
	// Card is a directory record binding an identity to its public keys.
	// Rotated cards link to the card they replaced.
	Card struct {
		ID                string    `json:"id" bson:"_id"`
		Identity          string    `json:"identity" bson:"identity"`
		PublicKey         []byte    `json:"public_key" bson:"public_key"`
		ExchangeKey       []byte    `json:"exchange_key" bson:"exchange_key"`
		CreatedAt         time.Time `json:"created_at" bson:"created_at"`
		Signature         []byte    `json:"signature" bson:"signature"`
		PreviousCardID    string    `json:"previous_card_id,omitempty" bson:"previous_card_id,omitempty"`
		RotationSignature []byte    `json:"rotation_signature,omitempty" bson:"rotation_signature,omitempty"`
		Previous          *Card     `json:"previous,omitempty" bson:"-"`
	}
)

// CardAt walks the previous-card chain of card back to the card that was
// current at asOf. A zero asOf selects card itself.
func CardAt(card *Card, asOf time.Time) *Card {
	if card == nil || asOf.IsZero() {
		return card
	}

	current := card
	for current.Previous != nil && asOf.Before(current.CreatedAt) {
		current = current.Previous
	}
	return current
}

// Sign sets the self-signature of c. signingKey must match c.PublicKey.
func (c *Card) Sign(signingKey []byte) {
	c.Signature = signature.ED25519Sign(signingKey, c.payload(cardContext))
}

// Endorse links c to previous and signs the link with the signing key of
// previous.
func (c *Card) Endorse(previous *Card, previousSigningKey []byte) {
	c.PreviousCardID = previous.ID
	c.RotationSignature = signature.ED25519Sign(previousSigningKey, c.payload(rotationContext))
}

// Verify checks the self-signature of c.
func (c *Card) Verify() error {
	if len(c.PublicKey) != signature.PublicKeySize {
		return ErrCardSignature
	}
	if !signature.ED25519Verify(c.PublicKey, c.payload(cardContext), c.Signature) {
		return ErrCardSignature
	}
	return nil
}

// VerifyRotation checks that c replaces previous with its owner's consent.
func (c *Card) VerifyRotation(previous *Card) error {
	if previous == nil || c.PreviousCardID == "" || c.PreviousCardID != previous.ID {
		return ErrCardRotation
	}
	if previous.Identity != c.Identity || len(previous.PublicKey) != signature.PublicKeySize {
		return ErrCardRotation
	}
	if !signature.ED25519Verify(previous.PublicKey, c.payload(rotationContext), c.RotationSignature) {
		return ErrCardRotation
	}
	return nil
}

// VerifyChain verifies card and every previous card linked to it.
func VerifyChain(card *Card) error {
	for current := card; current != nil; current = current.Previous {
		if err := current.Verify(); err != nil {
			return err
		}
		if current.Previous == nil {
			break
		}
		if err := current.VerifyRotation(current.Previous); err != nil {
			return err
		}
	}
	return nil
}

// payload covers the keys and identity. The rotation payload also covers
// the id of the card being replaced.
func (c *Card) payload(domain string) []byte {
	b := make([]byte, 0, 128)
	b = appendField(b, []byte(domain))
	b = appendField(b, []byte(c.Identity))
	b = appendField(b, c.PublicKey)
	b = appendField(b, c.ExchangeKey)
	if domain == rotationContext {
		b = appendField(b, []byte(c.PreviousCardID))
	}
	return b
}

func appendField(b, field []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(field)))
	return append(b, field...)
}
