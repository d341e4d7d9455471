package model

import (
	"errors"
	"time"

	"e2e_groupchat/internal/cryptographic/dh"
	"e2e_groupchat/internal/cryptographic/signature"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// User is the local device identity and its private keys.
	User struct {
		ID          primitive.ObjectID `bson:"_id,omitempty"`
		Name        string             `bson:"name"`
		SigningKey  []byte             `bson:"signing_key"`
		ExchangeKey []byte             `bson:"exchange_key"`
		StorageKey  []byte             `bson:"storage_key"`
	}
)

// Card builds the self-signed public card of u. The directory assigns ID
// and chain.
func (u *User) Card(createdAt time.Time) (*Card, error) {
	exchangePub, err := dh.PublicKey(u.ExchangeKey)
	if err != nil {
		return nil, err
	}
	pub := signature.PublicKey(u.SigningKey)
	if pub == nil {
		return nil, errors.New("user signing key is not an ed25519 private key")
	}

	card := &Card{
		Identity:    u.Name,
		PublicKey:   pub,
		ExchangeKey: exchangePub,
		CreatedAt:   createdAt,
	}
	card.Sign(u.SigningKey)
	return card, nil
}
