package card

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_groupchat/internal/cryptographic/dh"
	"e2e_groupchat/internal/cryptographic/signature"
	"e2e_groupchat/internal/model"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrInvalidCard = errors.New("card needs an identity and both public keys")
	// ErrStaleCard is returned when a rotation names a card that is no
	// longer the current one.
	ErrStaleCard = errors.New("card does not replace the current card")
)

type (
	CardRepo struct {
		collection *mongo.Collection
	}
)

func NewCardRepo(db *mongo.Database) *CardRepo {
	return &CardRepo{
		collection: db.Collection("cards"),
	}
}

// Publish stores card as the current card of its identity. The card must be
// self-signed, and once an identity has a card every new one must be
// endorsed by the key of the current card.
func (r *CardRepo) Publish(ctx context.Context, card *model.Card) (*model.Card, error) {
	if err := ValidateCard(card); err != nil {
		return nil, err
	}

	previous, err := r.latest(ctx, card.Identity)
	if err != nil {
		return nil, err
	}
	if err := ValidateRotation(card, previous); err != nil {
		return nil, err
	}

	published := *card
	published.ID = uuid.NewString()
	published.Previous = nil
	published.PreviousCardID = ""
	published.RotationSignature = nil
	if published.CreatedAt.IsZero() {
		published.CreatedAt = time.Now().UTC()
	}
	if previous != nil {
		published.PreviousCardID = previous.ID
		published.RotationSignature = card.RotationSignature
		if !published.CreatedAt.After(previous.CreatedAt) {
			published.CreatedAt = previous.CreatedAt.Add(time.Millisecond)
		}
	}

	if _, err := r.collection.InsertOne(ctx, &published); err != nil {
		return nil, err
	}
	published.Previous = previous
	return &published, nil
}

// GetByIdentity returns the current card of identity with its chain of
// previous cards linked, or nil when identity never published one.
func (r *CardRepo) GetByIdentity(ctx context.Context, identity string) (*model.Card, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := r.collection.Find(ctx, bson.M{"identity": identity}, opts)
	if err != nil {
		return nil, err
	}

	var cards []*model.Card
	if err := cursor.All(ctx, &cards); err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, nil
	}

	byID := make(map[string]*model.Card, len(cards))
	for _, c := range cards {
		byID[c.ID] = c
	}
	for _, c := range cards {
		if c.PreviousCardID != "" && c.PreviousCardID != c.ID {
			c.Previous = byID[c.PreviousCardID]
		}
	}
	return cards[0], nil
}

// ValidateCard checks the shape and the self-signature of card.
func ValidateCard(card *model.Card) error {
	if card.Identity == "" || len(card.PublicKey) != signature.PublicKeySize || len(card.ExchangeKey) != dh.KeySize {
		return ErrInvalidCard
	}
	return card.Verify()
}

// ValidateRotation checks that card may replace previous, the current card
// of its identity. A first card needs no endorsement.
func ValidateRotation(card, previous *model.Card) error {
	if previous == nil {
		return nil
	}
	if card.PreviousCardID != previous.ID {
		return fmt.Errorf("%w: names %q, current is %q", ErrStaleCard, card.PreviousCardID, previous.ID)
	}
	return card.VerifyRotation(previous)
}

func (r *CardRepo) latest(ctx context.Context, identity string) (*model.Card, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var card model.Card
	err := r.collection.FindOne(ctx, bson.M{"identity": identity}, opts).Decode(&card)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &card, nil
}
