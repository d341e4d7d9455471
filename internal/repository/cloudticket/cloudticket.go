package cloudticket

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"e2e_groupchat/internal/cryptographic/dh"
	"e2e_groupchat/internal/cryptographic/encryption"
	"e2e_groupchat/internal/cryptographic/signature"
	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/groupsession"
	"e2e_groupchat/internal/ticket"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "group_tickets"

// ErrSessionNotFound is returned when the caller shared no tickets of a
// session.
var ErrSessionNotFound = errors.New("no tickets shared for session")

type (
	// ticketDocument is one ticket shared by Owner with Recipient. The
	// ticket is sealed to the recipient's exchange key and signed by the
	// owner.
	ticketDocument struct {
		Owner        string `bson:"owner"`
		SessionID    string `bson:"session_id"`
		Epoch        uint32 `bson:"epoch"`
		Recipient    string `bson:"recipient"`
		RecipientKey []byte `bson:"recipient_key"`
		Sealed       []byte `bson:"sealed"`
		Signature    []byte `bson:"signature"`
	}

	// TicketRepo is the cloud ticket store of one user.
	TicketRepo struct {
		collection  *mongo.Collection
		user        *model.User
		exchangePub []byte
	}
)

func NewTicketRepo(db *mongo.Database, user *model.User) (*TicketRepo, error) {
	exchangePub, err := dh.PublicKey(user.ExchangeKey)
	if err != nil {
		return nil, fmt.Errorf("cloud ticket store: %w", err)
	}

	return &TicketRepo{
		collection:  db.Collection(collectionName),
		user:        user,
		exchangePub: exchangePub,
	}, nil
}

// EnsureIndexes creates the unique index that rejects a second ticket for
// the same epoch and recipient.
func (r *TicketRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "owner", Value: 1},
			{Key: "session_id", Value: 1},
			{Key: "epoch", Value: 1},
			{Key: "recipient", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Store shares t with the caller and every card. The caller's own copy is
// written first and claims the epoch: when it collides nothing else is
// written, and a failed recipient write removes the whole epoch again.
func (r *TicketRepo) Store(ctx context.Context, t *ticket.Ticket, cards []*model.Card) error {
	self, err := r.seal(t, r.user.Name, r.exchangePub)
	if err != nil {
		return err
	}
	var docs []any
	for _, card := range cards {
		if card.Identity == r.user.Name {
			continue
		}
		doc, err := r.seal(t, card.Identity, card.ExchangeKey)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}

	epoch := bson.M{"owner": r.user.Name, "session_id": self.SessionID, "epoch": self.Epoch}
	n, err := r.collection.CountDocuments(ctx, epoch)
	if err != nil {
		return err
	}
	if n > 0 {
		return r.duplicate(t)
	}

	if _, err := r.collection.InsertOne(ctx, self); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return r.duplicate(t)
		}
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	_, err = r.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err == nil {
		return nil
	}
	if _, derr := r.collection.DeleteMany(ctx, epoch); derr != nil {
		return errors.Join(err, fmt.Errorf("roll back epoch %d: %w", t.Epoch, derr))
	}
	if mongo.IsDuplicateKeyError(err) {
		return r.duplicate(t)
	}
	return err
}

func (r *TicketRepo) duplicate(t *ticket.Ticket) error {
	return fmt.Errorf("%w: session %s epoch %d", ticket.ErrDuplicate, hex.EncodeToString(t.SessionID()), t.Epoch)
}

func (r *TicketRepo) GetEpochs(ctx context.Context, sessionID []byte, identity string) ([]uint32, error) {
	filter := bson.M{
		"owner":      identity,
		"session_id": hex.EncodeToString(sessionID),
		"recipient":  r.user.Name,
	}

	values, err := r.collection.Distinct(ctx, "epoch", filter)
	if err != nil {
		return nil, err
	}

	epochs := make([]uint32, 0, len(values))
	for _, v := range values {
		switch e := v.(type) {
		case int32:
			epochs = append(epochs, uint32(e))
		case int64:
			epochs = append(epochs, uint32(e))
		default:
			return nil, fmt.Errorf("cloud ticket store: unexpected epoch type %T", v)
		}
	}
	slices.Sort(epochs)
	return epochs, nil
}

func (r *TicketRepo) Retrieve(ctx context.Context, sessionID []byte, identity string, publicKey []byte, epochs []uint32) ([]*ticket.Ticket, error) {
	if len(epochs) == 0 {
		return nil, nil
	}

	docs, err := r.find(ctx, bson.M{
		"owner":      identity,
		"session_id": hex.EncodeToString(sessionID),
		"recipient":  r.user.Name,
		"epoch":      bson.M{"$in": epochs},
	})
	if err != nil {
		return nil, err
	}

	tickets := make([]*ticket.Ticket, 0, len(docs))
	for _, doc := range docs {
		t, err := r.open(doc, publicKey)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	slices.SortFunc(tickets, func(a, b *ticket.Ticket) int {
		return int(int64(a.Epoch) - int64(b.Epoch))
	})
	return tickets, nil
}

func (r *TicketRepo) AddRecipients(ctx context.Context, cards []*model.Card, sessionID []byte) error {
	sid := hex.EncodeToString(sessionID)

	own, err := r.find(ctx, bson.M{"owner": r.user.Name, "session_id": sid, "recipient": r.user.Name})
	if err != nil {
		return err
	}
	if len(own) == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sid)
	}

	selfPub := signature.PublicKey(r.user.SigningKey)
	tickets := make([]*ticket.Ticket, 0, len(own))
	for _, doc := range own {
		t, err := r.open(doc, selfPub)
		if err != nil {
			return err
		}
		tickets = append(tickets, t)
	}
	raw := &ticket.RawGroup{Tickets: tickets}
	raw.Sort()
	latest := raw.Latest()

	participants := slices.Clone(latest.Participants)
	added := make(map[string]bool, len(cards))
	for _, card := range cards {
		participants = append(participants, card.Identity)
		added[card.Identity] = true
	}
	extended, err := latest.WithParticipants(participants)
	if err != nil {
		return err
	}

	var models []mongo.WriteModel
	for _, t := range raw.Tickets[:len(raw.Tickets)-1] {
		for _, card := range cards {
			doc, err := r.seal(t, card.Identity, card.ExchangeKey)
			if err != nil {
				return err
			}
			models = append(models, upsert(doc))
		}
	}

	// The latest epoch is resealed for every recipient so they all see the
	// extended participants.
	current, err := r.find(ctx, bson.M{"owner": r.user.Name, "session_id": sid, "epoch": latest.Epoch})
	if err != nil {
		return err
	}
	for _, doc := range current {
		if added[doc.Recipient] {
			continue
		}
		resealed, err := r.seal(extended, doc.Recipient, doc.RecipientKey)
		if err != nil {
			return err
		}
		models = append(models, upsert(resealed))
	}
	for _, card := range cards {
		doc, err := r.seal(extended, card.Identity, card.ExchangeKey)
		if err != nil {
			return err
		}
		models = append(models, upsert(doc))
	}

	_, err = r.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

func (r *TicketRepo) RemoveRecipient(ctx context.Context, identity string, sessionID []byte) error {
	_, err := r.collection.DeleteMany(ctx, bson.M{
		"owner":      r.user.Name,
		"session_id": hex.EncodeToString(sessionID),
		"recipient":  identity,
	})
	return err
}

func (r *TicketRepo) Delete(ctx context.Context, sessionID []byte) error {
	_, err := r.collection.DeleteMany(ctx, bson.M{
		"owner":      r.user.Name,
		"session_id": hex.EncodeToString(sessionID),
	})
	return err
}

func (r *TicketRepo) find(ctx context.Context, filter bson.M) ([]*ticketDocument, error) {
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, err
	}

	var docs []*ticketDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *TicketRepo) seal(t *ticket.Ticket, recipient string, recipientKey []byte) (*ticketDocument, error) {
	data, err := t.Serialize()
	if err != nil {
		return nil, err
	}

	doc := &ticketDocument{
		Owner:        r.user.Name,
		SessionID:    hex.EncodeToString(t.SessionID()),
		Epoch:        t.Epoch,
		Recipient:    recipient,
		RecipientKey: recipientKey,
	}

	aad := doc.aad()
	doc.Sealed, err = encryption.Seal(recipientKey, data, aad)
	if err != nil {
		return nil, fmt.Errorf("seal epoch %d for %s: %w", t.Epoch, recipient, err)
	}
	doc.Signature = signature.ED25519Sign(r.user.SigningKey, append(aad, doc.Sealed...))
	return doc, nil
}

// open verifies doc against the owner's publicKey and decrypts it with the
// user's exchange key.
func (r *TicketRepo) open(doc *ticketDocument, publicKey []byte) (*ticket.Ticket, error) {
	aad := doc.aad()
	if !signature.ED25519Verify(publicKey, append(bytes.Clone(aad), doc.Sealed...), doc.Signature) {
		return nil, fmt.Errorf("ticket epoch %d from %s: %w", doc.Epoch, doc.Owner, groupsession.ErrVerificationFailed)
	}

	data, err := encryption.Open(r.user.ExchangeKey, doc.Sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("ticket epoch %d from %s: %w", doc.Epoch, doc.Owner, groupsession.ErrVerificationFailed)
	}

	t, err := ticket.Deserialize(data)
	if err != nil {
		return nil, err
	}
	if t.Epoch != doc.Epoch || hex.EncodeToString(t.SessionID()) != doc.SessionID {
		return nil, fmt.Errorf("%w: document and ticket disagree", ticket.ErrMalformed)
	}
	return t, nil
}

func (d *ticketDocument) aad() []byte {
	b := make([]byte, 0, 128)
	b = append(b, d.Owner...)
	b = append(b, 0)
	b = append(b, d.SessionID...)
	b = binary.BigEndian.AppendUint32(b, d.Epoch)
	b = append(b, d.Recipient...)
	return b
}

func upsert(doc *ticketDocument) mongo.WriteModel {
	return mongo.NewReplaceOneModel().
		SetFilter(bson.M{
			"owner":      doc.Owner,
			"session_id": doc.SessionID,
			"epoch":      doc.Epoch,
			"recipient":  doc.Recipient,
		}).
		SetReplacement(doc).
		SetUpsert(true)
}
