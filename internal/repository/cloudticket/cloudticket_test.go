package cloudticket

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"e2e_groupchat/internal/cryptographic/dh"
	"e2e_groupchat/internal/cryptographic/signature"
	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/groupsession"
	"e2e_groupchat/internal/ticket"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

const testNamespace = "mydb.group_tickets"

var testSessionID = bytes.Repeat([]byte{0x42}, 32)

func newTestUser(t *testing.T, name string) *model.User {
	t.Helper()
	_, signingKey, err := signature.NewEd25519Keypair()
	require.NoError(t, err)
	exchangeKey, _, err := dh.NewX25519KeyPair()
	require.NoError(t, err)
	return &model.User{Name: name, SigningKey: signingKey, ExchangeKey: exchangeKey[:]}
}

func newTestCard(t *testing.T, u *model.User) *model.Card {
	t.Helper()
	card, err := u.Card(time.Now())
	require.NoError(t, err)
	return card
}

func toBSON(t *testing.T, doc *ticketDocument) bson.D {
	t.Helper()
	data, err := bson.Marshal(doc)
	require.NoError(t, err)
	var d bson.D
	require.NoError(t, bson.Unmarshal(data, &d))
	return d
}

func commandNames(mt *mtest.T) []string {
	var names []string
	for _, evt := range mt.GetAllStartedEvents() {
		names = append(names, evt.CommandName)
	}
	return names
}

// insertedRecipients lists the recipients of every insert command sent, one
// entry per command.
func insertedRecipients(mt *mtest.T) [][]string {
	var inserts [][]string
	for _, evt := range mt.GetAllStartedEvents() {
		if evt.CommandName != "insert" {
			continue
		}
		values, err := evt.Command.Lookup("documents").Array().Values()
		require.NoError(mt, err)
		var recipients []string
		for _, v := range values {
			recipients = append(recipients, v.Document().Lookup("recipient").StringValue())
		}
		inserts = append(inserts, recipients)
	}
	return inserts
}

func emptyCount() bson.D {
	return mtest.CreateCursorResponse(0, testNamespace, mtest.FirstBatch)
}

func TestStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	alice := newTestUser(t, "alice")
	bob := newTestUser(t, "bob")
	carol := newTestUser(t, "carol")

	founding, err := ticket.New(testSessionID, []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	duplicateKey := mtest.CreateWriteErrorsResponse(mtest.WriteError{
		Index:   0,
		Code:    11000,
		Message: "duplicate key error",
	})

	mt.Run("success", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, alice)
		require.NoError(mt, err)
		mt.AddMockResponses(
			emptyCount(),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}),
		)

		cards := []*model.Card{newTestCard(mt.T, bob), newTestCard(mt.T, carol)}
		require.NoError(mt, repo.Store(context.Background(), founding, cards))
		require.Equal(mt, []string{"aggregate", "insert", "insert"}, commandNames(mt))
		require.Equal(mt, [][]string{{"alice"}, {"bob", "carol"}}, insertedRecipients(mt))
	})

	mt.Run("only the caller", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, alice)
		require.NoError(mt, err)
		mt.AddMockResponses(emptyCount(), mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))

		require.NoError(mt, repo.Store(context.Background(), founding, []*model.Card{newTestCard(mt.T, alice)}))
		require.Equal(mt, [][]string{{"alice"}}, insertedRecipients(mt))
	})

	mt.Run("epoch already shared", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, alice)
		require.NoError(mt, err)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, testNamespace, mtest.FirstBatch,
			bson.D{{Key: "_id", Value: 1}, {Key: "n", Value: int32(2)}}))

		err = repo.Store(context.Background(), founding, []*model.Card{newTestCard(mt.T, bob), newTestCard(mt.T, carol)})
		require.ErrorIs(mt, err, ticket.ErrDuplicate)
		require.Equal(mt, []string{"aggregate"}, commandNames(mt))
		require.Empty(mt, insertedRecipients(mt))
	})

	mt.Run("own copy collides", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, alice)
		require.NoError(mt, err)
		mt.AddMockResponses(emptyCount(), duplicateKey)

		err = repo.Store(context.Background(), founding, []*model.Card{newTestCard(mt.T, bob), newTestCard(mt.T, carol)})
		require.ErrorIs(mt, err, ticket.ErrDuplicate)
		require.Equal(mt, []string{"aggregate", "insert"}, commandNames(mt))
		require.Equal(mt, [][]string{{"alice"}}, insertedRecipients(mt))
	})

	mt.Run("recipient copy fails", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, alice)
		require.NoError(mt, err)
		mt.AddMockResponses(
			emptyCount(),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			duplicateKey,
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}),
		)

		err = repo.Store(context.Background(), founding, []*model.Card{newTestCard(mt.T, bob), newTestCard(mt.T, carol)})
		require.ErrorIs(mt, err, ticket.ErrDuplicate)
		require.Equal(mt, []string{"aggregate", "insert", "insert", "delete"}, commandNames(mt))

		events := mt.GetAllStartedEvents()
		require.True(mt, events[2].Command.Lookup("ordered").Boolean())
		require.Equal(mt, "alice", events[3].Command.Lookup("deletes", "0", "q", "owner").StringValue())
	})
}

func TestGetEpochs(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	bob := newTestUser(t, "bob")

	mt.Run("sorted", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, bob)
		require.NoError(mt, err)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "values", Value: bson.A{int64(2), int32(0), int64(1)}},
		))

		epochs, err := repo.GetEpochs(context.Background(), testSessionID, "alice")
		require.NoError(mt, err)
		require.Equal(mt, []uint32{0, 1, 2}, epochs)
	})

	mt.Run("none", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, bob)
		require.NoError(mt, err)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "values", Value: bson.A{}}))

		epochs, err := repo.GetEpochs(context.Background(), testSessionID, "alice")
		require.NoError(mt, err)
		require.Empty(mt, epochs)
	})
}

func TestRetrieve(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	alice := newTestUser(t, "alice")
	bob := newTestUser(t, "bob")
	bobCard := newTestCard(t, bob)
	alicePub := signature.PublicKey(alice.SigningKey)

	founding, err := ticket.New(testSessionID, []string{"alice", "bob"})
	require.NoError(t, err)
	session := groupsession.New()
	require.NoError(t, session.AddEpoch(founding.Message))
	next, err := ticket.NewEpoch(session, []string{"alice", "bob"})
	require.NoError(t, err)

	aliceRepo := &TicketRepo{user: alice}

	mt.Run("opens shared tickets", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, bob)
		require.NoError(mt, err)

		first, err := aliceRepo.seal(next, "bob", bobCard.ExchangeKey)
		require.NoError(mt, err)
		second, err := aliceRepo.seal(founding, "bob", bobCard.ExchangeKey)
		require.NoError(mt, err)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, testNamespace, mtest.FirstBatch,
			toBSON(mt.T, first), toBSON(mt.T, second)))

		tickets, err := repo.Retrieve(context.Background(), testSessionID, "alice", alicePub, []uint32{0, 1})
		require.NoError(mt, err)
		require.Len(mt, tickets, 2)
		require.True(mt, founding.Equal(tickets[0]))
		require.True(mt, next.Equal(tickets[1]))
	})

	mt.Run("forged signature", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, bob)
		require.NoError(mt, err)

		mallory := &TicketRepo{user: newTestUser(mt.T, "alice")}
		forged, err := mallory.seal(founding, "bob", bobCard.ExchangeKey)
		require.NoError(mt, err)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, testNamespace, mtest.FirstBatch, toBSON(mt.T, forged)))

		_, err = repo.Retrieve(context.Background(), testSessionID, "alice", alicePub, []uint32{0})
		require.ErrorIs(mt, err, groupsession.ErrVerificationFailed)
	})

	mt.Run("sealed to someone else", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, bob)
		require.NoError(mt, err)

		carol := newTestCard(mt.T, newTestUser(mt.T, "carol"))
		doc, err := aliceRepo.seal(founding, "bob", carol.ExchangeKey)
		require.NoError(mt, err)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, testNamespace, mtest.FirstBatch, toBSON(mt.T, doc)))

		_, err = repo.Retrieve(context.Background(), testSessionID, "alice", alicePub, []uint32{0})
		require.ErrorIs(mt, err, groupsession.ErrVerificationFailed)
	})

	mt.Run("no epochs", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, bob)
		require.NoError(mt, err)

		tickets, err := repo.Retrieve(context.Background(), testSessionID, "alice", alicePub, nil)
		require.NoError(mt, err)
		require.Empty(mt, tickets)
	})
}

func TestAddRecipients(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	alice := newTestUser(t, "alice")
	bob := newTestUser(t, "bob")
	carol := newTestUser(t, "carol")

	founding, err := ticket.New(testSessionID, []string{"alice", "bob"})
	require.NoError(t, err)

	mt.Run("reseals latest epoch", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, alice)
		require.NoError(mt, err)

		own, err := repo.seal(founding, "alice", repo.exchangePub)
		require.NoError(mt, err)
		bobDoc, err := repo.seal(founding, "bob", newTestCard(mt.T, bob).ExchangeKey)
		require.NoError(mt, err)

		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, testNamespace, mtest.FirstBatch, toBSON(mt.T, own)),
			mtest.CreateCursorResponse(0, testNamespace, mtest.FirstBatch, toBSON(mt.T, own), toBSON(mt.T, bobDoc)),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 3}, bson.E{Key: "nModified", Value: 2}),
		)

		require.NoError(mt, repo.AddRecipients(context.Background(), []*model.Card{newTestCard(mt.T, carol)}, testSessionID))
	})

	mt.Run("unknown session", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, alice)
		require.NoError(mt, err)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, testNamespace, mtest.FirstBatch))

		err = repo.AddRecipients(context.Background(), []*model.Card{newTestCard(mt.T, carol)}, testSessionID)
		require.True(mt, errors.Is(err, ErrSessionNotFound))
	})
}

func TestRemoveAndDelete(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	alice := newTestUser(t, "alice")

	mt.Run("remove recipient", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, alice)
		require.NoError(mt, err)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 4}))

		require.NoError(mt, repo.RemoveRecipient(context.Background(), "bob", testSessionID))
	})

	mt.Run("delete session", func(mt *mtest.T) {
		repo, err := NewTicketRepo(mt.DB, alice)
		require.NoError(mt, err)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))

		require.NoError(mt, repo.Delete(context.Background(), testSessionID))
	})
}
