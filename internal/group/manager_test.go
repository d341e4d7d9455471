package group

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/repository/localticket"
	"e2e_groupchat/internal/ticket"

	"github.com/stretchr/testify/require"
)

func TestSessionID(t *testing.T) {
	a := SessionID([]byte("weekly-sync-group"))
	b := SessionID([]byte("weekly-sync-group"))
	c := SessionID([]byte("monthly-sync-group"))

	require.Len(t, a, 32)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestNewManager(t *testing.T) {
	h := newHarness(t)
	alice := h.member("alice")

	_, err := NewManager(nil, alice.local, &memoryCloud{world: h.world}, h.directory, nil)
	require.Error(t, err)
	_, err = NewManager(alice.user, nil, &memoryCloud{world: h.world}, h.directory, nil)
	require.Error(t, err)

	m, err := NewManager(alice.user, alice.local, &memoryCloud{world: h.world, self: alice.user}, h.directory, nil)
	require.NoError(t, err)
	require.Equal(t, 50, m.cfg.TicketWindow)
	require.Equal(t, 100, m.cfg.MaxParticipants)
}

func TestCreateGroupParticipantBounds(t *testing.T) {
	for _, tc := range []struct {
		members int
		err     error
	}{
		{members: 0, err: ErrInvalidParticipantsCount},
		{members: 1},
		{members: 2},
		{members: 100},
		{members: 101, err: ErrInvalidParticipantsCount},
	} {
		t.Run(fmt.Sprintf("%d members", tc.members), func(t *testing.T) {
			require := require.New(t)
			h := newHarness(t)
			ctx := context.Background()
			alice := h.member("alice")

			var cards []*model.Card
			want := []string{"alice"}
			for i := 0; i < tc.members; i++ {
				name := fmt.Sprintf("member-%03d", i)
				cards = append(cards, &model.Card{Identity: name})
				want = append(want, name)
			}

			g, err := alice.manager.CreateGroup(ctx, testIdentifier, cards)
			if tc.err != nil {
				require.ErrorIs(err, tc.err)
				stored, err := alice.manager.GetGroup(ctx, testIdentifier)
				require.NoError(err)
				require.Nil(stored)
				return
			}
			require.NoError(err)
			require.Equal(want, g.Participants())

			stored, err := alice.manager.GetGroup(ctx, testIdentifier)
			require.NoError(err)
			require.Equal(want, stored.Participants())
			require.Equal("alice", stored.Initiator())
		})
	}
}

func TestCreateGroupValidation(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.member("alice"), h.member("bob")

	_, err := alice.manager.CreateGroup(ctx, []byte("short"), cardsOf(bob))
	require.ErrorIs(err, ErrShortIdentifier)

	_, err = alice.manager.CreateGroup(ctx, testIdentifier, []*model.Card{{}})
	require.ErrorIs(err, ErrInvalidChange)

	// the initiator's own card and repeated cards collapse
	_, err = alice.manager.CreateGroup(ctx, testIdentifier, cardsOf(alice))
	require.ErrorIs(err, ErrInvalidParticipantsCount)
	g, err := alice.manager.CreateGroup(ctx, testIdentifier, cardsOf(alice, bob, bob))
	require.NoError(err)
	require.Equal([]string{"alice", "bob"}, g.Participants())

	_, err = alice.manager.CreateGroup(ctx, testIdentifier, cardsOf(bob))
	require.ErrorIs(err, ErrDuplicateSession)
}

func TestStoreRejectsDuplicateEpoch(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.member("alice"), h.member("bob")

	_, err := alice.manager.CreateGroup(ctx, testIdentifier, cardsOf(bob))
	require.NoError(err)

	again, err := ticket.New(SessionID(testIdentifier), []string{"alice", "bob"})
	require.NoError(err)
	_, err = alice.manager.Store(ctx, again, cardsOf(bob))
	require.ErrorIs(err, ErrDuplicateSession)

	short, err := ticket.New(bytes.Repeat([]byte{1}, 16), []string{"alice"})
	require.NoError(err)
	_, err = alice.manager.Store(ctx, short, nil)
	require.ErrorIs(err, ErrShortSessionID)
}

func TestRejectedStoreSharesNothing(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	alice, bob, carol := h.member("alice"), h.member("bob"), h.member("carol")

	_, err := alice.manager.CreateGroup(ctx, testIdentifier, cardsOf(bob))
	require.NoError(err)

	// this device lost its tickets, the cloud still holds epoch 0
	require.NoError(alice.local.Delete(ctx, SessionID(testIdentifier)))
	_, err = alice.manager.CreateGroup(ctx, testIdentifier, cardsOf(bob, carol))
	require.ErrorIs(err, ErrDuplicateSession)

	epochs, err := (&memoryCloud{world: h.world, self: carol.user}).GetEpochs(ctx, SessionID(testIdentifier), "alice")
	require.NoError(err)
	require.Empty(epochs)
	_, err = carol.manager.LoadGroup(ctx, testIdentifier, alice.card)
	require.ErrorIs(err, ErrGroupNotFound)

	bg, err := bob.manager.LoadGroup(ctx, testIdentifier, alice.card)
	require.NoError(err)
	require.Equal([]string{"alice", "bob"}, bg.Participants())
	require.Equal(uint32(0), bg.Epoch())

	g, err := alice.manager.LoadGroup(ctx, testIdentifier, alice.card)
	require.NoError(err)
	ciphertext, err := g.Encrypt([]byte("still the same key"))
	require.NoError(err)
	plaintext, err := bg.Decrypt(ctx, ciphertext, alice.card, time.Time{})
	require.NoError(err)
	require.Equal("still the same key", string(plaintext))
}

func TestPullFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("never shared", func(t *testing.T) {
		h := newHarness(t)
		alice, bob := h.member("alice"), h.member("bob")

		_, err := bob.manager.LoadGroup(ctx, testIdentifier, alice.card)
		require.ErrorIs(t, err, ErrGroupNotFound)
	})

	t.Run("listed but not served", func(t *testing.T) {
		h := newHarness(t)
		alice, bob := h.member("alice"), h.member("bob")
		_, err := alice.manager.CreateGroup(ctx, testIdentifier, cardsOf(bob))
		require.NoError(t, err)

		h.world.hideTickets = true
		_, err = bob.manager.LoadGroup(ctx, testIdentifier, alice.card)
		require.ErrorIs(t, err, ErrInconsistentState)
	})

	t.Run("forged initiator card", func(t *testing.T) {
		h := newHarness(t)
		alice, bob, carol := h.member("alice"), h.member("bob"), h.member("carol")
		_, err := alice.manager.CreateGroup(ctx, testIdentifier, cardsOf(bob))
		require.NoError(t, err)

		forged := *alice.card
		forged.PublicKey = carol.card.PublicKey
		_, err = bob.manager.LoadGroup(ctx, testIdentifier, &forged)
		require.ErrorIs(t, err, ErrVerificationFailed)

		g, err := bob.manager.GetGroup(ctx, testIdentifier)
		require.NoError(t, err)
		require.Nil(t, g)
	})

	t.Run("no card", func(t *testing.T) {
		h := newHarness(t)
		bob := h.member("bob")

		_, err := bob.manager.Pull(ctx, SessionID(testIdentifier), nil)
		require.ErrorIs(t, err, ErrCardNotFound)
	})
}

func TestDeleteGroup(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.member("alice"), h.member("bob")

	_, err := alice.manager.CreateGroup(ctx, testIdentifier, cardsOf(bob))
	require.NoError(err)
	bg, err := bob.manager.LoadGroup(ctx, testIdentifier, alice.card)
	require.NoError(err)

	require.NoError(alice.manager.DeleteGroup(ctx, testIdentifier))
	require.NoError(alice.manager.DeleteGroup(ctx, testIdentifier))
	g, err := alice.manager.GetGroup(ctx, testIdentifier)
	require.NoError(err)
	require.Nil(g)

	require.ErrorIs(bg.Update(ctx), ErrGroupNotFound)
	g, err = bob.manager.GetGroup(ctx, testIdentifier)
	require.NoError(err)
	require.Nil(g)

	_, err = bob.manager.LoadGroup(ctx, testIdentifier, alice.card)
	require.ErrorIs(err, ErrGroupNotFound)

	require.ErrorIs(alice.manager.DeleteGroup(ctx, []byte("tiny")), ErrShortIdentifier)
}

func TestRetrieveUnreadableLocalGroup(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.member("alice"), h.member("bob")

	_, err := alice.manager.CreateGroup(ctx, testIdentifier, cardsOf(bob))
	require.NoError(err)

	wrongKey, err := localticket.NewStore(h.redis, "alice", bytes.Repeat([]byte{0xee}, localticket.StorageKeySize), h.cfg.TicketWindow)
	require.NoError(err)
	m, err := NewManager(alice.user, wrongKey, &memoryCloud{world: h.world, self: alice.user}, h.directory, h.cfg)
	require.NoError(err)

	require.Nil(m.Retrieve(ctx, SessionID(testIdentifier)))
	require.Nil(m.RetrieveEpoch(ctx, SessionID(testIdentifier), 0))
	require.NotNil(alice.manager.RetrieveEpoch(ctx, SessionID(testIdentifier), 0))
}

func TestMissingEpochs(t *testing.T) {
	for _, tc := range []struct {
		name         string
		cloud, local []uint32
		want         []uint32
	}{
		{"nothing local", []uint32{0, 1, 2}, nil, []uint32{0, 1, 2}},
		{"up to date", []uint32{0, 1, 2}, []uint32{0, 1, 2}, []uint32{2}},
		{"behind", []uint32{0, 1, 2, 3}, []uint32{0, 1}, []uint32{2, 3}},
		{"gap", []uint32{0, 1, 2, 3}, []uint32{0, 2}, []uint32{1, 3}},
		{"pruned locally", []uint32{0, 1, 2, 3}, []uint32{2, 3}, []uint32{0, 1, 3}},
		{"unsorted cloud", []uint32{3, 0, 2}, []uint32{0}, []uint32{2, 3}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, missingEpochs(tc.cloud, tc.local))
		})
	}
}
