package group

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"e2e_groupchat/internal/config"
	"e2e_groupchat/internal/cryptographic/dh"
	"e2e_groupchat/internal/cryptographic/signature"
	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/groupsession"
	"e2e_groupchat/internal/repository/localticket"
	redisSvc "e2e_groupchat/internal/service/redis"
	"e2e_groupchat/internal/ticket"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type (
	cloudKey struct {
		owner     string
		sessionID string
		epoch     uint32
		recipient string
	}

	cloudEntry struct {
		ticket []byte
		signer []byte
	}

	// cloudWorld is the shared backend every memoryCloud view writes to.
	cloudWorld struct {
		mu        sync.Mutex
		entries   map[cloudKey]cloudEntry
		retrieves int
		// hideTickets makes Retrieve return nothing while GetEpochs still
		// lists epochs.
		hideTickets bool
	}

	// memoryCloud is the cloud ticket store as seen by one user.
	memoryCloud struct {
		world *cloudWorld
		self  *model.User
	}

	memoryDirectory struct {
		mu    sync.Mutex
		cards map[string]*model.Card
	}
)

func newCloudWorld() *cloudWorld {
	return &cloudWorld{entries: make(map[cloudKey]cloudEntry)}
}

func (w *cloudWorld) retrieveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retrieves
}

func (c *memoryCloud) put(t *ticket.Ticket, recipient string) error {
	data, err := t.Serialize()
	if err != nil {
		return err
	}
	key := cloudKey{c.self.Name, hex.EncodeToString(t.SessionID()), t.Epoch, recipient}
	c.world.entries[key] = cloudEntry{ticket: data, signer: signature.PublicKey(c.self.SigningKey)}
	return nil
}

func (c *memoryCloud) Store(_ context.Context, t *ticket.Ticket, cards []*model.Card) error {
	c.world.mu.Lock()
	defer c.world.mu.Unlock()

	// any copy of the epoch claims it, and a rejected store writes nothing
	sid := hex.EncodeToString(t.SessionID())
	for k := range c.world.entries {
		if k.owner == c.self.Name && k.sessionID == sid && k.epoch == t.Epoch {
			return fmt.Errorf("%w: epoch %d", ticket.ErrDuplicate, t.Epoch)
		}
	}

	recipients := []string{c.self.Name}
	for _, card := range cards {
		recipients = append(recipients, card.Identity)
	}
	for _, r := range recipients {
		if err := c.put(t, r); err != nil {
			return err
		}
	}
	return nil
}

func (c *memoryCloud) GetEpochs(_ context.Context, sessionID []byte, identity string) ([]uint32, error) {
	c.world.mu.Lock()
	defer c.world.mu.Unlock()

	sid := hex.EncodeToString(sessionID)
	var epochs []uint32
	for k := range c.world.entries {
		if k.owner == identity && k.sessionID == sid && k.recipient == c.self.Name {
			epochs = append(epochs, k.epoch)
		}
	}
	slices.Sort(epochs)
	return slices.Compact(epochs), nil
}

func (c *memoryCloud) Retrieve(_ context.Context, sessionID []byte, identity string, publicKey []byte, epochs []uint32) ([]*ticket.Ticket, error) {
	c.world.mu.Lock()
	defer c.world.mu.Unlock()
	c.world.retrieves++

	if c.world.hideTickets {
		return nil, nil
	}

	sid := hex.EncodeToString(sessionID)
	var tickets []*ticket.Ticket
	for _, e := range epochs {
		entry, ok := c.world.entries[cloudKey{identity, sid, e, c.self.Name}]
		if !ok {
			continue
		}
		if !bytes.Equal(entry.signer, publicKey) {
			return nil, groupsession.ErrVerificationFailed
		}
		t, err := ticket.Deserialize(entry.ticket)
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

func (c *memoryCloud) own(sid string) (*ticket.RawGroup, error) {
	raw := &ticket.RawGroup{}
	for k, entry := range c.world.entries {
		if k.owner == c.self.Name && k.sessionID == sid && k.recipient == c.self.Name {
			t, err := ticket.Deserialize(entry.ticket)
			if err != nil {
				return nil, err
			}
			raw.Tickets = append(raw.Tickets, t)
		}
	}
	raw.Sort()
	return raw, nil
}

func (c *memoryCloud) AddRecipients(_ context.Context, cards []*model.Card, sessionID []byte) error {
	c.world.mu.Lock()
	defer c.world.mu.Unlock()

	sid := hex.EncodeToString(sessionID)
	raw, err := c.own(sid)
	if err != nil {
		return err
	}
	latest := raw.Latest()
	if latest == nil {
		return errors.New("no tickets shared for session")
	}

	participants := slices.Clone(latest.Participants)
	for _, card := range cards {
		participants = append(participants, card.Identity)
	}
	extended, err := latest.WithParticipants(participants)
	if err != nil {
		return err
	}

	for _, t := range raw.Tickets[:len(raw.Tickets)-1] {
		for _, card := range cards {
			if err := c.put(t, card.Identity); err != nil {
				return err
			}
		}
	}
	for k := range c.world.entries {
		if k.owner == c.self.Name && k.sessionID == sid && k.epoch == latest.Epoch {
			if err := c.put(extended, k.recipient); err != nil {
				return err
			}
		}
	}
	for _, card := range cards {
		if err := c.put(extended, card.Identity); err != nil {
			return err
		}
	}
	return nil
}

func (c *memoryCloud) RemoveRecipient(_ context.Context, identity string, sessionID []byte) error {
	c.world.mu.Lock()
	defer c.world.mu.Unlock()

	sid := hex.EncodeToString(sessionID)
	for k := range c.world.entries {
		if k.owner == c.self.Name && k.sessionID == sid && k.recipient == identity {
			delete(c.world.entries, k)
		}
	}
	return nil
}

func (c *memoryCloud) Delete(_ context.Context, sessionID []byte) error {
	c.world.mu.Lock()
	defer c.world.mu.Unlock()

	sid := hex.EncodeToString(sessionID)
	for k := range c.world.entries {
		if k.owner == c.self.Name && k.sessionID == sid {
			delete(c.world.entries, k)
		}
	}
	return nil
}

func (d *memoryDirectory) publish(card *model.Card) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cards[card.Identity] = card
}

func (d *memoryDirectory) FindCards(_ context.Context, identities []string) ([]*model.Card, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cards := make([]*model.Card, 0, len(identities))
	for _, identity := range identities {
		card, ok := d.cards[identity]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCardNotFound, identity)
		}
		cards = append(cards, card)
	}
	return cards, nil
}

type (
	harness struct {
		t         *testing.T
		redis     *redisSvc.RedisService
		world     *cloudWorld
		directory *memoryDirectory
		cfg       *config.Group
	}

	member struct {
		user    *model.User
		card    *model.Card
		manager *Manager
		local   *localticket.Store
	}
)

var testIdentifier = []byte("weekly-sync-group")

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	return &harness{
		t:         t,
		redis:     redisSvc.NewRedis(rdb),
		world:     newCloudWorld(),
		directory: &memoryDirectory{cards: make(map[string]*model.Card)},
		cfg:       config.Default().Group,
	}
}

func (h *harness) member(name string) *member {
	h.t.Helper()
	_, signingKey, err := signature.NewEd25519Keypair()
	require.NoError(h.t, err)
	exchangeKey, _, err := dh.NewX25519KeyPair()
	require.NoError(h.t, err)
	storageKey := bytes.Repeat([]byte{byte(len(name))}, localticket.StorageKeySize)

	user := &model.User{Name: name, SigningKey: signingKey, ExchangeKey: exchangeKey[:], StorageKey: storageKey}
	card, err := user.Card(time.Now().Add(-time.Hour))
	require.NoError(h.t, err)
	card.ID = name + "-1"
	h.directory.publish(card)

	local, err := localticket.NewStore(h.redis, name, storageKey, h.cfg.TicketWindow)
	require.NoError(h.t, err)
	manager, err := NewManager(user, local, &memoryCloud{world: h.world, self: user}, h.directory, h.cfg)
	require.NoError(h.t, err)

	return &member{user: user, card: card, manager: manager, local: local}
}

// rotate replaces the signing key of m and publishes a card linked to the
// previous one, created at rotatedAt.
func (h *harness) rotate(m *member, rotatedAt time.Time) {
	h.t.Helper()
	_, signingKey, err := signature.NewEd25519Keypair()
	require.NoError(h.t, err)
	oldKey := m.user.SigningKey
	m.user.SigningKey = signingKey

	card, err := m.user.Card(rotatedAt)
	require.NoError(h.t, err)
	card.Endorse(m.card, oldKey)
	card.ID = m.card.ID + "-next"
	card.Previous = m.card
	require.NoError(h.t, model.VerifyChain(card))
	m.card = card
	h.directory.publish(card)
}

func cardsOf(members ...*member) []*model.Card {
	cards := make([]*model.Card, len(members))
	for i, m := range members {
		cards[i] = m.card
	}
	return cards
}
