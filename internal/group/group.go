package group

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/protocol/groupsession"
	"e2e_groupchat/internal/ticket"
)

// Group is a group conversation as seen by this device. Groups are obtained
// from a Manager and route every change back through it.
type Group struct {
	mu           sync.RWMutex
	initiator    string
	participants []string
	session      *groupsession.Session

	manager *Manager
}

func newGroup(raw *ticket.RawGroup, manager *Manager) (*Group, error) {
	raw.Sort()
	latest := raw.Latest()
	if latest == nil {
		return nil, ErrInvalidGroup
	}

	session := groupsession.New()
	for _, t := range raw.Tickets {
		if err := session.AddEpoch(t.Message); err != nil {
			return nil, fmt.Errorf("%w: epoch %d: %v", ErrInvalidGroup, t.Epoch, err)
		}
	}

	return &Group{
		initiator:    raw.Info.Initiator,
		participants: slices.Clone(latest.Participants),
		session:      session,
		manager:      manager,
	}, nil
}

func (g *Group) Initiator() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.initiator
}

// Participants returns the sorted member identities, initiator included.
func (g *Group) Participants() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.participants)
}

func (g *Group) SessionID() []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.session.SessionID()
}

// Epoch returns the highest epoch this device holds.
func (g *Group) Epoch() uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.session.CurrentEpoch()
}

func (g *Group) state() (string, []string, *groupsession.Session) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.initiator, g.participants, g.session
}

// replace adopts the state of other. Sessions are never mutated in place,
// so readers holding the previous session stay consistent.
func (g *Group) replace(other *Group) {
	g.initiator = other.initiator
	g.participants = other.participants
	g.session = other.session
}

// Encrypt signs data with the local private key and encrypts it for the
// current epoch.
func (g *Group) Encrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}

	_, _, session := g.state()
	return session.Encrypt(data, g.manager.self.SigningKey)
}

// Decrypt opens data sent by the owner of senderCard. When asOf is not zero
// the card that was current at asOf is used to verify the sender.
func (g *Group) Decrypt(ctx context.Context, data []byte, senderCard *model.Card, asOf time.Time) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	if senderCard == nil {
		return nil, ErrCardNotFound
	}
	card := model.CardAt(senderCard, asOf)

	msg, err := groupsession.ParseMessage(data)
	if err != nil {
		return nil, err
	}

	initiator, _, session := g.state()
	if !bytes.Equal(msg.SessionID, session.SessionID()) {
		return nil, ErrWrongGroup
	}

	current := session.CurrentEpoch()
	if current < msg.Epoch {
		return nil, fmt.Errorf("%w: message epoch %d, local epoch %d", ErrGroupOutdated, msg.Epoch, current)
	}

	if current-msg.Epoch < uint32(g.manager.cfg.TicketWindow) && session.HasEpoch(msg.Epoch) {
		return decrypt(session, data, card)
	}

	temp, err := g.manager.groupAtEpoch(ctx, msg.SessionID, initiator, msg.Epoch)
	if err != nil {
		return nil, err
	}
	return temp.Decrypt(ctx, data, card, time.Time{})
}

func decrypt(session *groupsession.Session, data []byte, card *model.Card) ([]byte, error) {
	plain, err := session.Decrypt(data, card.PublicKey)
	if errors.Is(err, groupsession.ErrVerificationFailed) {
		return nil, ErrVerificationFailed
	}
	if err != nil {
		return nil, fmt.Errorf("decrypt group message: %w", err)
	}
	return plain, nil
}

// Update synchronizes the group with the tickets the initiator shared.
func (g *Group) Update(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	card, err := g.manager.findCard(ctx, g.initiator)
	if err != nil {
		return err
	}

	updated, err := g.manager.Pull(ctx, g.session.SessionID(), card)
	if err != nil {
		return err
	}
	g.replace(updated)
	return nil
}

// Add grants the owners of cards access to the group. The epoch does not
// change, so new members can read the history of the current epochs.
func (g *Group) Add(ctx context.Context, cards []*model.Card) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkPermissions(); err != nil {
		return err
	}

	newSet := slices.Clone(g.participants)
	var added []*model.Card
	for _, card := range cards {
		if card == nil || card.Identity == "" {
			return fmt.Errorf("%w: empty card", ErrInvalidChange)
		}
		if slices.Contains(newSet, card.Identity) {
			continue
		}
		newSet = append(newSet, card.Identity)
		added = append(added, card)
	}
	slices.Sort(newSet)

	if err := g.manager.validateParticipantsCount(newSet, g.initiator); err != nil {
		return err
	}
	if len(added) == 0 {
		return ErrNoOpChange
	}

	if err := g.manager.AddAccess(ctx, added, g.session.SessionID()); err != nil {
		return err
	}
	g.participants = newSet
	return nil
}

// Remove revokes the access of identities and moves the group to a new
// epoch shared only with the remaining members.
func (g *Group) Remove(ctx context.Context, identities []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkPermissions(); err != nil {
		return err
	}
	if slices.Contains(identities, g.initiator) {
		return fmt.Errorf("%w: the initiator cannot be removed", ErrInvalidChange)
	}

	var newSet, removed []string
	for _, p := range g.participants {
		if slices.Contains(identities, p) {
			removed = append(removed, p)
			continue
		}
		newSet = append(newSet, p)
	}

	if err := g.manager.validateParticipantsCount(newSet, g.initiator); err != nil {
		return err
	}
	if len(removed) == 0 {
		return ErrNoOpChange
	}

	survivors := slices.DeleteFunc(slices.Clone(newSet), func(p string) bool { return p == g.initiator })
	cards, err := g.manager.directory.FindCards(ctx, survivors)
	if err != nil {
		return err
	}

	t, err := ticket.NewEpoch(g.session, newSet)
	if err != nil {
		return err
	}

	updated, err := g.manager.Store(ctx, t, cards)
	if err != nil {
		return err
	}

	if err := g.manager.RemoveAccess(ctx, removed, t.SessionID()); err != nil {
		return err
	}
	g.replace(updated)
	return nil
}

// ReAdd shares the group again with a participant whose card changed.
func (g *Group) ReAdd(ctx context.Context, card *model.Card) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if err := g.checkPermissions(); err != nil {
		return err
	}
	if card == nil || !slices.Contains(g.participants, card.Identity) {
		return fmt.Errorf("%w: not a participant", ErrInvalidChange)
	}

	return g.manager.ReAddAccess(ctx, card, g.session.SessionID())
}

func (g *Group) checkPermissions() error {
	if g.manager.self.Name != g.initiator {
		return ErrPermissionDenied
	}
	return nil
}
