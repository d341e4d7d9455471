package group

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"e2e_groupchat/internal/config"
	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/ticket"
	"e2e_groupchat/internal/utils/log"

	"go.uber.org/zap"
)

const sessionIDSize = config.SessionIDSize

// Manager is the only writer of the ticket stores. It creates, synchronizes
// and deletes groups. Cloud writes always precede local writes.
type Manager struct {
	self      *model.User
	local     LocalTicketStore
	cloud     CloudTicketStore
	directory CardDirectory
	cfg       *config.Group
	locks     *sessionLocks
}

func NewManager(self *model.User, local LocalTicketStore, cloud CloudTicketStore, directory CardDirectory, cfg *config.Group) (*Manager, error) {
	if self == nil || self.Name == "" {
		return nil, errors.New("group manager: local user is required")
	}
	if local == nil || cloud == nil || directory == nil {
		return nil, errors.New("group manager: ticket stores and card directory are required")
	}
	if cfg == nil {
		cfg = config.Default().Group
	}

	return &Manager{
		self:      self,
		local:     local,
		cloud:     cloud,
		directory: directory,
		cfg:       cfg,
		locks:     newSessionLocks(),
	}, nil
}

// SessionID derives the session id of a group from its identifier.
func SessionID(identifier []byte) []byte {
	sum := sha512.Sum512(identifier)
	return sum[:sessionIDSize]
}

// CreateGroup starts a new group named identifier with the owners of cards.
// The local user is the initiator and always a participant.
func (m *Manager) CreateGroup(ctx context.Context, identifier []byte, cards []*model.Card) (*Group, error) {
	if err := m.checkIdentifier(identifier); err != nil {
		return nil, err
	}
	sessionID := SessionID(identifier)

	participants := []string{m.self.Name}
	var recipients []*model.Card
	for _, card := range cards {
		if card == nil || card.Identity == "" {
			return nil, fmt.Errorf("%w: empty card", ErrInvalidChange)
		}
		if slices.Contains(participants, card.Identity) {
			continue
		}
		participants = append(participants, card.Identity)
		recipients = append(recipients, card)
	}
	if err := m.validateParticipantsCount(participants, m.self.Name); err != nil {
		return nil, err
	}

	if g := m.Retrieve(ctx, sessionID); g != nil {
		return nil, fmt.Errorf("%w: group exists on this device", ErrDuplicateSession)
	}

	t, err := ticket.New(sessionID, participants)
	if err != nil {
		return nil, err
	}
	return m.Store(ctx, t, recipients)
}

// LoadGroup fetches a group another user shared with this device.
func (m *Manager) LoadGroup(ctx context.Context, identifier []byte, initiatorCard *model.Card) (*Group, error) {
	if err := m.checkIdentifier(identifier); err != nil {
		return nil, err
	}
	return m.Pull(ctx, SessionID(identifier), initiatorCard)
}

// GetGroup returns the locally stored group, or nil.
func (m *Manager) GetGroup(ctx context.Context, identifier []byte) (*Group, error) {
	if err := m.checkIdentifier(identifier); err != nil {
		return nil, err
	}
	return m.Retrieve(ctx, SessionID(identifier)), nil
}

func (m *Manager) DeleteGroup(ctx context.Context, identifier []byte) error {
	if err := m.checkIdentifier(identifier); err != nil {
		return err
	}
	return m.Delete(ctx, SessionID(identifier))
}

// Store registers a new epoch ticket: it is shared with cards in the cloud,
// then persisted locally.
func (m *Manager) Store(ctx context.Context, t *ticket.Ticket, cards []*model.Card) (*Group, error) {
	sessionID := t.SessionID()
	if err := m.checkSessionID(sessionID); err != nil {
		return nil, err
	}

	unlock := m.locks.lock(sessionID)
	defer unlock()

	if err := m.cloud.Store(ctx, t, cards); err != nil {
		return nil, fmt.Errorf("store ticket epoch %d in cloud: %w", t.Epoch, err)
	}

	raw := &ticket.RawGroup{
		Info:    ticket.GroupInfo{Initiator: m.self.Name},
		Tickets: []*ticket.Ticket{t},
	}
	if err := m.local.Store(ctx, raw); err != nil {
		return nil, fmt.Errorf("store ticket epoch %d locally: %w", t.Epoch, err)
	}

	return m.reload(ctx, sessionID)
}

// Pull synchronizes the local copy of a group with the tickets the owner of
// card shared with this device.
func (m *Manager) Pull(ctx context.Context, sessionID []byte, card *model.Card) (*Group, error) {
	if err := m.checkSessionID(sessionID); err != nil {
		return nil, err
	}
	if card == nil {
		return nil, ErrCardNotFound
	}

	unlock := m.locks.lock(sessionID)
	defer unlock()

	cloudEpochs, err := m.cloud.GetEpochs(ctx, sessionID, card.Identity)
	if err != nil {
		return nil, fmt.Errorf("get cloud epochs: %w", err)
	}
	if len(cloudEpochs) == 0 {
		if err := m.local.Delete(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("delete local group: %w", err)
		}
		return nil, ErrGroupNotFound
	}
	// epochs older than the window are served by groupAtEpoch on demand
	slices.Sort(cloudEpochs)
	if len(cloudEpochs) > m.cfg.TicketWindow {
		cloudEpochs = cloudEpochs[len(cloudEpochs)-m.cfg.TicketWindow:]
	}

	localEpochs, err := m.local.GetEpochs(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get local epochs: %w", err)
	}

	newEpochs := missingEpochs(cloudEpochs, localEpochs)
	tickets, err := m.cloud.Retrieve(ctx, sessionID, card.Identity, card.PublicKey, newEpochs)
	if err != nil {
		return nil, fmt.Errorf("retrieve cloud tickets: %w", err)
	}
	if len(tickets) == 0 {
		log.Error("cloud listed epochs but returned no tickets",
			zap.String("session", hex.EncodeToString(sessionID)),
			zap.Uint32s("epochs", newEpochs))
		return nil, ErrInconsistentState
	}

	raw := &ticket.RawGroup{
		Info:    ticket.GroupInfo{Initiator: card.Identity},
		Tickets: tickets,
	}
	if err := m.local.Store(ctx, raw); err != nil {
		return nil, fmt.Errorf("store tickets locally: %w", err)
	}

	return m.reload(ctx, sessionID)
}

// AddAccess shares the session with cards without changing its epoch.
func (m *Manager) AddAccess(ctx context.Context, cards []*model.Card, sessionID []byte) error {
	if err := m.checkSessionID(sessionID); err != nil {
		return err
	}

	unlock := m.locks.lock(sessionID)
	defer unlock()

	if err := m.cloud.AddRecipients(ctx, cards, sessionID); err != nil {
		return fmt.Errorf("add cloud recipients: %w", err)
	}

	raw, err := m.local.Retrieve(ctx, sessionID, 1)
	if err != nil {
		return fmt.Errorf("retrieve local group: %w", err)
	}
	if raw == nil || raw.Latest() == nil {
		return ErrInconsistentState
	}

	latest := raw.Latest()
	participants := slices.Clone(latest.Participants)
	for _, card := range cards {
		participants = append(participants, card.Identity)
	}
	extended, err := latest.WithParticipants(participants)
	if err != nil {
		return err
	}
	if extended.Equal(latest) {
		return nil
	}

	raw.Tickets = []*ticket.Ticket{extended}
	if err := m.local.Store(ctx, raw); err != nil {
		return fmt.Errorf("store extended ticket locally: %w", err)
	}
	return nil
}

// ReAddAccess shares the session again with the current card of an
// existing participant.
func (m *Manager) ReAddAccess(ctx context.Context, card *model.Card, sessionID []byte) error {
	return m.AddAccess(ctx, []*model.Card{card}, sessionID)
}

// RemoveAccess revokes cloud access of identities. Tickets they already
// hold keep working for past epochs.
func (m *Manager) RemoveAccess(ctx context.Context, identities []string, sessionID []byte) error {
	if err := m.checkSessionID(sessionID); err != nil {
		return err
	}

	for _, identity := range identities {
		if err := m.cloud.RemoveRecipient(ctx, identity, sessionID); err != nil {
			return fmt.Errorf("remove cloud recipient %s: %w", identity, err)
		}
	}
	return nil
}

// Retrieve rebuilds a group from the latest local tickets. It returns nil
// when nothing usable is stored.
func (m *Manager) Retrieve(ctx context.Context, sessionID []byte) *Group {
	raw, err := m.local.Retrieve(ctx, sessionID, m.cfg.TicketWindow)
	return m.parse(sessionID, raw, err)
}

// RetrieveEpoch rebuilds a group holding only the local ticket of epoch.
func (m *Manager) RetrieveEpoch(ctx context.Context, sessionID []byte, epoch uint32) *Group {
	raw, err := m.local.RetrieveEpoch(ctx, sessionID, epoch)
	return m.parse(sessionID, raw, err)
}

// Delete removes the session from the cloud and from this device.
func (m *Manager) Delete(ctx context.Context, sessionID []byte) error {
	if err := m.checkSessionID(sessionID); err != nil {
		return err
	}

	unlock := m.locks.lock(sessionID)
	defer unlock()

	if err := m.cloud.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete cloud tickets: %w", err)
	}
	if err := m.local.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete local tickets: %w", err)
	}
	return nil
}

// groupAtEpoch builds a temporary group for a single epoch, from the local
// store or else from the cloud. It is not persisted.
func (m *Manager) groupAtEpoch(ctx context.Context, sessionID []byte, initiator string, epoch uint32) (*Group, error) {
	if g := m.RetrieveEpoch(ctx, sessionID, epoch); g != nil {
		return g, nil
	}

	card, err := m.findCard(ctx, initiator)
	if err != nil {
		return nil, err
	}

	tickets, err := m.cloud.Retrieve(ctx, sessionID, initiator, card.PublicKey, []uint32{epoch})
	if err != nil {
		return nil, fmt.Errorf("retrieve cloud ticket epoch %d: %w", epoch, err)
	}
	if len(tickets) == 0 {
		return nil, fmt.Errorf("%w: epoch %d", ErrGroupNotFound, epoch)
	}

	return newGroup(&ticket.RawGroup{
		Info:    ticket.GroupInfo{Initiator: initiator},
		Tickets: tickets,
	}, m)
}

func (m *Manager) reload(ctx context.Context, sessionID []byte) (*Group, error) {
	g := m.Retrieve(ctx, sessionID)
	if g == nil {
		log.Error("group missing after sync", zap.String("session", hex.EncodeToString(sessionID)))
		return nil, ErrInconsistentState
	}
	return g, nil
}

func (m *Manager) parse(sessionID []byte, raw *ticket.RawGroup, err error) *Group {
	if err != nil {
		log.Warn("retrieve local group failed",
			zap.String("session", hex.EncodeToString(sessionID)),
			zap.Error(err))
		return nil
	}
	if raw == nil {
		return nil
	}

	g, err := newGroup(raw, m)
	if err != nil {
		log.Warn("parse local group failed",
			zap.String("session", hex.EncodeToString(sessionID)),
			zap.Error(err))
		return nil
	}
	return g
}

func (m *Manager) findCard(ctx context.Context, identity string) (*model.Card, error) {
	cards, err := m.directory.FindCards(ctx, []string{identity})
	if err != nil {
		return nil, err
	}
	for _, card := range cards {
		if card.Identity == identity {
			return card, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCardNotFound, identity)
}

// validateParticipantsCount bounds the members of a group other than its
// initiator.
func (m *Manager) validateParticipantsCount(participants []string, initiator string) error {
	n := len(participants)
	if slices.Contains(participants, initiator) {
		n--
	}
	if n < m.cfg.MinParticipants || n > m.cfg.MaxParticipants {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidParticipantsCount, n, m.cfg.MinParticipants, m.cfg.MaxParticipants)
	}
	return nil
}

func (m *Manager) checkSessionID(sessionID []byte) error {
	if len(sessionID) < m.cfg.MinSessionIDLength {
		return fmt.Errorf("%w: %d bytes", ErrShortSessionID, len(sessionID))
	}
	return nil
}

func (m *Manager) checkIdentifier(identifier []byte) error {
	if len(identifier) < m.cfg.MinIdentifierLength {
		return fmt.Errorf("%w: %d bytes", ErrShortIdentifier, len(identifier))
	}
	return nil
}

// missingEpochs returns the cloud epochs not held locally. The latest cloud
// epoch is always included so a sync never works from an empty set.
func missingEpochs(cloud, local []uint32) []uint32 {
	var missing []uint32
	for _, e := range cloud {
		if !slices.Contains(local, e) {
			missing = append(missing, e)
		}
	}

	latest := slices.Max(cloud)
	if !slices.Contains(missing, latest) {
		missing = append(missing, latest)
	}
	slices.Sort(missing)
	return missing
}
