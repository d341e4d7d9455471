package ticket

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"e2e_groupchat/internal/protocol/groupsession"
	"e2e_groupchat/internal/utils/codec"
)

var (
	// ErrMalformed is returned when stored or transported ticket bytes
	// cannot be decoded.
	ErrMalformed = errors.New("malformed ticket")
	// ErrDuplicate is returned by ticket stores when a ticket for the same
	// epoch already exists for a recipient.
	ErrDuplicate = errors.New("ticket for epoch already exists")
	// ErrNoParticipants is returned when a ticket would carry no members.
	ErrNoParticipants = errors.New("ticket has no participants")
)

type (
	// Ticket binds one epoch of a group session to its key payload and the
	// participants valid for that epoch. Tickets are never modified after
	// creation.
	Ticket struct {
		Epoch        uint32   `cbor:"1,keyasint"`
		Message      []byte   `cbor:"2,keyasint"`
		Participants []string `cbor:"3,keyasint"`
	}

	GroupInfo struct {
		Initiator string `cbor:"1,keyasint"`
	}

	// RawGroup is the persisted form of a group: its info and its tickets
	// ordered by epoch.
	RawGroup struct {
		Info    GroupInfo
		Tickets []*Ticket
	}
)

// New mints the founding ticket of a session.
func New(sessionID []byte, participants []string) (*Ticket, error) {
	members, err := normalize(participants)
	if err != nil {
		return nil, err
	}

	payload, err := groupsession.NewTicket(sessionID)
	if err != nil {
		return nil, err
	}

	return &Ticket{Epoch: 0, Message: payload, Participants: members}, nil
}

// NewEpoch mints a ticket for the epoch following session's current one.
func NewEpoch(session *groupsession.Session, participants []string) (*Ticket, error) {
	members, err := normalize(participants)
	if err != nil {
		return nil, err
	}

	payload, err := session.CreateTicket()
	if err != nil {
		return nil, err
	}

	parsed, err := groupsession.ParseTicket(payload)
	if err != nil {
		return nil, err
	}

	return &Ticket{Epoch: parsed.Epoch, Message: payload, Participants: members}, nil
}

func (t *Ticket) Serialize() ([]byte, error) {
	return codec.Marshal(t)
}

func Deserialize(data []byte) (*Ticket, error) {
	var t Ticket
	if err := codec.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	payload, err := groupsession.ParseTicket(t.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if payload.Epoch != t.Epoch {
		return nil, fmt.Errorf("%w: epoch %d does not match payload epoch %d", ErrMalformed, t.Epoch, payload.Epoch)
	}

	members, err := normalize(t.Participants)
	if err != nil || !slices.Equal(members, t.Participants) {
		return nil, fmt.Errorf("%w: invalid participants", ErrMalformed)
	}

	return &t, nil
}

// SessionID returns the session id embedded in the ticket payload.
func (t *Ticket) SessionID() []byte {
	payload, err := groupsession.ParseTicket(t.Message)
	if err != nil {
		return nil
	}
	return payload.SessionID
}

func (t *Ticket) Equal(other *Ticket) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.Epoch == other.Epoch &&
		bytes.Equal(t.Message, other.Message) &&
		slices.Equal(t.Participants, other.Participants)
}

// HasParticipant reports whether identity is a member as of this epoch.
func (t *Ticket) HasParticipant(identity string) bool {
	_, ok := slices.BinarySearch(t.Participants, identity)
	return ok
}

// WithParticipants returns a copy of t for the same epoch and payload with
// a different participant set.
func (t *Ticket) WithParticipants(participants []string) (*Ticket, error) {
	members, err := normalize(participants)
	if err != nil {
		return nil, err
	}
	return &Ticket{
		Epoch:        t.Epoch,
		Message:      bytes.Clone(t.Message),
		Participants: members,
	}, nil
}

// Latest returns the ticket with the highest epoch, or nil.
func (g *RawGroup) Latest() *Ticket {
	if len(g.Tickets) == 0 {
		return nil
	}
	return g.Tickets[len(g.Tickets)-1]
}

// Sort orders tickets by epoch and drops repeated epochs, keeping the last
// occurrence of each.
func (g *RawGroup) Sort() {
	byEpoch := make(map[uint32]*Ticket, len(g.Tickets))
	for _, t := range g.Tickets {
		byEpoch[t.Epoch] = t
	}

	tickets := make([]*Ticket, 0, len(byEpoch))
	for _, t := range byEpoch {
		tickets = append(tickets, t)
	}
	slices.SortFunc(tickets, func(a, b *Ticket) int {
		switch {
		case a.Epoch < b.Epoch:
			return -1
		case a.Epoch > b.Epoch:
			return 1
		}
		return 0
	})
	g.Tickets = tickets
}

func normalize(participants []string) ([]string, error) {
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}

	members := slices.Clone(participants)
	for _, m := range members {
		if m == "" {
			return nil, errors.New("empty participant identity")
		}
	}
	slices.Sort(members)
	return slices.Compact(members), nil
}
