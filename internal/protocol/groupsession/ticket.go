package groupsession

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

const (
	KeySize = 32

	ticketVersion = 1
	// MaxSessionIDSize is bounded by the one byte length prefix.
	MaxSessionIDSize = 255
)

// Ticket is the payload that introduces one epoch key of a session.
type Ticket struct {
	SessionID []byte
	Epoch     uint32
	Key       []byte
}

// NewTicket mints the founding epoch 0 ticket of a new session.
func NewTicket(sessionID []byte) ([]byte, error) {
	if len(sessionID) == 0 || len(sessionID) > MaxSessionIDSize {
		return nil, fmt.Errorf("invalid session id length %d: %w", len(sessionID), ErrMalformed)
	}
	return mintTicket(sessionID, 0)
}

func mintTicket(sessionID []byte, epoch uint32) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate epoch key: %w", err)
	}

	t := &Ticket{SessionID: sessionID, Epoch: epoch, Key: key}
	return t.Bytes(), nil
}

// Bytes encodes the ticket as version | len(id) | id | epoch | key.
func (t *Ticket) Bytes() []byte {
	b := make([]byte, 0, 2+len(t.SessionID)+4+KeySize)
	b = append(b, ticketVersion, byte(len(t.SessionID)))
	b = append(b, t.SessionID...)
	b = binary.BigEndian.AppendUint32(b, t.Epoch)
	b = append(b, t.Key...)
	return b
}

func ParseTicket(b []byte) (*Ticket, error) {
	if len(b) < 2 || b[0] != ticketVersion {
		return nil, fmt.Errorf("ticket header: %w", ErrMalformed)
	}

	idLen := int(b[1])
	if idLen == 0 || len(b) != 2+idLen+4+KeySize {
		return nil, fmt.Errorf("ticket length %d: %w", len(b), ErrMalformed)
	}

	rest := b[2:]
	t := &Ticket{
		SessionID: append([]byte(nil), rest[:idLen]...),
		Epoch:     binary.BigEndian.Uint32(rest[idLen : idLen+4]),
		Key:       append([]byte(nil), rest[idLen+4:]...),
	}
	return t, nil
}
