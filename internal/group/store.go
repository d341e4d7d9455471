package group

import (
	"context"

	"e2e_groupchat/internal/model"
	"e2e_groupchat/internal/ticket"
)

type (
	// LocalTicketStore persists raw groups on this device. Retrieve and
	// RetrieveEpoch return (nil, nil) when nothing is stored.
	LocalTicketStore interface {
		// Store merges the tickets of group into the stored group.
		Store(ctx context.Context, group *ticket.RawGroup) error
		// Retrieve returns the group with at most count latest tickets.
		Retrieve(ctx context.Context, sessionID []byte, count int) (*ticket.RawGroup, error)
		// RetrieveEpoch returns the group with only the ticket of epoch.
		RetrieveEpoch(ctx context.Context, sessionID []byte, epoch uint32) (*ticket.RawGroup, error)
		GetEpochs(ctx context.Context, sessionID []byte) ([]uint32, error)
		Delete(ctx context.Context, sessionID []byte) error
	}

	// CloudTicketStore shares tickets between the initiator and the
	// participants of a group. Tickets are stored per recipient.
	CloudTicketStore interface {
		// Store shares t with every card and with the caller. A ticket
		// already stored for the epoch yields ticket.ErrDuplicate.
		Store(ctx context.Context, t *ticket.Ticket, cards []*model.Card) error
		// GetEpochs lists the epochs identity shared with the caller.
		GetEpochs(ctx context.Context, sessionID []byte, identity string) ([]uint32, error)
		// Retrieve returns the tickets of epochs identity shared with the
		// caller, verified against publicKey, ordered by epoch.
		Retrieve(ctx context.Context, sessionID []byte, identity string, publicKey []byte, epochs []uint32) ([]*ticket.Ticket, error)
		// AddRecipients shares every ticket of the session with cards and
		// extends the participants of the latest ticket with them.
		AddRecipients(ctx context.Context, cards []*model.Card, sessionID []byte) error
		RemoveRecipient(ctx context.Context, identity string, sessionID []byte) error
		Delete(ctx context.Context, sessionID []byte) error
	}

	// CardDirectory resolves identities to their current cards. Unknown
	// identities yield ErrCardNotFound.
	CardDirectory interface {
		FindCards(ctx context.Context, identities []string) ([]*model.Card, error)
	}
)
