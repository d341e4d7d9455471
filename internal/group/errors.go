package group

import (
	"errors"

	"e2e_groupchat/internal/protocol/groupsession"
	"e2e_groupchat/internal/ticket"
)

var (
	// ErrGroupNotFound is returned when the cloud holds no tickets of the
	// session for the caller: it was deleted or access was revoked.
	ErrGroupNotFound = errors.New("group not found")
	// ErrGroupOutdated is returned when a message was encrypted with an epoch
	// this device does not have yet. Update the group and retry.
	ErrGroupOutdated            = errors.New("group is outdated")
	ErrInvalidParticipantsCount = errors.New("invalid participants count")
	ErrPermissionDenied         = errors.New("only the group initiator can change the group")
	ErrVerificationFailed       = groupsession.ErrVerificationFailed
	ErrWrongGroup               = errors.New("message belongs to another group")
	// ErrInconsistentState signals a storage or logic defect: a sync that
	// should have produced a group did not.
	ErrInconsistentState = errors.New("inconsistent group state")
	ErrDuplicateSession  = ticket.ErrDuplicate
	ErrMalformedTicket   = ticket.ErrMalformed
	ErrNoOpChange        = errors.New("change leaves the group unchanged")

	ErrInvalidGroup    = errors.New("group has no tickets")
	ErrInvalidChange   = errors.New("invalid participant change")
	ErrShortSessionID  = errors.New("session id too short")
	ErrShortIdentifier = errors.New("group identifier too short")
	ErrEmptyData       = errors.New("data is empty")
	ErrCardNotFound    = errors.New("card not found")
)
