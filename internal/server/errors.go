package server

import "errors"

// Domain errors surfaced by the conversation directory. Anything else
// coming back from an operation is treated as a store failure: the
// operation is aborted and the initiator is told to retry.
var (
	ErrUnauthorized       = errors.New("not a participant in this conversation")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrInvalidParticipant = errors.New("invalid participant")
	ErrEmptyGroup         = errors.New("group conversation has no other participants")
)
