package domain

import "errors"

var (
	// ErrConversationUnresolvable means the conversation does not exist and the
	// event lacks the context needed to create it.
	ErrConversationUnresolvable = errors.New("conversation unresolvable")
	// ErrConversationNotFound is returned by updates that address no conversation.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrArchiveNotFound is returned when no cold archive exists for an id.
	ErrArchiveNotFound = errors.New("archive not found")
)
