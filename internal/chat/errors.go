package chat

import "errors"

// Failure taxonomy for the shared authorize/mutate core. Every sentinel maps
// to one transport outcome: validation → 400, absent aggregate → 404,
// authorization → 403, the temporal edit window → 403 with its own message.
// Anything not wrapping one of these is an infrastructure failure (500);
// the core never retries those itself. Duplicate sends are not errors at all.
var (
	// ErrInvalidInput covers malformed or missing required fields,
	// rejected before any store access.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConversationNotFound: the addressed conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound: the addressed message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotParticipant: the caller is not among the conversation's participants.
	ErrNotParticipant = errors.New("not a participant in this conversation")

	// ErrNotSender: only the original sender may edit or delete a message.
	ErrNotSender = errors.New("only the sender may modify this message")

	// ErrEditWindowExpired: the 15-minute edit window has passed.
	ErrEditWindowExpired = errors.New("edit window expired")

	// ErrNotEditable: only plain-text messages can be edited.
	ErrNotEditable = errors.New("only text messages can be edited")
)
