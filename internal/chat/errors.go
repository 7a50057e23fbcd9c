package chat

import "errors"

var (
	ErrNoConversation = errors.New("chat: no such conversation")
	ErrNoMessage      = errors.New("chat: no such message")
	ErrInvalidDraft   = errors.New("chat: invalid draft")
	ErrShutdown       = errors.New("chat: engine shut down")
)
