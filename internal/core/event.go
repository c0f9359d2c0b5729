package core

import (
	"github.com/vovakirdan/recallchat/internal/presence"
	"github.com/vovakirdan/recallchat/internal/store"
)

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventHistory delivers visible message history to a newly connected client.
	EventHistory EventKind = iota
	// EventMessageCreated announces a newly sent message.
	EventMessageCreated
	// EventMessageRecalled announces that the author recalled a message.
	EventMessageRecalled
	// EventMessageEdited announces that a recalled message was revived with new text.
	EventMessageEdited
	// EventMessagePurged announces permanent removal of a message.
	EventMessagePurged
	// EventPresenceCount carries the number of distinct online users.
	EventPresenceCount
	// EventPresenceList carries the identities of online users.
	EventPresenceList
	// EventError tells a single client that its request was denied.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventHistory:
		return "history"
	case EventMessageCreated:
		return "message-created"
	case EventMessageRecalled:
		return "message-recalled"
	case EventMessageEdited:
		return "message-edited"
	case EventMessagePurged:
		return "message-purged"
	case EventPresenceCount:
		return "presence-count"
	case EventPresenceList:
		return "presence-list"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is sent to clients to describe what happened in the system.
type Event struct {
	Kind      EventKind
	Message   *store.Message   // EventMessageCreated
	Messages  []*store.Message // EventHistory
	MessageID string
	AuthorID  string
	Text      string
	Count     int
	Users     []presence.Identity
	Error     *CoreError
}
