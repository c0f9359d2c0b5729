package core

import "github.com/vovakirdan/recallchat/internal/presence"

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandJoin announces the identity behind the connection.
	CommandJoin CommandKind = iota
	// CommandSendMessage posts a new message.
	CommandSendMessage
	// CommandRecallMessage recalls one of the requester's messages.
	CommandRecallMessage
	// CommandEditRecalled revives a recalled message with new text.
	CommandEditRecalled
	// CommandDeleteMessage purges one of the requester's messages right away.
	CommandDeleteMessage
	// CommandListOnline asks for the current presence list.
	CommandListOnline
)

// Command represents an action requested by a client.
type Command struct {
	Kind     CommandKind
	Identity presence.Identity // CommandJoin
	Draft    Draft             // CommandSendMessage

	MessageID string
	// AuthorID is the author the client claims to act as; empty means the
	// connection's own identity.
	AuthorID         string
	Text             string
	DeleteAttachment bool
}
