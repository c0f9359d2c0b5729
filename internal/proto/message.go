package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeJoin       = "join"
	InboundTypeSend       = "send-message"
	InboundTypeRecall     = "recall-message"
	InboundTypeEdit       = "edit-recalled-message"
	InboundTypeDelete     = "delete-message"
	InboundTypeListOnline = "get-online-users"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	ErrCodeInvalidMessage     = "invalid_message"
	ErrCodeUnsupportedVersion = "unsupported_version"
)

// JoinData announces the identity behind a connection. When the server
// verifies tokens, the identity is taken from Token instead.
type JoinData struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Token    string `json:"token,omitempty"`
	Protocol int    `json:"protocol,omitempty"`
}

// Attachment describes an uploaded file. The legacy upload shape
// (filename/originalname/mimetype/size/path) is accepted as well.
type Attachment struct {
	StorageKey  string `json:"storage_key,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`

	Filename     string `json:"filename,omitempty"`
	OriginalName string `json:"originalname,omitempty"`
	LegacyMime   string `json:"mimetype,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Path         string `json:"path,omitempty"`
	FilePath     string `json:"filePath,omitempty"`
}

// SendData is a new chat message from the client.
type SendData struct {
	Kind       string      `json:"kind,omitempty"`
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
	// Legacy spellings of Attachment.
	FileInfo *Attachment `json:"fileInfo,omitempty"`
	File     *Attachment `json:"file,omitempty"`
	QuotedID string      `json:"quoted_id,omitempty"`
}

// RecallData asks to recall a message. A non-empty FileInfo path carries
// the request to delete the attachment right away.
type RecallData struct {
	MessageID        string      `json:"message_id"`
	AuthorID         string      `json:"author_id,omitempty"`
	DeleteAttachment bool        `json:"delete_attachment,omitempty"`
	FileInfo         *Attachment `json:"fileInfo,omitempty"`
}

// EditData revives a recalled message with new text.
type EditData struct {
	MessageID string `json:"message_id"`
	AuthorID  string `json:"author_id,omitempty"`
	Text      string `json:"text"`
}

// DeleteData asks for a message to be removed right away.
type DeleteData struct {
	MessageID string `json:"message_id"`
	AuthorID  string `json:"author_id,omitempty"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// OutAttachment is the attachment descriptor sent to clients.
type OutAttachment struct {
	StorageKey  string `json:"storage_key"`
	DisplayName string `json:"display_name,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// EventMessage is a full message as shown in history and message-created.
type EventMessage struct {
	ID           string         `json:"id"`
	AuthorID     string         `json:"author_id"`
	AuthorName   string         `json:"author_name,omitempty"`
	AuthorAvatar string         `json:"author_avatar,omitempty"`
	Kind         string         `json:"kind"`
	Text         string         `json:"text,omitempty"`
	Attachment   *OutAttachment `json:"attachment,omitempty"`
	QuotedID     string         `json:"quoted_id,omitempty"`
	Status       string         `json:"status"`
	RecalledAt   int64          `json:"recalled_at,omitempty"`
	TS           int64          `json:"ts"`
}

// EventHistory carries the messages visible to a newly connected client.
type EventHistory struct {
	Messages []EventMessage `json:"messages"`
}

// EventMessageRef identifies a message whose state changed.
type EventMessageRef struct {
	MessageID string `json:"message_id"`
	AuthorID  string `json:"author_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// EventPresenceCount carries the number of distinct online users.
type EventPresenceCount struct {
	Count int `json:"count"`
}

// User is the public identity of an online user.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// EventPresenceList carries the identities of online users.
type EventPresenceList struct {
	Users []User `json:"users"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code      string `json:"code"`
	Msg       string `json:"msg"`
	MessageID string `json:"message_id,omitempty"`
}
