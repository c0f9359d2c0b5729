package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded write finds the row in an unexpected state.
	ErrConflict = errors.New("conflict")
	// ErrDuplicateID is returned when a record with the same id already exists.
	ErrDuplicateID = errors.New("duplicate id")
)

// User is an identity known to the chat. Credentials live in the external auth service.
type User struct {
	ID        string
	Username  string
	Avatar    string
	CreatedAt time.Time
}

// MessageKind tags the body of a message.
type MessageKind string

const (
	MessageKindText       MessageKind = "text"
	MessageKindAttachment MessageKind = "attachment"
)

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

const (
	MessageStatusActive   MessageStatus = "active"
	MessageStatusRecalled MessageStatus = "recalled"
	// MessageStatusPurged is never persisted: purged rows are deleted.
	MessageStatusPurged MessageStatus = "purged"
)

// Attachment describes an uploaded file embedded in a message.
type Attachment struct {
	StorageKey  string `json:"storage_key"`
	DisplayName string `json:"display_name"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Path        string `json:"path,omitempty"`
}

// Message represents a persisted chat message.
type Message struct {
	ID           string
	AuthorID     string
	AuthorName   string
	AuthorAvatar string
	Kind         MessageKind
	Text         string
	Attachment   *Attachment // set when Kind is MessageKindAttachment
	QuotedID     *string     // weak reference, may dangle
	Status       MessageStatus
	RecalledAt   *time.Time
	CreatedAt    time.Time
}

// MessagePatch lists the fields an update should change. Nil fields are left untouched.
type MessagePatch struct {
	// ExpectStatus guards the write: it commits only if the current row has this status.
	ExpectStatus *MessageStatus

	Status          *MessageStatus
	Kind            *MessageKind
	Text            *string
	ClearAttachment bool
	RecalledAt      *time.Time
	ClearRecalledAt bool
}

// Empty reports whether the patch changes nothing.
func (p MessagePatch) Empty() bool {
	return p.Status == nil && p.Kind == nil && p.Text == nil &&
		!p.ClearAttachment && p.RecalledAt == nil && !p.ClearRecalledAt
}

// Apply copies the patch onto msg.
func (p MessagePatch) Apply(msg *Message) {
	if p.Status != nil {
		msg.Status = *p.Status
	}
	if p.Kind != nil {
		msg.Kind = *p.Kind
	}
	if p.Text != nil {
		msg.Text = *p.Text
	}
	if p.ClearAttachment {
		msg.Attachment = nil
	}
	if p.RecalledAt != nil {
		ts := *p.RecalledAt
		msg.RecalledAt = &ts
	}
	if p.ClearRecalledAt {
		msg.RecalledAt = nil
	}
}

// StatusPtr is a helper for building patches.
func StatusPtr(s MessageStatus) *MessageStatus {
	return &s
}

// UserStore handles user identity persistence.
type UserStore interface {
	// UpsertUser records the identity, refreshing username and avatar when it already exists.
	UpsertUser(ctx context.Context, user *User) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id string) (*User, error)

	// ListUsers returns all known users ordered by username.
	ListUsers(ctx context.Context) ([]*User, error)
}

// MessageStore handles message persistence.
type MessageStore interface {
	// CreateMessage persists a new message. Duplicate ids fail with ErrDuplicateID.
	CreateMessage(ctx context.Context, msg *Message) (*Message, error)

	// GetMessage retrieves a message by ID.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// UpdateMessage applies patch atomically and returns the updated row.
	// Returns ErrNotFound if the id is absent and ErrConflict if the status guard fails.
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) (*Message, error)

	// DeleteMessage removes the row and returns what was deleted.
	// When expect is set the delete only happens if the row has that status.
	DeleteMessage(ctx context.Context, id string, expect *MessageStatus) (*Message, error)

	// ListMessages returns every stored message ordered by creation time.
	ListMessages(ctx context.Context) ([]*Message, error)

	// ListRecalledBefore returns recalled messages whose recall happened at or before cutoff.
	ListRecalledBefore(ctx context.Context, cutoff time.Time) ([]*Message, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	MessageStore

	// Close closes the underlying database connection.
	Close() error
}
