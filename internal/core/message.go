package core

import (
	"time"

	"github.com/vovakirdan/recallchat/internal/store"
)

// RecallWindow is how long a recalled message can be re-edited before it is purged.
const RecallWindow = 30 * time.Second

// Draft is a message as submitted by a client, before the server assigns
// its id and timestamp.
type Draft struct {
	Kind       store.MessageKind
	Text       string
	Attachment *store.Attachment
	QuotedID   *string
}

// visibleAt reports whether msg belongs in history at now: active messages
// and recalls still inside the window are shown.
func visibleAt(msg *store.Message, now time.Time) bool {
	switch msg.Status {
	case store.MessageStatusActive:
		return true
	case store.MessageStatusRecalled:
		return msg.RecalledAt != nil && !windowElapsed(*msg.RecalledAt, now)
	default:
		return false
	}
}

func windowElapsed(recalledAt, now time.Time) bool {
	return now.Sub(recalledAt) > RecallWindow
}
