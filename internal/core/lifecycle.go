package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/recallchat/internal/attachment"
	"github.com/vovakirdan/recallchat/internal/metrics"
	"github.com/vovakirdan/recallchat/internal/presence"
	"github.com/vovakirdan/recallchat/internal/store"
	"github.com/vovakirdan/recallchat/internal/utils"
)

const purgeTimeout = 10 * time.Second

// Reconciler removes attachment files. Implemented by attachment.Reconciler.
type Reconciler interface {
	DeleteIfExists(key string) (bool, error)
}

// Broadcaster fans an event out to every connected client.
type Broadcaster interface {
	Broadcast(ev *Event)
}

// RecallRequest asks to recall a message.
type RecallRequest struct {
	MessageID   string
	RequesterID string
	// DeleteAttachment asks for the attachment file to be removed now
	// instead of at the end of the recall window.
	DeleteAttachment bool
}

// EditRequest asks to revive a recalled message with new text.
type EditRequest struct {
	MessageID   string
	RequesterID string
	Text        string
}

// LifecycleConfig carries the collaborators of a Lifecycle.
type LifecycleConfig struct {
	Store      store.MessageStore
	Reconciler Reconciler
	Bus        Broadcaster
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Logger     *zerolog.Logger
	NewID      func() string
}

// Lifecycle drives messages through Active -> Recalled -> Purged, with
// Recalled -> Active as the only way back.
//
// Every transition re-reads the message and commits through a status-guarded
// store write, so a transition requested against stale state loses instead of
// overwriting. Transitions on the same message id are additionally serialized
// within the process.
type Lifecycle struct {
	store      store.MessageStore
	reconciler Reconciler
	bus        Broadcaster
	clock      clock.Clock
	metrics    *metrics.Metrics
	log        *zerolog.Logger
	newID      func() string

	locksMu sync.Mutex
	locks   map[string]*keyLock

	timersMu sync.Mutex
	timers   map[string]*clock.Timer
	stopped  bool
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLifecycle builds a lifecycle from cfg. Clock, ids and logger default to
// the wall clock, uuids and a no-op logger.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.NewID == nil {
		cfg.NewID = utils.NewID
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return &Lifecycle{
		store:      cfg.Store,
		reconciler: cfg.Reconciler,
		bus:        cfg.Bus,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		newID:      cfg.NewID,
		locks:      make(map[string]*keyLock),
		timers:     make(map[string]*clock.Timer),
	}
}

// Send persists a new active message and broadcasts it.
func (l *Lifecycle) Send(ctx context.Context, author presence.Identity, draft Draft) (*store.Message, error) {
	msg, err := l.newMessage(author, draft)
	if err != nil {
		return nil, err
	}

	created, err := l.store.CreateMessage(ctx, msg)
	if err != nil {
		l.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to persist message")
		return nil, storeUnavailable(err)
	}

	l.metrics.IncSent()
	l.bus.Broadcast(&Event{Kind: EventMessageCreated, Message: created})
	return created, nil
}

func (l *Lifecycle) newMessage(author presence.Identity, draft Draft) (*store.Message, error) {
	kind := draft.Kind
	if kind == "" {
		kind = store.MessageKindText
		if draft.Attachment != nil {
			kind = store.MessageKindAttachment
		}
	}

	msg := &store.Message{
		ID:           l.newID(),
		AuthorID:     author.ID,
		AuthorName:   author.Username,
		AuthorAvatar: author.Avatar,
		Kind:         kind,
		QuotedID:     draft.QuotedID,
		Status:       store.MessageStatusActive,
		CreatedAt:    l.clock.Now(),
	}

	switch kind {
	case store.MessageKindText:
		if strings.TrimSpace(draft.Text) == "" {
			return nil, badRequest("text is required")
		}
		msg.Text = draft.Text
	case store.MessageKindAttachment:
		if draft.Attachment == nil {
			return nil, badRequest("attachment is required")
		}
		att := *draft.Attachment
		att.StorageKey = attachment.NormalizeKey(att.StorageKey)
		if att.StorageKey == "" {
			return nil, badRequest("attachment storage key is required")
		}
		msg.Attachment = &att
	default:
		return nil, badRequest("unknown message kind")
	}

	return msg, nil
}

// Recall marks the requester's message as recalled and arms the deferred
// purge. With DeleteAttachment set and the file confirmed deleted, the
// message is purged immediately.
func (l *Lifecycle) Recall(ctx context.Context, req RecallRequest) (*store.Message, error) {
	unlock := l.lock(req.MessageID)
	defer unlock()

	msg, err := l.load(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.AuthorID != req.RequesterID {
		return nil, ErrNotOwner
	}
	if msg.Status != store.MessageStatusActive {
		return nil, ErrAlreadyRecalled
	}

	now := l.clock.Now()
	updated, err := l.store.UpdateMessage(ctx, msg.ID, store.MessagePatch{
		ExpectStatus: store.StatusPtr(store.MessageStatusActive),
		Status:       store.StatusPtr(store.MessageStatusRecalled),
		RecalledAt:   &now,
	})
	if err != nil {
		return nil, l.transitionError(err, ErrAlreadyRecalled, msg.ID, "recall")
	}

	l.metrics.IncRecall()
	l.bus.Broadcast(&Event{Kind: EventMessageRecalled, MessageID: updated.ID, AuthorID: updated.AuthorID})
	l.schedulePurge(updated.ID, RecallWindow)

	if req.DeleteAttachment && updated.Attachment != nil {
		l.purgeAttachmentNow(ctx, updated)
	}

	return updated, nil
}

// purgeAttachmentNow runs the explicit deletion path. Without a confirmed
// file deletion the message stays recalled and the deferred purge handles it.
func (l *Lifecycle) purgeAttachmentNow(ctx context.Context, msg *store.Message) {
	key := msg.Attachment.StorageKey
	removed, err := l.reconciler.DeleteIfExists(key)
	if err != nil {
		l.log.Warn().Err(err).Str("message_id", msg.ID).Str("storage_key", key).Msg("immediate attachment deletion failed")
		return
	}
	if !removed {
		l.log.Debug().Str("message_id", msg.ID).Str("storage_key", key).Msg("attachment missing, leaving purge to the window")
		return
	}

	l.metrics.IncAttachmentDeleted()
	l.removeRow(ctx, msg.ID, store.MessageStatusRecalled, metrics.PurgeCauseExplicit)
}

// Edit revives a recalled message with new text. It only succeeds for the
// author, while the message is recalled and the window has not elapsed.
func (l *Lifecycle) Edit(ctx context.Context, req EditRequest) (*store.Message, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, badRequest("text is required")
	}

	unlock := l.lock(req.MessageID)
	defer unlock()

	msg, err := l.load(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.AuthorID != req.RequesterID {
		return nil, ErrNotOwner
	}
	if msg.Status != store.MessageStatusRecalled || msg.RecalledAt == nil {
		return nil, ErrNotRecalled
	}
	if windowElapsed(*msg.RecalledAt, l.clock.Now()) {
		return nil, ErrWindowExpired
	}

	patch := store.MessagePatch{
		ExpectStatus:    store.StatusPtr(store.MessageStatusRecalled),
		Status:          store.StatusPtr(store.MessageStatusActive),
		Text:            &req.Text,
		ClearRecalledAt: true,
	}

	// An edited attachment message becomes a text message; its file is no
	// longer referenced.
	var orphan *store.Attachment
	if msg.Attachment != nil {
		kind := store.MessageKindText
		patch.Kind = &kind
		patch.ClearAttachment = true
		orphan = msg.Attachment
	}

	updated, err := l.store.UpdateMessage(ctx, msg.ID, patch)
	if err != nil {
		return nil, l.transitionError(err, ErrNotRecalled, msg.ID, "edit")
	}

	// The armed purge stays; it finds an active message and does nothing.
	l.metrics.IncEdit()
	l.bus.Broadcast(&Event{
		Kind:      EventMessageEdited,
		MessageID: updated.ID,
		AuthorID:  updated.AuthorID,
		Text:      updated.Text,
	})

	if orphan != nil {
		if removed, err := l.reconciler.DeleteIfExists(orphan.StorageKey); err != nil {
			l.log.Warn().Err(err).Str("message_id", updated.ID).Msg("failed to delete attachment of edited message")
		} else if removed {
			l.metrics.IncAttachmentDeleted()
		}
	}

	return updated, nil
}

// Delete purges one of the requester's messages right away, whatever its state.
func (l *Lifecycle) Delete(ctx context.Context, messageID, requesterID string) error {
	unlock := l.lock(messageID)
	defer unlock()

	msg, err := l.load(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.AuthorID != requesterID {
		return ErrNotOwner
	}

	if msg.Attachment != nil {
		removed, err := l.reconciler.DeleteIfExists(msg.Attachment.StorageKey)
		if err != nil {
			l.log.Warn().Err(err).Str("message_id", msg.ID).Msg("attachment deletion failed, keeping message")
			return &CoreError{Code: ErrCodeStoreUnavailable, Message: "attachment storage unavailable", Err: err}
		}
		if removed {
			l.metrics.IncAttachmentDeleted()
		}
	}

	if !l.removeRow(ctx, msg.ID, msg.Status, metrics.PurgeCauseDelete) {
		return ErrNotFound
	}
	return nil
}

// Purge is the deferred task armed by Recall. It only acts on a message that
// is still recalled and whose window has elapsed; anything else is a no-op.
func (l *Lifecycle) Purge(ctx context.Context, messageID string) (bool, error) {
	return l.purge(ctx, messageID, metrics.PurgeCauseWindow)
}

func (l *Lifecycle) purge(ctx context.Context, messageID, cause string) (bool, error) {
	unlock := l.lock(messageID)
	defer unlock()

	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		l.log.Error().Err(err).Str("message_id", messageID).Msg("purge: failed to load message")
		return false, storeUnavailable(err)
	}
	if msg.Status != store.MessageStatusRecalled || msg.RecalledAt == nil {
		return false, nil
	}
	if !purgeDue(*msg.RecalledAt, l.clock.Now()) {
		return false, nil
	}

	if msg.Attachment != nil {
		removed, err := l.reconciler.DeleteIfExists(msg.Attachment.StorageKey)
		if err != nil {
			// Leave the message recalled; the sweeper picks it up again.
			l.log.Warn().Err(err).Str("message_id", messageID).Msg("purge: attachment deletion failed")
			return false, err
		}
		if removed {
			l.metrics.IncAttachmentDeleted()
		}
	}

	return l.removeRow(ctx, messageID, store.MessageStatusRecalled, cause), nil
}

// Sweep purges every recalled message whose window elapsed without a timer
// firing for it, e.g. because the process restarted. Returns how many were purged.
func (l *Lifecycle) Sweep(ctx context.Context) (int, error) {
	cutoff := l.clock.Now().Add(-RecallWindow)
	stale, err := l.store.ListRecalledBefore(ctx, cutoff)
	if err != nil {
		return 0, storeUnavailable(err)
	}

	purged := 0
	for _, msg := range stale {
		ok, err := l.purge(ctx, msg.ID, metrics.PurgeCauseSweep)
		if err != nil {
			l.log.Warn().Err(err).Str("message_id", msg.ID).Msg("sweep: purge failed")
			continue
		}
		if ok {
			purged++
		}
	}
	return purged, nil
}

// Resume re-arms deferred purges for recalls still inside their window and
// sweeps the ones that expired while no timer was armed.
func (l *Lifecycle) Resume(ctx context.Context) error {
	messages, err := l.store.ListMessages(ctx)
	if err != nil {
		return storeUnavailable(err)
	}

	now := l.clock.Now()
	armed := 0
	for _, msg := range messages {
		if msg.Status != store.MessageStatusRecalled || msg.RecalledAt == nil {
			continue
		}
		if purgeDue(*msg.RecalledAt, now) {
			continue
		}
		l.schedulePurge(msg.ID, msg.RecalledAt.Add(RecallWindow).Sub(now))
		armed++
	}

	purged, err := l.Sweep(ctx)
	if err != nil {
		return err
	}
	l.log.Info().Int("armed", armed).Int("purged", purged).Msg("recall timers resumed")
	return nil
}

// History returns the messages a newly connected client should see.
func (l *Lifecycle) History(ctx context.Context) ([]*store.Message, error) {
	messages, err := l.store.ListMessages(ctx)
	if err != nil {
		return nil, storeUnavailable(err)
	}

	now := l.clock.Now()
	visible := make([]*store.Message, 0, len(messages))
	for _, msg := range messages {
		if visibleAt(msg, now) {
			visible = append(visible, msg)
		}
	}
	return visible, nil
}

// PendingPurges returns the number of armed deferred purges.
func (l *Lifecycle) PendingPurges() int {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()

	return len(l.timers)
}

// Stop disarms every pending purge. Recalled messages left behind are
// handled by Resume or the sweeper on the next start.
func (l *Lifecycle) Stop() {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()

	l.stopped = true
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}

// removeRow deletes the message if it still has status expect and announces the purge.
func (l *Lifecycle) removeRow(ctx context.Context, messageID string, expect store.MessageStatus, cause string) bool {
	deleted, err := l.store.DeleteMessage(ctx, messageID, &expect)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
			l.log.Debug().Err(err).Str("message_id", messageID).Msg("purge skipped, message changed")
			return false
		}
		l.log.Error().Err(err).Str("message_id", messageID).Msg("failed to delete message")
		return false
	}

	l.cancelTimer(messageID)
	l.metrics.IncPurge(cause)
	l.log.Info().Str("message_id", messageID).Str("cause", cause).Msg("message purged")
	l.bus.Broadcast(&Event{Kind: EventMessagePurged, MessageID: deleted.ID, AuthorID: deleted.AuthorID})
	return true
}

func (l *Lifecycle) load(ctx context.Context, messageID string) (*store.Message, error) {
	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		l.log.Error().Err(err).Str("message_id", messageID).Msg("failed to load message")
		return nil, storeUnavailable(err)
	}
	return msg, nil
}

func (l *Lifecycle) transitionError(err error, onConflict *CoreError, messageID, op string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return onConflict
	default:
		l.log.Error().Err(err).Str("message_id", messageID).Str("op", op).Msg("failed to persist transition")
		return storeUnavailable(err)
	}
}

func (l *Lifecycle) schedulePurge(messageID string, after time.Duration) {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()

	if l.stopped {
		return
	}
	if prev, ok := l.timers[messageID]; ok {
		prev.Stop()
	}

	var t *clock.Timer
	t = l.clock.AfterFunc(after, func() {
		l.timersMu.Lock()
		if l.timers[messageID] == t {
			delete(l.timers, messageID)
		}
		l.timersMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
		defer cancel()
		if _, err := l.purge(ctx, messageID, metrics.PurgeCauseWindow); err != nil {
			l.log.Warn().Err(err).Str("message_id", messageID).Msg("deferred purge failed")
		}
	})
	l.timers[messageID] = t
}

func (l *Lifecycle) cancelTimer(messageID string) {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()

	if t, ok := l.timers[messageID]; ok {
		t.Stop()
		delete(l.timers, messageID)
	}
}

func (l *Lifecycle) lock(key string) func() {
	l.locksMu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.locksMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()

		l.locksMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.locksMu.Unlock()
	}
}

func purgeDue(recalledAt, now time.Time) bool {
	return !now.Before(recalledAt.Add(RecallWindow))
}
