package core

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/recallchat/internal/metrics"
	"github.com/vovakirdan/recallchat/internal/presence"
	"github.com/vovakirdan/recallchat/internal/store"
)

const opBuffer = 256

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opBroadcast
	opDirect
	opPresence
)

type hubOp struct {
	kind   opKind
	client *Client
	event  *Event
}

// HubConfig carries the collaborators of a Hub.
type HubConfig struct {
	Store      store.Store
	Presence   *presence.Tracker
	Reconciler Reconciler
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Logger     *zerolog.Logger
	NewID      func() string
}

// Hub is the broadcast bus and session manager. A single goroutine (Run)
// owns the set of connected clients; registrations, broadcasts and direct
// frames all travel through one channel, so every client observes events in
// the order they were submitted.
type Hub struct {
	ops  chan hubOp
	done chan struct{}
	room *Room

	store     store.Store
	presence  *presence.Tracker
	lifecycle *Lifecycle
	metrics   *metrics.Metrics
	log       *zerolog.Logger
}

// NewHub creates a new chat hub instance.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.NewTracker()
	}

	h := &Hub{
		ops:      make(chan hubOp, opBuffer),
		done:     make(chan struct{}),
		room:     NewRoom(),
		store:    cfg.Store,
		presence: cfg.Presence,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
	}
	h.lifecycle = NewLifecycle(LifecycleConfig{
		Store:      cfg.Store,
		Reconciler: cfg.Reconciler,
		Bus:        h,
		Clock:      cfg.Clock,
		Metrics:    cfg.Metrics,
		Logger:     cfg.Logger,
		NewID:      cfg.NewID,
	})
	return h
}

// Lifecycle exposes the message state machine driven by this hub.
func (h *Hub) Lifecycle() *Lifecycle {
	return h.lifecycle
}

// Presence exposes the tracker fed by this hub's sessions.
func (h *Hub) Presence() *presence.Tracker {
	return h.presence
}

// Run processes hub operations until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.lifecycle.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Int("clients", h.room.Len()).Msg("hub stopped")
			return
		case op := <-h.ops:
			h.apply(op)
		}
	}
}

func (h *Hub) apply(op hubOp) {
	switch op.kind {
	case opRegister:
		if h.room.AddClient(op.client) {
			h.log.Debug().Str("client_id", op.client.ID).Int("clients", h.room.Len()).Msg("client registered")
		}
	case opUnregister:
		if h.room.RemoveClient(op.client) {
			h.log.Debug().Str("client_id", op.client.ID).Int("clients", h.room.Len()).Msg("client unregistered")
		}
	case opBroadcast:
		h.fanout(op.event)
	case opPresence:
		// Read at apply time so the last presence frame reflects the last change.
		users := h.presence.OnlineUsers()
		h.fanout(&Event{Kind: EventPresenceCount, Count: len(users)})
		h.fanout(&Event{Kind: EventPresenceList, Users: users})
	case opDirect:
		if !op.client.deliver(op.event) {
			h.room.RemoveClient(op.client)
			h.log.Warn().Str("client_id", op.client.ID).Msg("dropping slow client")
		}
	}
}

func (h *Hub) fanout(ev *Event) {
	for _, slow := range h.room.Broadcast(ev) {
		h.room.RemoveClient(slow)
		h.log.Warn().Str("client_id", slow.ID).Msg("dropping slow client")
	}
}

// submit hands op to the hub loop. It gives up once the hub has stopped.
func (h *Hub) submit(op hubOp) bool {
	select {
	case h.ops <- op:
		return true
	case <-h.done:
		return false
	}
}

// Broadcast delivers ev to every client registered when the hub processes it.
func (h *Hub) Broadcast(ev *Event) {
	h.submit(hubOp{kind: opBroadcast, event: ev})
}

// SendTo delivers ev to a single client, ordered with broadcasts.
func (h *Hub) SendTo(c *Client, ev *Event) {
	h.submit(hubOp{kind: opDirect, client: c, event: ev})
}

// Connect registers the client, pushes visible history to it and starts
// the session worker that executes its commands in order.
func (h *Hub) Connect(ctx context.Context, c *Client) {
	h.submit(hubOp{kind: opRegister, client: c})
	h.updatePresenceMetrics()

	history, err := h.lifecycle.History(ctx)
	if err != nil {
		h.log.Error().Err(err).Str("client_id", c.ID).Msg("failed to load history")
		h.SendTo(c, &Event{Kind: EventError, Error: asCoreError(err)})
	} else {
		h.SendTo(c, &Event{Kind: EventHistory, Messages: history})
	}

	go h.serve(ctx, c)
}

// Disconnect removes the client and its presence entry. It is safe to call
// more than once; only the first call has an effect.
func (h *Hub) Disconnect(c *Client) {
	c.gone.Do(func() {
		c.markClosed()
		h.submit(hubOp{kind: opUnregister, client: c})

		userID, ok := h.presence.Leave(c.ID)
		h.updatePresenceMetrics()
		if !ok {
			return
		}
		h.log.Info().Str("client_id", c.ID).Str("user_id", userID).Msg("user left")
		h.broadcastPresence()
	})
}

// broadcastPresence queues a presence announcement. The tracker is read by
// the hub loop, after every change submitted before it.
func (h *Hub) broadcastPresence() {
	h.submit(hubOp{kind: opPresence})
}

func (h *Hub) updatePresenceMetrics() {
	h.metrics.SetPresence(h.presence.ConnectionCount(), h.presence.OnlineUserCount())
}
