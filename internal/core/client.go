package core

import (
	"sync"

	"github.com/vovakirdan/recallchat/internal/presence"
)

const (
	commandBuffer = 16
	eventBuffer   = 64
)

// Client is a chat connection as seen by the core layer.
type Client struct {
	ID       string
	Commands chan *Command
	Events   chan *Event

	mu       sync.RWMutex
	identity *presence.Identity
	closed   bool

	kicked   chan struct{}
	kickOnce sync.Once
	gone     sync.Once
}

// NewClient constructs a client with initialized channels.
func NewClient(id string) *Client {
	return &Client{
		ID:       id,
		Commands: make(chan *Command, commandBuffer),
		Events:   make(chan *Event, eventBuffer),
		kicked:   make(chan struct{}),
	}
}

// Identity returns the identity announced on this connection, if any.
func (c *Client) Identity() (presence.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.identity == nil {
		return presence.Identity{}, false
	}
	return *c.identity, true
}

// attach records identity and runs join under the client lock. It does
// nothing once the client has disconnected, so a join still queued when the
// connection drops cannot leave a presence entry behind.
func (c *Client) attach(identity presence.Identity, join func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.identity = &identity
	join()
	return true
}

func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
}

// Kicked is closed when the hub gives up on the client because it cannot keep up.
func (c *Client) Kicked() <-chan struct{} {
	return c.kicked
}

func (c *Client) kick() {
	c.kickOnce.Do(func() { close(c.kicked) })
}

// deliver queues ev without blocking. A full buffer means the consumer
// fell behind; the client is kicked rather than silently losing events.
func (c *Client) deliver(ev *Event) bool {
	select {
	case c.Events <- ev:
		return true
	default:
		c.kick()
		return false
	}
}
