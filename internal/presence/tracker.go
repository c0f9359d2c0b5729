// Package presence tracks which users hold at least one live connection.
package presence

import (
	"sort"
	"sync"
)

// Identity is the public face of a user as announced by a session.
type Identity struct {
	ID       string
	Username string
	Avatar   string
}

// Tracker maps live connections to user identities. A user is online while
// at least one of their connections is registered.
type Tracker struct {
	mu    sync.RWMutex
	conns map[string]Identity   // connectionID -> identity
	users map[string]*userEntry // userID -> live connections
}

type userEntry struct {
	latest Identity
	conns  map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		conns: make(map[string]Identity),
		users: make(map[string]*userEntry),
	}
}

// Join registers connID as belonging to identity. Announcing again on the
// same connection replaces the previous entry.
func (t *Tracker) Join(connID string, identity Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.conns[connID]; ok {
		t.detach(connID, prev.ID)
	}

	t.conns[connID] = identity
	entry, ok := t.users[identity.ID]
	if !ok {
		entry = &userEntry{conns: make(map[string]struct{})}
		t.users[identity.ID] = entry
	}
	entry.latest = identity
	entry.conns[connID] = struct{}{}
}

// Leave removes the entry for connID and returns the user it belonged to.
// Unknown connections are a no-op.
func (t *Tracker) Leave(connID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	identity, ok := t.conns[connID]
	if !ok {
		return "", false
	}
	delete(t.conns, connID)
	t.detach(connID, identity.ID)
	return identity.ID, true
}

// OnlineUserIDs returns the distinct set of online user ids.
func (t *Tracker) OnlineUserIDs() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]struct{}, len(t.users))
	for id := range t.users {
		out[id] = struct{}{}
	}
	return out
}

// OnlineUserCount returns the number of distinct online users.
func (t *Tracker) OnlineUserCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.users)
}

// OnlineUsers returns one identity per online user, sorted by username.
// The most recently announced identity of a user wins.
func (t *Tracker) OnlineUsers() []Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Identity, 0, len(t.users))
	for _, entry := range t.users {
		out = append(out, entry.latest)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username == out[j].Username {
			return out[i].ID < out[j].ID
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// ConnectionCount returns the number of registered connections.
func (t *Tracker) ConnectionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.conns)
}

func (t *Tracker) detach(connID, userID string) {
	entry, ok := t.users[userID]
	if !ok {
		return
	}
	delete(entry.conns, connID)
	if len(entry.conns) == 0 {
		delete(t.users, userID)
	}
}
