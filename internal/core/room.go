package core

// Room is the set of connections that receive broadcasts. The hub owns a
// single room for the whole chat; it is only touched from the hub loop.
type Room struct {
	clients map[*Client]struct{}
}

// NewRoom constructs a room with no clients.
func NewRoom() *Room {
	return &Room{
		clients: make(map[*Client]struct{}),
	}
}

// AddClient inserts a client into the room. Returns true if newly added.
func (r *Room) AddClient(c *Client) bool {
	if _, exists := r.clients[c]; exists {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

// RemoveClient deletes a client from the room. Returns true if removed.
func (r *Room) RemoveClient(c *Client) bool {
	if _, exists := r.clients[c]; !exists {
		return false
	}
	delete(r.clients, c)
	return true
}

// Broadcast sends an event to all clients in the room and returns the
// clients that could not keep up.
func (r *Room) Broadcast(event *Event) []*Client {
	var slow []*Client
	for client := range r.clients {
		if !client.deliver(event) {
			slow = append(slow, client)
		}
	}
	return slow
}

// Len returns the number of clients in the room.
func (r *Room) Len() int {
	return len(r.clients)
}
