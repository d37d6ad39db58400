package server

import (
	"sync"
)

// ConnectionRegistry tracks the set of live connections per user. Presence
// is derived from set cardinality: Admit and Remove report the 0->1 and
// 1->0 transitions so callers can emit presence events edge-triggered.
//
// Each user owns its own lock; operations on different users never
// serialize against each other. Entries are kept after the last connection
// goes away so the snapshot keeps reporting those users as offline.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	users map[int]*userConns
}

type userConns struct {
	mu       sync.Mutex
	username string
	conns    map[string]*Client
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		users: make(map[int]*userConns),
	}
}

func (r *ConnectionRegistry) entry(userId int) *userConns {
	r.mu.RLock()
	uc := r.users[userId]
	r.mu.RUnlock()
	if uc != nil {
		return uc
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if uc = r.users[userId]; uc == nil {
		uc = &userConns{conns: make(map[string]*Client)}
		r.users[userId] = uc
	}
	return uc
}

// Admit registers a live connection. It is idempotent per connection id
// and returns true only when this is the user's first live connection.
func (r *ConnectionRegistry) Admit(c *Client) bool {
	uc := r.entry(c.user.Id)

	uc.mu.Lock()
	defer uc.mu.Unlock()

	if _, ok := uc.conns[c.connId]; ok {
		return false
	}

	uc.username = c.user.Username
	uc.conns[c.connId] = c
	return len(uc.conns) == 1
}

// Remove deregisters a connection on disconnect. It is idempotent and
// returns true only when the user's live-connection set becomes empty.
func (r *ConnectionRegistry) Remove(c *Client) bool {
	r.mu.RLock()
	uc := r.users[c.user.Id]
	r.mu.RUnlock()
	if uc == nil {
		return false
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()

	if _, ok := uc.conns[c.connId]; !ok {
		return false
	}

	delete(uc.conns, c.connId)
	return len(uc.conns) == 0
}

func (r *ConnectionRegistry) IsOnline(userId int) bool {
	r.mu.RLock()
	uc := r.users[userId]
	r.mu.RUnlock()
	if uc == nil {
		return false
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.conns) > 0
}

// ConnectionsFor returns the user's live connections, used to route
// notifications to a user who is not subscribed to the conversation.
func (r *ConnectionRegistry) ConnectionsFor(userId int) []*Client {
	r.mu.RLock()
	uc := r.users[userId]
	r.mu.RUnlock()
	if uc == nil {
		return nil
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()

	clients := make([]*Client, 0, len(uc.conns))
	for _, c := range uc.conns {
		clients = append(clients, c)
	}
	return clients
}

// Snapshot returns the full presence table, used to seed a newly
// connected client.
func (r *ConnectionRegistry) Snapshot() map[int]PresenceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make(map[int]PresenceStatus, len(r.users))
	for userId, uc := range r.users {
		uc.mu.Lock()
		statuses[userId] = PresenceStatus{
			Username: uc.username,
			Online:   len(uc.conns) > 0,
		}
		uc.mu.Unlock()
	}
	return statuses
}
