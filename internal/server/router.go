package server

import (
	"log"
	"sync"

	"chatrelay/internal/database"
	"chatrelay/internal/types"
)

// RoomRouter maps conversations to the live connections interested in
// them and fans published messages out to that set. A connection holds at
// most one active subscription; subscribing to a new conversation
// implicitly unsubscribes from the previous one.
type RoomRouter struct {
	mu sync.RWMutex
	// fan-out sets are kept after the last subscriber leaves; an empty set
	// is a valid broadcast target and its send lock stays usable. The map
	// is bounded by the conversations touched this process lifetime.
	conversations map[int]*fanoutSet
	db            database.ChatRepository
	log           *log.Logger
}

type fanoutSet struct {
	mu          sync.RWMutex
	subscribers map[*Client]struct{}
	// sendMu serializes the persist+publish pipeline per conversation so
	// fan-out order always matches the persisted sequence order. Joins
	// take it too, so a history snapshot can never miss a message that
	// was broadcast before the subscription took effect.
	sendMu sync.Mutex
}

func NewRoomRouter(db database.ChatRepository, logger *log.Logger) *RoomRouter {
	return &RoomRouter{
		conversations: make(map[int]*fanoutSet),
		db:            db,
		log:           logger,
	}
}

func (rt *RoomRouter) set(conversationId int) *fanoutSet {
	rt.mu.RLock()
	fs := rt.conversations[conversationId]
	rt.mu.RUnlock()
	if fs != nil {
		return fs
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if fs = rt.conversations[conversationId]; fs == nil {
		fs = &fanoutSet{subscribers: make(map[*Client]struct{})}
		rt.conversations[conversationId] = fs
	}
	return fs
}

// lockConversation acquires the conversation's send lock and returns the
// matching unlock.
func (rt *RoomRouter) lockConversation(conversationId int) func() {
	fs := rt.set(conversationId)
	fs.sendMu.Lock()
	return fs.sendMu.Unlock
}

// Subscribe attaches a connection to a conversation's fan-out set,
// detaching it from whichever conversation it was subscribed to before.
func (rt *RoomRouter) Subscribe(c *Client, conversationId int) {
	c.activeMu.Lock()
	previous := c.activeConversation
	c.activeConversation = conversationId
	c.activeMu.Unlock()

	if previous != 0 && previous != conversationId {
		prev := rt.set(previous)
		prev.mu.Lock()
		delete(prev.subscribers, c)
		prev.mu.Unlock()
	}

	fs := rt.set(conversationId)
	fs.mu.Lock()
	fs.subscribers[c] = struct{}{}
	fs.mu.Unlock()
}

// Unsubscribe detaches a connection from its active conversation, if any.
// It is idempotent and safe to call for connections that never joined.
func (rt *RoomRouter) Unsubscribe(c *Client) {
	c.activeMu.Lock()
	active := c.activeConversation
	c.activeConversation = 0
	c.activeMu.Unlock()

	if active == 0 {
		return
	}

	fs := rt.set(active)
	fs.mu.Lock()
	delete(fs.subscribers, c)
	fs.mu.Unlock()
}

// Subscribers returns a point-in-time snapshot of the conversation's
// fan-out set.
func (rt *RoomRouter) Subscribers(conversationId int) []*Client {
	rt.mu.RLock()
	fs := rt.conversations[conversationId]
	rt.mu.RUnlock()
	if fs == nil {
		return nil
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	clients := make([]*Client, 0, len(fs.subscribers))
	for c := range fs.subscribers {
		clients = append(clients, c)
	}
	return clients
}

// Broadcast delivers msg to every connection currently subscribed to the
// conversation. Delivery is best-effort and at-most-once per connection:
// a client whose buffer is full, or which disconnects mid fan-out, simply
// does not receive it.
func (rt *RoomRouter) Broadcast(conversationId int, msg *ServerMessage) {
	for _, c := range rt.Subscribers(conversationId) {
		if c == msg.SkipClient {
			continue
		}

		if !c.queueMessage(msg) {
			rt.log.Printf("dropped broadcast for conversation %d to %q", conversationId, c.user.Username)
		}
	}
}

// History returns the conversation's full message history, ascending by
// sequence.
func (rt *RoomRouter) History(conversationId int) ([]types.Message, error) {
	dbMsgs, err := rt.db.GetMessages(conversationId)
	if err != nil {
		return nil, err
	}

	messages := make([]types.Message, len(dbMsgs))
	for i, m := range dbMsgs {
		messages[i] = types.Message{
			SeqId:          m.SeqId,
			ConversationId: m.ConversationId,
			UserId:         m.UserId,
			Username:       m.Username,
			Content:        m.Content,
			Timestamp:      m.CreatedAt,
		}
	}
	return messages, nil
}
