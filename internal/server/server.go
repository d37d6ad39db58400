package server

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"chatrelay/internal/database"
	"chatrelay/internal/stats"
	"chatrelay/internal/types"
)

const (
	metricLiveConnections      = "LiveConnections"
	metricOnlineUsers          = "OnlineUsers"
	metricMessagesPublished    = "MessagesPublished"
	metricConversationsCreated = "ConversationsCreated"
)

// ChatServer owns the connection registry, the conversation directory and
// the room router, and runs the event loop that serializes presence
// transitions and notification routing.
type ChatServer struct {
	log       *log.Logger
	db        database.ChatRepository
	stats     stats.StatsProvider
	registry  *ConnectionRegistry
	directory *ConversationDirectory
	router    *RoomRouter

	clients        map[*Client]struct{}
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	broadcastChan  chan *ServerMessage
	stop           chan stopReq
	done           chan struct{}
}

type stopReq struct {
	done chan struct{}
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, sp stats.StatsProvider) (*ChatServer, error) {
	registry := NewConnectionRegistry()

	cs := &ChatServer{
		log:            logger,
		db:             db,
		stats:          sp,
		registry:       registry,
		directory:      NewConversationDirectory(db, registry, logger),
		router:         NewRoomRouter(db, logger),
		clients:        make(map[*Client]struct{}),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		broadcastChan:  make(chan *ServerMessage, 256),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}

	sp.RegisterMetric(metricLiveConnections)
	sp.RegisterMetric(metricOnlineUsers)
	sp.RegisterMetric(metricMessagesPublished)
	sp.RegisterMetric(metricConversationsCreated)

	return cs, nil
}

// Run is the server's event loop. Register and deregister for any one user
// flow through here, so presence transitions per user are totally ordered.
func (cs *ChatServer) Run() {
	for {
		select {
		case client := <-cs.RegisterChan:
			cs.log.Printf("adding connection %q from %q", client.connId, client.user.Username)
			cs.clients[client] = struct{}{}
			cs.stats.Incr(metricLiveConnections)

			if cs.registry.Admit(client) {
				cs.stats.Incr(metricOnlineUsers)
				cs.broadcastPresence(client.user, true)
			}
		case client := <-cs.deRegisterChan:
			if _, ok := cs.clients[client]; !ok {
				continue
			}

			cs.log.Printf("removing connection %q from %q", client.connId, client.user.Username)
			delete(cs.clients, client)
			cs.router.Unsubscribe(client)
			cs.stats.Decr(metricLiveConnections)

			if cs.registry.Remove(client) {
				cs.stats.Decr(metricOnlineUsers)
				cs.broadcastPresence(client.user, false)
			}
		case msg := <-cs.broadcastChan:
			cs.deliver(msg)
		case req := <-cs.stop:
			cs.log.Println("stopping client connections")
			for c := range cs.clients {
				c.stopClient()
			}

			close(req.done)
			close(cs.done)
			return
		}
	}
}

// deliver routes a queued server message: to every live connection of
// msg.UserId when set, to every connected client otherwise.
func (cs *ChatServer) deliver(msg *ServerMessage) {
	if msg.UserId != 0 {
		for _, c := range cs.registry.ConnectionsFor(msg.UserId) {
			if c == msg.SkipClient {
				continue
			}
			c.queueMessage(msg)
		}
		return
	}

	for c := range cs.clients {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) broadcastPresence(user types.User, online bool) {
	cs.deliver(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Presence: &PresenceChange{
				UserId:   user.Id,
				Username: user.Username,
				Online:   online,
			},
		},
	})
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.RegisterChan <- c
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch runs a client operation. It executes on the client's read
// goroutine; shared state is guarded by the per-key locks inside the
// registry, directory and router.
func (cs *ChatServer) dispatch(c *Client, msg *ClientMessage) {
	switch {
	case msg.GetConversations != nil:
		cs.handleGetConversations(c, msg)
	case msg.Join != nil:
		cs.handleJoin(c, msg)
	case msg.Publish != nil:
		cs.handlePublish(c, msg)
	case msg.StartPrivate != nil:
		cs.handleStartPrivate(c, msg)
	case msg.CreateGroup != nil:
		cs.handleCreateGroup(c, msg)
	case msg.Presence != nil:
		cs.handlePresence(c, msg)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (cs *ChatServer) handleGetConversations(c *Client, msg *ClientMessage) {
	summaries, err := cs.directory.ListConversations(c.user.Id)
	if err != nil {
		cs.log.Println("list conversations:", err)
		c.queueMessage(ErrEvent(msg.Id, err))
		return
	}

	c.queueMessage(&ServerMessage{
		BaseMessage:   BaseMessage{Id: msg.Id, Timestamp: Now()},
		Conversations: &ConversationList{Summaries: summaries},
	})
}

func (cs *ChatServer) handleJoin(c *Client, msg *ClientMessage) {
	conversationId := msg.Join.ConversationId
	if err := cs.directory.Authorize(c.user.Id, conversationId); err != nil {
		cs.log.Printf("user %q denied join of conversation %d", c.user.Username, conversationId)
		c.queueMessage(ErrEvent(msg.Id, err))
		return
	}

	// the send lock keeps the history snapshot consistent with any
	// publish racing this join
	unlock := cs.router.lockConversation(conversationId)
	cs.router.Subscribe(c, conversationId)
	messages, err := cs.router.History(conversationId)
	unlock()

	if err != nil {
		cs.log.Println("fetch history:", err)
		c.queueMessage(ErrEvent(msg.Id, err))
		return
	}

	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{Id: msg.Id, Timestamp: Now()},
		History: &History{
			ConversationId: conversationId,
			Messages:       messages,
		},
	})
}

// handlePublish is the authorize -> persist -> publish pipeline. The store
// write happens-before the fan-out, and the per-conversation send lock
// keeps fan-out order identical to persisted sequence order.
func (cs *ChatServer) handlePublish(c *Client, msg *ClientMessage) {
	conversationId := msg.Publish.ConversationId
	if msg.Publish.Content == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if err := cs.directory.Authorize(c.user.Id, conversationId); err != nil {
		cs.log.Printf("user %q denied publish to conversation %d", c.user.Username, conversationId)
		c.queueMessage(ErrEvent(msg.Id, err))
		return
	}

	unlock := cs.router.lockConversation(conversationId)
	defer unlock()

	dbMsg, err := cs.db.CreateMessage(conversationId, c.user.Id, msg.Publish.Content)
	if err != nil {
		cs.log.Println("save message:", err)
		c.queueMessage(ErrEvent(msg.Id, err))
		return
	}

	cs.stats.Incr(metricMessagesPublished)
	c.queueMessage(NoErrAccepted(msg.Id))

	cs.router.Broadcast(conversationId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: dbMsg.CreatedAt},
		Message: &types.Message{
			SeqId:          dbMsg.SeqId,
			ConversationId: dbMsg.ConversationId,
			UserId:         dbMsg.UserId,
			Username:       c.user.Username,
			Content:        dbMsg.Content,
			Timestamp:      dbMsg.CreatedAt,
		},
	})
}

func (cs *ChatServer) handleStartPrivate(c *Client, msg *ClientMessage) {
	otherUsername := msg.StartPrivate.Username
	if otherUsername == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	other, err := cs.db.GetAccountByUsername(otherUsername)
	if err != nil {
		cs.log.Printf("start private: resolve %q: %v", otherUsername, err)
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrUnknownParticipant
		}
		c.queueMessage(ErrEvent(msg.Id, err))
		return
	}

	conv, created, err := cs.directory.FindOrCreatePrivate(c.user.Id, other.Id)
	if err != nil {
		cs.log.Println("find or create private conversation:", err)
		c.queueMessage(ErrEvent(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, types.ConversationSummary{
		Id:          conv.Id,
		Kind:        types.KindPrivate,
		Name:        other.Username,
		Online:      cs.registry.IsOnline(other.Id),
		OtherUserId: other.Id,
	}))

	if created {
		cs.stats.Incr(metricConversationsCreated)
		cs.notifyConversation(other.Id, nil, types.ConversationSummary{
			Id:          conv.Id,
			Kind:        types.KindPrivate,
			Name:        c.user.Username,
			Online:      cs.registry.IsOnline(c.user.Id),
			OtherUserId: c.user.Id,
		})
	}
}

func (cs *ChatServer) handleCreateGroup(c *Client, msg *ClientMessage) {
	name := msg.CreateGroup.Name
	if name == "" || len(msg.CreateGroup.Usernames) == 0 {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	conv, members, err := cs.directory.CreateGroup(c.user.Id, name, msg.CreateGroup.Usernames)
	if err != nil {
		cs.log.Println("create group conversation:", err)
		c.queueMessage(ErrEvent(msg.Id, err))
		return
	}

	cs.stats.Incr(metricConversationsCreated)

	summary := types.ConversationSummary{
		Id:   conv.Id,
		Kind: types.KindGroup,
		Name: conv.Name,
	}

	c.queueMessage(NoErrOK(msg.Id, summary))

	// every member with live connections learns about the conversation;
	// the initiating connection already got the response above
	for _, member := range members {
		cs.notifyConversation(member.Id, c, summary)
	}
}

func (cs *ChatServer) handlePresence(c *Client, msg *ClientMessage) {
	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{Id: msg.Id, Timestamp: Now()},
		Notification: &Notification{
			PresenceSnapshot: &PresenceSnapshot{Statuses: cs.registry.Snapshot()},
		},
	})
}

// notifyConversation routes a conversationCreated event to every live
// connection of userId through the registry, not the router: the
// recipient is not subscribed to the new conversation yet.
func (cs *ChatServer) notifyConversation(userId int, skip *Client, summary types.ConversationSummary) {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Conversation: &ConversationCreated{Summary: summary},
		},
		UserId:     userId,
		SkipClient: skip,
	}

	select {
	case cs.broadcastChan <- msg:
	default:
		cs.log.Printf("broadcast channel full, dropping conversation notification for user %d", userId)
	}
}
