package types

import (
	"time"
)

type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
)

type User struct {
	Id        int       `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Conversation struct {
	Id        int              `json:"id"`
	Kind      ConversationKind `json:"kind"`
	Name      string           `json:"name,omitempty"`
	SeqId     int              `json:"seq_id"`
	CreatedAt time.Time        `json:"created_at,omitempty"`
}

// ConversationSummary is the list entry a client sees. For private
// conversations Name is the other participant's username and Online
// reflects their presence; groups carry their stored name and are
// always reported offline.
type ConversationSummary struct {
	Id          int              `json:"id"`
	Kind        ConversationKind `json:"kind"`
	Name        string           `json:"name"`
	Online      bool             `json:"online"`
	OtherUserId int              `json:"other_user_id,omitempty"`
}

type Message struct {
	SeqId          int       `json:"seq_id"`
	ConversationId int       `json:"conversation_id"`
	UserId         int       `json:"user_id"`
	Username       string    `json:"username"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}
