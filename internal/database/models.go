package database

import "time"

type User struct {
	Id           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

type Conversation struct {
	Id        int
	Kind      string
	Name      string
	SeqId     int
	CreatedAt time.Time
}

// ConversationEntry is one row of a user's conversation listing. For
// private conversations the other participant's id and username are
// joined in; groups leave them zero-valued.
type ConversationEntry struct {
	Id            int
	Kind          string
	Name          string
	OtherUserId   int
	OtherUsername string
	CreatedAt     time.Time
}

type Message struct {
	Id             int
	SeqId          int
	ConversationId int
	UserId         int
	Username       string
	Content        string
	CreatedAt      time.Time
}

type CreateAccountParams struct {
	Username     string
	PasswordHash string
}

type CreateConversationParams struct {
	Kind      string
	Name      string
	MemberIds []int
}
