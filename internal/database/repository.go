package database

type ChatRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByUsername(username string) (User, error)
	GetAccountsByUsernames(usernames []string) ([]User, error)
	MembershipExists(accountId, conversationId int) bool
	GetPrivateConversation(accountIdA, accountIdB int) (Conversation, error)
	CreateConversation(params CreateConversationParams) (Conversation, error)
	ListConversations(accountId int) ([]ConversationEntry, error)
	GetParticipants(conversationId int) ([]User, error)
	CreateMessage(conversationId, accountId int, content string) (Message, error)
	GetMessages(conversationId int) ([]Message, error)
}
