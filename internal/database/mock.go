package database

import (
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountByUsername(username string) (User, error) {
	args := m.Called(username)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountsByUsernames(usernames []string) ([]User, error) {
	args := m.Called(usernames)
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockChatRepository) MembershipExists(accountId, conversationId int) bool {
	args := m.Called(accountId, conversationId)
	return args.Bool(0)
}
func (m *MockChatRepository) GetPrivateConversation(accountIdA, accountIdB int) (Conversation, error) {
	args := m.Called(accountIdA, accountIdB)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) ListConversations(accountId int) ([]ConversationEntry, error) {
	args := m.Called(accountId)
	return args.Get(0).([]ConversationEntry), args.Error(1)
}
func (m *MockChatRepository) GetParticipants(conversationId int) ([]User, error) {
	args := m.Called(conversationId)
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(conversationId, accountId int, content string) (Message, error) {
	args := m.Called(conversationId, accountId, content)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(conversationId int) ([]Message, error) {
	args := m.Called(conversationId)
	return args.Get(0).([]Message), args.Error(1)
}
