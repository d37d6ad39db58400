package server

import (
	"database/sql"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"chatrelay/internal/database"
	"chatrelay/internal/testutil"
	"chatrelay/internal/types"
)

func newTestDirectory(t *testing.T, db database.ChatRepository) *ConversationDirectory {
	return NewConversationDirectory(db, NewConnectionRegistry(), testutil.TestLogger(t))
}

func TestDirectoryAuthorize(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	db.On("MembershipExists", 1, 10).Return(true)
	db.On("MembershipExists", 2, 10).Return(false)

	d := newTestDirectory(t, db)
	assert.NoError(t, d.Authorize(1, 10), "expected member to be authorized")
	assert.ErrorIs(t, d.Authorize(2, 10), ErrUnauthorized, "expected non-member to be rejected")
}

func TestFindOrCreatePrivate(t *testing.T) {
	t.Run("returns existing conversation", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetPrivateConversation", 1, 2).Return(database.Conversation{Id: 7, Kind: "private"}, nil)

		d := newTestDirectory(t, db)
		conv, created, err := d.FindOrCreatePrivate(1, 2)
		assert.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 7, conv.Id)
	})

	t.Run("creates conversation with both memberships", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetPrivateConversation", 1, 2).Return(database.Conversation{}, sql.ErrNoRows)
		db.On("CreateConversation", database.CreateConversationParams{
			Kind:      "private",
			MemberIds: []int{1, 2},
		}).Return(database.Conversation{Id: 8, Kind: "private"}, nil)

		d := newTestDirectory(t, db)
		conv, created, err := d.FindOrCreatePrivate(1, 2)
		assert.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, 8, conv.Id)
	})

	t.Run("rejects a conversation with oneself", func(t *testing.T) {
		d := newTestDirectory(t, &database.MockChatRepository{})
		_, _, err := d.FindOrCreatePrivate(1, 1)
		assert.ErrorIs(t, err, ErrInvalidParticipant)
	})

	t.Run("unique pair violation falls back to reread", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetPrivateConversation", 1, 2).Return(database.Conversation{}, sql.ErrNoRows).Once()
		db.On("CreateConversation", mock.Anything).Return(database.Conversation{}, &pq.Error{Code: "23505"})
		db.On("GetPrivateConversation", 1, 2).Return(database.Conversation{Id: 9, Kind: "private"}, nil).Once()

		d := newTestDirectory(t, db)
		conv, created, err := d.FindOrCreatePrivate(1, 2)
		assert.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 9, conv.Id)
	})
}

// pairRaceRepo is an in-memory stand-in for the store used to drive many
// concurrent FindOrCreatePrivate calls at once.
type pairRaceRepo struct {
	database.MockChatRepository
	mu      sync.Mutex
	conv    *database.Conversation
	creates int
}

func (r *pairRaceRepo) GetPrivateConversation(a, b int) (database.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conv == nil {
		return database.Conversation{}, sql.ErrNoRows
	}
	return *r.conv, nil
}

func (r *pairRaceRepo) CreateConversation(params database.CreateConversationParams) (database.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	if r.conv != nil {
		return database.Conversation{}, &pq.Error{Code: "23505"}
	}
	r.conv = &database.Conversation{Id: 42, Kind: params.Kind}
	return *r.conv, nil
}

func TestFindOrCreatePrivateConcurrent(t *testing.T) {
	repo := &pairRaceRepo{}
	d := newTestDirectory(t, repo)

	const n = 32
	ids := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// half the callers pass the pair in reverse order
			a, b := 1, 2
			if i%2 == 0 {
				a, b = b, a
			}
			conv, _, err := d.FindOrCreatePrivate(a, b)
			assert.NoError(t, err)
			ids <- conv.Id
		}(i)
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		assert.Equal(t, 42, id, "expected every caller to observe the same conversation")
	}
	assert.Equal(t, 1, repo.creates, "expected exactly one conversation to be created")
}

func TestCreateGroup(t *testing.T) {
	t.Run("creates group with all memberships", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetAccountsByUsernames", []string{"alice", "dave"}).Return([]database.User{
			{Id: 1, Username: "alice"},
			{Id: 4, Username: "dave"},
		}, nil)
		db.On("CreateConversation", database.CreateConversationParams{
			Kind:      "group",
			Name:      "Team",
			MemberIds: []int{3, 1, 4},
		}).Return(database.Conversation{Id: 11, Kind: "group", Name: "Team"}, nil)
		db.On("GetParticipants", 11).Return([]database.User{
			{Id: 3, Username: "carol"},
			{Id: 1, Username: "alice"},
			{Id: 4, Username: "dave"},
		}, nil)

		d := newTestDirectory(t, db)
		conv, members, err := d.CreateGroup(3, "Team", []string{"alice", "dave"})
		assert.NoError(t, err)
		assert.Equal(t, 11, conv.Id)
		assert.Equal(t, []types.User{
			{Id: 3, Username: "carol"},
			{Id: 1, Username: "alice"},
			{Id: 4, Username: "dave"},
		}, members, "expected the committed membership rows back")
	})

	t.Run("participant read-back failure surfaces", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetAccountsByUsernames", []string{"alice"}).Return([]database.User{
			{Id: 1, Username: "alice"},
		}, nil)
		db.On("CreateConversation", mock.Anything).Return(database.Conversation{Id: 13, Kind: "group"}, nil)
		db.On("GetParticipants", 13).Return([]database.User{}, assert.AnError)

		d := newTestDirectory(t, db)
		_, _, err := d.CreateGroup(3, "Team", []string{"alice"})
		assert.Error(t, err)
	})

	t.Run("unknown participant creates nothing", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetAccountsByUsernames", []string{"alice", "dave"}).Return([]database.User{
			{Id: 1, Username: "alice"},
		}, nil)

		d := newTestDirectory(t, db)
		_, _, err := d.CreateGroup(3, "Team", []string{"alice", "dave"})
		assert.ErrorIs(t, err, ErrUnknownParticipant)
		db.AssertNotCalled(t, "CreateConversation", mock.Anything)
	})

	t.Run("group with only the creator is rejected", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetAccountsByUsernames", []string{"carol"}).Return([]database.User{
			{Id: 3, Username: "carol"},
		}, nil)

		d := newTestDirectory(t, db)
		_, _, err := d.CreateGroup(3, "Team", []string{"carol"})
		assert.ErrorIs(t, err, ErrEmptyGroup)
		db.AssertNotCalled(t, "CreateConversation", mock.Anything)
	})

	t.Run("duplicate usernames are collapsed", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("GetAccountsByUsernames", []string{"alice"}).Return([]database.User{
			{Id: 1, Username: "alice"},
		}, nil)
		db.On("CreateConversation", database.CreateConversationParams{
			Kind:      "group",
			Name:      "Team",
			MemberIds: []int{3, 1},
		}).Return(database.Conversation{Id: 12, Kind: "group", Name: "Team"}, nil)
		db.On("GetParticipants", 12).Return([]database.User{
			{Id: 3, Username: "carol"},
			{Id: 1, Username: "alice"},
		}, nil)

		d := newTestDirectory(t, db)
		_, members, err := d.CreateGroup(3, "Team", []string{"alice", "alice"})
		assert.NoError(t, err)
		assert.Len(t, members, 2)
	})
}

func TestListConversations(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	db.On("ListConversations", 1).Return([]database.ConversationEntry{
		{Id: 20, Kind: "group", Name: "Team"},
		{Id: 10, Kind: "private", OtherUserId: 2, OtherUsername: "bob"},
		{Id: 5, Kind: "group"},
	}, nil)

	registry := NewConnectionRegistry()
	registry.Admit(testClient(2, "bob", "conn-b"))
	d := NewConversationDirectory(db, registry, testutil.TestLogger(t))

	summaries, err := d.ListConversations(1)
	assert.NoError(t, err)
	assert.Len(t, summaries, 3)

	assert.Equal(t, types.ConversationSummary{Id: 20, Kind: types.KindGroup, Name: "Team"}, summaries[0])
	assert.Equal(t, types.ConversationSummary{
		Id:          10,
		Kind:        types.KindPrivate,
		Name:        "bob",
		Online:      true,
		OtherUserId: 2,
	}, summaries[1], "expected private summary to carry the other participant and their presence")
	assert.Equal(t, "Group Conversation", summaries[2].Name, "expected unnamed group to get the default name")
	assert.False(t, summaries[0].Online, "expected groups to always be reported offline")
}
