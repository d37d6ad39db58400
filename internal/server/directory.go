package server

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"chatrelay/internal/database"
	"chatrelay/internal/types"
)

// ConversationDirectory resolves conversation membership, deduplicates
// private conversations, and authorizes join/send operations.
type ConversationDirectory struct {
	db       database.ChatRepository
	registry *ConnectionRegistry
	log      *log.Logger

	// one mutex per unordered user pair closes the check-then-create race
	// in FindOrCreatePrivate. Locks are kept for the process lifetime; the
	// map is bounded by the pairs actually contacted.
	pairMu    sync.Mutex
	pairLocks map[pairKey]*sync.Mutex
}

type pairKey struct {
	low, high int
}

func newPairKey(a, b int) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{low: a, high: b}
}

func NewConversationDirectory(db database.ChatRepository, registry *ConnectionRegistry, logger *log.Logger) *ConversationDirectory {
	return &ConversationDirectory{
		db:        db,
		registry:  registry,
		log:       logger,
		pairLocks: make(map[pairKey]*sync.Mutex),
	}
}

func (d *ConversationDirectory) pairLock(key pairKey) *sync.Mutex {
	d.pairMu.Lock()
	defer d.pairMu.Unlock()

	mu, ok := d.pairLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		d.pairLocks[key] = mu
	}
	return mu
}

// Authorize reports whether the user holds a membership in the
// conversation. Every join and send calls this first.
func (d *ConversationDirectory) Authorize(userId, conversationId int) error {
	if !d.db.MembershipExists(userId, conversationId) {
		return ErrUnauthorized
	}
	return nil
}

// FindOrCreatePrivate returns the private conversation for the unordered
// pair {userId, otherId}, creating it with both memberships atomically if
// none exists. Concurrent callers for the same pair serialize on a
// per-pair mutex, so exactly one conversation ever exists per pair; the
// store's unique pair index is the backstop across processes.
func (d *ConversationDirectory) FindOrCreatePrivate(userId, otherId int) (types.Conversation, bool, error) {
	if userId == otherId {
		return types.Conversation{}, false, ErrInvalidParticipant
	}

	mu := d.pairLock(newPairKey(userId, otherId))
	mu.Lock()
	defer mu.Unlock()

	conv, err := d.db.GetPrivateConversation(userId, otherId)
	if err == nil {
		return toConversation(conv), false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.Conversation{}, false, fmt.Errorf("find private conversation: %w", err)
	}

	created, err := d.db.CreateConversation(database.CreateConversationParams{
		Kind:      string(types.KindPrivate),
		MemberIds: []int{userId, otherId},
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			// another process won the race; the pair's conversation exists now
			conv, err = d.db.GetPrivateConversation(userId, otherId)
			if err != nil {
				return types.Conversation{}, false, fmt.Errorf("reread private conversation: %w", err)
			}
			return toConversation(conv), false, nil
		}
		return types.Conversation{}, false, fmt.Errorf("create private conversation: %w", err)
	}

	return toConversation(created), true, nil
}

// CreateGroup resolves every participant username and creates the group
// conversation plus one membership per participant and the creator in a
// single atomic unit. All members, creator included, are returned for
// notification fan-out.
func (d *ConversationDirectory) CreateGroup(creatorId int, name string, usernames []string) (types.Conversation, []types.User, error) {
	unique := make([]string, 0, len(usernames))
	seen := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		unique = append(unique, u)
	}

	found, err := d.db.GetAccountsByUsernames(unique)
	if err != nil {
		return types.Conversation{}, nil, fmt.Errorf("resolve participants: %w", err)
	}
	if len(found) != len(unique) {
		return types.Conversation{}, nil, ErrUnknownParticipant
	}

	memberIds := []int{creatorId}
	for _, u := range found {
		if u.Id == creatorId {
			continue
		}
		memberIds = append(memberIds, u.Id)
	}

	if len(memberIds) < 2 {
		return types.Conversation{}, nil, ErrEmptyGroup
	}

	conv, err := d.db.CreateConversation(database.CreateConversationParams{
		Kind:      string(types.KindGroup),
		Name:      name,
		MemberIds: memberIds,
	})
	if err != nil {
		return types.Conversation{}, nil, fmt.Errorf("create group conversation: %w", err)
	}

	// read the memberships back so the fan-out list is what the store
	// actually committed
	participants, err := d.db.GetParticipants(conv.Id)
	if err != nil {
		return types.Conversation{}, nil, fmt.Errorf("read participants: %w", err)
	}

	members := make([]types.User, len(participants))
	for i, u := range participants {
		members[i] = types.User{Id: u.Id, Username: u.Username}
	}

	return toConversation(conv), members, nil
}

// ListConversations returns the user's conversations, most recently
// created first. Private summaries carry the other participant's name and
// live presence; group summaries carry the stored name and are always
// reported offline.
func (d *ConversationDirectory) ListConversations(userId int) ([]types.ConversationSummary, error) {
	entries, err := d.db.ListConversations(userId)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	summaries := make([]types.ConversationSummary, 0, len(entries))
	for _, e := range entries {
		summary := types.ConversationSummary{
			Id:   e.Id,
			Kind: types.ConversationKind(e.Kind),
		}

		if summary.Kind == types.KindPrivate {
			summary.Name = e.OtherUsername
			summary.OtherUserId = e.OtherUserId
			summary.Online = d.registry.IsOnline(e.OtherUserId)
		} else {
			summary.Name = e.Name
			if summary.Name == "" {
				summary.Name = "Group Conversation"
			}
		}

		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func toConversation(c database.Conversation) types.Conversation {
	return types.Conversation{
		Id:        c.Id,
		Kind:      types.ConversationKind(c.Kind),
		Name:      c.Name,
		SeqId:     c.SeqId,
		CreatedAt: c.CreatedAt,
	}
}
