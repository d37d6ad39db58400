package database

import (
	"errors"
	"time"

	"github.com/lib/pq"
)

const uniqueViolationCode = "23505"

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, used to detect duplicate usernames and racing private
// conversation inserts.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode
}

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO users (username, password_hash, created_at) "+
			"VALUES ($1, $2, $3) RETURNING id, username, created_at",
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.CreatedAt,
	)

	return u, err
}

func (db *PgChatRepository) GetAccountById(accountId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, created_at FROM users "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.CreatedAt,
	)

	return user, err
}

func (db *PgChatRepository) GetAccountByUsername(username string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, password_hash, created_at FROM users "+
			"WHERE username = $1 LIMIT 1",
		username,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)

	return user, err
}

func (db *PgChatRepository) GetAccountsByUsernames(usernames []string) ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT id, username FROM users WHERE username = ANY($1)",
		pq.Array(usernames),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err = rows.Scan(&u.Id, &u.Username); err != nil {
			return nil, err
		}

		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PgChatRepository) MembershipExists(accountId, conversationId int) bool {
	res := db.conn.QueryRow(
		"SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2 LIMIT 1",
		conversationId,
		accountId,
	)

	var one int
	return res.Scan(&one) == nil
}

func (db *PgChatRepository) GetPrivateConversation(accountIdA, accountIdB int) (Conversation, error) {
	row := db.conn.QueryRow(
		`SELECT c.id, c.kind, c.name, c.seq_id, c.created_at
		 FROM conversations c
		 JOIN conversation_participants cp1 ON c.id = cp1.conversation_id
		 JOIN conversation_participants cp2 ON c.id = cp2.conversation_id
		 WHERE c.kind = 'private'
		   AND cp1.user_id = $1 AND cp2.user_id = $2
		   AND cp1.user_id <> cp2.user_id
		 LIMIT 1`,
		accountIdA,
		accountIdB,
	)

	var conv Conversation
	err := row.Scan(
		&conv.Id,
		&conv.Kind,
		&conv.Name,
		&conv.SeqId,
		&conv.CreatedAt,
	)

	return conv, err
}

// CreateConversation inserts a conversation and all of its memberships in
// one transaction. Either every membership exists afterwards or none do.
func (db *PgChatRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO conversations (kind, name, seq_id, created_at) "+
			"VALUES ($1, $2, 0, $3) RETURNING id, kind, name, seq_id, created_at",
		params.Kind,
		params.Name,
		time.Now().UTC(),
	)

	var conv Conversation
	err = res.Scan(
		&conv.Id,
		&conv.Kind,
		&conv.Name,
		&conv.SeqId,
		&conv.CreatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}

	for _, memberId := range params.MemberIds {
		_, err = tx.Exec(
			"INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)",
			conv.Id,
			memberId,
		)
		if err != nil {
			return Conversation{}, err
		}
	}

	if params.Kind == "private" {
		// the unique pair index backs find-or-create dedup for racing callers
		_, err = tx.Exec(
			"INSERT INTO private_pairs (low_user_id, high_user_id, conversation_id) "+
				"VALUES (LEAST($1, $2), GREATEST($1, $2), $3)",
			params.MemberIds[0],
			params.MemberIds[1],
			conv.Id,
		)
		if err != nil {
			return Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return Conversation{}, err
	}

	return conv, nil
}

func (db *PgChatRepository) ListConversations(accountId int) ([]ConversationEntry, error) {
	rows, err := db.conn.Query(
		`SELECT c.id, c.kind, c.name, c.created_at,
		        COALESCE(o.id, 0), COALESCE(o.username, '')
		 FROM conversations c
		 JOIN conversation_participants cp ON cp.conversation_id = c.id AND cp.user_id = $1
		 LEFT JOIN conversation_participants op
		   ON op.conversation_id = c.id AND op.user_id <> $1 AND c.kind = 'private'
		 LEFT JOIN users o ON o.id = op.user_id
		 ORDER BY c.created_at DESC, c.id DESC`,
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		if err = rows.Scan(&e.Id, &e.Kind, &e.Name, &e.CreatedAt, &e.OtherUserId, &e.OtherUsername); err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (db *PgChatRepository) GetParticipants(conversationId int) ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT u.id, u.username FROM conversation_participants AS cp "+
			"JOIN users AS u ON cp.user_id = u.id WHERE cp.conversation_id = $1",
		conversationId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users = make([]User, 0)
	for rows.Next() {
		var u User
		if err = rows.Scan(&u.Id, &u.Username); err != nil {
			return nil, err
		}

		users = append(users, u)
	}

	return users, rows.Err()
}

// CreateMessage assigns the conversation's next sequence number and inserts
// the message in the same transaction, so sequences are dense and monotonic
// per conversation no matter how many senders race.
func (db *PgChatRepository) CreateMessage(conversationId, accountId int, content string) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var seqId int
	err = tx.QueryRow(
		"UPDATE conversations SET seq_id = seq_id + 1 WHERE id = $1 RETURNING seq_id",
		conversationId,
	).Scan(&seqId)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		SeqId:          seqId,
		ConversationId: conversationId,
		UserId:         accountId,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	err = tx.QueryRow(
		"INSERT INTO messages (conversation_id, user_id, seq_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id",
		msg.ConversationId,
		msg.UserId,
		msg.SeqId,
		msg.Content,
		msg.CreatedAt,
	).Scan(&msg.Id)
	if err != nil {
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (db *PgChatRepository) GetMessages(conversationId int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT m.id, m.seq_id, m.conversation_id, m.user_id, u.username, m.content, m.created_at "+
			"FROM messages m JOIN users u ON m.user_id = u.id "+
			"WHERE m.conversation_id = $1 ORDER BY m.seq_id ASC",
		conversationId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.Id, &msg.SeqId, &msg.ConversationId, &msg.UserId, &msg.Username, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
