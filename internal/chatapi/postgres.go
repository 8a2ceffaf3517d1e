package chatapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/supportdesk/chatsync/internal/chatsync"
)

const (
	postgresConversationsTable = "chat_conversations"
	postgresMessagesTable      = "chat_messages"
	postgresOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists conversations in two tables. Timestamps are
// stored as canonical text so the since filter and ordering are plain
// string comparisons, identical to the in-memory store's semantics.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL,
					status TEXT NOT NULL,
					issue TEXT NOT NULL,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`, postgresQuoteIdentifier(postgresConversationsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					request_id BIGINT NOT NULL,
					sender_id BIGINT NOT NULL,
					sender_type TEXT NOT NULL,
					message TEXT NOT NULL,
					ts TEXT NOT NULL
				)`, postgresQuoteIdentifier(postgresMessagesTable)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (request_id, ts, id)",
				postgresQuoteIdentifier(postgresMessagesTable+"_request_ts_idx"),
				postgresQuoteIdentifier(postgresMessagesTable),
			),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) CreateConversation(ctx context.Context, userID int64, issue, timestamp string) (Conversation, chatsync.Message, error) {
	if strings.TrimSpace(issue) == "" {
		return Conversation{}, chatsync.Message{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Conversation{}, chatsync.Message{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, chatsync.Message{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	conv := Conversation{
		UserID:    userID,
		Status:    StatusPending,
		Issue:     issue,
		CreatedAt: timestamp,
		UpdatedAt: timestamp,
	}
	insertConv := fmt.Sprintf(`
		INSERT INTO %s (user_id, status, issue, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, postgresQuoteIdentifier(postgresConversationsTable))
	if err := tx.QueryRowContext(ctx, insertConv, userID, conv.Status, issue, timestamp, timestamp).Scan(&conv.RequestID); err != nil {
		return Conversation{}, chatsync.Message{}, err
	}

	initial := chatsync.Message{
		RequestID:  conv.RequestID,
		SenderID:   userID,
		SenderType: chatsync.SenderUser,
		Body:       issue,
		Timestamp:  timestamp,
	}
	insertMsg := fmt.Sprintf(`
		INSERT INTO %s (request_id, sender_id, sender_type, message, ts)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, postgresQuoteIdentifier(postgresMessagesTable))
	if err := tx.QueryRowContext(ctx, insertMsg, conv.RequestID, userID, string(initial.SenderType), issue, timestamp).Scan(&initial.ID); err != nil {
		return Conversation{}, chatsync.Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, chatsync.Message{}, err
	}
	committed = true
	return conv, initial, nil
}

func (s *PostgresStore) Conversation(ctx context.Context, requestID int64) (Conversation, []chatsync.Message, error) {
	if err := s.ensureReady(); err != nil {
		return Conversation{}, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, user_id, status, issue, created_at, updated_at
		FROM %s WHERE id = $1`, postgresQuoteIdentifier(postgresConversationsTable))
	var conv Conversation
	err := s.db.QueryRowContext(ctx, query, requestID).Scan(
		&conv.RequestID, &conv.UserID, &conv.Status, &conv.Issue, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, nil, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, nil, err
	}

	messages, err := s.queryMessages(ctx, requestID, "")
	if err != nil {
		return Conversation{}, nil, err
	}
	return conv, messages, nil
}

func (s *PostgresStore) MessagesSince(ctx context.Context, requestID int64, since string) ([]chatsync.Message, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	if exists, err := s.conversationExists(ctx, requestID); err != nil {
		return nil, err
	} else if !exists {
		return nil, ErrConversationNotFound
	}
	return s.queryMessages(ctx, requestID, since)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, requestID, senderID int64, senderType chatsync.SenderType, body, timestamp string) (chatsync.Message, error) {
	if strings.TrimSpace(body) == "" {
		return chatsync.Message{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return chatsync.Message{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	if exists, err := s.conversationExists(ctx, requestID); err != nil {
		return chatsync.Message{}, err
	} else if !exists {
		return chatsync.Message{}, ErrConversationNotFound
	}

	message := chatsync.Message{
		RequestID:  requestID,
		SenderID:   senderID,
		SenderType: senderType,
		Body:       body,
		Timestamp:  timestamp,
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s (request_id, sender_id, sender_type, message, ts)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, postgresQuoteIdentifier(postgresMessagesTable))
	if err := s.db.QueryRowContext(ctx, insert, requestID, senderID, string(senderType), body, timestamp).Scan(&message.ID); err != nil {
		return chatsync.Message{}, err
	}

	touch := fmt.Sprintf("UPDATE %s SET updated_at = $1 WHERE id = $2", postgresQuoteIdentifier(postgresConversationsTable))
	if _, err := s.db.ExecContext(ctx, touch, timestamp, requestID); err != nil {
		return chatsync.Message{}, err
	}
	return message, nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) conversationExists(ctx context.Context, requestID int64) (bool, error) {
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE id = $1", postgresQuoteIdentifier(postgresConversationsTable))
	var one int
	err := s.db.QueryRowContext(ctx, query, requestID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, requestID int64, since string) ([]chatsync.Message, error) {
	query := fmt.Sprintf(`
		SELECT id, request_id, sender_id, sender_type, message, ts
		FROM %s
		WHERE request_id = $1 AND ($2 = '' OR ts > $2)
		ORDER BY ts ASC, id ASC`, postgresQuoteIdentifier(postgresMessagesTable))
	rows, err := s.db.QueryContext(ctx, query, requestID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]chatsync.Message, 0)
	for rows.Next() {
		var m chatsync.Message
		var senderType string
		if err := rows.Scan(&m.ID, &m.RequestID, &m.SenderID, &senderType, &m.Body, &m.Timestamp); err != nil {
			return nil, err
		}
		m.SenderType = chatsync.SenderType(senderType)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
