package chatapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/supportdesk/chatsync/internal/chatsync"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidInput         = errors.New("invalid input")
)

// StatusPending is the status assigned to a newly created support
// request.
const StatusPending = "pending"

// Conversation is a support request's metadata row; its transcript is
// kept separately and joined into a chatsync.History at the API layer.
type Conversation struct {
	RequestID int64
	UserID    int64
	Status    string
	Issue     string
	CreatedAt string
	UpdatedAt string
}

// Store persists conversations and their transcripts. Message order is
// the append order; timestamps are stored in canonical form so the
// since filter is a plain string comparison.
type Store interface {
	CreateConversation(ctx context.Context, userID int64, issue, timestamp string) (Conversation, chatsync.Message, error)
	Conversation(ctx context.Context, requestID int64) (Conversation, []chatsync.Message, error)
	MessagesSince(ctx context.Context, requestID int64, since string) ([]chatsync.Message, error)
	AppendMessage(ctx context.Context, requestID, senderID int64, senderType chatsync.SenderType, body, timestamp string) (chatsync.Message, error)
	Close() error
}

// OpenStore selects a store by DSN scheme: empty or memory-family
// schemes return the in-memory store, postgres DSNs the Postgres one.
func OpenStore(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

type conversationRecord struct {
	conv     Conversation
	messages []chatsync.Message
}

// MemoryStore is the default backing store. It serves tests and the
// demo server; restarts lose everything.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[int64]*conversationRecord
	nextRequestID int64
	nextMessageID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[int64]*conversationRecord{},
		nextRequestID: 1,
		nextMessageID: 1,
	}
}

func (s *MemoryStore) CreateConversation(ctx context.Context, userID int64, issue, timestamp string) (Conversation, chatsync.Message, error) {
	if strings.TrimSpace(issue) == "" {
		return Conversation{}, chatsync.Message{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := Conversation{
		RequestID: s.nextRequestID,
		UserID:    userID,
		Status:    StatusPending,
		Issue:     issue,
		CreatedAt: timestamp,
		UpdatedAt: timestamp,
	}
	s.nextRequestID++

	initial := chatsync.Message{
		ID:         s.nextMessageID,
		RequestID:  conv.RequestID,
		SenderID:   userID,
		SenderType: chatsync.SenderUser,
		Body:       issue,
		Timestamp:  timestamp,
	}
	s.nextMessageID++

	s.conversations[conv.RequestID] = &conversationRecord{
		conv:     conv,
		messages: []chatsync.Message{initial},
	}
	return conv, initial, nil
}

func (s *MemoryStore) Conversation(ctx context.Context, requestID int64) (Conversation, []chatsync.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.conversations[requestID]
	if !ok {
		return Conversation{}, nil, ErrConversationNotFound
	}
	messages := make([]chatsync.Message, len(record.messages))
	copy(messages, record.messages)
	return record.conv, messages, nil
}

func (s *MemoryStore) MessagesSince(ctx context.Context, requestID int64, since string) ([]chatsync.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.conversations[requestID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	out := make([]chatsync.Message, 0)
	for _, m := range record.messages {
		if since != "" && m.Timestamp <= since {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, requestID, senderID int64, senderType chatsync.SenderType, body, timestamp string) (chatsync.Message, error) {
	if strings.TrimSpace(body) == "" {
		return chatsync.Message{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.conversations[requestID]
	if !ok {
		return chatsync.Message{}, ErrConversationNotFound
	}
	message := chatsync.Message{
		ID:         s.nextMessageID,
		RequestID:  requestID,
		SenderID:   senderID,
		SenderType: senderType,
		Body:       body,
		Timestamp:  timestamp,
	}
	s.nextMessageID++
	record.messages = append(record.messages, message)
	record.conv.UpdatedAt = timestamp
	return message, nil
}

func (s *MemoryStore) Close() error { return nil }

// Seed installs a conversation with an explicit id and transcript.
// Test helper; not part of the Store interface.
func (s *MemoryStore) Seed(conv Conversation, messages []chatsync.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := &conversationRecord{conv: conv, messages: append([]chatsync.Message(nil), messages...)}
	s.conversations[conv.RequestID] = record
	if conv.RequestID >= s.nextRequestID {
		s.nextRequestID = conv.RequestID + 1
	}
	for _, m := range messages {
		if m.ID >= s.nextMessageID {
			s.nextMessageID = m.ID + 1
		}
	}
}
