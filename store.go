package realtime

import (
	"context"
	"sync"
	"time"
)

// StoredMessage is the record handed to the durable store collaborator. The
// store is external to this subsystem; writes happen asynchronously off the
// dispatch path and a failed write never blocks delivery.
type StoredMessage struct {
	ID             string
	ConversationID ConversationID
	SenderID       UserID
	Content        string
	MessageType    string
	CreatedAt      time.Time
}

type MessageStore interface {
	SaveMessage(ctx context.Context, msg StoredMessage) error
}

type noopStore struct{}

func (noopStore) SaveMessage(context.Context, StoredMessage) error { return nil }

// MemoryStore keeps messages in memory, for development and tests.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[ConversationID][]StoredMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[ConversationID][]StoredMessage)}
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[msg.ConversationID] = append(s.byID[msg.ConversationID], msg)
	return nil
}

func (s *MemoryStore) Messages(convID ConversationID) []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredMessage(nil), s.byID[convID]...)
}
