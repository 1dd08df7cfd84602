package transcript

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/voice-tavern/backend/internal/model/chat"
)

var (
	ErrOwnerRequired        = errors.New("owner id is required")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmptyTurn            = errors.New("turn text is empty")
)

// Service is the append-only transcript store consumed by the dialogue
// orchestrator. Conversations and turns are never mutated once written.
type Service struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	turns         map[string][]chat.Turn
}

// NewService bootstraps the in-memory transcript store suitable for early iterations.
func NewService() *Service {
	return &Service{
		conversations: make(map[string]chat.Conversation),
		turns:         make(map[string][]chat.Turn),
	}
}

// CreateConversation provisions a conversation bound to an owner and profile.
func (s *Service) CreateConversation(_ context.Context, ownerID, profileID string) (chat.Conversation, error) {
	if ownerID == "" {
		return chat.Conversation{}, ErrOwnerRequired
	}

	conv := chat.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		ProfileID: profileID,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.turns[conv.ID] = make([]chat.Turn, 0, 16)
	s.mu.Unlock()

	return conv, nil
}

// GetConversation retrieves a conversation by identifier.
func (s *Service) GetConversation(_ context.Context, conversationID string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// Resolve returns the named conversation, or creates a fresh one when
// conversationID is empty. A session start command uses this to bind to an
// existing transcript or open a new one.
func (s *Service) Resolve(ctx context.Context, conversationID, ownerID, profileID string) (chat.Conversation, error) {
	if conversationID == "" {
		return s.CreateConversation(ctx, ownerID, profileID)
	}
	return s.GetConversation(ctx, conversationID)
}

// AppendTurn appends one turn to the conversation transcript.
func (s *Service) AppendTurn(_ context.Context, conversationID, role, text string) error {
	if text == "" {
		return ErrEmptyTurn
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return ErrConversationNotFound
	}

	turn := chat.Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}

	s.turns[conversationID] = append(s.turns[conversationID], turn)
	return nil
}

// History returns the stored turns for the conversation in append order.
func (s *Service) History(_ context.Context, conversationID string) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, ok := s.turns[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	copied := make([]chat.Turn, len(turns))
	copy(copied, turns)
	return copied, nil
}
