package dialogue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/voice-tavern/backend/internal/config"
	"github.com/zhouzirui/voice-tavern/backend/internal/model/chat"
	"github.com/zhouzirui/voice-tavern/backend/internal/model/profile"
)

// historyLimit bounds how many stored turns are replayed into the model context.
const historyLimit = 10

// Store is the transcript collaborator the orchestrator persists turns through.
type Store interface {
	AppendTurn(ctx context.Context, conversationID, role, text string) error
	History(ctx context.Context, conversationID string) ([]chat.Turn, error)
}

// generator abstracts the compiled chain so tests can substitute the model call.
type generator interface {
	Invoke(ctx context.Context, input map[string]any, opts ...compose.Option) (*schema.Message, error)
}

// Service 对话编排器：负责一轮对话的持久化与模型调用。
// 每个会话同一时刻至多一轮在途，由上层会话协调器保证。
type Service struct {
	store       Store
	chain       generator
	turnTimeout time.Duration
}

// NewService compiles the prompt chain against the configured Ark chat model.
func NewService(ctx context.Context, store Store, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		store:       store,
		chain:       runnable,
		turnTimeout: cfg.TurnTimeout,
	}, nil
}

// newServiceWithGenerator is the test seam used by package tests.
func newServiceWithGenerator(store Store, gen generator, timeout time.Duration) *Service {
	return &Service{store: store, chain: gen, turnTimeout: timeout}
}

// HandleTurn 处理一轮用户发言：持久化用户侧、单次调用模型、持久化助手侧。
// 模型调用不做重试，失败直接上报；调用受 turnTimeout 约束。
func (s *Service) HandleTurn(ctx context.Context, conversationID string, prof *profile.Profile, userText string) (string, error) {
	history, err := s.store.History(ctx, conversationID)
	if err != nil {
		log.Printf("[dialogue] transcript load failed conversation=%s: %v", conversationID, err)
		return "", fmt.Errorf("load transcript failed: %w", err)
	}

	if err := s.store.AppendTurn(ctx, conversationID, chat.RoleUser, userText); err != nil {
		log.Printf("[dialogue] transcript append failed conversation=%s role=user: %v", conversationID, err)
		return "", fmt.Errorf("save user turn failed: %w", err)
	}

	if s.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.turnTimeout)
		defer cancel()
	}

	input := map[string]any{
		"system":  systemPrompt(prof),
		"history": historyMessages(history),
		"query":   userText,
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run dialogue chain: %w", err)
	}

	if err := s.store.AppendTurn(ctx, conversationID, chat.RoleAssistant, response.Content); err != nil {
		log.Printf("[dialogue] transcript append failed conversation=%s role=assistant: %v", conversationID, err)
		return "", fmt.Errorf("save assistant turn failed: %w", err)
	}

	log.Printf("[dialogue] turn completed conversation=%s length=%d", conversationID, len(response.Content))
	return response.Content, nil
}

func systemPrompt(prof *profile.Profile) string {
	if prof == nil || prof.SystemPrompt == "" {
		return "You are a helpful voice assistant. Keep answers short enough to be spoken aloud."
	}
	return prof.SystemPrompt
}

func historyMessages(turns []chat.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	startIdx := 0
	if len(turns) > historyLimit {
		startIdx = len(turns) - historyLimit
	}

	history := make([]*schema.Message, 0, len(turns)-startIdx)
	for _, turn := range turns[startIdx:] {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Text))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Text, nil))
		}
	}

	return history
}
