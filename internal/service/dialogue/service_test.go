package dialogue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/voice-tavern/backend/internal/model/chat"
	"github.com/zhouzirui/voice-tavern/backend/internal/model/profile"
	"github.com/zhouzirui/voice-tavern/backend/internal/service/transcript"
)

type fakeGenerator struct {
	reply     string
	err       error
	lastInput map[string]any
	calls     int
}

func (f *fakeGenerator) Invoke(_ context.Context, input map[string]any, _ ...compose.Option) (*schema.Message, error) {
	f.calls++
	f.lastInput = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func newTestService(t *testing.T, gen *fakeGenerator) (*Service, *transcript.Service, chat.Conversation) {
	t.Helper()
	store := transcript.NewService()
	conv, err := store.CreateConversation(context.Background(), "user-1", "companion")
	if err != nil {
		t.Fatalf("CreateConversation err: %v", err)
	}
	return newServiceWithGenerator(store, gen, time.Second), store, conv
}

func TestHandleTurnPersistsBothSides(t *testing.T) {
	gen := &fakeGenerator{reply: "hi there"}
	svc, store, conv := newTestService(t, gen)

	reply, err := svc.HandleTurn(context.Background(), conv.ID, nil, "hello")
	if err != nil {
		t.Fatalf("HandleTurn err: %v", err)
	}
	if reply != "hi there" {
		t.Fatalf("unexpected reply: %q", reply)
	}

	turns, err := store.History(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("History err: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != chat.RoleUser || turns[0].Text != "hello" {
		t.Fatalf("unexpected user turn: %+v", turns[0])
	}
	if turns[1].Role != chat.RoleAssistant || turns[1].Text != "hi there" {
		t.Fatalf("unexpected assistant turn: %+v", turns[1])
	}
}

func TestHandleTurnModelFailureLeavesUserTurn(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model unavailable")}
	svc, store, conv := newTestService(t, gen)

	if _, err := svc.HandleTurn(context.Background(), conv.ID, nil, "hello"); err == nil {
		t.Fatal("expected error from model failure")
	}
	if gen.calls != 1 {
		t.Fatalf("expected exactly one model call, got %d", gen.calls)
	}

	turns, err := store.History(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("History err: %v", err)
	}
	if len(turns) != 1 || turns[0].Role != chat.RoleUser {
		t.Fatalf("expected only the user turn persisted, got %+v", turns)
	}
}

func TestHandleTurnBuildsHistoryInput(t *testing.T) {
	gen := &fakeGenerator{reply: "third"}
	svc, store, conv := newTestService(t, gen)
	ctx := context.Background()

	if err := store.AppendTurn(ctx, conv.ID, chat.RoleUser, "first"); err != nil {
		t.Fatalf("AppendTurn err: %v", err)
	}
	if err := store.AppendTurn(ctx, conv.ID, chat.RoleAssistant, "second"); err != nil {
		t.Fatalf("AppendTurn err: %v", err)
	}

	prof := &profile.Profile{SystemPrompt: "stay brief"}
	if _, err := svc.HandleTurn(ctx, conv.ID, prof, "and now?"); err != nil {
		t.Fatalf("HandleTurn err: %v", err)
	}

	if gen.lastInput["system"] != "stay brief" {
		t.Fatalf("unexpected system prompt: %v", gen.lastInput["system"])
	}
	if gen.lastInput["query"] != "and now?" {
		t.Fatalf("unexpected query: %v", gen.lastInput["query"])
	}

	history, ok := gen.lastInput["history"].([]*schema.Message)
	if !ok {
		t.Fatalf("history input has unexpected type %T", gen.lastInput["history"])
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(history))
	}
	if history[0].Content != "first" || history[1].Content != "second" {
		t.Fatalf("history out of order: %q, %q", history[0].Content, history[1].Content)
	}
}

func TestHandleTurnUnknownConversation(t *testing.T) {
	gen := &fakeGenerator{reply: "unused"}
	store := transcript.NewService()
	svc := newServiceWithGenerator(store, gen, time.Second)

	if _, err := svc.HandleTurn(context.Background(), "missing", nil, "hello"); err == nil {
		t.Fatal("expected error for unknown conversation")
	}
	if gen.calls != 0 {
		t.Fatalf("model should not be called, got %d calls", gen.calls)
	}
}
