package chat

import "time"

// Turn roles as persisted in the transcript store.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn persists one utterance of a conversation. Turns are append-only and
// never mutated after they are written.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}
