package chat

import "time"

// Conversation captures one ongoing voice dialogue owned by a user.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	ProfileID string    `json:"profileId"`
	CreatedAt time.Time `json:"createdAt"`
}
