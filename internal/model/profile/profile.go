package profile

// Profile captures the assistant configuration a voice session speaks with.
type Profile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"systemPrompt"`
	OpeningLine  string `json:"openingLine,omitempty"`
	VoiceID      string `json:"voiceId,omitempty"`
	Language     string `json:"language,omitempty"`
}

// DefaultID is the profile used when a start command does not name one.
const DefaultID = "companion"

// Seed provides the built-in assistant profiles.
func Seed() []Profile {
	return []Profile{
		{
			ID:           "companion",
			Name:         "陪伴助手",
			SystemPrompt: "You are a warm, attentive voice companion. Keep replies short and conversational, one or two sentences at most, because they will be spoken aloud. Never use markdown, lists, or emoji.",
			OpeningLine:  "Hi, I'm listening. What's on your mind?",
			VoiceID:      "zh_female_vv_venus_bigtts",
			Language:     "zh-CN",
		},
		{
			ID:           "concierge",
			Name:         "简洁助理",
			SystemPrompt: "You are a concise voice assistant. Answer directly in at most two short spoken sentences. If you do not know, say so plainly.",
			OpeningLine:  "Ready when you are.",
			VoiceID:      "zh_male_M392_conversation_wvae_bigtts",
			Language:     "zh-CN",
		},
	}
}
