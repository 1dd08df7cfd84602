package voice

// 服务端下行消息类型
const (
	MsgStarted       = "started"
	MsgTranscript    = "transcript"
	MsgUserMessage   = "user_message"
	MsgAIResponse    = "ai_response"
	MsgAudioChunk    = "audio_chunk"
	MsgAudioComplete = "audio_complete"
	MsgStopped       = "stopped"
	MsgError         = "error"
)

// OutboundMessage 下发给客户端的会话消息。
type OutboundMessage struct {
	Type        string `json:"type"`
	ChatID      string `json:"chatId,omitempty"`
	Text        string `json:"text,omitempty"`
	IsFinal     bool   `json:"isFinal,omitempty"`
	Audio       string `json:"audio,omitempty"`
	ChunkIndex  *int   `json:"chunkIndex,omitempty"`
	TotalChunks *int   `json:"totalChunks,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Sender 向客户端推送消息的出口，由传输层实现，不得长时间阻塞。
type Sender interface {
	Send(msg OutboundMessage)
}

func startedMessage(chatID string) OutboundMessage {
	return OutboundMessage{Type: MsgStarted, ChatID: chatID}
}

func transcriptMessage(text string, isFinal bool) OutboundMessage {
	return OutboundMessage{Type: MsgTranscript, Text: text, IsFinal: isFinal}
}

func userMessage(text string) OutboundMessage {
	return OutboundMessage{Type: MsgUserMessage, Text: text}
}

func aiResponseMessage(text string) OutboundMessage {
	return OutboundMessage{Type: MsgAIResponse, Text: text}
}

func audioChunkMessage(audio string, index int) OutboundMessage {
	return OutboundMessage{Type: MsgAudioChunk, Audio: audio, ChunkIndex: &index}
}

func audioCompleteMessage(total int) OutboundMessage {
	return OutboundMessage{Type: MsgAudioComplete, TotalChunks: &total}
}

func stoppedMessage() OutboundMessage {
	return OutboundMessage{Type: MsgStopped}
}

func errorMessage(text string) OutboundMessage {
	return OutboundMessage{Type: MsgError, Message: text}
}
