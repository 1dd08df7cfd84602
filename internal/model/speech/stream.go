package speech

import "time"

// TranscriptFragment 识别流输出的一段文本。IsFinal 为 true 表示该分句已判停，
// 不会再被后续结果修订。
type TranscriptFragment struct {
	SessionID  string    `json:"sessionId"`
	Text       string    `json:"text"`
	IsFinal    bool      `json:"isFinal"`
	Confidence float64   `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AudioChunk 合成流输出的一段音频。Index 自 0 起单调递增。
type AudioChunk struct {
	SessionID string `json:"sessionId"`
	Index     int    `json:"chunkIndex"`
	Payload   []byte `json:"-"`
	IsFinal   bool   `json:"isFinal"`
}
