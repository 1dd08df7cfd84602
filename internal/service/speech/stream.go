package speech

import (
	"context"
	"time"

	speechmodel "github.com/zhouzirui/voice-tavern/backend/internal/model/speech"
)

// StreamConfig 单条识别/合成流的参数。
type StreamConfig struct {
	SessionID   string
	Language    string
	Voice       string
	Format      string
	SampleRate  int
	Quiescence  time.Duration // 合成流静默回退窗口，0 表示禁用
	HardTimeout time.Duration // 合成流整体硬超时，0 表示禁用
}

// RecognitionEventType 识别流事件类型
type RecognitionEventType int

const (
	RecognitionOpened RecognitionEventType = iota
	RecognitionFragment
	RecognitionUtteranceEnd
	RecognitionError
	RecognitionClosed
)

// RecognitionEvent 识别流事件。RecognitionError 是终态事件：之后只会再收到
// RecognitionClosed，调用方应视为连接已不可用。
type RecognitionEvent struct {
	Type     RecognitionEventType
	Fragment *speechmodel.TranscriptFragment
	Err      error
}

// RecognitionStream 一条打开的识别流。事件按识别器产出顺序投递。
type RecognitionStream interface {
	// Send 将音频帧交给发送队列，不阻塞在网络IO上；队列满时丢帧并返回错误。
	Send(audio []byte) error
	// Finish 通知识别器音频已结束。
	Finish() error
	// Events 返回事件通道，流结束后关闭。
	Events() <-chan RecognitionEvent
	// Close 立即终止流并释放连接。
	Close()
}

// Recognizer 打开识别流的能力入口。
type Recognizer interface {
	Open(ctx context.Context, cfg StreamConfig) (RecognitionStream, error)
}

// SynthesisEventType 合成流事件类型
type SynthesisEventType int

const (
	SynthesisOpened SynthesisEventType = iota
	SynthesisChunk
	SynthesisFlushed
	SynthesisError
	SynthesisClosed
)

// SynthesisEvent 合成流事件。音频块按 Chunk.Index 递增顺序投递，
// SynthesisFlushed 或 SynthesisError 之后只会再收到 SynthesisClosed。
type SynthesisEvent struct {
	Type  SynthesisEventType
	Chunk *speechmodel.AudioChunk
	Err   error
}

// SynthesisStream 一条打开的合成流。
type SynthesisStream interface {
	Events() <-chan SynthesisEvent
	Close()
}

// Synthesizer 打开合成流的能力入口。
type Synthesizer interface {
	Open(ctx context.Context, text string, cfg StreamConfig) (SynthesisStream, error)
}
