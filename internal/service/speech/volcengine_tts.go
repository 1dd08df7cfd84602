package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	speechmodel "github.com/zhouzirui/voice-tavern/backend/internal/model/speech"
)

const ttsStreamURL = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

// VolcengineSynthesizer 火山引擎流式TTS客户端。
type VolcengineSynthesizer struct {
	config *speechmodel.SpeechConfig
	dialer *websocket.Dialer
}

// NewVolcengineSynthesizer 创建流式合成客户端。
func NewVolcengineSynthesizer(config *speechmodel.SpeechConfig) *VolcengineSynthesizer {
	return &VolcengineSynthesizer{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

type ttsRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string         `json:"speaker"`
		Text        string         `json:"text"`
		AudioParams ttsAudioParams `json:"audio_params"`
		Additions   string         `json:"additions,omitempty"`
		Language    string         `json:"language,omitempty"`
	} `json:"req_params"`
}

type ttsAudioParams struct {
	Format          string  `json:"format"`
	SampleRate      int     `json:"sample_rate"`
	EnableTimestamp bool    `json:"enable_timestamp"`
	SpeedRatio      float32 `json:"speed_ratio,omitempty"`
	VolumeRatio     float32 `json:"volume_ratio,omitempty"`
}

type ttsServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
}

// synthFrame 读取协程与泵之间传递的一帧结果。
type synthFrame struct {
	data  []byte
	final bool
	err   error
}

type ttsStream struct {
	events chan SynthesisEvent
	cancel context.CancelFunc
}

func (s *ttsStream) Events() <-chan SynthesisEvent {
	return s.events
}

func (s *ttsStream) Close() {
	s.cancel()
}

// Open 启动一条合成流。连接与资源候选回退在后台进行，调用方只看到事件流。
func (v *VolcengineSynthesizer) Open(ctx context.Context, text string, cfg StreamConfig) (SynthesisStream, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("synthesis text is empty")
	}

	appKey, accessKey, err := resolveCredentials(v.config)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream := &ttsStream{
		events: make(chan SynthesisEvent, 32),
		cancel: cancel,
	}

	stream.events <- SynthesisEvent{Type: SynthesisOpened}
	go v.run(streamCtx, stream, text, cfg, appKey, accessKey)

	return stream, nil
}

func (v *VolcengineSynthesizer) run(ctx context.Context, stream *ttsStream, text string, cfg StreamConfig, appKey, accessKey string) {
	defer close(stream.events)
	defer stream.cancel()

	emit := func(ev SynthesisEvent) {
		select {
		case stream.events <- ev:
		case <-ctx.Done():
		}
	}

	encoding := strings.TrimSpace(cfg.Format)
	if encoding == "" || encoding == "wav" {
		encoding = "mp3"
	}

	speakers := resolveSpeakerCandidates(cfg.Voice, strings.TrimSpace(v.config.TTSVoice))
	var lastMismatch error

	for _, speaker := range speakers {
		for _, resourceID := range resolveResourceCandidates(speaker) {
			conn, err := v.dialAndRequest(ctx, text, cfg, appKey, accessKey, speaker, encoding, resourceID)
			if err != nil {
				emit(SynthesisEvent{Type: SynthesisError, Err: err})
				emit(SynthesisEvent{Type: SynthesisClosed})
				return
			}

			frames := make(chan synthFrame, 32)
			go readSynthFrames(conn, frames)

			retryErr, finished := runSynthesisPump(ctx, cfg.SessionID, frames, cfg.Quiescence, cfg.HardTimeout, emit)
			conn.Close()

			if finished {
				emit(SynthesisEvent{Type: SynthesisClosed})
				return
			}

			// 首块音频之前的资源不匹配错误，换下一个候选重试
			log.Printf("[tts] session=%s speaker=%s resource=%s mismatch, trying next candidate: %v",
				cfg.SessionID, speaker, resourceID, retryErr)
			lastMismatch = retryErr
		}
	}

	if lastMismatch == nil {
		lastMismatch = fmt.Errorf("TTS synthesis failed: no compatible resource id or speaker for voice candidates %v", speakers)
	}
	emit(SynthesisEvent{Type: SynthesisError, Err: lastMismatch})
	emit(SynthesisEvent{Type: SynthesisClosed})
}

// dialAndRequest 建立连接并发送合成请求帧。
func (v *VolcengineSynthesizer) dialAndRequest(ctx context.Context, text string, cfg StreamConfig, appKey, accessKey, speaker, encoding, resourceID string) (*websocket.Conn, error) {
	connectID := uuid.New().String()

	header := http.Header{}
	header.Set("X-Api-App-Key", appKey)
	header.Set("X-Api-Access-Key", accessKey)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := v.dialer.DialContext(ctx, ttsStreamURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TTS WebSocket: %w", err)
	}

	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[tts] connected session=%s logid=%s", cfg.SessionID, logid)
		}
	}

	payload, err := json.Marshal(v.buildRequest(text, cfg, speaker, encoding))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(NewFullClientRequest(payload, NoCompression))); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send TTS request: %w", err)
	}

	return conn, nil
}

func (v *VolcengineSynthesizer) buildRequest(text string, cfg StreamConfig, speaker, encoding string) *ttsRequest {
	req := &ttsRequest{}

	uid := strings.TrimSpace(cfg.SessionID)
	if uid == "" {
		uid = uuid.New().String()
	}
	req.User.UID = uid

	req.ReqParams.Speaker = speaker
	if req.ReqParams.Speaker == "" {
		req.ReqParams.Speaker = strings.TrimSpace(v.config.TTSVoice)
	}
	req.ReqParams.Text = text

	req.ReqParams.AudioParams.Format = encoding
	req.ReqParams.AudioParams.SampleRate = 24000
	req.ReqParams.AudioParams.EnableTimestamp = true

	if v.config.TTSSpeed > 0 && v.config.TTSSpeed != 1.0 {
		req.ReqParams.AudioParams.SpeedRatio = v.config.TTSSpeed
	}
	if v.config.TTSVolume > 0 && v.config.TTSVolume != 1.0 {
		req.ReqParams.AudioParams.VolumeRatio = v.config.TTSVolume
	}

	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = strings.TrimSpace(v.config.TTSLanguage)
	}
	if language != "" {
		req.ReqParams.Language = language
	}

	additions, err := json.Marshal(map[string]any{"disable_markdown_filter": false})
	if err == nil {
		req.ReqParams.Additions = string(additions)
	}

	return req
}

// readSynthFrames 消费服务端响应帧并写入frames，结束时关闭frames。
func readSynthFrames(conn *websocket.Conn, frames chan<- synthFrame) {
	defer close(frames)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			frames <- synthFrame{err: fmt.Errorf("failed to read TTS response: %w", err)}
			return
		}

		frame, err := DecodeFrame(bytes.NewReader(data))
		if err != nil {
			frames <- synthFrame{err: fmt.Errorf("failed to decode TTS frame: %w", err)}
			return
		}

		switch frame.Header.Type {
		case ErrorResponse:
			payload, derr := decompressPayload(frame.Payload, frame.Header.Compression)
			if derr != nil {
				payload = frame.Payload
			}
			frames <- synthFrame{err: fmt.Errorf("TTS error %d: %s", frame.ErrorCode, string(payload))}
			return

		case AudioOnlyServerResponse:
			chunk, derr := decompressPayload(frame.Payload, frame.Header.Compression)
			if derr != nil {
				frames <- synthFrame{err: fmt.Errorf("failed to decompress audio chunk: %w", derr)}
				return
			}
			frames <- synthFrame{data: chunk, final: frame.IsLastPacket()}
			if frame.IsLastPacket() {
				return
			}

		case FullServerResponse:
			payload, derr := decompressPayload(frame.Payload, frame.Header.Compression)
			if derr != nil {
				frames <- synthFrame{err: fmt.Errorf("failed to decompress TTS payload: %w", derr)}
				return
			}

			var serverResp ttsServerMessage
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &serverResp); err != nil {
					log.Printf("[tts] unmarshal response payload failed: %v", err)
				} else {
					if serverResp.Code != 0 && serverResp.Code != 3000 {
						frames <- synthFrame{err: fmt.Errorf("TTS API error %d: %s", serverResp.Code, serverResp.Message)}
						return
					}
					if serverResp.Data != "" {
						chunk, derr := base64.StdEncoding.DecodeString(serverResp.Data)
						if derr != nil {
							frames <- synthFrame{err: fmt.Errorf("failed to decode base64 audio chunk: %w", derr)}
							return
						}
						frames <- synthFrame{data: chunk}
					}
				}
			}

			finalizedByEvent := frame.Header.Flags&WithEvent == WithEvent && frame.Event == EventSessionFinished
			if finalizedByEvent || frame.IsLastPacket() || serverResp.Sequence < 0 {
				frames <- synthFrame{final: true}
				return
			}

		default:
			log.Printf("[tts] unexpected frame type: %d", frame.Header.Type)
		}
	}
}

// runSynthesisPump 按序编号音频块并处理两级超时。
// 静默窗口在收到第一块后才生效，服务端忘记收尾时兜底补发Flushed。
// 返回的retryErr非nil且finished为false表示首块之前遇到资源不匹配，可换候选重试。
func runSynthesisPump(ctx context.Context, sessionID string, frames <-chan synthFrame, quiescence, hardTimeout time.Duration, emit func(SynthesisEvent)) (retryErr error, finished bool) {
	var hardCh <-chan time.Time
	if hardTimeout > 0 {
		hardTimer := time.NewTimer(hardTimeout)
		defer hardTimer.Stop()
		hardCh = hardTimer.C
	}

	var quietTimer *time.Timer
	var quietCh <-chan time.Time
	armQuiet := func() {
		if quiescence <= 0 {
			return
		}
		if quietTimer == nil {
			quietTimer = time.NewTimer(quiescence)
			quietCh = quietTimer.C
			return
		}
		if !quietTimer.Stop() {
			select {
			case <-quietTimer.C:
			default:
			}
		}
		quietTimer.Reset(quiescence)
	}
	defer func() {
		if quietTimer != nil {
			quietTimer.Stop()
		}
	}()

	index := 0
	emitChunk := func(data []byte) {
		emit(SynthesisEvent{
			Type: SynthesisChunk,
			Chunk: &speechmodel.AudioChunk{
				SessionID: sessionID,
				Index:     index,
				Payload:   data,
			},
		})
		index++
	}

	for {
		select {
		case <-ctx.Done():
			return nil, true

		case fr, ok := <-frames:
			if !ok {
				// 连接在未收尾的情况下结束
				if index > 0 {
					emit(SynthesisEvent{Type: SynthesisFlushed})
				} else {
					emit(SynthesisEvent{Type: SynthesisError, Err: fmt.Errorf("TTS stream ended before any audio")})
				}
				return nil, true
			}
			if fr.err != nil {
				if index == 0 && isResourceMismatchError(fr.err) {
					return fr.err, false
				}
				emit(SynthesisEvent{Type: SynthesisError, Err: fr.err})
				return nil, true
			}
			if len(fr.data) > 0 {
				emitChunk(fr.data)
				armQuiet()
			}
			if fr.final {
				if index == 0 {
					emit(SynthesisEvent{Type: SynthesisError, Err: fmt.Errorf("TTS audio is empty")})
					return nil, true
				}
				emit(SynthesisEvent{Type: SynthesisFlushed})
				return nil, true
			}

		case <-quietCh:
			log.Printf("[tts] quiescence reached session=%s chunks=%d, flushing", sessionID, index)
			emit(SynthesisEvent{Type: SynthesisFlushed})
			return nil, true

		case <-hardCh:
			emit(SynthesisEvent{Type: SynthesisError, Err: fmt.Errorf("TTS synthesis timed out after %s", hardTimeout)})
			return nil, true
		}
	}
}
