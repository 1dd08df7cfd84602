package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	speechmodel "github.com/zhouzirui/voice-tavern/backend/internal/model/speech"
)

const asrStreamURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"

// asr发送队列容量，超出时丢帧而不是阻塞会话循环
const asrSendQueueSize = 64

// VolcengineRecognizer 火山引擎流式ASR客户端。
type VolcengineRecognizer struct {
	config *speechmodel.SpeechConfig
	dialer *websocket.Dialer
}

// NewVolcengineRecognizer 创建流式识别客户端。
func NewVolcengineRecognizer(config *speechmodel.SpeechConfig) *VolcengineRecognizer {
	return &VolcengineRecognizer{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user,omitempty"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type asrServerMessage struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text     string `json:"text"`
			Definite bool   `json:"definite"`
		} `json:"utterances,omitempty"`
	} `json:"result,omitempty"`
}

type asrSendItem struct {
	audio []byte
	last  bool
}

type asrStream struct {
	sessionID string
	conn      *websocket.Conn
	sendCh    chan asrSendItem
	events    chan RecognitionEvent
	cancel    context.CancelFunc
	done      <-chan struct{}
}

// Open 建立识别连接并发送会话参数帧。
func (r *VolcengineRecognizer) Open(ctx context.Context, cfg StreamConfig) (RecognitionStream, error) {
	appID, token, err := resolveCredentials(r.config)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)

	resourceID := "volc.bigasr.sauc.duration" // 小时版
	if r.config.ConcurrentMode {
		resourceID = "volc.bigasr.sauc.concurrent" // 并发版
	}
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", cfg.SessionID)

	conn, resp, err := r.dialer.DialContext(ctx, asrStreamURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ASR WebSocket: %w", err)
	}

	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[asr] connected session=%s logid=%s", cfg.SessionID, logid)
		}
	}

	payload, err := json.Marshal(buildASRRequest(r.config, cfg))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to marshal ASR request: %w", err)
	}

	compressed, err := compressPayload(payload, GzipCompression)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to compress ASR request: %w", err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(NewFullClientRequest(compressed, GzipCompression))); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send ASR request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream := &asrStream{
		sessionID: cfg.SessionID,
		conn:      conn,
		sendCh:    make(chan asrSendItem, asrSendQueueSize),
		events:    make(chan RecognitionEvent, 32),
		cancel:    cancel,
		done:      streamCtx.Done(),
	}

	go stream.writeLoop(streamCtx)
	go stream.readLoop(streamCtx)

	stream.emit(streamCtx, RecognitionEvent{Type: RecognitionOpened})
	return stream, nil
}

func buildASRRequest(config *speechmodel.SpeechConfig, cfg StreamConfig) *asrRequest {
	req := &asrRequest{}
	req.User.UID = cfg.SessionID

	req.Audio.Format = cfg.Format
	if req.Audio.Format == "" {
		req.Audio.Format = "pcm"
	}
	req.Audio.Language = cfg.Language
	if req.Audio.Language == "" {
		req.Audio.Language = config.ASRLanguage
	}
	req.Audio.Codec = "raw"
	req.Audio.Rate = cfg.SampleRate
	if req.Audio.Rate == 0 {
		req.Audio.Rate = 16000
	}
	req.Audio.Bits = 16
	req.Audio.Channel = 1

	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800 // 强制判停时间800ms

	return req
}

// Send 将音频帧放入发送队列，不等待网络IO。
func (s *asrStream) Send(audio []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("recognition stream closed")
	default:
	}

	frame := make([]byte, len(audio))
	copy(frame, audio)

	select {
	case s.sendCh <- asrSendItem{audio: frame}:
		return nil
	default:
		return fmt.Errorf("recognition send queue full, frame dropped")
	}
}

// Finish 发送最后一包，通知服务端音频结束。
func (s *asrStream) Finish() error {
	select {
	case <-s.done:
		return fmt.Errorf("recognition stream closed")
	case s.sendCh <- asrSendItem{last: true}:
		return nil
	}
}

func (s *asrStream) Events() <-chan RecognitionEvent {
	return s.events
}

// Close 立即终止流。reader因连接关闭退出并负责关闭事件通道。
func (s *asrStream) Close() {
	s.cancel()
	s.conn.Close()
}

func (s *asrStream) emit(ctx context.Context, ev RecognitionEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// writeLoop 串行化所有写操作，服务端FullClientRequest占用序号1，音频从2开始。
func (s *asrStream) writeLoop(ctx context.Context) {
	sequence := int32(2)

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-s.sendCh:
			compressed, err := compressPayload(item.audio, GzipCompression)
			if err != nil {
				log.Printf("[asr] compress audio failed session=%s: %v", s.sessionID, err)
				continue
			}

			frame := NewAudioOnlyRequest(compressed, sequence, item.last, GzipCompression)
			if err := s.conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(frame)); err != nil {
				log.Printf("[asr] write audio failed session=%s: %v", s.sessionID, err)
				return
			}
			sequence++

			if item.last {
				return
			}
		}
	}
}

// readLoop 消费服务端响应并转换为识别事件，结束时关闭事件通道。
func (s *asrStream) readLoop(ctx context.Context) {
	defer close(s.events)
	defer s.conn.Close()
	defer s.cancel()

	// result_type=full 每次返回全部分句，记录已上报的定句数量避免重复
	definiteEmitted := 0

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				// 本地主动关闭，不作为错误上报
			default:
				s.emit(ctx, RecognitionEvent{Type: RecognitionError, Err: fmt.Errorf("failed to read ASR response: %w", err)})
			}
			s.emit(ctx, RecognitionEvent{Type: RecognitionClosed})
			return
		}

		frame, err := DecodeFrame(bytes.NewReader(data))
		if err != nil {
			s.emit(ctx, RecognitionEvent{Type: RecognitionError, Err: fmt.Errorf("failed to decode ASR frame: %w", err)})
			s.emit(ctx, RecognitionEvent{Type: RecognitionClosed})
			return
		}

		switch frame.Header.Type {
		case ErrorResponse:
			payload, derr := decompressPayload(frame.Payload, frame.Header.Compression)
			if derr != nil {
				payload = frame.Payload
			}
			s.emit(ctx, RecognitionEvent{Type: RecognitionError, Err: fmt.Errorf("ASR error %d: %s", frame.ErrorCode, string(payload))})
			s.emit(ctx, RecognitionEvent{Type: RecognitionClosed})
			return

		case FullServerResponse:
			payload, derr := decompressPayload(frame.Payload, frame.Header.Compression)
			if derr != nil {
				s.emit(ctx, RecognitionEvent{Type: RecognitionError, Err: fmt.Errorf("failed to decompress ASR payload: %w", derr)})
				s.emit(ctx, RecognitionEvent{Type: RecognitionClosed})
				return
			}

			var serverResp asrServerMessage
			if err := json.Unmarshal(payload, &serverResp); err != nil {
				log.Printf("[asr] unmarshal response failed session=%s: %v", s.sessionID, err)
				continue
			}

			if serverResp.Code != 0 && serverResp.Code != 20000000 {
				s.emit(ctx, RecognitionEvent{Type: RecognitionError, Err: fmt.Errorf("ASR API error %d: %s", serverResp.Code, serverResp.Message)})
				s.emit(ctx, RecognitionEvent{Type: RecognitionClosed})
				return
			}

			definiteEmitted = s.emitFragments(ctx, &serverResp, definiteEmitted)

			if frame.IsLastPacket() || serverResp.Sequence < 0 {
				s.emit(ctx, RecognitionEvent{Type: RecognitionUtteranceEnd})
				s.emit(ctx, RecognitionEvent{Type: RecognitionClosed})
				return
			}

		default:
			// 其他类型（如音频ACK）直接忽略
		}
	}
}

// emitFragments 将服务端分句转换为转写片段：定句作为final，余下文本作为interim。
func (s *asrStream) emitFragments(ctx context.Context, resp *asrServerMessage, definiteEmitted int) int {
	var interim strings.Builder
	definiteSeen := 0

	for _, u := range resp.Result.Utterances {
		if u.Definite {
			definiteSeen++
			if definiteSeen > definiteEmitted {
				s.emit(ctx, RecognitionEvent{
					Type:     RecognitionFragment,
					Fragment: newFragment(s.sessionID, u.Text, true),
				})
			}
			continue
		}
		if interim.Len() > 0 {
			interim.WriteString(" ")
		}
		interim.WriteString(u.Text)
	}

	interimText := interim.String()
	if interimText == "" && len(resp.Result.Utterances) == 0 {
		interimText = resp.Result.Text
	}
	if strings.TrimSpace(interimText) != "" {
		s.emit(ctx, RecognitionEvent{
			Type:     RecognitionFragment,
			Fragment: newFragment(s.sessionID, interimText, false),
		})
	}

	return definiteSeen
}

func newFragment(sessionID, text string, isFinal bool) *speechmodel.TranscriptFragment {
	confidence := 0.0
	if strings.TrimSpace(text) != "" {
		confidence = 0.95
	}
	return &speechmodel.TranscriptFragment{
		SessionID:  sessionID,
		Text:       text,
		IsFinal:    isFinal,
		Confidence: confidence,
		CreatedAt:  time.Now(),
	}
}
