package voice

import (
	"encoding/base64"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	voicesvc "github.com/zhouzirui/voice-tavern/backend/internal/service/voice"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	// 下行队列容量，写入慢于生产时丢弃音频块以外别无选择
	outboundQueueSize = 64
)

// Handler 语音会话WebSocket处理器
type Handler struct {
	base     voicesvc.Options
	registry *voicesvc.Registry
	upgrader websocket.Upgrader
}

// New 创建处理器。base中的Sender与Clock字段由每个连接自行填充。
func New(base voicesvc.Options, registry *voicesvc.Registry) *Handler {
	return &Handler{
		base:     base,
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/voice/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	ProfileID string `json:"profileId,omitempty"`
	Audio     string `json:"audio,omitempty"`
}

// sessionControl 读循环对会话协调器的操作面。
type sessionControl interface {
	Start(conversationID, userID, profileID string)
	SubmitAudioFrame(data []byte)
	RequestStop()
}

// handleWebSocket 处理语音会话连接的整个生命周期
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[voice-ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sessionID := uuid.New().String()
	log.Printf("[voice-ws] new connection session=%s remote=%s", sessionID, r.RemoteAddr)

	writer := newConnWriter(conn)
	go writer.run()
	defer writer.close()

	opts := h.base
	opts.Sender = writer

	coordinator := voicesvc.NewCoordinator(sessionID, opts)
	h.registry.Add(coordinator)
	defer h.registry.Remove(sessionID)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("[voice-ws] read error session=%s: %v", sessionID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		dispatch(coordinator, msg, writer)
	}
}

// dispatch 将一条客户端消息转交给会话协调器。
func dispatch(ctrl sessionControl, msg inboundMessage, sender voicesvc.Sender) {
	switch msg.Type {
	case "start":
		ctrl.Start(msg.ChatID, msg.UserID, msg.ProfileID)
	case "audio":
		if msg.Audio == "" {
			return
		}
		data, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			sender.Send(voicesvc.OutboundMessage{Type: voicesvc.MsgError, Message: "invalid audio payload"})
			return
		}
		ctrl.SubmitAudioFrame(data)
	case "stop":
		ctrl.RequestStop()
	default:
		sender.Send(voicesvc.OutboundMessage{Type: voicesvc.MsgError, Message: "unsupported message type: " + msg.Type})
	}
}

// connWriter 单写协程，串行化所有下行消息与ping。
type connWriter struct {
	conn *websocket.Conn
	out  chan voicesvc.OutboundMessage
	done chan struct{}
	once sync.Once
}

func newConnWriter(conn *websocket.Conn) *connWriter {
	return &connWriter{
		conn: conn,
		out:  make(chan voicesvc.OutboundMessage, outboundQueueSize),
		done: make(chan struct{}),
	}
}

// Send 入队一条下行消息。队列满时丢弃并记录，绝不阻塞会话循环。
func (w *connWriter) Send(msg voicesvc.OutboundMessage) {
	select {
	case <-w.done:
	case w.out <- msg:
	default:
		log.Printf("[voice-ws] outbound queue full, dropping %s message", msg.Type)
	}
}

func (w *connWriter) run() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case msg := <-w.out:
			if err := w.conn.WriteJSON(msg); err != nil {
				log.Printf("[voice-ws] write failed: %v", err)
				return
			}
		case <-ticker.C:
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *connWriter) close() {
	w.once.Do(func() {
		close(w.done)
	})
}
