package voice

import (
	"context"
	"encoding/base64"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/voice-tavern/backend/internal/model/chat"
	"github.com/zhouzirui/voice-tavern/backend/internal/model/profile"
	"github.com/zhouzirui/voice-tavern/backend/internal/service/speech"
)

// State 会话状态
type State int

const (
	StateIdle State = iota
	StateListening
	StateDebouncing
	StateProcessing
	StateSpeaking
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateDebouncing:
		return "debouncing"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const defaultOwnerID = "voice-guest"

// mailbox容量，音频帧与控制事件共用
const mailboxSize = 256

// ConversationResolver 解析或创建转写会话。
type ConversationResolver interface {
	Resolve(ctx context.Context, conversationID, ownerID, profileID string) (chat.Conversation, error)
}

// TurnHandler 处理一轮用户发言并返回助手回复。
type TurnHandler interface {
	HandleTurn(ctx context.Context, conversationID string, prof *profile.Profile, userText string) (string, error)
}

// Settings 会话编排的调优参数。
type Settings struct {
	SilenceThreshold time.Duration
	SynthQuiescence  time.Duration
	SynthTimeout     time.Duration
	FallbackPrompt   string
	ASRLanguage      string
	AudioFormat      string
	SampleRate       int
}

// Options 协调器的全部协作方。
type Options struct {
	Sender        Sender
	Recognizer    speech.Recognizer
	Synthesizer   speech.Synthesizer
	Conversations ConversationResolver
	Dialogue      TurnHandler
	Profiles      profile.Store
	Clock         Clock
	Settings      Settings
}

type eventKind int

const (
	evStart eventKind = iota
	evAudio
	evStop
	evTurnReady
	evTurnDone
	evRecognition
	evSynthesis
	evDispose
)

type startRequest struct {
	ConversationID string
	UserID         string
	ProfileID      string
}

type event struct {
	kind  eventKind
	audio []byte
	start startRequest
	text  string
	reply string
	err   error
	gen   uint64
	rec   speech.RecognitionEvent
	synth speech.SynthesisEvent
}

// Coordinator 单个语音会话的协调器。所有状态由run协程独占，
// 外部调用只向mailbox投递事件，识别/合成适配器的事件同样经由mailbox进入。
type Coordinator struct {
	id          string
	opts        Options
	mailbox     chan event
	done        chan struct{}
	disposeOnce sync.Once
	dropped     atomic.Uint64

	// 以下字段仅run协程访问
	state       State
	conv        chat.Conversation
	prof        profile.Profile
	debouncer   *Debouncer
	recStream   speech.RecognitionStream
	recGen      uint64
	synthStream speech.SynthesisStream
	synthGen    uint64
	turnGen     uint64
	chunkCount  int
	queuedTurn  string
}

// NewCoordinator 创建并启动一个会话协调器。
func NewCoordinator(id string, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}

	c := &Coordinator{
		id:      id,
		opts:    opts,
		mailbox: make(chan event, mailboxSize),
		done:    make(chan struct{}),
		state:   StateIdle,
	}

	go c.run()
	return c
}

// ID 返回会话标识。
func (c *Coordinator) ID() string {
	return c.id
}

// Start 请求开启会话。
func (c *Coordinator) Start(conversationID, userID, profileID string) {
	c.post(event{kind: evStart, start: startRequest{
		ConversationID: conversationID,
		UserID:         userID,
		ProfileID:      profileID,
	}})
}

// SubmitAudioFrame 投递一帧音频。mailbox满时丢帧，不阻塞调用方。
func (c *Coordinator) SubmitAudioFrame(data []byte) {
	if !c.tryPost(event{kind: evAudio, audio: data}) {
		c.countDroppedFrame()
	}
}

func (c *Coordinator) countDroppedFrame() {
	n := c.dropped.Add(1)
	if n == 1 || n%50 == 0 {
		log.Printf("[voice] session=%s dropped audio frames total=%d", c.id, n)
	}
}

// RequestStop 请求结束会话。
func (c *Coordinator) RequestStop() {
	c.post(event{kind: evStop})
}

// Dispose 释放会话资源，幂等。连接断开时由传输层调用。
func (c *Coordinator) Dispose() {
	c.disposeOnce.Do(func() {
		c.post(event{kind: evDispose})
	})
}

// DroppedFrames 返回因背压被丢弃的音频帧数。
func (c *Coordinator) DroppedFrames() uint64 {
	return c.dropped.Load()
}

func (c *Coordinator) post(ev event) {
	select {
	case c.mailbox <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) tryPost(ev event) bool {
	select {
	case c.mailbox <- ev:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Coordinator) run() {
	for {
		ev := <-c.mailbox
		switch ev.kind {
		case evStart:
			c.handleStart(ev.start)
		case evAudio:
			c.handleAudio(ev.audio)
		case evStop:
			c.handleStop()
		case evTurnReady:
			c.beginTurn(ev.text)
		case evTurnDone:
			c.handleTurnDone(ev)
		case evRecognition:
			c.handleRecognition(ev)
		case evSynthesis:
			c.handleSynthesis(ev)
		case evDispose:
			c.cleanup()
			close(c.done)
			return
		}
	}
}

func (c *Coordinator) send(msg OutboundMessage) {
	c.opts.Sender.Send(msg)
}

func (c *Coordinator) handleStart(req startRequest) {
	if c.state != StateIdle {
		c.send(errorMessage("session already started"))
		return
	}

	ownerID := strings.TrimSpace(req.UserID)
	if ownerID == "" {
		ownerID = defaultOwnerID
	}

	profileID := strings.TrimSpace(req.ProfileID)
	if profileID == "" {
		profileID = profile.DefaultID
	}
	prof, ok := c.opts.Profiles.FindByID(profileID)
	if !ok {
		prof, _ = c.opts.Profiles.FindByID(profile.DefaultID)
	}
	c.prof = prof

	conv, err := c.opts.Conversations.Resolve(context.Background(), req.ConversationID, ownerID, prof.ID)
	if err != nil {
		log.Printf("[voice] session=%s resolve conversation failed: %v", c.id, err)
		c.send(errorMessage("conversation unavailable"))
		return
	}
	c.conv = conv

	c.debouncer = NewDebouncer(c.opts.Clock, c.opts.Settings.SilenceThreshold, func(text string) {
		c.post(event{kind: evTurnReady, text: text})
	})

	if err := c.openRecognition(); err != nil {
		log.Printf("[voice] session=%s open recognition failed: %v", c.id, err)
		c.send(errorMessage("speech recognition unavailable"))
		return
	}

	c.send(startedMessage(conv.ID))
	c.state = StateListening
	log.Printf("[voice] session=%s started conversation=%s profile=%s", c.id, conv.ID, prof.ID)
}

func (c *Coordinator) handleAudio(data []byte) {
	// 对话在途期间继续喂入识别器，用户可以接着说下一轮。
	// 播报与终态的音频丢弃并计数。
	if c.state != StateListening && c.state != StateDebouncing && c.state != StateProcessing {
		c.countDroppedFrame()
		return
	}
	if c.recStream == nil {
		c.countDroppedFrame()
		return
	}
	if err := c.recStream.Send(data); err != nil {
		log.Printf("[voice] session=%s forward audio failed: %v", c.id, err)
	}
}

func (c *Coordinator) handleRecognition(ev event) {
	if ev.gen != c.recGen {
		return
	}

	switch ev.rec.Type {
	case speech.RecognitionOpened:
		log.Printf("[voice] session=%s recognition stream opened", c.id)

	case speech.RecognitionFragment:
		if c.state != StateListening && c.state != StateDebouncing && c.state != StateProcessing {
			return
		}
		frag := ev.rec.Fragment
		if frag == nil {
			return
		}
		c.send(transcriptMessage(frag.Text, frag.IsFinal))
		if frag.IsFinal {
			// Processing 期间的定句照常进入聚合器，作为下一轮的素材
			c.debouncer.OnFinalFragment(frag.Text)
			if c.state == StateListening {
				c.state = StateDebouncing
			}
		}

	case speech.RecognitionUtteranceEnd:
		if c.state != StateListening && c.state != StateDebouncing && c.state != StateProcessing {
			return
		}
		c.beginTurn(c.debouncer.Take())

	case speech.RecognitionError:
		// 识别器故障对会话是致命的，明确报错后结束
		log.Printf("[voice] session=%s recognition error: %v", c.id, ev.rec.Err)
		c.send(errorMessage("speech recognition error"))
		c.cleanup()
		c.send(stoppedMessage())
		c.state = StateClosed

	case speech.RecognitionClosed:
		c.recStream = nil
		c.recGen++
		// 连接自然结束（例如服务端判停后关闭），重新开流
		switch c.state {
		case StateListening, StateDebouncing:
			if err := c.openRecognition(); err != nil {
				log.Printf("[voice] session=%s recognition reopen failed: %v", c.id, err)
				c.send(errorMessage("speech recognition unavailable"))
				c.state = StateIdle
			}
		case StateProcessing:
			// 保持在途轮次，失败留到enterListening时重试
			if err := c.openRecognition(); err != nil {
				log.Printf("[voice] session=%s recognition reopen failed: %v", c.id, err)
			}
		}
	}
}

func (c *Coordinator) beginTurn(text string) {
	// 在途轮次未完成时先暂存，完成后由enterListening派发，
	// 保证对话调用任一时刻至多一个在途
	if c.state == StateProcessing || c.state == StateSpeaking {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			if c.queuedTurn == "" {
				c.queuedTurn = trimmed
			} else {
				c.queuedTurn = c.queuedTurn + " " + trimmed
			}
		}
		return
	}
	if c.state != StateListening && c.state != StateDebouncing {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		// 判停但没有可用文本，播报固定提示，不走对话流程
		if c.opts.Settings.FallbackPrompt == "" {
			c.state = StateListening
			return
		}
		c.speak(c.opts.Settings.FallbackPrompt)
		return
	}
	if c.opts.Dialogue == nil {
		c.send(errorMessage("dialogue unavailable"))
		c.state = StateListening
		return
	}

	c.state = StateProcessing
	c.send(userMessage(text))

	c.turnGen++
	gen := c.turnGen
	conversationID := c.conv.ID
	prof := c.prof

	go func() {
		reply, err := c.opts.Dialogue.HandleTurn(context.Background(), conversationID, &prof, text)
		c.post(event{kind: evTurnDone, reply: reply, err: err, gen: gen})
	}()
}

func (c *Coordinator) handleTurnDone(ev event) {
	if ev.gen != c.turnGen || c.state != StateProcessing {
		return
	}

	if ev.err != nil {
		log.Printf("[voice] session=%s dialogue failed: %v", c.id, ev.err)
		c.send(errorMessage("dialogue generation failed"))
		c.enterListening()
		return
	}

	reply := strings.TrimSpace(ev.reply)
	if reply == "" {
		reply = c.opts.Settings.FallbackPrompt
	}
	c.speak(reply)
}

// speak 下发助手文本并启动合成流，进入播报状态。
func (c *Coordinator) speak(reply string) {
	c.send(aiResponseMessage(reply))

	stream, err := c.opts.Synthesizer.Open(context.Background(), reply, speech.StreamConfig{
		SessionID:   c.id,
		Voice:       c.prof.VoiceID,
		Language:    c.prof.Language,
		Quiescence:  c.opts.Settings.SynthQuiescence,
		HardTimeout: c.opts.Settings.SynthTimeout,
	})
	if err != nil {
		log.Printf("[voice] session=%s open synthesis failed: %v", c.id, err)
		c.send(errorMessage("speech synthesis failed"))
		c.enterListening()
		return
	}

	c.synthGen++
	c.synthStream = stream
	c.chunkCount = 0
	c.state = StateSpeaking
	go c.pumpSynthesis(c.synthGen, stream)
}

func (c *Coordinator) handleSynthesis(ev event) {
	if ev.gen != c.synthGen {
		return
	}

	switch ev.synth.Type {
	case speech.SynthesisOpened:

	case speech.SynthesisChunk:
		if c.state != StateSpeaking || ev.synth.Chunk == nil {
			return
		}
		encoded := base64.StdEncoding.EncodeToString(ev.synth.Chunk.Payload)
		c.send(audioChunkMessage(encoded, ev.synth.Chunk.Index))
		c.chunkCount++

	case speech.SynthesisFlushed:
		if c.state != StateSpeaking {
			return
		}
		c.send(audioCompleteMessage(c.chunkCount))
		c.closeSynthesis()
		c.enterListening()

	case speech.SynthesisError:
		if c.state != StateSpeaking {
			return
		}
		log.Printf("[voice] session=%s synthesis error: %v", c.id, ev.synth.Err)
		c.send(errorMessage("speech synthesis failed"))
		c.closeSynthesis()
		c.enterListening()

	case speech.SynthesisClosed:
		c.synthStream = nil
	}
}

func (c *Coordinator) handleStop() {
	if c.state == StateClosed {
		return
	}
	c.cleanup()
	c.send(stoppedMessage())
	c.state = StateClosed
	log.Printf("[voice] session=%s stopped", c.id)
}

// enterListening 回到收音状态，识别流已结束时重新开流，
// 并派发在途期间积压的下一轮发言。
func (c *Coordinator) enterListening() {
	c.state = StateListening
	if c.recStream == nil {
		if err := c.openRecognition(); err != nil {
			log.Printf("[voice] session=%s recognition reopen failed: %v", c.id, err)
			c.send(errorMessage("speech recognition unavailable"))
			c.state = StateIdle
			return
		}
	}
	if c.queuedTurn != "" {
		text := c.queuedTurn
		c.queuedTurn = ""
		c.beginTurn(text)
	}
}

func (c *Coordinator) openRecognition() error {
	stream, err := c.opts.Recognizer.Open(context.Background(), speech.StreamConfig{
		SessionID:  c.id,
		Language:   c.opts.Settings.ASRLanguage,
		Format:     c.opts.Settings.AudioFormat,
		SampleRate: c.opts.Settings.SampleRate,
	})
	if err != nil {
		return err
	}

	c.recGen++
	c.recStream = stream
	go c.pumpRecognition(c.recGen, stream)
	return nil
}

func (c *Coordinator) closeRecognition() {
	if c.recStream != nil {
		c.recStream.Close()
		c.recStream = nil
	}
	c.recGen++
}

func (c *Coordinator) closeSynthesis() {
	if c.synthStream != nil {
		c.synthStream.Close()
		c.synthStream = nil
	}
	c.synthGen++
}

func (c *Coordinator) cleanup() {
	if c.debouncer != nil {
		c.debouncer.Cancel()
	}
	c.closeRecognition()
	c.closeSynthesis()
	c.queuedTurn = ""
	c.turnGen++
}

func (c *Coordinator) pumpRecognition(gen uint64, stream speech.RecognitionStream) {
	for ev := range stream.Events() {
		c.post(event{kind: evRecognition, gen: gen, rec: ev})
	}
}

func (c *Coordinator) pumpSynthesis(gen uint64, stream speech.SynthesisStream) {
	for ev := range stream.Events() {
		c.post(event{kind: evSynthesis, gen: gen, synth: ev})
	}
}
