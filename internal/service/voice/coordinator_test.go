package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/voice-tavern/backend/internal/model/chat"
	"github.com/zhouzirui/voice-tavern/backend/internal/model/profile"
	speechmodel "github.com/zhouzirui/voice-tavern/backend/internal/model/speech"
	"github.com/zhouzirui/voice-tavern/backend/internal/service/speech"
)

type captureSender struct {
	ch chan OutboundMessage
}

func newCaptureSender() *captureSender {
	return &captureSender{ch: make(chan OutboundMessage, 128)}
}

func (s *captureSender) Send(msg OutboundMessage) {
	s.ch <- msg
}

func (s *captureSender) wait(t *testing.T, msgType string) OutboundMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-s.ch:
			if m.Type == msgType {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q message", msgType)
		}
	}
}

func (s *captureSender) expectNone(t *testing.T, msgType string, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case m := <-s.ch:
			if m.Type == msgType {
				t.Fatalf("unexpected %q message: %+v", msgType, m)
			}
		case <-deadline:
			return
		}
	}
}

type fakeRecStream struct {
	mu     sync.Mutex
	events chan speech.RecognitionEvent
	sent   [][]byte
	closed bool
}

func newFakeRecStream() *fakeRecStream {
	return &fakeRecStream{events: make(chan speech.RecognitionEvent, 32)}
}

func (s *fakeRecStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	s.sent = append(s.sent, audio)
	return nil
}

func (s *fakeRecStream) Finish() error { return nil }

func (s *fakeRecStream) Events() <-chan speech.RecognitionEvent { return s.events }

func (s *fakeRecStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeRecStream) emit(ev speech.RecognitionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *fakeRecStream) emitFragment(text string, isFinal bool) {
	s.emit(speech.RecognitionEvent{
		Type:     speech.RecognitionFragment,
		Fragment: &speechmodel.TranscriptFragment{Text: text, IsFinal: isFinal},
	})
}

func (s *fakeRecStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeRecognizer struct {
	mu      sync.Mutex
	streams []*fakeRecStream
	err     error
}

func (r *fakeRecognizer) Open(_ context.Context, _ speech.StreamConfig) (speech.RecognitionStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	s := newFakeRecStream()
	r.streams = append(r.streams, s)
	return s, nil
}

func (r *fakeRecognizer) last() *fakeRecStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.streams) == 0 {
		return nil
	}
	return r.streams[len(r.streams)-1]
}

type fakeSynthStream struct {
	mu     sync.Mutex
	events chan speech.SynthesisEvent
	closed bool
}

func (s *fakeSynthStream) Events() <-chan speech.SynthesisEvent { return s.events }

func (s *fakeSynthStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSynthStream) emit(ev speech.SynthesisEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *fakeSynthStream) emitChunk(index int, payload []byte) {
	s.emit(speech.SynthesisEvent{
		Type:  speech.SynthesisChunk,
		Chunk: &speechmodel.AudioChunk{Index: index, Payload: payload},
	})
}

func (s *fakeSynthStream) emitFlushed() {
	s.emit(speech.SynthesisEvent{Type: speech.SynthesisFlushed})
}

type fakeSynthesizer struct {
	opened chan *fakeSynthStream
	err    error
}

func newFakeSynthesizer() *fakeSynthesizer {
	return &fakeSynthesizer{opened: make(chan *fakeSynthStream, 8)}
}

func (f *fakeSynthesizer) Open(_ context.Context, _ string, _ speech.StreamConfig) (speech.SynthesisStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSynthStream{events: make(chan speech.SynthesisEvent, 32)}
	f.opened <- s
	return s, nil
}

func (f *fakeSynthesizer) waitOpen(t *testing.T) *fakeSynthStream {
	t.Helper()
	select {
	case s := <-f.opened:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synthesis stream")
		return nil
	}
}

type turnResult struct {
	reply string
	err   error
}

type fakeDialogue struct {
	mu        sync.Mutex
	script    []turnResult
	calls     []string
	gate      chan struct{} // 非nil时每次调用先等放行
	active    int
	maxActive int
}

func (f *fakeDialogue) HandleTurn(_ context.Context, _ string, _ *profile.Profile, text string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	gate := f.gate
	r := turnResult{reply: "ok"}
	if len(f.script) > 0 {
		r = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	return r.reply, r.err
}

func (f *fakeDialogue) callTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDialogue) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, conversationID, ownerID, profileID string) (chat.Conversation, error) {
	if conversationID == "" {
		conversationID = "conv-1"
	}
	return chat.Conversation{ID: conversationID, OwnerID: ownerID, ProfileID: profileID}, nil
}

type coordinatorFixture struct {
	c        *Coordinator
	sender   *captureSender
	rec      *fakeRecognizer
	synth    *fakeSynthesizer
	dialogue *fakeDialogue
	clock    *fakeClock
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()

	f := &coordinatorFixture{
		sender:   newCaptureSender(),
		rec:      &fakeRecognizer{},
		synth:    newFakeSynthesizer(),
		dialogue: &fakeDialogue{},
		clock:    newFakeClock(),
	}

	f.c = NewCoordinator("session-1", Options{
		Sender:        f.sender,
		Recognizer:    f.rec,
		Synthesizer:   f.synth,
		Conversations: fakeResolver{},
		Dialogue:      f.dialogue,
		Profiles:      profile.NewMemoryStore(profile.Seed()),
		Clock:         f.clock,
		Settings: Settings{
			SilenceThreshold: 2 * time.Second,
			FallbackPrompt:   "please repeat that",
		},
	})
	t.Cleanup(f.c.Dispose)
	return f
}

func (f *coordinatorFixture) start(t *testing.T) {
	t.Helper()
	f.c.Start("", "user-1", "")
	f.sender.wait(t, MsgStarted)
}

// advanceToTurn 推进虚拟时钟直到静音窗口触发一轮发言。
func (f *coordinatorFixture) advanceToTurn(t *testing.T) OutboundMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		f.clock.advance(2 * time.Second)
		select {
		case m := <-f.sender.ch:
			if m.Type == MsgUserMessage {
				return m
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("silence window never dispatched a turn")
	return OutboundMessage{}
}

func TestStartConfirmsAndOpensRecognition(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.c.Start("", "user-1", "")

	started := f.sender.wait(t, MsgStarted)
	if started.ChatID != "conv-1" {
		t.Fatalf("started chatId = %q", started.ChatID)
	}
	if f.rec.last() == nil {
		t.Fatal("recognition stream was not opened")
	}
}

func TestStartTwiceIsRejected(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.start(t)

	f.c.Start("", "user-1", "")
	if m := f.sender.wait(t, MsgError); m.Message != "session already started" {
		t.Fatalf("error message = %q", m.Message)
	}
}

func TestAudioForwardedWhileListening(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.start(t)

	f.c.SubmitAudioFrame([]byte{0x01, 0x02})

	stream := f.rec.last()
	for i := 0; i < 50; i++ {
		if stream.sentCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("audio frame was not forwarded, sent=%d", stream.sentCount())
}

func TestFullTurnProducesOrderedAudio(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.dialogue.script = []turnResult{{reply: "hi there"}}
	f.start(t)

	stream := f.rec.last()
	stream.emitFragment("hel", false)
	if m := f.sender.wait(t, MsgTranscript); m.IsFinal {
		t.Fatal("interim fragment marked final")
	}

	stream.emitFragment("hello", true)
	f.sender.wait(t, MsgTranscript)

	turn := f.advanceToTurn(t)
	if turn.Text != "hello" {
		t.Fatalf("user message = %q", turn.Text)
	}

	if m := f.sender.wait(t, MsgAIResponse); m.Text != "hi there" {
		t.Fatalf("ai response = %q", m.Text)
	}

	synthStream := f.synth.waitOpen(t)
	synthStream.emitChunk(0, []byte("a"))
	synthStream.emitChunk(1, []byte("b"))
	synthStream.emitChunk(2, []byte("c"))
	synthStream.emitFlushed()

	for i := 0; i < 3; i++ {
		m := f.sender.wait(t, MsgAudioChunk)
		if m.ChunkIndex == nil || *m.ChunkIndex != i {
			t.Fatalf("chunk %d has index %v", i, m.ChunkIndex)
		}
		if m.Audio == "" {
			t.Fatalf("chunk %d has empty audio", i)
		}
	}

	m := f.sender.wait(t, MsgAudioComplete)
	if m.TotalChunks == nil || *m.TotalChunks != 3 {
		t.Fatalf("totalChunks = %v", m.TotalChunks)
	}
}

func TestDialogueFailureReturnsToListening(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.dialogue.script = []turnResult{
		{err: errors.New("model unavailable")},
		{reply: "second try worked"},
	}
	f.start(t)

	stream := f.rec.last()
	stream.emitFragment("first question", true)
	f.sender.wait(t, MsgTranscript)
	f.advanceToTurn(t)

	if m := f.sender.wait(t, MsgError); m.Message != "dialogue generation failed" {
		t.Fatalf("error message = %q", m.Message)
	}

	stream.emitFragment("second question", true)
	f.sender.wait(t, MsgTranscript)
	turn := f.advanceToTurn(t)
	if turn.Text != "second question" {
		t.Fatalf("second turn text = %q", turn.Text)
	}

	if m := f.sender.wait(t, MsgAIResponse); m.Text != "second try worked" {
		t.Fatalf("ai response = %q", m.Text)
	}
}

func TestEmptyReplyFallsBackToPrompt(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.dialogue.script = []turnResult{{reply: "   "}}
	f.start(t)

	stream := f.rec.last()
	stream.emitFragment("say nothing", true)
	f.sender.wait(t, MsgTranscript)
	f.advanceToTurn(t)

	if m := f.sender.wait(t, MsgAIResponse); m.Text != "please repeat that" {
		t.Fatalf("fallback response = %q", m.Text)
	}
}

func TestStopMidSpeakingSuppressesAudio(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.dialogue.script = []turnResult{{reply: "long answer"}}
	f.start(t)

	stream := f.rec.last()
	stream.emitFragment("talk to me", true)
	f.sender.wait(t, MsgTranscript)
	f.advanceToTurn(t)
	f.sender.wait(t, MsgAIResponse)

	synthStream := f.synth.waitOpen(t)
	synthStream.emitChunk(0, []byte("a"))
	f.sender.wait(t, MsgAudioChunk)

	f.c.RequestStop()
	f.sender.wait(t, MsgStopped)

	synthStream.emitChunk(1, []byte("b"))
	synthStream.emitFlushed()
	f.sender.expectNone(t, MsgAudioChunk, 150*time.Millisecond)
	f.sender.expectNone(t, MsgAudioComplete, 50*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.start(t)

	f.c.RequestStop()
	f.sender.wait(t, MsgStopped)

	f.c.RequestStop()
	f.sender.expectNone(t, MsgStopped, 150*time.Millisecond)
}

func TestAudioAfterStopIsDiscarded(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.start(t)

	stream := f.rec.last()
	f.c.RequestStop()
	f.sender.wait(t, MsgStopped)

	f.c.SubmitAudioFrame([]byte{0x01})
	time.Sleep(50 * time.Millisecond)
	if stream.sentCount() != 0 {
		t.Fatalf("audio forwarded after stop, sent=%d", stream.sentCount())
	}
}

func TestUtteranceEndDispatchesImmediately(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.dialogue.script = []turnResult{{reply: "hello yourself"}}
	f.start(t)

	stream := f.rec.last()
	stream.emitFragment("hi", true)
	f.sender.wait(t, MsgTranscript)
	stream.emit(speech.RecognitionEvent{Type: speech.RecognitionUtteranceEnd})

	// 判停信号应立即触发，不等静音窗口走完
	if m := f.sender.wait(t, MsgUserMessage); m.Text != "hi" {
		t.Fatalf("user message = %q", m.Text)
	}
	f.sender.wait(t, MsgAIResponse)
}

func TestSilentUtteranceSpeaksFallback(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.start(t)

	stream := f.rec.last()
	stream.emit(speech.RecognitionEvent{Type: speech.RecognitionUtteranceEnd})

	if m := f.sender.wait(t, MsgAIResponse); m.Text != "please repeat that" {
		t.Fatalf("fallback response = %q", m.Text)
	}
	f.sender.expectNone(t, MsgUserMessage, 100*time.Millisecond)
	if calls := f.dialogue.callTexts(); len(calls) != 0 {
		t.Fatalf("dialogue must not be called for a silent turn, calls=%v", calls)
	}
	f.synth.waitOpen(t)
}

func TestRecognitionErrorEndsSession(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.start(t)

	stream := f.rec.last()
	stream.emit(speech.RecognitionEvent{Type: speech.RecognitionError, Err: errors.New("upstream refused")})

	f.sender.wait(t, MsgError)
	f.sender.wait(t, MsgStopped)

	f.c.SubmitAudioFrame([]byte{0x01})
	time.Sleep(50 * time.Millisecond)
	if stream.sentCount() != 0 {
		t.Fatalf("audio forwarded after terminal error, sent=%d", stream.sentCount())
	}
}

func TestProcessingKeepsFeedingRecognizerAndQueuesNextTurn(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.dialogue.gate = make(chan struct{})
	f.dialogue.script = []turnResult{{reply: "first answer"}, {reply: "second answer"}}
	f.start(t)

	stream := f.rec.last()
	stream.emitFragment("first question", true)
	f.sender.wait(t, MsgTranscript)
	stream.emit(speech.RecognitionEvent{Type: speech.RecognitionUtteranceEnd})
	f.sender.wait(t, MsgUserMessage)

	// 第一轮对话调用被gate挡住，会话处于处理中
	f.c.SubmitAudioFrame([]byte{0x0A})
	for i := 0; i < 50; i++ {
		if stream.sentCount() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stream.sentCount() != 1 {
		t.Fatalf("audio must keep flowing to the recognizer while a turn is in flight, sent=%d", stream.sentCount())
	}

	// 处理中说出的下一句先积压，不得并发触发第二次对话调用
	stream.emitFragment("second question", true)
	f.sender.wait(t, MsgTranscript)
	stream.emit(speech.RecognitionEvent{Type: speech.RecognitionUtteranceEnd})
	f.sender.expectNone(t, MsgUserMessage, 150*time.Millisecond)
	if calls := f.dialogue.callTexts(); len(calls) != 1 {
		t.Fatalf("second dialogue call started while first was in flight, calls=%v", calls)
	}

	f.dialogue.gate <- struct{}{}
	if m := f.sender.wait(t, MsgAIResponse); m.Text != "first answer" {
		t.Fatalf("ai response = %q", m.Text)
	}
	synthStream := f.synth.waitOpen(t)
	synthStream.emitChunk(0, []byte("a"))
	synthStream.emitFlushed()
	f.sender.wait(t, MsgAudioComplete)

	// 第一轮收尾后积压的发言立即成为下一轮
	if m := f.sender.wait(t, MsgUserMessage); m.Text != "second question" {
		t.Fatalf("queued turn text = %q", m.Text)
	}
	f.dialogue.gate <- struct{}{}
	if m := f.sender.wait(t, MsgAIResponse); m.Text != "second answer" {
		t.Fatalf("ai response = %q", m.Text)
	}

	if got := f.dialogue.maxConcurrent(); got != 1 {
		t.Fatalf("dialogue calls overlapped, max concurrent = %d", got)
	}
}

func TestSpeakingDropsAudioCounted(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.dialogue.script = []turnResult{{reply: "long answer"}}
	f.start(t)

	stream := f.rec.last()
	stream.emitFragment("talk to me", true)
	f.sender.wait(t, MsgTranscript)
	stream.emit(speech.RecognitionEvent{Type: speech.RecognitionUtteranceEnd})
	f.sender.wait(t, MsgAIResponse)
	synthStream := f.synth.waitOpen(t)
	synthStream.emitChunk(0, []byte("a"))
	f.sender.wait(t, MsgAudioChunk)

	f.c.SubmitAudioFrame([]byte{0x0B})
	for i := 0; i < 50; i++ {
		if f.c.DroppedFrames() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.c.DroppedFrames(); got != 1 {
		t.Fatalf("dropped frames = %d, want 1", got)
	}
	if stream.sentCount() != 0 {
		t.Fatalf("audio must not reach the recognizer while speaking, sent=%d", stream.sentCount())
	}
}

func TestInterimOnlyNeverDispatchesTurn(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.start(t)

	stream := f.rec.last()
	stream.emitFragment("still talking", false)
	f.sender.wait(t, MsgTranscript)

	f.clock.advance(10 * time.Second)
	f.sender.expectNone(t, MsgUserMessage, 200*time.Millisecond)
}
