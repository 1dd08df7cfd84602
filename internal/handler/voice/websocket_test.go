package voice

import (
	"encoding/base64"
	"testing"

	voicesvc "github.com/zhouzirui/voice-tavern/backend/internal/service/voice"
)

type fakeControl struct {
	started []string
	frames  [][]byte
	stops   int
}

func (f *fakeControl) Start(conversationID, userID, profileID string) {
	f.started = append(f.started, conversationID+"|"+userID+"|"+profileID)
}

func (f *fakeControl) SubmitAudioFrame(data []byte) {
	f.frames = append(f.frames, data)
}

func (f *fakeControl) RequestStop() {
	f.stops++
}

type recordingSender struct {
	msgs []voicesvc.OutboundMessage
}

func (s *recordingSender) Send(msg voicesvc.OutboundMessage) {
	s.msgs = append(s.msgs, msg)
}

func TestDispatchStart(t *testing.T) {
	ctrl := &fakeControl{}
	sender := &recordingSender{}

	dispatch(ctrl, inboundMessage{Type: "start", ChatID: "c1", UserID: "u1", ProfileID: "companion"}, sender)

	if len(ctrl.started) != 1 || ctrl.started[0] != "c1|u1|companion" {
		t.Fatalf("start calls = %v", ctrl.started)
	}
	if len(sender.msgs) != 0 {
		t.Fatalf("unexpected messages: %+v", sender.msgs)
	}
}

func TestDispatchAudioDecodesBase64(t *testing.T) {
	ctrl := &fakeControl{}
	sender := &recordingSender{}
	payload := []byte{0x01, 0x02, 0x03}

	dispatch(ctrl, inboundMessage{Type: "audio", Audio: base64.StdEncoding.EncodeToString(payload)}, sender)

	if len(ctrl.frames) != 1 || string(ctrl.frames[0]) != string(payload) {
		t.Fatalf("frames = %v", ctrl.frames)
	}
}

func TestDispatchAudioRejectsBadBase64(t *testing.T) {
	ctrl := &fakeControl{}
	sender := &recordingSender{}

	dispatch(ctrl, inboundMessage{Type: "audio", Audio: "not-base64!!"}, sender)

	if len(ctrl.frames) != 0 {
		t.Fatalf("bad payload must not reach the session, frames = %v", ctrl.frames)
	}
	if len(sender.msgs) != 1 || sender.msgs[0].Type != voicesvc.MsgError {
		t.Fatalf("expected error message, got %+v", sender.msgs)
	}
}

func TestDispatchEmptyAudioIgnored(t *testing.T) {
	ctrl := &fakeControl{}
	sender := &recordingSender{}

	dispatch(ctrl, inboundMessage{Type: "audio"}, sender)

	if len(ctrl.frames) != 0 || len(sender.msgs) != 0 {
		t.Fatalf("empty audio should be a no-op, frames=%v msgs=%v", ctrl.frames, sender.msgs)
	}
}

func TestDispatchStop(t *testing.T) {
	ctrl := &fakeControl{}
	dispatch(ctrl, inboundMessage{Type: "stop"}, &recordingSender{})

	if ctrl.stops != 1 {
		t.Fatalf("stops = %d", ctrl.stops)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	ctrl := &fakeControl{}
	sender := &recordingSender{}

	dispatch(ctrl, inboundMessage{Type: "bogus"}, sender)

	if len(sender.msgs) != 1 || sender.msgs[0].Type != voicesvc.MsgError {
		t.Fatalf("expected error for unknown type, got %+v", sender.msgs)
	}
}
