package protocol

import (
	"errors"
	"testing"
)

func TestDecodeEventNewMessage(t *testing.T) {
	raw := []byte(`{"event":"message.new","chat_id":"c1","seq":7,"data":{"message_id":"m1","sender_id":"u2","body":"hi","sent_at":1000}}`)
	f, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Sequenced() {
		t.Error("message.new should be sequenced")
	}

	ev, err := DecodeEvent(f)
	if err != nil {
		t.Fatal(err)
	}
	msg, ok := ev.(NewMessage)
	if !ok {
		t.Fatalf("event type = %T, want NewMessage", ev)
	}
	if msg.ChatID != "c1" || msg.Seq != 7 || msg.MessageID != "m1" || msg.Body != "hi" {
		t.Errorf("decoded = %+v", msg)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":           []byte(`{{{`),
		"missing event":      []byte(`{"chat_id":"c1"}`),
		"unknown event":      []byte(`{"event":"message.exploded","chat_id":"c1"}`),
		"missing message_id": []byte(`{"event":"message.new","chat_id":"c1","seq":1,"data":{"body":"x"}}`),
		"bad payload":        []byte(`{"event":"typing","chat_id":"c1","data":[1,2]}`),
	}
	for name, raw := range cases {
		f, err := Decode(raw)
		if err == nil {
			_, err = DecodeEvent(f)
		}
		var malformed *MalformedFrameError
		if !errors.As(err, &malformed) {
			t.Errorf("%s: error = %v, want MalformedFrameError", name, err)
		}
	}
}

func TestDecodeEventEphemeral(t *testing.T) {
	f, err := Decode([]byte(`{"event":"typing","chat_id":"c1","data":{"user_id":"u9","typing":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Sequenced() {
		t.Error("typing should not be sequenced")
	}
	ev, err := DecodeEvent(f)
	if err != nil {
		t.Fatal(err)
	}
	typ := ev.(TypingUpdate)
	if typ.UserID != "u9" || !typ.Typing {
		t.Errorf("decoded = %+v", typ)
	}
}

func TestParticipantRemoved(t *testing.T) {
	f, _ := Decode([]byte(`{"event":"participant.removed","chat_id":"c1","seq":3,"data":{"user_id":"u2","actor_id":"u1"}}`))
	ev, err := DecodeEvent(f)
	if err != nil {
		t.Fatal(err)
	}
	pc := ev.(ParticipantChange)
	if !pc.Removed || pc.UserID != "u2" || pc.Seq != 3 {
		t.Errorf("decoded = %+v", pc)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	f := SendMessage("c1", "local-1", "hello")
	raw, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	back, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if back.Event != EventMessageSend || back.ChatID != "c1" {
		t.Errorf("round trip = %+v", back)
	}
}

func TestAckRequiresClientMsgID(t *testing.T) {
	f, _ := Decode([]byte(`{"event":"message.ack","chat_id":"c1","data":{"message_id":"m1"}}`))
	if _, err := DecodeEvent(f); err == nil {
		t.Error("ack without client_msg_id should be malformed")
	}
}
