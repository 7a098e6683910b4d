package protocol

import (
	"encoding/json"
	"fmt"
)

// Wire event names shared with the server.
const (
	EventNewMessage         = "message.new"
	EventMessageStatus      = "message.status"
	EventMessageAck         = "message.ack"
	EventMessageSend        = "message.send"
	EventMessageDelivered   = "message.delivered"
	EventTyping             = "typing"
	EventTypingStart        = "typing.start"
	EventTypingStop         = "typing.stop"
	EventParticipantAdded   = "participant.added"
	EventParticipantRemoved = "participant.removed"
	EventChatUpdated        = "chat.updated"
	EventCallSignal         = "call.signal"
	EventError              = "error"
)

// CloseAuthRejected is the WebSocket close code the server uses when the
// bearer credential is rejected. Connections closed with this code must
// not be retried with the same credential.
const CloseAuthRejected = 4401

// Frame is the wire unit exchanged on the socket. Durable events carry a
// per-chat server-assigned sequence number; ephemeral events (typing,
// call signaling, acks) have Seq 0.
type Frame struct {
	Event  string          `json:"event"`
	ChatID string          `json:"chat_id,omitempty"`
	Seq    int64           `json:"seq,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Sequenced reports whether the frame's event kind participates in
// per-chat watermark ordering.
func (f Frame) Sequenced() bool {
	switch f.Event {
	case EventNewMessage, EventMessageStatus, EventParticipantAdded,
		EventParticipantRemoved, EventChatUpdated:
		return true
	}
	return false
}

// MalformedFrameError reports an undecodable frame. The frame is dropped
// and the connection survives.
type MalformedFrameError struct {
	Reason string
	Raw    []byte
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

// Decode parses a raw text message into a Frame.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, &MalformedFrameError{Reason: err.Error(), Raw: raw}
	}
	if f.Event == "" {
		return Frame{}, &MalformedFrameError{Reason: "missing event", Raw: raw}
	}
	return f, nil
}

// Encode serializes a frame for transmission.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
