package protocol

import "encoding/json"

// InboundEvent is the decoded form of a server frame.
type InboundEvent interface {
	isInboundEvent()
}

func (NewMessage) isInboundEvent()          {}
func (MessageStatusUpdate) isInboundEvent() {}
func (Ack) isInboundEvent()                 {}
func (TypingUpdate) isInboundEvent()        {}
func (ParticipantChange) isInboundEvent()   {}
func (ChatMetadataUpdate) isInboundEvent()  {}
func (CallSignal) isInboundEvent()          {}
func (ServerError) isInboundEvent()         {}

// NewMessage is a message delivered by another participant (or this
// account's own echo, identified by ClientMsgID).
type NewMessage struct {
	ChatID      string
	Seq         int64
	MessageID   string `json:"message_id"`
	ClientMsgID string `json:"client_msg_id"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	Body        string `json:"body"`
	ContentType string `json:"content_type"`
	SentAt      int64  `json:"sent_at"`
}

// MessageStatusUpdate advances the delivery status of a message
// (sent, delivered, read).
type MessageStatusUpdate struct {
	ChatID    string
	Seq       int64
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	UserID    string `json:"user_id"`
}

// Ack confirms durable receipt of an outbound message by its
// client-generated id.
type Ack struct {
	ChatID      string
	ClientMsgID string `json:"client_msg_id"`
	MessageID   string `json:"message_id"`
	SentAt      int64  `json:"sent_at"`
}

// TypingUpdate is an ephemeral typing indicator change.
type TypingUpdate struct {
	ChatID string
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// ParticipantChange records a member joining or leaving a chat.
type ParticipantChange struct {
	ChatID  string
	Seq     int64
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
	ActorID string `json:"actor_id"`
	Removed bool   `json:"-"`
}

// ChatMetadataUpdate carries new chat-level attributes.
type ChatMetadataUpdate struct {
	ChatID string
	Seq    int64
	Name   string `json:"name"`
	Topic  string `json:"topic"`
}

// CallSignal is opaque call signaling relayed to the call-handling
// collaborator; the engine does not interpret the payload.
type CallSignal struct {
	ChatID   string
	CallID   string          `json:"call_id"`
	Kind     string          `json:"kind"`
	SenderID string          `json:"sender_id"`
	Payload  json.RawMessage `json:"payload"`
}

// ServerError is an application-level error frame.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeEvent turns a frame into its typed event. Unknown event names and
// undecodable payloads yield MalformedFrameError.
func DecodeEvent(f Frame) (InboundEvent, error) {
	fail := func(err error) (InboundEvent, error) {
		return nil, &MalformedFrameError{Reason: f.Event + ": " + err.Error(), Raw: f.Data}
	}

	switch f.Event {
	case EventNewMessage:
		var ev NewMessage
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return fail(err)
		}
		ev.ChatID, ev.Seq = f.ChatID, f.Seq
		if ev.MessageID == "" {
			return nil, &MalformedFrameError{Reason: "message.new: missing message_id", Raw: f.Data}
		}
		return ev, nil

	case EventMessageStatus:
		var ev MessageStatusUpdate
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return fail(err)
		}
		ev.ChatID, ev.Seq = f.ChatID, f.Seq
		return ev, nil

	case EventMessageAck:
		var ev Ack
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return fail(err)
		}
		ev.ChatID = f.ChatID
		if ev.ClientMsgID == "" {
			return nil, &MalformedFrameError{Reason: "message.ack: missing client_msg_id", Raw: f.Data}
		}
		return ev, nil

	case EventTyping:
		var ev TypingUpdate
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return fail(err)
		}
		ev.ChatID = f.ChatID
		return ev, nil

	case EventParticipantAdded, EventParticipantRemoved:
		var ev ParticipantChange
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return fail(err)
		}
		ev.ChatID, ev.Seq = f.ChatID, f.Seq
		ev.Removed = f.Event == EventParticipantRemoved
		return ev, nil

	case EventChatUpdated:
		var ev ChatMetadataUpdate
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return fail(err)
		}
		ev.ChatID, ev.Seq = f.ChatID, f.Seq
		return ev, nil

	case EventCallSignal:
		var ev CallSignal
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return fail(err)
		}
		ev.ChatID = f.ChatID
		return ev, nil

	case EventError:
		var ev ServerError
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return fail(err)
		}
		return ev, nil
	}

	return nil, &MalformedFrameError{Reason: "unknown event " + f.Event, Raw: f.Data}
}
