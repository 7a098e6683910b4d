package protocol

import (
	"encoding/json"
	"fmt"
)

func mustData(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal outbound payload: %v", err))
	}
	return data
}

// SendMessage builds the outbound frame for a text message. The
// client-generated id is the idempotency key the server dedupes on.
func SendMessage(chatID, clientMsgID, body string) Frame {
	return Frame{
		Event:  EventMessageSend,
		ChatID: chatID,
		Data: mustData(map[string]string{
			"client_msg_id": clientMsgID,
			"body":          body,
		}),
	}
}

// Typing builds a typing start/stop frame for the local user.
func Typing(chatID string, typing bool) Frame {
	event := EventTypingStop
	if typing {
		event = EventTypingStart
	}
	return Frame{Event: event, ChatID: chatID}
}

// DeliveryReceipt confirms local receipt of an inbound message.
func DeliveryReceipt(chatID, messageID, senderID string) Frame {
	return Frame{
		Event:  EventMessageDelivered,
		ChatID: chatID,
		Data: mustData(map[string]string{
			"message_id": messageID,
			"sender_id":  senderID,
		}),
	}
}
