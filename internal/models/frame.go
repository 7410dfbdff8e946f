package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownFrame = errors.New("unknown frame type")

// FrameKind discriminates inbound frames.
type FrameKind string

const (
	FrameMessage     FrameKind = "MESSAGE"
	FrameTyping      FrameKind = "TYPING"
	FrameReadReceipt FrameKind = "READ_RECEIPT"
	FrameError       FrameKind = "ERROR"
)

// InboundFrame is a classified frame received on a session topic.
// Exactly one of the payload fields is set, according to Kind.
type InboundFrame struct {
	Kind    FrameKind
	Message *Message
	Typing  *TypingEvent
	Receipt *ReadReceipt
	Reject  *SendRejection
}

// TypingEvent is {type: "TYPING", userId, isTyping}.
type TypingEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId"`
	IsTyping  bool   `json:"isTyping"`
}

// ReadReceipt is {type: "READ_RECEIPT", readerId}.
type ReadReceipt struct {
	Type     string `json:"type"`
	ReaderID string `json:"readerId"`
}

// SendRejection reports a send the server refused.
type SendRejection struct {
	Type     string `json:"type"`
	ClientID string `json:"clientMessageId"`
	Error    string `json:"error"`
}

// ParseFrame classifies a raw frame body. A body without a type field, or
// with type MESSAGE, is a message envelope.
func ParseFrame(body []byte) (InboundFrame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return InboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}

	switch FrameKind(strings.ToUpper(head.Type)) {
	case "", FrameMessage:
		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return InboundFrame{}, fmt.Errorf("decode message frame: %w", err)
		}
		if msg.ID == "" {
			return InboundFrame{}, errors.New("message frame without id")
		}
		msg.Status = StatusConfirmed
		if msg.IsDeleted {
			msg = msg.Tombstone()
		}
		return InboundFrame{Kind: FrameMessage, Message: &msg}, nil
	case FrameTyping:
		var ev TypingEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return InboundFrame{}, fmt.Errorf("decode typing frame: %w", err)
		}
		return InboundFrame{Kind: FrameTyping, Typing: &ev}, nil
	case FrameReadReceipt:
		var rr ReadReceipt
		if err := json.Unmarshal(body, &rr); err != nil {
			return InboundFrame{}, fmt.Errorf("decode receipt frame: %w", err)
		}
		return InboundFrame{Kind: FrameReadReceipt, Receipt: &rr}, nil
	case FrameError:
		var rej SendRejection
		if err := json.Unmarshal(body, &rej); err != nil {
			return InboundFrame{}, fmt.Errorf("decode error frame: %w", err)
		}
		return InboundFrame{Kind: FrameError, Reject: &rej}, nil
	}
	return InboundFrame{}, fmt.Errorf("%w: %q", ErrUnknownFrame, head.Type)
}

// SendEnvelope is published to chat.sendMessage.
type SendEnvelope struct {
	ClientID       string         `json:"clientMessageId"`
	SessionID      string         `json:"sessionId"`
	SenderID       string         `json:"senderId"`
	SenderRole     string         `json:"senderRole,omitempty"`
	Content        string         `json:"content"`
	ReplyToID      string         `json:"replyToId,omitempty"`
	AttachmentURL  string         `json:"attachmentUrl,omitempty"`
	AttachmentType AttachmentType `json:"attachmentType,omitempty"`
}

// EditEnvelope is published to chat.editMessage.
type EditEnvelope struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
}
