package models

import "time"

// AttachmentType classifies an uploaded attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "IMAGE"
	AttachmentFile  AttachmentType = "FILE"
)

// Valid reports whether t is empty or a known attachment type.
func (t AttachmentType) Valid() bool {
	return t == "" || t == AttachmentImage || t == AttachmentFile
}

// DeliveryStatus tracks a message from the viewer's point of view.
type DeliveryStatus string

const (
	// StatusPending means the send was never published (transport down).
	StatusPending DeliveryStatus = "PENDING"
	// StatusSent means the send was published and the server echo has not arrived.
	StatusSent DeliveryStatus = "SENT"
	// StatusConfirmed is a server-assigned copy.
	StatusConfirmed DeliveryStatus = "CONFIRMED"
	// StatusFailed means the server rejected the send.
	StatusFailed DeliveryStatus = "FAILED"
)

// Message is one entry of a session log. A message is either confirmed
// (server id set) or local (ClientID set, ID empty) until the server echo
// promotes it.
type Message struct {
	ID             string         `json:"id,omitempty"`
	ClientID       string         `json:"clientMessageId,omitempty"`
	SessionID      string         `json:"sessionId"`
	SenderID       string         `json:"senderId"`
	SenderRole     string         `json:"senderRole,omitempty"`
	Content        string         `json:"content"`
	AttachmentURL  string         `json:"attachmentUrl,omitempty"`
	AttachmentType AttachmentType `json:"attachmentType,omitempty"`
	ReplyToID      string         `json:"replyToId,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	IsEdited       bool           `json:"isEdited"`
	IsDeleted      bool           `json:"isDeleted"`
	Read           bool           `json:"read"`
	Status         DeliveryStatus `json:"status,omitempty"`
	FailureReason  string         `json:"failureReason,omitempty"`
}

// Key identifies the message inside its session log.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientID
}

// IsLocal reports whether the message has not been confirmed by the server.
func (m Message) IsLocal() bool {
	return m.ID == ""
}

// Tombstone returns a copy with every live payload field cleared.
func (m Message) Tombstone() Message {
	m.IsDeleted = true
	m.Content = ""
	m.AttachmentURL = ""
	m.AttachmentType = ""
	return m
}

// Less orders messages by timestamp, then key.
func Less(a, b Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Key() < b.Key()
}

// Preview renders the short text shown in a session list.
func (m Message) Preview() string {
	switch {
	case m.IsDeleted:
		return "Message deleted"
	case m.Content != "":
		return truncate(m.Content, 80)
	case m.AttachmentType == AttachmentImage:
		return "[Image]"
	case m.AttachmentURL != "":
		return "[File]"
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
