package models

import "time"

// ProviderRole is the kind of provider on the far side of a session.
type ProviderRole string

const (
	RoleLawyer ProviderRole = "LAWYER"
	RoleNGO    ProviderRole = "NGO"
)

// Valid reports whether r is a known provider role.
func (r ProviderRole) Valid() bool {
	return r == RoleLawyer || r == RoleNGO
}

// Session is a conversation between one citizen and one provider,
// optionally scoped to a case.
type Session struct {
	ID                 string       `json:"id"`
	ParticipantAID     string       `json:"participantAId"`
	ParticipantBID     string       `json:"participantBId"`
	ParticipantBRole   ProviderRole `json:"participantBRole"`
	CaseID             string       `json:"caseId,omitempty"`
	LastMessagePreview string       `json:"lastMessagePreview,omitempty"`
	LastMessageTime    *time.Time   `json:"lastMessageTime,omitempty"`
	UnreadCount        int          `json:"unreadCount"`
}

// HasMessages reports whether the session has seen at least one message.
func (s Session) HasMessages() bool {
	return s.LastMessageTime != nil && !s.LastMessageTime.IsZero()
}

// Counterpart returns the participant that is not viewerID.
func (s Session) Counterpart(viewerID string) string {
	if s.ParticipantAID == viewerID {
		return s.ParticipantBID
	}
	return s.ParticipantAID
}

// Topic is the broker topic carrying the session's frames.
func Topic(sessionID string) string {
	return "topic.session." + sessionID
}

// Outbound logical destinations.
const (
	DestSendMessage = "chat.sendMessage"
	DestEditMessage = "chat.editMessage"
	DestTyping      = "chat.typing"
)
