package models

// NotificationKind names what changed in the coordinator.
type NotificationKind string

const (
	NotifyState    NotificationKind = "state"
	NotifySessions NotificationKind = "sessions"
	NotifyMessages NotificationKind = "messages"
	NotifyTyping   NotificationKind = "typing"
)

// Notification is pushed to UI sockets so they can re-read the stores.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	SessionID string           `json:"sessionId,omitempty"`
}
