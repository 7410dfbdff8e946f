// Package directory keeps the viewer's known sessions and their list metadata.
package directory

import (
	"sort"
	"sync"

	"legalaid-chat/internal/models"
)

// Directory is safe for concurrent reads; writes come from the coordinator.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	// last is the key of the message currently shown as the preview.
	last map[string]string
	// counted holds message ids already counted as unread or seen.
	counted map[string]map[string]struct{}
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{
		sessions: make(map[string]models.Session),
		last:     make(map[string]string),
		counted:  make(map[string]map[string]struct{}),
	}
}

// Upsert merges server-provided metadata. Server values win.
func (d *Directory) Upsert(s models.Session) {
	if s.ID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.UnreadCount < 0 {
		s.UnreadCount = 0
	}
	d.sessions[s.ID] = s
}

// List returns sessions by last message time, newest first. Sessions without
// messages come last. Ties are broken by id.
func (d *Directory) List() []models.Session {
	d.mu.RLock()
	out := make([]models.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.HasMessages() && !b.HasMessages():
			return true
		case !a.HasMessages() && b.HasMessages():
			return false
		case a.HasMessages() && !a.LastMessageTime.Equal(*b.LastMessageTime):
			return a.LastMessageTime.After(*b.LastMessageTime)
		}
		return a.ID < b.ID
	})
	return out
}

// FindByID returns the session with the given id.
func (d *Directory) FindByID(id string) (models.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[id]
	return s, ok
}

// FindByParticipant returns the most recently active session with the given
// provider.
func (d *Directory) FindByParticipant(providerID string, role models.ProviderRole) (models.Session, bool) {
	for _, s := range d.List() {
		if s.ParticipantBID == providerID && s.ParticipantBRole == role {
			return s, true
		}
	}
	return models.Session{}, false
}

// FindByTriple returns the one session for a citizen, provider and case.
func (d *Directory) FindByTriple(citizenID, providerID string, role models.ProviderRole, caseID string) (models.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sessions {
		if s.ParticipantAID == citizenID && s.ParticipantBID == providerID &&
			s.ParticipantBRole == role && s.CaseID == caseID {
			return s, true
		}
	}
	return models.Session{}, false
}

// RecordMessage updates preview, last time and unread count for an applied
// message. Unread grows only for a confirmed message from someone other than
// the viewer, on a session that is not active, the first time its id is seen.
// It reports whether the session changed.
func (d *Directory) RecordMessage(msg models.Message, active bool, viewerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[msg.SessionID]
	if !ok {
		return false
	}
	changed := false
	key := msg.Key()

	newer := !s.HasMessages() || !msg.Timestamp.Before(*s.LastMessageTime)
	if key == d.last[s.ID] || (newer && !msg.Timestamp.IsZero()) {
		if key != d.last[s.ID] {
			ts := msg.Timestamp
			s.LastMessageTime = &ts
			d.last[s.ID] = key
		}
		if p := msg.Preview(); p != s.LastMessagePreview {
			s.LastMessagePreview = p
		}
		changed = true
	}

	if !msg.IsLocal() && msg.SenderID != viewerID {
		seen := d.counted[s.ID]
		if seen == nil {
			seen = make(map[string]struct{})
			d.counted[s.ID] = seen
		}
		if _, dup := seen[msg.ID]; !dup {
			seen[msg.ID] = struct{}{}
			if !active && !msg.IsDeleted && !msg.Read {
				s.UnreadCount++
				changed = true
			}
		}
	}

	d.sessions[s.ID] = s
	return changed
}

// MarkRead resets the unread count. It reports whether anything changed.
func (d *Directory) MarkRead(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	if !ok || s.UnreadCount == 0 {
		return false
	}
	s.UnreadCount = 0
	d.sessions[sessionID] = s
	return true
}
