// Package presence tracks who is typing in each session.
//
// Every typing signal is advisory. An entry expires once the window passes
// without a fresh start signal, whether or not a stop ever arrives.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Tracker holds the remote typing state of every session.
type Tracker struct {
	viewerID string
	window   time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]map[string]time.Time
}

// NewTracker builds a Tracker that ignores viewerID. A nil clock uses time.Now.
func NewTracker(viewerID string, window time.Duration, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		viewerID: viewerID,
		window:   window,
		now:      now,
		sessions: make(map[string]map[string]time.Time),
	}
}

// SetTyping records a start or stop signal and reports whether the visible
// typing set may have changed.
func (t *Tracker) SetTyping(sessionID, userID string, isTyping bool) bool {
	if userID == "" || userID == t.viewerID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.sessions[sessionID]
	if !isTyping {
		if _, ok := users[userID]; !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(t.sessions, sessionID)
		}
		return true
	}
	if users == nil {
		users = make(map[string]time.Time)
		t.sessions[sessionID] = users
	}
	_, existed := users[userID]
	users[userID] = t.now()
	return !existed
}

// IsAnyoneTyping reports whether someone other than the viewer is typing.
func (t *Tracker) IsAnyoneTyping(sessionID string) bool {
	return len(t.TypingUsers(sessionID)) > 0
}

// TypingUsers lists the live typists of a session, sorted.
func (t *Tracker) TypingUsers(sessionID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	var out []string
	for user, at := range t.sessions[sessionID] {
		if now.Sub(at) < t.window {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// Clear forgets every typist of a session.
func (t *Tracker) Clear(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	return ok
}

// Prune drops expired entries and returns the sessions that lost a typist.
func (t *Tracker) Prune() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var changed []string
	for sessionID, users := range t.sessions {
		before := len(users)
		for user, at := range users {
			if now.Sub(at) >= t.window {
				delete(users, user)
			}
		}
		if len(users) != before {
			changed = append(changed, sessionID)
		}
		if len(users) == 0 {
			delete(t.sessions, sessionID)
		}
	}
	sort.Strings(changed)
	return changed
}
