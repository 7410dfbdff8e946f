// Package store holds the per-session message logs.
//
// Every entry is keyed by its server id once confirmed, or by its client
// correlation id while local. A confirmed copy that carries the same client
// id promotes the local entry in place. Deleted ids are remembered per
// session so a tombstone survives later edits and late arrivals.
package store

import (
	"errors"
	"sort"
	"sync"

	"legalaid-chat/internal/models"
)

var (
	ErrPendingNotFound = errors.New("pending message not found")
	ErrMessageNotFound = errors.New("message not found")
)

// Outcome describes what an upsert did to the log.
type Outcome int

const (
	Ignored Outcome = iota
	Inserted
	Updated
	Promoted
)

type sessionLog struct {
	entries map[string]models.Message
	// byClient maps a client correlation id to the entry key.
	byClient map[string]string
	deleted  map[string]struct{}
}

func newLog() *sessionLog {
	return &sessionLog{
		entries:  make(map[string]models.Message),
		byClient: make(map[string]string),
		deleted:  make(map[string]struct{}),
	}
}

// Store is read concurrently by renderers and written by the coordinator.
type Store struct {
	mu   sync.RWMutex
	logs map[string]*sessionLog
}

// New returns an empty Store.
func New() *Store {
	return &Store{logs: make(map[string]*sessionLog)}
}

func (s *Store) log(sessionID string) *sessionLog {
	l, ok := s.logs[sessionID]
	if !ok {
		l = newLog()
		s.logs[sessionID] = l
	}
	return l
}

// Hydrate merges a history page into the session log and returns the client
// ids of local messages the page confirmed.
func (s *Store) Hydrate(sessionID string, msgs []models.Message) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(sessionID)
	var promoted []string
	for _, m := range msgs {
		m.SessionID = sessionID
		if _, out := l.upsert(m); out == Promoted && m.ClientID != "" {
			promoted = append(promoted, m.ClientID)
		}
	}
	return promoted
}

// Upsert applies a confirmed message: exists then update, else append.
func (s *Store) Upsert(sessionID string, msg models.Message) (models.Message, Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.SessionID = sessionID
	return s.log(sessionID).upsert(msg)
}

// ApplyEdit applies an edit frame. Only content changes; id, session,
// sender and timestamp stay as stored.
func (s *Store) ApplyEdit(sessionID string, msg models.Message) (models.Message, Outcome) {
	msg.IsEdited = true
	return s.Upsert(sessionID, msg)
}

// ApplyDelete tombstones id. A message that arrives later is born deleted.
func (s *Store) ApplyDelete(sessionID, id string) (models.Message, Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(sessionID)
	l.deleted[id] = struct{}{}
	cur, ok := l.entries[id]
	if !ok {
		return models.Message{}, Ignored
	}
	if cur.IsDeleted {
		return cur, Ignored
	}
	cur = cur.Tombstone()
	l.entries[id] = cur
	return cur, Updated
}

func (l *sessionLog) upsert(in models.Message) (models.Message, Outcome) {
	if in.ID == "" {
		return models.Message{}, Ignored
	}
	_, tomb := l.deleted[in.ID]
	if in.IsDeleted {
		l.deleted[in.ID] = struct{}{}
		tomb = true
	}

	key, promoting, dropped := "", false, false
	if _, ok := l.entries[in.ID]; ok {
		key = in.ID
		if k, ok := l.byClient[in.ClientID]; ok && in.ClientID != "" && k != in.ID {
			// history already holds the confirmed copy; the local one is redundant
			delete(l.entries, k)
			l.byClient[in.ClientID] = in.ID
			dropped = true
		}
	} else if in.ClientID != "" {
		if k, ok := l.byClient[in.ClientID]; ok {
			key, promoting = k, true
		}
	}

	if key == "" {
		if in.Timestamp.IsZero() {
			// an edit or delete for a message we never saw cannot be placed
			return models.Message{}, Ignored
		}
		if tomb {
			in = in.Tombstone()
		}
		in.Status = models.StatusConfirmed
		in.FailureReason = ""
		l.entries[in.ID] = in
		if in.ClientID != "" {
			l.byClient[in.ClientID] = in.ID
		}
		return in, Inserted
	}

	cur := l.entries[key]
	next := merge(cur, in, promoting)
	if tomb {
		next = next.Tombstone()
	}
	if promoting {
		delete(l.entries, key)
		l.byClient[in.ClientID] = next.ID
		l.entries[next.ID] = next
		return next, Promoted
	}
	l.entries[key] = next
	switch {
	case dropped:
		return next, Promoted
	case next == cur:
		return cur, Ignored
	}
	return next, Updated
}

// merge folds a confirmed copy into the stored entry. An edit outranks a plain
// copy so a late duplicate of the original never reverts edited content.
func merge(cur, in models.Message, promoting bool) models.Message {
	next := cur
	if promoting {
		next.ID = in.ID
		next.Status = models.StatusConfirmed
		next.FailureReason = ""
		if !in.Timestamp.IsZero() {
			next.Timestamp = in.Timestamp
		}
		if in.SenderRole != "" {
			next.SenderRole = in.SenderRole
		}
	}
	if next.IsDeleted {
		next.Read = next.Read || in.Read
		return next
	}
	if in.IsEdited || !cur.IsEdited || promoting {
		next.Content = in.Content
		if in.AttachmentURL != "" {
			next.AttachmentURL = in.AttachmentURL
			next.AttachmentType = in.AttachmentType
		}
		next.IsEdited = cur.IsEdited || in.IsEdited
	}
	if next.ReplyToID == "" {
		next.ReplyToID = in.ReplyToID
	}
	next.Read = cur.Read || in.Read
	return next
}

// Get returns the session log ordered by timestamp, then id.
func (s *Store) Get(sessionID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[sessionID]
	if !ok {
		return []models.Message{}
	}
	return l.sorted()
}

func (l *sessionLog) sorted() []models.Message {
	out := make([]models.Message, 0, len(l.entries))
	for _, m := range l.entries {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return models.Less(out[i], out[j]) })
	return out
}

// Page returns up to limit messages strictly older than beforeID, oldest
// first, and whether older messages remain. An empty beforeID pages from the
// newest message. A non-positive limit returns everything before beforeID.
func (s *Store) Page(sessionID, beforeID string, limit int) ([]models.Message, bool, error) {
	all := s.Get(sessionID)
	end := len(all)
	if beforeID != "" {
		end = -1
		for i, m := range all {
			if m.Key() == beforeID {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, false, ErrMessageNotFound
		}
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	return all[start:end], start > 0, nil
}

// Find looks a message up by server id or client id.
func (s *Store) Find(sessionID, key string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[sessionID]
	if !ok {
		return models.Message{}, false
	}
	if m, ok := l.entries[key]; ok {
		return m, true
	}
	if k, ok := l.byClient[key]; ok {
		m, ok := l.entries[k]
		return m, ok
	}
	return models.Message{}, false
}

// Oldest returns the oldest confirmed message of a session.
func (s *Store) Oldest(sessionID string) (models.Message, bool) {
	for _, m := range s.Get(sessionID) {
		if !m.IsLocal() {
			return m, true
		}
	}
	return models.Message{}, false
}

// AddPending inserts a local message keyed by its client id. An entry that
// already exists for that client id is left alone.
func (s *Store) AddPending(msg models.Message) bool {
	if msg.ClientID == "" || msg.ID != "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(msg.SessionID)
	if _, ok := l.byClient[msg.ClientID]; ok {
		return false
	}
	l.entries[msg.ClientID] = msg
	l.byClient[msg.ClientID] = msg.ClientID
	return true
}

// SetStatus changes the delivery status of a local message.
func (s *Store) SetStatus(sessionID, clientID string, status models.DeliveryStatus, reason string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[sessionID]
	if !ok {
		return models.Message{}, ErrPendingNotFound
	}
	m, ok := l.entries[clientID]
	if !ok || !m.IsLocal() {
		return models.Message{}, ErrPendingNotFound
	}
	m.Status = status
	m.FailureReason = reason
	l.entries[clientID] = m
	return m, nil
}

// RemovePending drops a local message that was never confirmed.
func (s *Store) RemovePending(sessionID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[sessionID]
	if !ok {
		return ErrPendingNotFound
	}
	m, ok := l.entries[clientID]
	if !ok || !m.IsLocal() {
		return ErrPendingNotFound
	}
	delete(l.entries, clientID)
	delete(l.byClient, clientID)
	return nil
}

// PendingFor returns the local messages of a session, oldest first.
func (s *Store) PendingFor(sessionID string) []models.Message {
	var out []models.Message
	for _, m := range s.Get(sessionID) {
		if m.IsLocal() {
			out = append(out, m)
		}
	}
	return out
}

// MarkReadBy flags every confirmed message not sent by readerID as read and
// returns how many changed.
func (s *Store) MarkReadBy(sessionID, readerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[sessionID]
	if !ok {
		return 0
	}
	n := 0
	for k, m := range l.entries {
		if m.IsLocal() || m.Read || m.SenderID == readerID {
			continue
		}
		m.Read = true
		l.entries[k] = m
		n++
	}
	return n
}
