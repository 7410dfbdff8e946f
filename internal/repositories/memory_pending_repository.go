package repositories

import (
	"context"
	"sort"
	"sync"

	"legalaid-chat/internal/models"
)

// MemoryPendingRepo keeps the outbox in process. It is used when no database
// is configured, so pending sends survive reconnects but not restarts.
type MemoryPendingRepo struct {
	mu   sync.RWMutex
	msgs map[string]models.Message
}

// NewMemoryPendingRepo constructs an empty MemoryPendingRepo.
func NewMemoryPendingRepo() *MemoryPendingRepo {
	return &MemoryPendingRepo{msgs: make(map[string]models.Message)}
}

func (r *MemoryPendingRepo) Save(ctx context.Context, msg models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[msg.ClientID] = msg
	return nil
}

func (r *MemoryPendingRepo) Delete(ctx context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.msgs, clientID)
	return nil
}

func (r *MemoryPendingRepo) ListBySession(ctx context.Context, sessionID string) ([]models.Message, error) {
	return r.filter(func(m models.Message) bool { return m.SessionID == sessionID }), nil
}

func (r *MemoryPendingRepo) List(ctx context.Context) ([]models.Message, error) {
	return r.filter(func(models.Message) bool { return true }), nil
}

func (r *MemoryPendingRepo) filter(keep func(models.Message) bool) []models.Message {
	r.mu.RLock()
	out := make([]models.Message, 0, len(r.msgs))
	for _, m := range r.msgs {
		if keep(m) {
			out = append(out, m)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}
