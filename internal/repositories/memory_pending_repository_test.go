package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalaid-chat/internal/models"
)

func TestMemoryPendingRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPendingRepo()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, models.Message{ClientID: "c-2", SessionID: "s1", Timestamp: t0.Add(time.Second), Status: models.StatusPending}))
	require.NoError(t, repo.Save(ctx, models.Message{ClientID: "c-1", SessionID: "s1", Timestamp: t0, Status: models.StatusPending}))
	require.NoError(t, repo.Save(ctx, models.Message{ClientID: "c-3", SessionID: "s2", Timestamp: t0, Status: models.StatusPending}))

	require.NoError(t, repo.Save(ctx, models.Message{ClientID: "c-1", SessionID: "s1", Timestamp: t0, Status: models.StatusFailed}))

	s1, err := repo.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, s1, 2)
	assert.Equal(t, "c-1", s1[0].ClientID)
	assert.Equal(t, models.StatusFailed, s1[0].Status)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, repo.Delete(ctx, "c-1"))
	require.NoError(t, repo.Delete(ctx, "missing"))
	s1, _ = repo.ListBySession(ctx, "s1")
	require.Len(t, s1, 1)
	assert.Equal(t, "c-2", s1[0].ClientID)
}
