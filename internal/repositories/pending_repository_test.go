package repositories

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"legalaid-chat/internal/db"
	"legalaid-chat/internal/models"
)

func TestPendingRowRoundTrip(t *testing.T) {
	msg := models.Message{
		ClientID: "c-1", SessionID: "s1", SenderID: "citizen-1", SenderRole: "CITIZEN",
		Content: "hi", AttachmentURL: "https://cdn/a.png", AttachmentType: models.AttachmentImage,
		ReplyToID: "m-1", Status: models.StatusFailed, FailureReason: "closed",
		Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, msg, rowFrom(msg).message())
}

func TestPendingRowTimestampNormalisedToUTC(t *testing.T) {
	local := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	got := pendingRow{ClientID: "c-1", Status: string(models.StatusPending), CreatedAt: local}.message()
	assert.Equal(t, time.UTC, got.Timestamp.Location())
	assert.True(t, got.Timestamp.Equal(local))
}

// TestPendingRepoPostgres runs against the database named by TEST_DB_DSN.
func TestPendingRepoPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	database, err := db.Connect(dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	ctx := context.Background()
	repo := NewPendingRepo(database)
	run := uuid.NewString()
	s1, s2 := "s1-"+run, "s2-"+run
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t.Cleanup(func() {
		_, _ = database.Exec(`DELETE FROM pending_messages WHERE session_id IN ($1, $2)`, s1, s2)
	})

	first := models.Message{ClientID: "a-" + run, SessionID: s1, SenderID: "citizen-1", Content: "one", Timestamp: t0, Status: models.StatusPending}
	second := models.Message{ClientID: "b-" + run, SessionID: s1, SenderID: "citizen-1", Content: "two", Timestamp: t0.Add(time.Second), Status: models.StatusPending}
	other := models.Message{ClientID: "c-" + run, SessionID: s2, SenderID: "citizen-1", Content: "elsewhere", Timestamp: t0, Status: models.StatusPending}
	for _, m := range []models.Message{second, first, other} {
		require.NoError(t, repo.Save(ctx, m))
	}

	// upsert only moves status and reason
	first.Status = models.StatusFailed
	first.FailureReason = "session closed"
	require.NoError(t, repo.Save(ctx, models.Message{
		ClientID: first.ClientID, SessionID: s1, SenderID: "citizen-1", Content: "ignored",
		Timestamp: t0, Status: models.StatusFailed, FailureReason: "session closed",
	}))

	got, err := repo.ListBySession(ctx, s1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0])
	assert.Equal(t, second, got[1])

	all, err := repo.List(ctx)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, m := range all {
		ids[m.ClientID] = true
	}
	assert.True(t, ids[first.ClientID] && ids[second.ClientID] && ids[other.ClientID])

	require.NoError(t, repo.Delete(ctx, first.ClientID))
	require.NoError(t, repo.Delete(ctx, "missing-"+run))
	got, err = repo.ListBySession(ctx, s1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, second.ClientID, got[0].ClientID)
}
