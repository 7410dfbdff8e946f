package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"legalaid-chat/internal/api"
	"legalaid-chat/internal/composer"
	"legalaid-chat/internal/mocks"
	"legalaid-chat/internal/models"
	"legalaid-chat/internal/repositories"
	"legalaid-chat/internal/store"
	"legalaid-chat/internal/transport"
)

const (
	viewer  = "citizen-1"
	lawyer  = "lawyer-1"
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type notes struct {
	mu  sync.Mutex
	got []models.Notification
}

func (n *notes) Notify(note models.Notification) {
	n.mu.Lock()
	n.got = append(n.got, note)
	n.mu.Unlock()
}

func (n *notes) has(kind models.NotificationKind, sessionID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, note := range n.got {
		if note.Kind == kind && note.SessionID == sessionID {
			return true
		}
	}
	return false
}

type harness struct {
	t      *testing.T
	lb     *transport.Loopback
	api    *mocks.APIMock
	outbox *repositories.MemoryPendingRepo
	notes  *notes
	c      *Coordinator
	ctx    context.Context
}

func session(id string) models.Session {
	return models.Session{ID: id, ParticipantAID: viewer, ParticipantBID: lawyer, ParticipantBRole: models.RoleLawyer, CaseID: "case-" + id}
}

func newHarness(t *testing.T, responder func(*transport.Loopback, string, []byte), sessions ...models.Session) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		lb:     transport.NewLoopback(),
		api:    new(mocks.APIMock),
		outbox: repositories.NewMemoryPendingRepo(),
		notes:  &notes{},
	}
	h.lb.Responder = responder
	h.api.On("MarkRead", mock.Anything, mock.Anything).Return(nil).Maybe()

	var seq atomic.Int64
	h.c = New(Options{
		ViewerID:       viewer,
		ViewerRole:     "CITIZEN",
		PageSize:       2,
		HistoryBackoff: time.Millisecond,
		TypingWindow:   time.Minute,
		TypingThrottle: time.Hour,
		NewID:          func() string { return fmt.Sprintf("optimistic-%d", seq.Add(1)) },
		Now:            func() time.Time { return t0.Add(time.Hour) },
	}, h.api, h.lb, h.outbox, h.notes, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	done := make(chan struct{})
	go func() {
		_ = h.c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.NoError(t, h.lb.Connect(ctx))

	if len(sessions) > 0 {
		h.api.On("ListSessions", mock.Anything).Return(sessions, nil).Once()
		require.NoError(t, h.c.RefreshSessions(ctx))
	}
	return h
}

func (h *harness) history(sessionID string, msgs ...models.Message) {
	h.api.On("History", mock.Anything, sessionID, api.HistoryQuery{Limit: 2}).Return(msgs, nil).Once()
}

func (h *harness) selectActive(sessionID string) {
	h.t.Helper()
	require.NoError(h.t, h.c.SelectSession(h.ctx, sessionID))
	require.Eventually(h.t, func() bool {
		st := h.c.Status()
		return st.Phase == Active && st.SessionID == sessionID
	}, waitFor, tick)
}

func (h *harness) deliver(sessionID string, v any) {
	h.t.Helper()
	require.Equal(h.t, 1, h.lb.DeliverJSON(models.Topic(sessionID), v))
}

func echoSends(sessionID string, id string) func(*transport.Loopback, string, []byte) {
	return func(lb *transport.Loopback, dest string, body []byte) {
		if dest != models.DestSendMessage {
			return
		}
		var env models.SendEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return
		}
		lb.DeliverJSON(models.Topic(sessionID), models.Message{
			ID: id, ClientID: env.ClientID, SessionID: env.SessionID, SenderID: env.SenderID,
			Content: env.Content, Timestamp: t0.Add(2 * time.Hour),
		})
	}
}

func TestSingleActiveSubscription(t *testing.T) {
	h := newHarness(t, nil, session("a"), session("b"), session("c"))
	for _, id := range []string{"a", "b", "c"} {
		h.history(id)
	}

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.c.SelectSession(h.ctx, id))
		assert.Equal(t, []string{models.Topic(id)}, h.lb.ActiveTopics())
	}

	require.Eventually(t, func() bool { return h.c.Status().Phase == Active }, waitFor, tick)
	assert.Equal(t, "c", h.c.Status().SessionID)
	assert.True(t, h.notes.has(models.NotifyState, "c"))
}

func TestSelectUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.c.SelectSession(h.ctx, "ghost"), ErrUnknownSession)
	assert.Empty(t, h.lb.ActiveTopics())
}

func TestStaleHistoryDiscarded(t *testing.T) {
	h := newHarness(t, nil, session("a"), session("b"))
	releaseA := make(chan struct{})
	returnedA := make(chan struct{})

	fromA := models.Message{ID: "a-1", SenderID: lawyer, Content: "for a", Timestamp: t0}
	fromB := models.Message{ID: "b-1", SenderID: lawyer, Content: "for b", Timestamp: t0}

	h.api.On("History", mock.Anything, "a", mock.Anything).Run(func(mock.Arguments) {
		<-releaseA
		close(returnedA)
	}).Return([]models.Message{fromA}, nil).Once()
	h.history("b", fromB)

	require.NoError(t, h.c.SelectSession(h.ctx, "a"))
	h.selectActive("b")

	close(releaseA)
	<-returnedA

	require.Never(t, func() bool {
		return len(h.c.Messages("a")) != 0 || len(h.c.Messages("b")) != 1
	}, 100*time.Millisecond, tick)
	assert.Equal(t, "for b", h.c.Messages("b")[0].Content)
	assert.Equal(t, "b", h.c.Status().SessionID)
}

func TestOptimisticSendReconciledWithEcho(t *testing.T) {
	h := newHarness(t, echoSends("s1", "m-42"), session("s1"))
	h.history("s1")
	h.selectActive("s1")

	sent, err := h.c.Send(h.ctx, "s1", composer.Draft{Content: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "optimistic-1", sent.ClientID)
	assert.Equal(t, models.StatusSent, sent.Status)

	require.Eventually(t, func() bool {
		msgs := h.c.Messages("s1")
		return len(msgs) == 1 && msgs[0].ID == "m-42"
	}, waitFor, tick)

	h.deliver("s1", map[string]any{"id": "m-42", "content": "Hello there", "isEdited": true})

	require.Eventually(t, func() bool {
		msgs := h.c.Messages("s1")
		return len(msgs) == 1 && msgs[0].Content == "Hello there" && msgs[0].IsEdited
	}, waitFor, tick)

	pending, _ := h.outbox.List(h.ctx)
	assert.Empty(t, pending)

	s, _ := h.c.Session("s1")
	assert.Equal(t, "Hello there", s.LastMessagePreview)
}

func TestSendValidationAndSelection(t *testing.T) {
	h := newHarness(t, nil, session("s1"), session("s2"))
	h.history("s1")

	_, err := h.c.Send(h.ctx, "s1", composer.Draft{Content: "hi"})
	assert.ErrorIs(t, err, ErrNoActiveSession)

	h.selectActive("s1")
	_, err = h.c.Send(h.ctx, "s1", composer.Draft{Content: "  "})
	assert.ErrorIs(t, err, composer.ErrEmptyMessage)
	_, err = h.c.Send(h.ctx, "s2", composer.Draft{Content: "hi"})
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Empty(t, h.lb.Published())
}

func TestDisconnectKeepsSendPendingAndReplays(t *testing.T) {
	h := newHarness(t, nil, session("s1"))
	h.history("s1")
	h.selectActive("s1")

	h.lb.SetConnected(false)
	require.Eventually(t, func() bool { return h.c.Status().Degraded }, waitFor, tick)
	assert.Equal(t, Active, h.c.Status().Phase)

	msg, err := h.c.Send(h.ctx, "s1", composer.Draft{Content: "offline"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, msg.Status)

	pending, _ := h.outbox.ListBySession(h.ctx, "s1")
	require.Len(t, pending, 1)

	h.lb.SetConnected(true)
	require.Eventually(t, func() bool {
		got, ok := h.c.store.Find("s1", msg.ClientID)
		return ok && got.Status == models.StatusSent && !h.c.Status().Degraded
	}, waitFor, tick)
	assert.Equal(t, []string{models.Topic("s1")}, h.lb.ActiveTopics())

	pubs := h.lb.Published()
	require.Len(t, pubs, 1)
	assert.Equal(t, models.DestSendMessage, pubs[0].Destination)
}

func sendCount(lb *transport.Loopback) int {
	n := 0
	for _, p := range lb.Published() {
		if p.Destination == models.DestSendMessage {
			n++
		}
	}
	return n
}

func TestSelectQueuedBehindDropKeepsOneSubscription(t *testing.T) {
	h := newHarness(t, nil, session("s2"))
	h.history("s2")

	blocked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = h.c.exec(h.ctx, func() error {
			close(blocked)
			<-release
			return nil
		})
	}()
	<-blocked

	selected := make(chan error, 1)
	go func() { selected <- h.c.SelectSession(h.ctx, "s2") }()
	require.Eventually(t, func() bool { return len(h.c.events) == 1 }, waitFor, tick)

	// the broker bounces while the select is still queued
	h.lb.SetConnected(false)
	h.lb.SetConnected(true)
	close(release)
	require.NoError(t, <-selected)

	require.Eventually(t, func() bool {
		st := h.c.Status()
		return st.Phase == Active && !st.Degraded && len(h.c.events) == 0
	}, waitFor, tick)
	assert.Equal(t, []string{models.Topic("s2")}, h.lb.ActiveTopics())
	assert.Equal(t, 1, h.lb.DeliverJSON(models.Topic("s2"), models.TypingEvent{Type: "TYPING", UserID: lawyer, IsTyping: true}))
}

func TestSendLostWithConnectionIsReplayed(t *testing.T) {
	h := newHarness(t, nil, session("s1"))
	h.history("s1")
	h.selectActive("s1")

	msg, err := h.c.Send(h.ctx, "s1", composer.Draft{Content: "just before the drop"})
	require.NoError(t, err)
	require.Equal(t, models.StatusSent, msg.Status)

	h.lb.SetConnected(false)
	require.Eventually(t, func() bool {
		got, _ := h.c.store.Find("s1", msg.ClientID)
		return got.Status == models.StatusPending
	}, waitFor, tick)
	rows, _ := h.outbox.ListBySession(h.ctx, "s1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusPending, rows[0].Status)

	h.lb.SetConnected(true)
	require.Eventually(t, func() bool {
		got, _ := h.c.store.Find("s1", msg.ClientID)
		return sendCount(h.lb) == 2 && got.Status == models.StatusSent
	}, waitFor, tick)
	rows, _ = h.outbox.ListBySession(h.ctx, "s1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusSent, rows[0].Status)

	retried, err := h.c.RetrySend(h.ctx, "s1", msg.ClientID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, retried.Status)
	assert.Equal(t, 3, sendCount(h.lb))
}

func TestSentRowsFromPreviousRunAreReplayed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outbox := repositories.NewMemoryPendingRepo()
	require.NoError(t, outbox.Save(ctx, models.Message{
		ClientID: "old-1", SessionID: "s1", SenderID: viewer, Content: "sent before restart",
		Timestamp: t0, Status: models.StatusSent,
	}))

	lb := transport.NewLoopback()
	c := New(Options{ViewerID: viewer}, new(mocks.APIMock), lb, outbox, nil, nil, zap.NewNop())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	require.NoError(t, lb.Connect(ctx))

	require.Eventually(t, func() bool {
		rows, _ := outbox.List(ctx)
		return sendCount(lb) == 1 && len(rows) == 1 && rows[0].Status == models.StatusSent
	}, waitFor, tick)
	var env models.SendEnvelope
	require.NoError(t, json.Unmarshal(lb.Published()[0].Body, &env))
	assert.Equal(t, "old-1", env.ClientID)
}

func TestSendPublishRunsOffLoop(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(lb *transport.Loopback, dest string, body []byte) {
		if dest == models.DestSendMessage {
			<-gate
		}
	}, session("s1"))
	h.history("s1")
	h.selectActive("s1")

	result := make(chan models.Message, 1)
	go func() {
		msg, _ := h.c.Send(h.ctx, "s1", composer.Draft{Content: "slow broker"})
		result <- msg
	}()
	require.Eventually(t, func() bool { return len(h.c.Messages("s1")) == 1 }, waitFor, tick)

	// the loop keeps serving commands while the publish is stuck
	ctx, cancel := context.WithTimeout(h.ctx, time.Second)
	defer cancel()
	require.NoError(t, h.c.Keystroke(ctx, "s1"))
	assert.Equal(t, models.StatusPending, h.c.Messages("s1")[0].Status)

	close(gate)
	select {
	case msg := <-result:
		assert.Equal(t, models.StatusSent, msg.Status)
	case <-time.After(waitFor):
		t.Fatal("send never returned")
	}
	assert.Equal(t, models.StatusSent, h.c.Messages("s1")[0].Status)
}

func TestTransportFailureSurfaced(t *testing.T) {
	h := newHarness(t, nil)
	h.lb.Fail()
	require.Eventually(t, func() bool { return h.c.Status().Failed }, waitFor, tick)
	assert.Equal(t, "failed", h.c.Status().Transport)
}

func TestRejectedSendCanBeRetriedOrRemoved(t *testing.T) {
	h := newHarness(t, nil, session("s1"))
	h.history("s1")
	h.selectActive("s1")

	msg, err := h.c.Send(h.ctx, "s1", composer.Draft{Content: "hello"})
	require.NoError(t, err)

	h.deliver("s1", models.SendRejection{Type: "ERROR", ClientID: msg.ClientID, Error: "session closed"})
	require.Eventually(t, func() bool {
		got, _ := h.c.store.Find("s1", msg.ClientID)
		return got.Status == models.StatusFailed && got.FailureReason == "session closed"
	}, waitFor, tick)

	retried, err := h.c.RetrySend(h.ctx, "s1", msg.ClientID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, retried.Status)
	assert.Len(t, h.lb.Published(), 2)

	require.NoError(t, h.c.RemovePending(h.ctx, "s1", msg.ClientID))
	assert.Empty(t, h.c.Messages("s1"))
	assert.ErrorIs(t, h.c.RemovePending(h.ctx, "s1", msg.ClientID), store.ErrPendingNotFound)
	_, err = h.c.RetrySend(h.ctx, "s1", "nope")
	assert.ErrorIs(t, err, store.ErrPendingNotFound)
}

func TestHistoryFailureThenRetry(t *testing.T) {
	h := newHarness(t, nil, session("s1"))
	h.api.On("History", mock.Anything, "s1", api.HistoryQuery{Limit: 2}).Return(nil, errors.New("backend down")).Once()
	h.history("s1", models.Message{ID: "m-1", SenderID: lawyer, Content: "hi", Timestamp: t0})

	require.NoError(t, h.c.SelectSession(h.ctx, "s1"))
	require.Eventually(t, func() bool { return h.c.Status().HistoryError != "" }, waitFor, tick)
	assert.Equal(t, Hydrating, h.c.Status().Phase)

	require.NoError(t, h.c.RetryHistory(h.ctx))
	require.Eventually(t, func() bool { return h.c.Status().Phase == Active }, waitFor, tick)
	assert.Len(t, h.c.Messages("s1"), 1)
	assert.Empty(t, h.c.Status().HistoryError)
}

func TestLoadOlder(t *testing.T) {
	h := newHarness(t, nil, session("s1"))
	h.history("s1",
		models.Message{ID: "m-2", SenderID: lawyer, Content: "two", Timestamp: t0.Add(2 * time.Second)},
		models.Message{ID: "m-3", SenderID: lawyer, Content: "three", Timestamp: t0.Add(3 * time.Second)},
	)
	h.api.On("History", mock.Anything, "s1", api.HistoryQuery{Before: "m-2", Limit: 2}).
		Return([]models.Message{{ID: "m-1", SenderID: lawyer, Content: "one", Timestamp: t0.Add(time.Second)}}, nil).Once()

	h.selectActive("s1")
	assert.True(t, h.c.Status().HasMore)

	started, err := h.c.LoadOlder(h.ctx)
	require.NoError(t, err)
	assert.True(t, started)

	require.Eventually(t, func() bool { return len(h.c.Messages("s1")) == 3 }, waitFor, tick)
	require.Eventually(t, func() bool { return !h.c.Status().HasMore }, waitFor, tick)

	started, err = h.c.LoadOlder(h.ctx)
	require.NoError(t, err)
	assert.False(t, started)

	page, more, err := h.c.Page("s1", "m-3", 1)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, "m-2", page[0].ID)
}

func TestTypingAndReceipts(t *testing.T) {
	h := newHarness(t, nil, session("s1"))
	h.history("s1", models.Message{ID: "m-1", SenderID: viewer, Content: "mine", Timestamp: t0})
	h.selectActive("s1")

	h.deliver("s1", models.TypingEvent{Type: "TYPING", UserID: lawyer, IsTyping: true})
	require.Eventually(t, func() bool { return len(h.c.TypingUsers("s1")) == 1 }, waitFor, tick)

	h.deliver("s1", models.Message{ID: "m-2", SenderID: lawyer, Content: "answer", Timestamp: t0.Add(time.Second)})
	require.Eventually(t, func() bool { return len(h.c.TypingUsers("s1")) == 0 }, waitFor, tick)

	h.deliver("s1", models.ReadReceipt{Type: "READ_RECEIPT", ReaderID: lawyer})
	require.Eventually(t, func() bool {
		got, _ := h.c.store.Find("s1", "m-1")
		return got.Read
	}, waitFor, tick)

	s, _ := h.c.Session("s1")
	assert.Equal(t, 0, s.UnreadCount)
	assert.True(t, h.notes.has(models.NotifyTyping, "s1"))
}

func TestInboundDeleteTombstones(t *testing.T) {
	h := newHarness(t, nil, session("s1"))
	h.history("s1", models.Message{ID: "m-1", SenderID: viewer, Content: "secret", Timestamp: t0})
	h.selectActive("s1")

	h.api.On("DeleteMessage", mock.Anything, "m-1").Return(nil).Once()
	require.NoError(t, h.c.Delete(h.ctx, "s1", "m-1"))
	// not applied until the server says so
	assert.Equal(t, "secret", h.c.Messages("s1")[0].Content)

	h.deliver("s1", map[string]any{"id": "m-1", "isDeleted": true})
	require.Eventually(t, func() bool { return h.c.Messages("s1")[0].IsDeleted }, waitFor, tick)

	h.deliver("s1", map[string]any{"id": "m-1", "content": "back again", "isEdited": true})
	require.Never(t, func() bool { return h.c.Messages("s1")[0].Content != "" }, 50*time.Millisecond, tick)

	assert.ErrorIs(t, h.c.Edit(h.ctx, "s1", "m-1", "x"), composer.ErrMessageDeleted)
	assert.ErrorIs(t, h.c.Delete(h.ctx, "s1", "nope"), composer.ErrUnknownMessage)
	h.api.AssertExpectations(t)
}

func TestEditPublishesEnvelope(t *testing.T) {
	h := newHarness(t, nil, session("s1"))
	h.history("s1", models.Message{ID: "m-1", SenderID: viewer, Content: "draft", Timestamp: t0})
	h.selectActive("s1")

	require.NoError(t, h.c.Edit(h.ctx, "s1", "m-1", "final"))
	pubs := h.lb.Published()
	require.Len(t, pubs, 1)
	assert.Equal(t, models.DestEditMessage, pubs[0].Destination)
	assert.JSONEq(t, `{"id":"m-1","sessionId":"s1","senderId":"citizen-1","content":"final"}`, string(pubs[0].Body))
}

func TestKeystrokePublishesTyping(t *testing.T) {
	h := newHarness(t, nil, session("s1"))
	h.history("s1")
	h.selectActive("s1")

	require.NoError(t, h.c.Keystroke(h.ctx, "s1"))
	require.NoError(t, h.c.Keystroke(h.ctx, "s1"))
	require.NoError(t, h.c.StopTyping(h.ctx, "s1"))

	require.Eventually(t, func() bool { return len(h.lb.Published()) == 2 }, waitFor, tick)
	pubs := h.lb.Published()
	assert.JSONEq(t, `{"type":"TYPING","sessionId":"s1","userId":"citizen-1","isTyping":true}`, string(pubs[0].Body))
	assert.JSONEq(t, `{"type":"TYPING","sessionId":"s1","userId":"citizen-1","isTyping":false}`, string(pubs[1].Body))
}

func TestOpenSessionGetOrCreate(t *testing.T) {
	h := newHarness(t, nil, session("s1"))

	got, err := h.c.OpenSession(h.ctx, lawyer, models.RoleLawyer, "case-s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)

	created := models.Session{ID: "s9", ParticipantAID: viewer, ParticipantBID: "ngo-1", ParticipantBRole: models.RoleNGO}
	h.api.On("OpenSession", mock.Anything, api.OpenSessionRequest{ProviderID: "ngo-1", ProviderRole: models.RoleNGO}).Return(created, nil).Once()

	got, err = h.c.OpenSession(h.ctx, "ngo-1", models.RoleNGO, "")
	require.NoError(t, err)
	assert.Equal(t, "s9", got.ID)
	_, ok := h.c.Session("s9")
	assert.True(t, ok)

	_, err = h.c.OpenSession(h.ctx, "x", "JUDGE", "")
	assert.ErrorIs(t, err, ErrInvalidProvider)
	h.api.AssertExpectations(t)
}

func TestOutboxRestoredOnSelect(t *testing.T) {
	h := newHarness(t, nil, session("s1"))
	require.NoError(t, h.outbox.Save(h.ctx, models.Message{
		ClientID: "old-1", SessionID: "s1", SenderID: viewer, Content: "from last run",
		Timestamp: t0, Status: models.StatusFailed,
	}))
	h.history("s1")
	h.selectActive("s1")

	msgs := h.c.Messages("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusFailed, msgs[0].Status)
}

func TestRunStopsCommands(t *testing.T) {
	lb := transport.NewLoopback()
	c := New(Options{ViewerID: viewer}, new(mocks.APIMock), lb, repositories.NewMemoryPendingRepo(), nil, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.ErrorIs(t, c.StopTyping(context.Background(), "s1"), ErrClosed)
}
