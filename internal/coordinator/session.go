package coordinator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"legalaid-chat/internal/api"
	"legalaid-chat/internal/models"
	"legalaid-chat/internal/observability"
	"legalaid-chat/internal/telemetry"
)

func requestID(ctx context.Context) string {
	return observability.RequestIDFromContext(ctx)
}

// SelectSession switches the active session. The previous subscription is
// torn down before the new topic is subscribed, and the history fetch runs
// under a fresh token so a late result for an abandoned session is dropped.
func (c *Coordinator) SelectSession(ctx context.Context, sessionID string) error {
	return c.exec(ctx, func() error {
		if _, ok := c.dir.FindByID(sessionID); !ok {
			return ErrUnknownSession
		}
		st := c.snapshot()
		if st.Phase != NoSessionSelected && st.SessionID == sessionID {
			if st.HistoryErr != nil {
				c.retryHistory(st)
			}
			c.markRead(sessionID)
			return nil
		}

		c.teardown()
		st = st.Select(sessionID)
		c.setState(st)
		c.selCtx, c.selCancel = context.WithCancel(c.loopCtx)

		c.subscribe(sessionID)
		c.restoreOutbox(ctx, sessionID)
		c.startFetch(sessionID, st.Token, api.HistoryQuery{Limit: c.opts.PageSize}, false)
		c.markRead(sessionID)

		c.log.Info("session selected", zap.String("session_id", sessionID), zap.Uint64("token", st.Token))
		c.emitAudit(ctx, telemetry.EventSessionSelected, sessionID, "")
		c.notify(models.NotifyState, sessionID)
		return nil
	})
}

// RetryHistory refetches history after a failed hydration.
func (c *Coordinator) RetryHistory(ctx context.Context) error {
	return c.exec(ctx, func() error {
		st := c.snapshot()
		if st.Phase == NoSessionSelected {
			return ErrNoActiveSession
		}
		if st.HistoryErr != nil {
			c.retryHistory(st)
		}
		return nil
	})
}

func (c *Coordinator) retryHistory(st State) {
	st = st.Retry()
	c.setState(st)
	c.startFetch(st.SessionID, st.Token, api.HistoryQuery{Limit: c.opts.PageSize}, false)
	c.notify(models.NotifyState, st.SessionID)
}

// LoadOlder fetches the page before the oldest confirmed message. It reports
// false when the server has nothing older.
func (c *Coordinator) LoadOlder(ctx context.Context) (bool, error) {
	var started bool
	err := c.exec(ctx, func() error {
		st := c.snapshot()
		if st.Phase != Active {
			return ErrNoActiveSession
		}
		c.mu.RLock()
		more := c.hasMore[st.SessionID]
		c.mu.RUnlock()
		if !more {
			return nil
		}
		q := api.HistoryQuery{Limit: c.opts.PageSize}
		if oldest, ok := c.store.Oldest(st.SessionID); ok {
			q.Before = oldest.ID
		}
		c.startFetch(st.SessionID, st.Token, q, true)
		started = true
		return nil
	})
	return started, err
}

// teardown releases everything tied to the current selection.
func (c *Coordinator) teardown() {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.log.Warn("unsubscribe failed", zap.String("topic", c.sub.Topic()), zap.Error(err))
		}
		c.sub = nil
	}
	if c.selCancel != nil {
		c.selCancel()
		c.selCancel = nil
	}
	if prev := c.snapshot().SessionID; prev != "" {
		c.local.Stop(prev)
		if c.typing.Clear(prev) {
			c.notify(models.NotifyTyping, prev)
		}
	}
}

func (c *Coordinator) subscribe(sessionID string) {
	if c.sub != nil {
		return
	}
	sub, err := c.tr.Subscribe(models.Topic(sessionID), func(body []byte) {
		c.enqueue(frameEvent{sessionID: sessionID, body: append([]byte(nil), body...)})
	})
	if err != nil {
		// retried when the transport reports Connected
		c.log.Warn("subscribe deferred", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	c.sub = sub
}

func (c *Coordinator) restoreOutbox(ctx context.Context, sessionID string) {
	pending, err := c.outbox.ListBySession(ctx, sessionID)
	if err != nil {
		c.log.Warn("outbox load failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	restored := false
	for _, m := range pending {
		restored = c.store.AddPending(m) || restored
	}
	if restored {
		c.notify(models.NotifyMessages, sessionID)
	}
}

func (c *Coordinator) startFetch(sessionID string, token uint64, q api.HistoryQuery, older bool) {
	ctx := c.selCtx
	go func() {
		msgs, err := c.fetchHistory(ctx, sessionID, q)
		c.enqueue(historyEvent{
			sessionID: sessionID,
			token:     token,
			limit:     q.Limit,
			older:     older,
			msgs:      msgs,
			err:       err,
		})
	}()
}

func (c *Coordinator) fetchHistory(ctx context.Context, sessionID string, q api.HistoryQuery) ([]models.Message, error) {
	ctx, span := otel.Tracer("legalaid-chat/coordinator").Start(ctx, "coordinator.fetch_history")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("history.before", q.Before),
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.HistoryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.HistoryRetries)), ctx)

	var msgs []models.Message
	err := backoff.Retry(func() error {
		var err error
		msgs, err = c.api.History(ctx, sessionID, q)
		if api.IsNotFound(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("history.count", len(msgs)))
	return msgs, nil
}

func (c *Coordinator) onHistory(e historyEvent) {
	st := c.snapshot()
	if !st.Accepts(e.sessionID, e.token) {
		observability.IncStaleResult("history")
		c.log.Debug("stale history discarded", zap.String("session_id", e.sessionID), zap.Uint64("token", e.token))
		return
	}
	if e.err != nil {
		c.log.Warn("history fetch failed", zap.String("session_id", e.sessionID), zap.Bool("older", e.older), zap.Error(e.err))
		if !e.older {
			st, _ = st.HistoryFailed(e.sessionID, e.token, e.err)
			c.setState(st)
		}
		c.notify(models.NotifyState, e.sessionID)
		return
	}

	for _, clientID := range c.store.Hydrate(e.sessionID, e.msgs) {
		c.dropOutbox(c.loopCtx, clientID)
	}
	c.setHasMore(e.sessionID, e.limit > 0 && len(e.msgs) >= e.limit)
	if !e.older {
		st, _ = st.HistoryLoaded(e.sessionID, e.token)
		c.setState(st)
	}

	changed := false
	for _, m := range e.msgs {
		if stored, ok := c.store.Find(e.sessionID, m.ID); ok {
			changed = c.dir.RecordMessage(stored, true, c.opts.ViewerID) || changed
		}
	}
	if changed {
		c.notify(models.NotifySessions, e.sessionID)
	}
	c.notify(models.NotifyMessages, e.sessionID)
	c.notify(models.NotifyState, e.sessionID)
}

func (c *Coordinator) markRead(sessionID string) {
	if c.dir.MarkRead(sessionID) {
		c.notify(models.NotifySessions, sessionID)
	}
	parent := c.loopCtx
	go func() {
		ctx, cancel := context.WithTimeout(parent, 10*time.Second)
		defer cancel()
		if err := c.api.MarkRead(ctx, sessionID); err != nil {
			c.log.Warn("mark read failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}
