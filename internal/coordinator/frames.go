package coordinator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"legalaid-chat/internal/models"
	"legalaid-chat/internal/observability"
	"legalaid-chat/internal/store"
	"legalaid-chat/internal/transport"
)

func (c *Coordinator) onFrame(e frameEvent) {
	f, err := models.ParseFrame(e.body)
	if err != nil {
		observability.IncFrame("invalid")
		c.log.Debug("frame dropped", zap.String("session_id", e.sessionID), zap.Error(err))
		return
	}
	observability.IncFrame(strings.ToLower(string(f.Kind)))

	switch f.Kind {
	case models.FrameMessage:
		c.applyMessage(e.sessionID, *f.Message)
	case models.FrameTyping:
		if c.typing.SetTyping(e.sessionID, f.Typing.UserID, f.Typing.IsTyping) {
			c.notify(models.NotifyTyping, e.sessionID)
		}
	case models.FrameReadReceipt:
		c.applyReceipt(e.sessionID, f.Receipt.ReaderID)
	case models.FrameError:
		c.applyRejection(e.sessionID, *f.Reject)
	}
}

func (c *Coordinator) applyMessage(sessionID string, msg models.Message) {
	if msg.SessionID != "" && msg.SessionID != sessionID {
		c.log.Warn("message for another session on topic",
			zap.String("topic_session", sessionID),
			zap.String("message_session", msg.SessionID),
		)
		return
	}

	stored, outcome := c.store.Upsert(sessionID, msg)
	if outcome == store.Ignored {
		return
	}
	if outcome == store.Promoted && msg.ClientID != "" {
		observability.IncSend("confirmed")
		c.dropOutbox(c.loopCtx, msg.ClientID)
	}

	st := c.snapshot()
	active := st.Phase != NoSessionSelected && st.SessionID == sessionID
	if c.dir.RecordMessage(stored, active, c.opts.ViewerID) {
		c.notify(models.NotifySessions, sessionID)
	}
	if stored.SenderID != c.opts.ViewerID {
		if c.typing.SetTyping(sessionID, stored.SenderID, false) {
			c.notify(models.NotifyTyping, sessionID)
		}
		if active && outcome == store.Inserted && !stored.IsDeleted {
			c.markRead(sessionID)
		}
	}
	c.notify(models.NotifyMessages, sessionID)
}

func (c *Coordinator) applyReceipt(sessionID, readerID string) {
	if readerID == c.opts.ViewerID {
		if c.dir.MarkRead(sessionID) {
			c.notify(models.NotifySessions, sessionID)
		}
		return
	}
	if c.store.MarkReadBy(sessionID, readerID) > 0 {
		c.notify(models.NotifyMessages, sessionID)
	}
}

func (c *Coordinator) applyRejection(sessionID string, rej models.SendRejection) {
	if rej.ClientID == "" {
		c.log.Warn("server error frame", zap.String("session_id", sessionID), zap.String("error", rej.Error))
		return
	}
	msg, err := c.store.SetStatus(sessionID, rej.ClientID, models.StatusFailed, rej.Error)
	if err != nil {
		c.log.Debug("rejection for unknown send", zap.String("client_id", rej.ClientID))
		return
	}
	observability.IncSend("rejected")
	c.saveOutbox(c.loopCtx, msg)
	c.notify(models.NotifyMessages, sessionID)
}

func (c *Coordinator) onConn(s transport.State) {
	st := c.snapshot()
	switch s {
	case transport.StateConnected:
		if st.Degraded {
			observability.IncReconnect()
		}
		c.setState(st.Reconnected())
		if st.Phase != NoSessionSelected {
			c.subscribe(st.SessionID)
		}
		go c.replayOutbox(c.loopCtx)
	case transport.StateDisconnected:
		c.dropSubscription()
		c.demoteSent(c.loopCtx)
		c.setState(st.Disconnected())
		c.log.Warn("transport disconnected", zap.String("session_id", st.SessionID))
	case transport.StateFailed:
		c.dropSubscription()
		c.demoteSent(c.loopCtx)
		c.setState(st.TransportFailed())
		c.log.Error("transport reconnect budget exhausted")
	default:
		return
	}
	c.notify(models.NotifyState, st.SessionID)
}

// dropSubscription releases the handle after a connection loss. A handle
// from the dead connection unsubscribes as a no-op; one taken on a newer
// connection by a command queued behind the drop is really cancelled.
func (c *Coordinator) dropSubscription() {
	c.connEpoch.Add(1)
	if c.sub == nil {
		return
	}
	if err := c.sub.Unsubscribe(); err != nil {
		c.log.Debug("unsubscribe after drop", zap.String("topic", c.sub.Topic()), zap.Error(err))
	}
	c.sub = nil
}

// demoteSent moves SENT outbox entries back to PENDING so the next
// Connected publishes them again.
func (c *Coordinator) demoteSent(ctx context.Context) {
	rows, err := c.outbox.List(ctx)
	if err != nil {
		c.log.Warn("outbox load failed", zap.Error(err))
		return
	}
	touched := make(map[string]struct{})
	demoted := 0
	for _, m := range rows {
		if m.Status != models.StatusSent {
			continue
		}
		demoted++
		m.Status = models.StatusPending
		c.saveOutbox(ctx, m)
		if _, err := c.store.SetStatus(m.SessionID, m.ClientID, models.StatusPending, ""); err == nil {
			touched[m.SessionID] = struct{}{}
		}
	}
	if demoted > 0 {
		c.log.Info("sent messages awaiting replay", zap.Int("count", demoted))
	}
	for id := range touched {
		c.notify(models.NotifyMessages, id)
	}
}

// replayOutbox publishes every PENDING send. It runs outside the loop; one
// replay at a time.
func (c *Coordinator) replayOutbox(ctx context.Context) {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()

	pending, err := c.outbox.List(ctx)
	if err != nil {
		c.log.Warn("outbox load failed", zap.Error(err))
		return
	}
	for _, m := range pending {
		if m.Status != models.StatusPending {
			continue
		}
		sent, err := c.publishSend(ctx, m)
		if err != nil {
			return
		}
		if sent.Status != models.StatusSent && c.tr.State() != transport.StateConnected {
			// transport dropped again; the next Connected retries
			return
		}
	}
}

// publishSend publishes a local message outside the loop and records the
// outcome on it. The returned copy carries the dispatch result.
func (c *Coordinator) publishSend(ctx context.Context, msg models.Message) (models.Message, error) {
	if !c.claim(msg.ClientID) {
		return msg, nil
	}

	epoch := c.connEpoch.Load()
	sent := c.comp.Dispatch(ctx, msg)
	if sent.Status != models.StatusSent {
		c.release(msg.ClientID)
		return sent, nil
	}
	// recorded even when the caller has gone away
	rctx := context.WithoutCancel(ctx)
	stale := false
	err := c.exec(rctx, func() error {
		if c.connEpoch.Load() != epoch {
			stale = true
			return nil
		}
		c.recordSent(rctx, sent)
		return nil
	})
	c.release(msg.ClientID)

	if stale {
		// the connection dropped after the publish; a replay that skipped
		// this send while it was claimed has to run again
		sent.Status = models.StatusPending
		if c.tr.State() == transport.StateConnected {
			go c.replayOutbox(c.loopCtx)
		}
	}
	return sent, err
}

// recordSent marks a send SENT when its outbox row is still PENDING. Any
// other row is left alone.
func (c *Coordinator) recordSent(ctx context.Context, sent models.Message) {
	rows, err := c.outbox.ListBySession(ctx, sent.SessionID)
	if err != nil {
		c.log.Warn("outbox load failed", zap.String("session_id", sent.SessionID), zap.Error(err))
		return
	}
	waiting := false
	for _, row := range rows {
		if row.ClientID == sent.ClientID {
			waiting = row.Status == models.StatusPending
			break
		}
	}
	if !waiting {
		return
	}
	c.saveOutbox(ctx, sent)
	if cur, ok := c.store.Find(sent.SessionID, sent.ClientID); ok && cur.IsLocal() && cur.Status == models.StatusPending {
		if _, err := c.store.SetStatus(sent.SessionID, sent.ClientID, models.StatusSent, ""); err == nil {
			c.notify(models.NotifyMessages, sent.SessionID)
		}
	}
}

func (c *Coordinator) claim(clientID string) bool {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	if _, busy := c.inflight[clientID]; busy {
		return false
	}
	c.inflight[clientID] = struct{}{}
	return true
}

func (c *Coordinator) release(clientID string) {
	c.flightMu.Lock()
	delete(c.inflight, clientID)
	c.flightMu.Unlock()
}
