package coordinator

import (
	"context"
	"io"

	"legalaid-chat/internal/api"
	"legalaid-chat/internal/composer"
	"legalaid-chat/internal/models"
	"legalaid-chat/internal/store"
	"legalaid-chat/internal/telemetry"
)

func (c *Coordinator) requireSelected(sessionID string) error {
	st := c.snapshot()
	if st.Phase == NoSessionSelected || st.SessionID != sessionID {
		return ErrNoActiveSession
	}
	return nil
}

// Send composes a message in the selected session. The returned message is
// the optimistic local copy: SENT when published, PENDING when the transport
// is down. The publish itself runs on the caller's goroutine.
func (c *Coordinator) Send(ctx context.Context, sessionID string, d composer.Draft) (models.Message, error) {
	var msg models.Message
	err := c.exec(ctx, func() error {
		if err := c.requireSelected(sessionID); err != nil {
			return err
		}
		var err error
		msg, err = c.comp.Prepare(sessionID, d)
		if err != nil {
			return err
		}
		c.store.AddPending(msg)
		c.saveOutbox(ctx, msg)
		c.local.Stop(sessionID)
		if c.dir.RecordMessage(msg, true, c.opts.ViewerID) {
			c.notify(models.NotifySessions, sessionID)
		}
		c.notify(models.NotifyMessages, sessionID)
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}

	sent, err := c.publishSend(ctx, msg)
	if err != nil {
		return sent, err
	}
	c.emitAudit(ctx, telemetry.EventMessageSent, sessionID, msg.ClientID)
	return sent, nil
}

// Edit publishes new content for one of the viewer's messages. The log
// changes when the edit echoes back.
func (c *Coordinator) Edit(ctx context.Context, sessionID, messageID, content string) error {
	var msg models.Message
	err := c.exec(ctx, func() error {
		if err := c.requireSelected(sessionID); err != nil {
			return err
		}
		var ok bool
		msg, ok = c.store.Find(sessionID, messageID)
		if !ok {
			return composer.ErrUnknownMessage
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.comp.Edit(ctx, msg, content); err != nil {
		return err
	}
	c.emitAudit(ctx, telemetry.EventMessageEdited, sessionID, msg.ID)
	return nil
}

// Delete asks the backend to delete one of the viewer's messages. The
// tombstone arrives on the topic.
func (c *Coordinator) Delete(ctx context.Context, sessionID, messageID string) error {
	var msg models.Message
	err := c.exec(ctx, func() error {
		var ok bool
		msg, ok = c.store.Find(sessionID, messageID)
		if !ok {
			return composer.ErrUnknownMessage
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.comp.Delete(ctx, msg); err != nil {
		return err
	}
	c.emitAudit(ctx, telemetry.EventMessageDeleteRequested, sessionID, msg.ID)
	return nil
}

// RetrySend republishes a local message the server has not confirmed,
// whatever its delivery status.
func (c *Coordinator) RetrySend(ctx context.Context, sessionID, clientID string) (models.Message, error) {
	var msg models.Message
	err := c.exec(ctx, func() error {
		found, ok := c.store.Find(sessionID, clientID)
		if !ok || !found.IsLocal() {
			return store.ErrPendingNotFound
		}
		if found.Status != models.StatusPending {
			updated, err := c.store.SetStatus(sessionID, clientID, models.StatusPending, "")
			if err != nil {
				return err
			}
			found = updated
			c.saveOutbox(ctx, found)
			c.notify(models.NotifyMessages, sessionID)
		}
		msg = found
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return c.publishSend(ctx, msg)
}

// RemovePending discards a local message the server never confirmed.
func (c *Coordinator) RemovePending(ctx context.Context, sessionID, clientID string) error {
	return c.exec(ctx, func() error {
		if err := c.store.RemovePending(sessionID, clientID); err != nil {
			return err
		}
		c.dropOutbox(ctx, clientID)
		c.notify(models.NotifyMessages, sessionID)
		return nil
	})
}

// Keystroke reports viewer input in the selected session.
func (c *Coordinator) Keystroke(ctx context.Context, sessionID string) error {
	return c.exec(ctx, func() error {
		if err := c.requireSelected(sessionID); err != nil {
			return err
		}
		c.local.Keystroke(sessionID)
		return nil
	})
}

// StopTyping publishes an immediate stop for sessionID.
func (c *Coordinator) StopTyping(ctx context.Context, sessionID string) error {
	return c.exec(ctx, func() error {
		c.local.Stop(sessionID)
		return nil
	})
}

// MarkRead resets the unread count and tells the backend.
func (c *Coordinator) MarkRead(ctx context.Context, sessionID string) error {
	err := c.exec(ctx, func() error {
		if _, ok := c.dir.FindByID(sessionID); !ok {
			return ErrUnknownSession
		}
		if c.dir.MarkRead(sessionID) {
			c.notify(models.NotifySessions, sessionID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.api.MarkRead(ctx, sessionID)
}

// OpenSession returns the session for the viewer, a provider and an optional
// case, creating it on the backend when the directory has none.
func (c *Coordinator) OpenSession(ctx context.Context, providerID string, role models.ProviderRole, caseID string) (models.Session, error) {
	if providerID == "" || !role.Valid() {
		return models.Session{}, ErrInvalidProvider
	}
	var (
		found models.Session
		ok    bool
	)
	if err := c.exec(ctx, func() error {
		found, ok = c.dir.FindByTriple(c.opts.ViewerID, providerID, role, caseID)
		return nil
	}); err != nil {
		return models.Session{}, err
	}
	if ok {
		return found, nil
	}

	s, err := c.api.OpenSession(ctx, api.OpenSessionRequest{ProviderID: providerID, ProviderRole: role, CaseID: caseID})
	if err != nil {
		return models.Session{}, err
	}
	err = c.exec(ctx, func() error {
		c.dir.Upsert(s)
		c.notify(models.NotifySessions, s.ID)
		return nil
	})
	return s, err
}

// RefreshSessions reloads the directory from the backend.
func (c *Coordinator) RefreshSessions(ctx context.Context) error {
	sessions, err := c.api.ListSessions(ctx)
	if err != nil {
		return err
	}
	return c.exec(ctx, func() error {
		for _, s := range sessions {
			c.dir.Upsert(s)
		}
		c.notify(models.NotifySessions, "")
		return nil
	})
}

// Upload stores an attachment on the backend and returns its URL.
func (c *Coordinator) Upload(ctx context.Context, filename, contentType string, r io.Reader) (api.Upload, error) {
	return c.api.Upload(ctx, filename, contentType, r)
}
