// Package composer validates outbound intents and publishes them.
package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"legalaid-chat/internal/models"
	"legalaid-chat/internal/observability"
)

var (
	ErrEmptyMessage      = errors.New("message has no content and no attachment")
	ErrNotSender         = errors.New("only the sender may change a message")
	ErrInvalidReply      = errors.New("reply target is not a message of this session")
	ErrInvalidAttachment = errors.New("unknown attachment type")
	ErrUnknownMessage    = errors.New("message is not confirmed")
	ErrMessageDeleted    = errors.New("message is deleted")
)

// Publisher is the outbound half of the transport.
type Publisher interface {
	Publish(ctx context.Context, destination string, payload any) error
}

// Remover deletes messages through the REST API.
type Remover interface {
	DeleteMessage(ctx context.Context, messageID string) error
}

// Lookup resolves messages already in the store.
type Lookup interface {
	Find(sessionID, key string) (models.Message, bool)
}

// Draft is what the viewer wants to send. Attachments must already be
// uploaded; only the URL travels with the message.
type Draft struct {
	Content        string                `json:"content"`
	ReplyToID      string                `json:"replyToId,omitempty"`
	AttachmentURL  string                `json:"attachmentUrl,omitempty"`
	AttachmentType models.AttachmentType `json:"attachmentType,omitempty"`
}

// Options identifies the viewer. Now and NewID default to time.Now and uuid.
type Options struct {
	ViewerID   string
	ViewerRole string
	Now        func() time.Time
	NewID      func() string
}

// Composer builds optimistic messages and dispatches envelopes.
type Composer struct {
	opts   Options
	pub    Publisher
	remove Remover
	lookup Lookup
	log    *zap.Logger
}

// New constructs a Composer.
func New(opts Options, pub Publisher, remove Remover, lookup Lookup, log *zap.Logger) *Composer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Composer{
		opts:   opts,
		pub:    pub,
		remove: remove,
		lookup: lookup,
		log:    log.With(zap.String("component", "composer")),
	}
}

// Prepare validates a draft and returns the optimistic local message. Nothing
// is published.
func (c *Composer) Prepare(sessionID string, d Draft) (models.Message, error) {
	content := strings.TrimSpace(d.Content)
	if content == "" && d.AttachmentURL == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if d.AttachmentURL == "" {
		d.AttachmentType = ""
	} else if d.AttachmentType == "" {
		d.AttachmentType = models.AttachmentFile
	}
	if !d.AttachmentType.Valid() {
		return models.Message{}, fmt.Errorf("%w: %q", ErrInvalidAttachment, d.AttachmentType)
	}
	if d.ReplyToID != "" {
		target, ok := c.lookup.Find(sessionID, d.ReplyToID)
		if !ok || target.IsLocal() || target.SessionID != sessionID {
			return models.Message{}, ErrInvalidReply
		}
	}

	return models.Message{
		ClientID:       c.opts.NewID(),
		SessionID:      sessionID,
		SenderID:       c.opts.ViewerID,
		SenderRole:     c.opts.ViewerRole,
		Content:        content,
		AttachmentURL:  d.AttachmentURL,
		AttachmentType: d.AttachmentType,
		ReplyToID:      d.ReplyToID,
		Timestamp:      c.opts.Now().UTC(),
		Status:         models.StatusPending,
	}, nil
}

// Dispatch publishes a local message. A failed publish leaves it PENDING;
// no delivery is assumed.
func (c *Composer) Dispatch(ctx context.Context, msg models.Message) models.Message {
	env := models.SendEnvelope{
		ClientID:       msg.ClientID,
		SessionID:      msg.SessionID,
		SenderID:       msg.SenderID,
		SenderRole:     msg.SenderRole,
		Content:        msg.Content,
		ReplyToID:      msg.ReplyToID,
		AttachmentURL:  msg.AttachmentURL,
		AttachmentType: msg.AttachmentType,
	}
	if err := c.pub.Publish(ctx, models.DestSendMessage, env); err != nil {
		c.log.Warn("send kept pending",
			zap.String("session_id", msg.SessionID),
			zap.String("client_id", msg.ClientID),
			zap.Error(err),
		)
		observability.IncSend("pending")
		msg.Status = models.StatusPending
		msg.FailureReason = ""
		return msg
	}
	observability.IncSend("sent")
	msg.Status = models.StatusSent
	msg.FailureReason = ""
	return msg
}

func (c *Composer) checkOwned(msg models.Message) error {
	if msg.IsLocal() {
		return ErrUnknownMessage
	}
	if msg.SenderID != c.opts.ViewerID {
		return ErrNotSender
	}
	if msg.IsDeleted {
		return ErrMessageDeleted
	}
	return nil
}

// Edit publishes new content for a confirmed message sent by the viewer.
// The store changes only when the edit comes back on the topic.
func (c *Composer) Edit(ctx context.Context, msg models.Message, content string) error {
	if err := c.checkOwned(msg); err != nil {
		return err
	}
	content = strings.TrimSpace(content)
	if content == "" && msg.AttachmentURL == "" {
		return ErrEmptyMessage
	}
	return c.pub.Publish(ctx, models.DestEditMessage, models.EditEnvelope{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		SenderID:  c.opts.ViewerID,
		Content:   content,
	})
}

// Delete asks the backend to delete a message. The tombstone is not applied
// here; it arrives on the topic.
func (c *Composer) Delete(ctx context.Context, msg models.Message) error {
	if err := c.checkOwned(msg); err != nil {
		return err
	}
	return c.remove.DeleteMessage(ctx, msg.ID)
}

// Typing publishes the viewer's typing state.
func (c *Composer) Typing(ctx context.Context, sessionID string, isTyping bool) error {
	return c.pub.Publish(ctx, models.DestTyping, models.TypingEvent{
		Type:      string(models.FrameTyping),
		SessionID: sessionID,
		UserID:    c.opts.ViewerID,
		IsTyping:  isTyping,
	})
}
