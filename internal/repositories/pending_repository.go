package repositories

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"legalaid-chat/internal/models"
)

// PendingRepository is the outbox of sends the server has not confirmed.
type PendingRepository interface {
	Save(ctx context.Context, msg models.Message) error
	Delete(ctx context.Context, clientID string) error
	ListBySession(ctx context.Context, sessionID string) ([]models.Message, error)
	List(ctx context.Context) ([]models.Message, error)
}

type pendingRow struct {
	ClientID       string    `db:"client_id"`
	SessionID      string    `db:"session_id"`
	SenderID       string    `db:"sender_id"`
	SenderRole     string    `db:"sender_role"`
	Content        string    `db:"content"`
	AttachmentURL  string    `db:"attachment_url"`
	AttachmentType string    `db:"attachment_type"`
	ReplyToID      string    `db:"reply_to_id"`
	Status         string    `db:"status"`
	FailureReason  string    `db:"failure_reason"`
	CreatedAt      time.Time `db:"created_at"`
}

func rowFrom(m models.Message) pendingRow {
	return pendingRow{
		ClientID:       m.ClientID,
		SessionID:      m.SessionID,
		SenderID:       m.SenderID,
		SenderRole:     m.SenderRole,
		Content:        m.Content,
		AttachmentURL:  m.AttachmentURL,
		AttachmentType: string(m.AttachmentType),
		ReplyToID:      m.ReplyToID,
		Status:         string(m.Status),
		FailureReason:  m.FailureReason,
		CreatedAt:      m.Timestamp,
	}
}

func (r pendingRow) message() models.Message {
	return models.Message{
		ClientID:       r.ClientID,
		SessionID:      r.SessionID,
		SenderID:       r.SenderID,
		SenderRole:     r.SenderRole,
		Content:        r.Content,
		AttachmentURL:  r.AttachmentURL,
		AttachmentType: models.AttachmentType(r.AttachmentType),
		ReplyToID:      r.ReplyToID,
		Status:         models.DeliveryStatus(r.Status),
		FailureReason:  r.FailureReason,
		Timestamp:      r.CreatedAt.UTC(),
	}
}

// PendingRepo is a sqlx-backed outbox.
type PendingRepo struct {
	db *sqlx.DB
}

// NewPendingRepo constructs PendingRepo.
func NewPendingRepo(db *sqlx.DB) *PendingRepo {
	return &PendingRepo{db: db}
}

// Save inserts or updates a pending send.
func (r *PendingRepo) Save(ctx context.Context, msg models.Message) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO pending_messages
        (client_id, session_id, sender_id, sender_role, content, attachment_url, attachment_type, reply_to_id, status, failure_reason, created_at)
        VALUES (:client_id, :session_id, :sender_id, :sender_role, :content, :attachment_url, :attachment_type, :reply_to_id, :status, :failure_reason, :created_at)
        ON CONFLICT (client_id) DO UPDATE SET status = EXCLUDED.status, failure_reason = EXCLUDED.failure_reason, updated_at = NOW()`,
		rowFrom(msg))
	return err
}

// Delete removes a send once it is confirmed or discarded.
func (r *PendingRepo) Delete(ctx context.Context, clientID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pending_messages WHERE client_id=$1`, clientID)
	return err
}

const pendingColumns = `client_id, session_id, sender_id, sender_role, content, attachment_url, attachment_type, reply_to_id, status, failure_reason, created_at`

// ListBySession returns a session's pending sends, oldest first.
func (r *PendingRepo) ListBySession(ctx context.Context, sessionID string) ([]models.Message, error) {
	var rows []pendingRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+pendingColumns+` FROM pending_messages WHERE session_id=$1 ORDER BY created_at ASC, client_id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return toMessages(rows), nil
}

// List returns every pending send, oldest first.
func (r *PendingRepo) List(ctx context.Context) ([]models.Message, error) {
	var rows []pendingRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+pendingColumns+` FROM pending_messages ORDER BY created_at ASC, client_id ASC`)
	if err != nil {
		return nil, err
	}
	return toMessages(rows), nil
}

func toMessages(rows []pendingRow) []models.Message {
	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out
}
