package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"legalaid-chat/internal/models"
)

const maxErrorBody = 4 << 10

// StatusError is returned for any non-2xx backend response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: backend returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 or 410 from the backend.
func IsNotFound(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone
	}
	return false
}

// OpenSessionRequest is the body of POST /sessions.
type OpenSessionRequest struct {
	ProviderID   string              `json:"providerId"`
	ProviderRole models.ProviderRole `json:"providerRole"`
	CaseID       string              `json:"caseId,omitempty"`
}

// HistoryQuery selects a page of GET /sessions/{id}/messages.
type HistoryQuery struct {
	Before string
	Limit  int
}

// Upload is the result of POST /uploads.
type Upload struct {
	URL  string                `json:"url"`
	Type models.AttachmentType `json:"type"`
}

// Client wraps the legal-aid backend REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient constructs a Client for baseURL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// ListSessions returns the viewer's sessions.
func (c *Client) ListSessions(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	err := c.do(ctx, "api.list_sessions", http.MethodGet, "/sessions", nil, &sessions)
	return sessions, err
}

// OpenSession gets or creates the session for a provider and optional case.
func (c *Client) OpenSession(ctx context.Context, req OpenSessionRequest) (models.Session, error) {
	var session models.Session
	err := c.do(ctx, "api.open_session", http.MethodPost, "/sessions", req, &session)
	return session, err
}

// History fetches one page of a session's messages.
func (c *Client) History(ctx context.Context, sessionID string, q HistoryQuery) ([]models.Message, error) {
	params := url.Values{}
	if q.Before != "" {
		params.Set("before", q.Before)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var msgs []models.Message
	if err := c.do(ctx, "api.history", http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Status = models.StatusConfirmed
		if msgs[i].IsDeleted {
			msgs[i] = msgs[i].Tombstone()
		}
	}
	return msgs, nil
}

// MarkRead marks every message of the session read for the viewer.
func (c *Client) MarkRead(ctx context.Context, sessionID string) error {
	return c.do(ctx, "api.mark_read", http.MethodPatch, "/sessions/"+url.PathEscape(sessionID)+"/read", nil, nil)
}

// DeleteMessage soft-deletes a message. The tombstone arrives on the topic.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, "api.delete_message", http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
}

// Upload sends a file as multipart form data and returns its URL.
func (c *Client) Upload(ctx context.Context, filename, contentType string, r io.Reader) (Upload, error) {
	ctx, span := otel.Tracer("legalaid-chat/api").Start(ctx, "api.upload", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return Upload{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return Upload{}, err
	}
	if err := mw.Close(); err != nil {
		return Upload{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/uploads", &body)
	if err != nil {
		return Upload{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out Upload
	if err := c.send(req, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Upload{}, err
	}
	if out.Type == "" {
		out.Type = attachmentTypeFor(contentType)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, spanName, method, path string, in, out any) error {
	ctx, span := otel.Tracer("legalaid-chat/api").Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.path", path))

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := c.send(req, out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: req.Method, Path: req.URL.Path, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func attachmentTypeFor(contentType string) models.AttachmentType {
	if strings.HasPrefix(contentType, "image/") {
		return models.AttachmentImage
	}
	return models.AttachmentFile
}
