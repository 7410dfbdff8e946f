package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"legalaid-chat/internal/api"
	"legalaid-chat/internal/models"
)

// APIMock mocks the backend REST client.
type APIMock struct {
	mock.Mock
}

func (m *APIMock) ListSessions(ctx context.Context) ([]models.Session, error) {
	args := m.Called(ctx)
	var list []models.Session
	if val := args.Get(0); val != nil {
		list = val.([]models.Session)
	}
	return list, args.Error(1)
}

func (m *APIMock) OpenSession(ctx context.Context, req api.OpenSessionRequest) (models.Session, error) {
	args := m.Called(ctx, req)
	var session models.Session
	if val := args.Get(0); val != nil {
		session = val.(models.Session)
	}
	return session, args.Error(1)
}

func (m *APIMock) History(ctx context.Context, sessionID string, q api.HistoryQuery) ([]models.Message, error) {
	args := m.Called(ctx, sessionID, q)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *APIMock) MarkRead(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *APIMock) DeleteMessage(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *APIMock) Upload(ctx context.Context, filename, contentType string, r io.Reader) (api.Upload, error) {
	args := m.Called(ctx, filename, contentType, r)
	var up api.Upload
	if val := args.Get(0); val != nil {
		up = val.(api.Upload)
	}
	return up, args.Error(1)
}

// FramePublisherMock mocks the outbound half of a transport.
type FramePublisherMock struct {
	mock.Mock
}

func (m *FramePublisherMock) Publish(ctx context.Context, destination string, payload any) error {
	args := m.Called(ctx, destination, payload)
	return args.Error(0)
}

// PendingRepositoryMock mocks the pending-send outbox.
type PendingRepositoryMock struct {
	mock.Mock
}

func (m *PendingRepositoryMock) Save(ctx context.Context, msg models.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *PendingRepositoryMock) Delete(ctx context.Context, clientID string) error {
	args := m.Called(ctx, clientID)
	return args.Error(0)
}

func (m *PendingRepositoryMock) ListBySession(ctx context.Context, sessionID string) ([]models.Message, error) {
	args := m.Called(ctx, sessionID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *PendingRepositoryMock) List(ctx context.Context) ([]models.Message, error) {
	args := m.Called(ctx)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

// LookupMock mocks a message store lookup.
type LookupMock struct {
	mock.Mock
}

func (m *LookupMock) Find(sessionID, key string) (models.Message, bool) {
	args := m.Called(sessionID, key)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Bool(1)
}
