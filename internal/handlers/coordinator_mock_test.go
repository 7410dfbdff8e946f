package handlers

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"legalaid-chat/internal/api"
	"legalaid-chat/internal/composer"
	"legalaid-chat/internal/coordinator"
	"legalaid-chat/internal/models"
)

// coordinatorMock mocks the coordinator surface used by the handlers.
type coordinatorMock struct {
	mock.Mock
}

func (m *coordinatorMock) Sessions() []models.Session {
	args := m.Called()
	var list []models.Session
	if val := args.Get(0); val != nil {
		list = val.([]models.Session)
	}
	return list
}

func (m *coordinatorMock) Session(sessionID string) (models.Session, bool) {
	args := m.Called(sessionID)
	return args.Get(0).(models.Session), args.Bool(1)
}

func (m *coordinatorMock) RefreshSessions(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *coordinatorMock) OpenSession(ctx context.Context, providerID string, role models.ProviderRole, caseID string) (models.Session, error) {
	args := m.Called(ctx, providerID, role, caseID)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *coordinatorMock) SelectSession(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *coordinatorMock) RetryHistory(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *coordinatorMock) MarkRead(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *coordinatorMock) Status() coordinator.Status {
	return m.Called().Get(0).(coordinator.Status)
}

func (m *coordinatorMock) Messages(sessionID string) []models.Message {
	args := m.Called(sessionID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs
}

func (m *coordinatorMock) Page(sessionID, beforeID string, limit int) ([]models.Message, bool, error) {
	args := m.Called(sessionID, beforeID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Bool(1), args.Error(2)
}

func (m *coordinatorMock) LoadOlder(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *coordinatorMock) Send(ctx context.Context, sessionID string, d composer.Draft) (models.Message, error) {
	args := m.Called(ctx, sessionID, d)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *coordinatorMock) Edit(ctx context.Context, sessionID, messageID, content string) error {
	return m.Called(ctx, sessionID, messageID, content).Error(0)
}

func (m *coordinatorMock) Delete(ctx context.Context, sessionID, messageID string) error {
	return m.Called(ctx, sessionID, messageID).Error(0)
}

func (m *coordinatorMock) RetrySend(ctx context.Context, sessionID, clientID string) (models.Message, error) {
	args := m.Called(ctx, sessionID, clientID)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *coordinatorMock) RemovePending(ctx context.Context, sessionID, clientID string) error {
	return m.Called(ctx, sessionID, clientID).Error(0)
}

func (m *coordinatorMock) Keystroke(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *coordinatorMock) StopTyping(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *coordinatorMock) TypingUsers(sessionID string) []string {
	args := m.Called(sessionID)
	var users []string
	if val := args.Get(0); val != nil {
		users = val.([]string)
	}
	return users
}

func (m *coordinatorMock) Upload(ctx context.Context, filename, contentType string, r io.Reader) (api.Upload, error) {
	args := m.Called(ctx, filename, contentType, r)
	return args.Get(0).(api.Upload), args.Error(1)
}
