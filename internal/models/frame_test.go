package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameMessageWithoutType(t *testing.T) {
	f, err := ParseFrame([]byte(`{"id":"m-42","sessionId":"s1","senderId":"u2","content":"Hello","timestamp":"2024-05-01T10:00:00Z","clientMessageId":"c-1"}`))
	require.NoError(t, err)
	require.Equal(t, FrameMessage, f.Kind)
	require.NotNil(t, f.Message)
	assert.Equal(t, "m-42", f.Message.ID)
	assert.Equal(t, "c-1", f.Message.ClientID)
	assert.Equal(t, StatusConfirmed, f.Message.Status)
}

func TestParseFrameDeletedMessageIsTombstoned(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"MESSAGE","id":"m-1","sessionId":"s1","content":"secret","attachmentUrl":"http://x/y.png","isDeleted":true,"timestamp":"2024-05-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.True(t, f.Message.IsDeleted)
	assert.Empty(t, f.Message.Content)
	assert.Empty(t, f.Message.AttachmentURL)
}

func TestParseFrameTypingAndReceipt(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"TYPING","userId":"u2","isTyping":true}`))
	require.NoError(t, err)
	require.Equal(t, FrameTyping, f.Kind)
	assert.Equal(t, "u2", f.Typing.UserID)
	assert.True(t, f.Typing.IsTyping)

	f, err = ParseFrame([]byte(`{"type":"READ_RECEIPT","readerId":"u2"}`))
	require.NoError(t, err)
	require.Equal(t, FrameReadReceipt, f.Kind)
	assert.Equal(t, "u2", f.Receipt.ReaderID)
}

func TestParseFrameRejection(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"ERROR","clientMessageId":"c-9","error":"session closed"}`))
	require.NoError(t, err)
	require.Equal(t, FrameError, f.Kind)
	assert.Equal(t, "c-9", f.Reject.ClientID)
}

func TestParseFrameErrors(t *testing.T) {
	_, err := ParseFrame([]byte(`{"type":"PRESENCE"}`))
	assert.ErrorIs(t, err, ErrUnknownFrame)

	_, err = ParseFrame([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseFrame([]byte(`{"content":"no id"}`))
	assert.Error(t, err)
}

func TestMessagePreview(t *testing.T) {
	assert.Equal(t, "hi", Message{Content: "hi"}.Preview())
	assert.Equal(t, "[Image]", Message{AttachmentURL: "u", AttachmentType: AttachmentImage}.Preview())
	assert.Equal(t, "[File]", Message{AttachmentURL: "u", AttachmentType: AttachmentFile}.Preview())
	assert.Equal(t, "Message deleted", Message{Content: "hi", IsDeleted: true}.Preview())
}
