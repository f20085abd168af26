package ws

import (
	"testing"

	"github.com/pliu/peerchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameKnownTypes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Frame
	}{
		{
			name: "new message",
			in:   `{"type":"new_message","message":{"id":"m1","sender":{"identity":"a"},"content":"hi","timestamp":5}}`,
			want: NewMessageFrame{Message: models.Message{ID: "m1", Sender: models.Sender{Identity: "a"}, Content: "hi", Timestamp: 5}},
		},
		{
			name: "created",
			in:   `{"type":"message_created","id":"m1"}`,
			want: MessageCreatedFrame{ID: "m1"},
		},
		{
			name: "error",
			in:   `{"type":"error","reason":"nope"}`,
			want: ErrorFrame{Reason: "nope"},
		},
		{
			name: "send",
			in:   `{"type":"send_message","message":{"id":"m2","sender":{"identity":"b"},"content":"yo","timestamp":6}}`,
			want: SendMessageFrame{Message: models.Message{ID: "m2", Sender: models.Sender{Identity: "b"}, Content: "yo", Timestamp: 6}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFrame([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeFrameUnknownType(t *testing.T) {
	in := `{"type":"typing","who":"bob"}`
	got, err := DecodeFrame([]byte(in))
	require.NoError(t, err)

	unknown, ok := got.(UnknownFrame)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, "typing", unknown.Type())
	assert.JSONEq(t, in, string(unknown.Raw))
}

func TestDecodeFrameMalformed(t *testing.T) {
	for _, in := range []string{
		`not json`,
		`{"reason":"no type"}`,
		`{"type":"new_message"}`,
		`{"type":"send_message"}`,
	} {
		_, err := DecodeFrame([]byte(in))
		assert.ErrorIs(t, err, ErrMalformedFrame, in)
	}
}

func TestEncodeFrame(t *testing.T) {
	data, err := EncodeFrame(MessageCreatedFrame{ID: "m1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message_created","id":"m1"}`, string(data))

	data, err = EncodeFrame(ErrorFrame{Reason: "bad"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","reason":"bad"}`, string(data))

	data, err = EncodeFrame(NewMessageFrame{Message: models.Message{ID: "m1", Sender: models.Sender{Identity: "a"}, Content: "hi", Timestamp: 1}})
	require.NoError(t, err)
	back, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, "hi", back.(NewMessageFrame).Message.Content)
}
