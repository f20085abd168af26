package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pliu/peerchat/internal/models"
)

// Frame type discriminators as sent on the wire.
const (
	TypeNewMessage     = "new_message"
	TypeMessageCreated = "message_created"
	TypeError          = "error"
	TypeSendMessage    = "send_message"
)

// ErrMalformedFrame is returned by DecodeFrame for invalid JSON or a known
// frame type missing its payload.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one push-channel frame. The concrete type is one of
// NewMessageFrame, MessageCreatedFrame, ErrorFrame, SendMessageFrame or
// UnknownFrame.
type Frame interface {
	Type() string
	isFrame()
}

// NewMessageFrame is pushed by a host when a message is appended.
type NewMessageFrame struct {
	Message models.Message
}

// MessageCreatedFrame acknowledges a SendMessageFrame.
type MessageCreatedFrame struct {
	ID string
}

// ErrorFrame reports a failure to the peer. The connection stays open.
type ErrorFrame struct {
	Reason string
}

// SendMessageFrame carries a message from a client to the host.
type SendMessageFrame struct {
	Message models.Message
}

// UnknownFrame is any well-formed frame with an unrecognized type.
type UnknownFrame struct {
	Kind string
	Raw  json.RawMessage
}

func (NewMessageFrame) Type() string     { return TypeNewMessage }
func (MessageCreatedFrame) Type() string { return TypeMessageCreated }
func (ErrorFrame) Type() string          { return TypeError }
func (SendMessageFrame) Type() string    { return TypeSendMessage }
func (f UnknownFrame) Type() string      { return f.Kind }

func (NewMessageFrame) isFrame()     {}
func (MessageCreatedFrame) isFrame() {}
func (ErrorFrame) isFrame()          {}
func (SendMessageFrame) isFrame()    {}
func (UnknownFrame) isFrame()        {}

type wireFrame struct {
	Type    string          `json:"type"`
	Message *models.Message `json:"message,omitempty"`
	ID      string          `json:"id,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// EncodeFrame serializes f. UnknownFrame values are written back verbatim.
func EncodeFrame(f Frame) ([]byte, error) {
	var w wireFrame
	switch f := f.(type) {
	case NewMessageFrame:
		w = wireFrame{Type: TypeNewMessage, Message: &f.Message}
	case MessageCreatedFrame:
		w = wireFrame{Type: TypeMessageCreated, ID: f.ID}
	case ErrorFrame:
		w = wireFrame{Type: TypeError, Reason: f.Reason}
	case SendMessageFrame:
		w = wireFrame{Type: TypeSendMessage, Message: &f.Message}
	case UnknownFrame:
		return f.Raw, nil
	default:
		return nil, fmt.Errorf("ws: cannot encode %T", f)
	}
	return json.Marshal(w)
}

// DecodeFrame parses one text frame.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch w.Type {
	case TypeNewMessage:
		if w.Message == nil {
			return nil, fmt.Errorf("%w: %s without message", ErrMalformedFrame, w.Type)
		}
		return NewMessageFrame{Message: *w.Message}, nil
	case TypeSendMessage:
		if w.Message == nil {
			return nil, fmt.Errorf("%w: %s without message", ErrMalformedFrame, w.Type)
		}
		return SendMessageFrame{Message: *w.Message}, nil
	case TypeMessageCreated:
		return MessageCreatedFrame{ID: w.ID}, nil
	case TypeError:
		return ErrorFrame{Reason: w.Reason}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return UnknownFrame{Kind: w.Type, Raw: raw}, nil
	}
}
