package session

import (
	"errors"

	"github.com/pliu/peerchat/internal/handlers"
	"github.com/pliu/peerchat/internal/remote"
	"github.com/pliu/peerchat/internal/securechannel"
	"github.com/pliu/peerchat/internal/server"
	"github.com/pliu/peerchat/internal/tunnel"
)

// FailureClass is a failure as the user sees it.
type FailureClass int

const (
	Other FailureClass = iota
	RecipientKeyUnknown
	TunnelFailed
	ConnectionLost
	MessageRejected
)

func (f FailureClass) String() string {
	switch f {
	case RecipientKeyUnknown:
		return "cannot encrypt: recipient key unknown"
	case TunnelFailed:
		return "tunnel could not be established"
	case ConnectionLost:
		return "lost connection to host"
	case MessageRejected:
		return "message rejected by host"
	default:
		return "unexpected error"
	}
}

// Classify maps err to the failure class shown to the user.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return Other
	case errors.Is(err, securechannel.ErrUnknownRecipient),
		errors.Is(err, remote.ErrUnknownToHost):
		return RecipientKeyUnknown
	case errors.Is(err, tunnel.ErrTunnel),
		errors.Is(err, server.ErrBindFailed):
		return TunnelFailed
	case errors.Is(err, remote.ErrTransport),
		errors.Is(err, remote.ErrBadResponse):
		return ConnectionLost
	case errors.Is(err, remote.ErrRejected),
		errors.Is(err, handlers.ErrUnopenable),
		errors.Is(err, handlers.ErrPlaintextRefused):
		return MessageRejected
	}
	return Other
}
