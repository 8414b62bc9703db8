package broker

import (
	"errors"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/registry"
	"github.com/Tyrowin/roomchat/internal/session"
)

// Broker errors
var (
	ErrUnauthorized       = errors.New("connection is not authenticated")
	ErrNotAMember         = errors.New("connection is not a member of the room")
	ErrPersistenceFailure = errors.New("message could not be saved")
)

// ErrorCode maps an error returned by a Handle method to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return protocol.CodeUnauthorized
	case errors.Is(err, ErrNotAMember):
		return protocol.CodeNotAMember
	case errors.Is(err, registry.ErrUnknownConnection):
		return protocol.CodeUnknownConnection
	case errors.Is(err, protocol.ErrMalformedEvent), errors.Is(err, session.ErrUnknownEvent):
		return protocol.CodeMalformedEvent
	case errors.Is(err, ErrPersistenceFailure):
		return protocol.CodePersistenceFailure
	default:
		return protocol.CodeInternal
	}
}

// publicMessage is the text sent to clients. Storage and internal failures
// are not described beyond their code.
func publicMessage(code string, err error) string {
	switch code {
	case protocol.CodeMalformedEvent:
		return err.Error()
	case protocol.CodeUnauthorized:
		return ErrUnauthorized.Error()
	case protocol.CodeNotAMember:
		return ErrNotAMember.Error()
	case protocol.CodeUnknownConnection:
		return registry.ErrUnknownConnection.Error()
	case protocol.CodePersistenceFailure:
		return ErrPersistenceFailure.Error()
	default:
		return "internal error"
	}
}

// isInputError reports gateway rejections caused by the message content.
func isInputError(err error) bool {
	return errors.Is(err, chat.ErrEmptyText) ||
		errors.Is(err, chat.ErrTextTooLong) ||
		errors.Is(err, chat.ErrInvalidType)
}
