package core

import "errors"

var (
	// ErrUnauthorized is returned when the backend or the local credential
	// check rejects the credential. It is never retried.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrReconnectExhausted is reported once the reconnect attempts run out.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrNotConnected is returned by Publish when the event was dropped
	// because there is no established connection.
	ErrNotConnected = errors.New("not connected")
	// ErrSendBufferFull is returned by Publish when the write buffer of the
	// transport is full and the event was dropped.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrAlreadyConnecting is returned by Connect when a connection is already
	// being established or is established.
	ErrAlreadyConnecting = errors.New("already connecting")
	// ErrTransportClosed is returned by a transport that has been torn down.
	ErrTransportClosed = errors.New("transport closed")
	// ErrLoopClosed is returned when work is submitted to a stopped loop.
	ErrLoopClosed = errors.New("loop closed")
)

// Error is an error that carries whether its message is safe to show to a user.
type Error struct {
	msg string
	// Sensitive errors must not be displayed as is.
	Sensitive bool
}

func NewInsensitiveError(msg string) *Error {
	return &Error{msg: msg, Sensitive: false}
}

func (e *Error) Error() string {
	return e.msg
}

var (
	// ErrEmptyContent is returned when sending a message without content.
	ErrEmptyContent = NewInsensitiveError("message content cannot be empty")
	// ErrInvalidMessageType is returned for a message type outside text, image, file and emoji.
	ErrInvalidMessageType = NewInsensitiveError("invalid message type")
	// ErrInvalidConversation is returned for a zero conversation key.
	ErrInvalidConversation = NewInsensitiveError("invalid conversation")
)
