package mqttd

import (
	"errors"
	"fmt"

	"github.com/golang-io/mqttd/packet"
)

var (
	// ErrSessionClosed is the outcome of every Sink call made after, or pending at, close.
	ErrSessionClosed = errors.New("mqttd: session closed")

	// ErrPacketIDExhausted means all 65535 outbound packet identifiers are in use.
	ErrPacketIDExhausted = errors.New("mqttd: packet identifiers exhausted")

	ErrHandshakeTimeout  = errors.New("mqttd: handshake timeout")
	ErrKeepAliveTimeout  = errors.New("mqttd: keep alive timeout")
	ErrProtocolViolation = errors.New("mqttd: protocol violation")

	// ErrClientRoleOnly is returned by Sink operations that only a client may start.
	ErrClientRoleOnly = errors.New("mqttd: operation requires the client role")

	// ErrNoSubscription is returned by Sink.Forward when no subscription matches.
	ErrNoSubscription = errors.New("mqttd: no matching subscription")

	// ErrServerClosed is returned by the Server's Serve methods after Shutdown.
	ErrServerClosed = errors.New("mqttd: server closed")

	// errNormalClose marks a close that both ends agreed on. It never reaches handlers.
	errNormalClose = errors.New("mqttd: normal close")
)

// DisconnectError is a close cause that is announced to the peer with a DISCONNECT
// carrying Code, where the protocol version and role allow it.
type DisconnectError struct {
	Code packet.ReasonCode
	Err  error
}

func (e *DisconnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("mqttd: disconnect: %v", e.Code)
	}
	return fmt.Sprintf("%v: %v", e.Err, e.Code)
}

func (e *DisconnectError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Err, e.Code}
}

func disconnect(code packet.ReasonCode, err error) error {
	return &DisconnectError{Code: code, Err: err}
}

// violation builds the cause for a protocol error detected by the dispatcher.
func violation(code packet.ReasonCode) error {
	return disconnect(code, ErrProtocolViolation)
}

// reasonOf returns the reason code carried by err, or fallback.
func reasonOf(err error, fallback packet.ReasonCode) packet.ReasonCode {
	if rc, ok := packet.CodeOf(err); ok && rc.Failed() {
		return rc
	}
	return fallback
}
