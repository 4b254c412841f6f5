package nats

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by session operations.
var (
	// ErrNotConnected is returned by every operation on a session that is not Ready.
	ErrNotConnected = errors.New("nats: not connected")
	// ErrConnectionClosed is the close reason of a session closed by its owner.
	ErrConnectionClosed = errors.New("nats: connection closed")
	// ErrBrokenPipe is returned when the stream accepts zero bytes of a write.
	ErrBrokenPipe = errors.New("nats: broken pipe or lost connection")
	// ErrEmptyResponse is the message of an empty or unterminated inbound line.
	ErrEmptyResponse = errors.New("empty response")
	// ErrNoSubscription is returned when a MSG frame references an unknown sid.
	ErrNoSubscription = errors.New("no subscription found")
	// ErrInvalidSubject is returned for empty subjects or subjects containing whitespace.
	ErrInvalidSubject = errors.New("nats: invalid subject")
	// ErrMaxPayload is returned when a publish exceeds the server's max_payload.
	ErrMaxPayload = errors.New("nats: maximum payload exceeded")
	// ErrMessageTooLarge is returned when an inbound payload exceeds the allowed size.
	ErrMessageTooLarge = errors.New("nats: message too large")
	// ErrDispatchDepth is returned when handlers nest dispatch loops too deeply.
	ErrDispatchDepth = errors.New("nats: dispatch nested too deeply")
	// ErrNoReply is returned when responding to a message that cannot be answered.
	ErrNoReply = errors.New("nats: message has no reply subject")
)

// ConfigurationError reports an unknown option name or an invalid option value.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("nats: invalid configuration option %q: %s", e.Key, e.Reason)
}

// ConnectionError reports a rejected handshake or a failed read/write.
// The session is unusable after one is returned.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("nats: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a frame the client cannot reconcile with its own state.
type ProtocolError struct {
	Reason string
	Line   string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return "nats: protocol error: " + e.Reason
	}
	return fmt.Sprintf("nats: protocol error: %s (%q)", e.Reason, e.Line)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(line []byte, format string, args ...any) error {
	return errors.WithStack(&ProtocolError{Reason: fmt.Sprintf(format, args...), Line: string(line)})
}

func connectionError(op string, err error) error {
	return &ConnectionError{Op: op, Err: err}
}
