// Package beeperrors implements the error taxonomy from spec.md §7.
package beeperrors

import "fmt"

// Kind enumerates the error taxonomy of spec.md §7.
type Kind int

const (
	// ProtocolError is wire corruption, a bad frame, unexpected seqno, a
	// MIME parse failure, or a channel-0 DTD violation. Fatal to the
	// connection.
	ProtocolError Kind = iota
	// ChannelStartRefused means the peer replied <error> to a <start>.
	ChannelStartRefused
	// ChannelCloseRefused means the peer or a local handler declined close.
	ChannelCloseRefused
	// WindowViolation means a send attempted to exceed the advertised
	// remote window; a programmer error, not fatal to the connection.
	WindowViolation
	// Timeout means a synchronous wait exceeded its deadline.
	Timeout
	// TransportClosed means the socket observed a clean FIN or a reset.
	TransportClosed
	// ResourceExhausted means a socket, channel-number, or memory limit
	// was reached.
	ResourceExhausted
	// HandlerFailure means a user handler panicked or returned an
	// uncaught failure; the connection continues.
	HandlerFailure
)

func (k Kind) String() string {
	switch k {
	case ProtocolError:
		return "ProtocolError"
	case ChannelStartRefused:
		return "ChannelStartRefused"
	case ChannelCloseRefused:
		return "ChannelCloseRefused"
	case WindowViolation:
		return "WindowViolation"
	case Timeout:
		return "Timeout"
	case TransportClosed:
		return "TransportClosed"
	case ResourceExhausted:
		return "ResourceExhausted"
	case HandlerFailure:
		return "HandlerFailure"
	default:
		return "UnknownError"
	}
}

// Error is the user-visible failure type carried across the core: kind,
// an optional BEEP channel-0 reply code, a textual message, and an
// optional xml:lang tag (RFC 3080 §8 error replies carry one).
type Error struct {
	Kind    Kind
	Code    int // channel-0 reply code (e.g. 550), 0 when not applicable
	Message string
	Lang    string // xml:lang, empty when not applicable
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func NewCoded(kind Kind, code int, message, lang string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Lang: lang}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s(%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Kind alone via a sentinel constructed with
// New(kind, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}
