// Package transport defines the collaborator interface BEEP connections
// use to move bytes (spec.md §6): "a transport handle exposing ...
// send/receive ... plus a readable file-descriptor-equivalent for the
// multiplexer". Go's blocking-read-per-goroutine model (the idiom this
// port follows for C6, see package reader) makes the fd-equivalent
// unnecessary — any net.Conn-shaped type already satisfies Transport, so
// plain TCP, TLS-wrapped, and caller-supplied "external" transports need
// no adapter at all.
package transport

import (
	"net"
	"time"
)

// Transport is the minimal surface the core needs from a connection's
// underlying byte stream. Every *net.TCPConn, *tls.Conn, or net.Conn
// returned by a caller-supplied dialer already implements it.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Kind names the transport wrapping in effect, for logging and the
// channel-0 greeting's informational fields.
type Kind string

const (
	KindTCP      Kind = "tcp"
	KindTLS      Kind = "tls"
	KindWebSocket Kind = "websocket"
	KindQUIC     Kind = "quic"
	KindExternal Kind = "external"
)

// Dial opens a plain TCP transport, the default for an initiator
// connection (spec.md §4.4's Connection.new).
func Dial(network, addr string, timeout time.Duration) (Transport, error) {
	return net.DialTimeout(network, addr, timeout)
}
