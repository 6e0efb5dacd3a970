// Package quictransport adapts a QUIC stream to transport.Transport,
// exercising github.com/quic-go/quic-go — a dependency the teacher's
// go.mod already carried but never wired into any code path. BEEP's
// transport-collaborator contract (spec.md §6) explicitly allows
// transports beyond plain TCP/TLS/WebSocket ("caller-supplied ...
// transports all conform to this interface"); a QUIC stream is one more
// instance of the same contract, picking up QUIC's built-in
// congestion control (DialStream uses a plain handshake, without 0-RTT
// early data) as an alternative to BEEP's
// own channel windowing for the underlying byte pipe (the two operate
// at different layers and do not conflict: BEEP's per-channel window
// still governs how much unacknowledged application payload may be in
// flight on top of whatever the stream itself buffers).
package quictransport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// Transport wraps one QUIC stream plus its parent connection (for
// LocalAddr/RemoteAddr, which belong to the connection, not the stream).
type Transport struct {
	conn   quic.Connection
	stream quic.Stream
}

// New wraps an already-open stream on conn.
func New(conn quic.Connection, stream quic.Stream) *Transport {
	return &Transport{conn: conn, stream: stream}
}

// DialStream opens a new QUIC connection to addr and opens its first
// (and, for a BEEP session, only) bidirectional stream synchronously —
// the QUIC-transport equivalent of transport.Dial.
func DialStream(ctx context.Context, addr string, tlsConf *tls.Config) (*Transport, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return New(conn, stream), nil
}

// AcceptStream accepts the first incoming stream on an already-accepted
// QUIC connection. Package listener accepts TCP only and does not call
// it.
func AcceptStream(ctx context.Context, conn quic.Connection) (*Transport, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return New(conn, stream), nil
}

func (t *Transport) Read(p []byte) (int, error)  { return t.stream.Read(p) }
func (t *Transport) Write(p []byte) (int, error) { return t.stream.Write(p) }
func (t *Transport) Close() error                { return t.stream.Close() }

func (t *Transport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *Transport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func (t *Transport) SetReadDeadline(tm time.Time) error  { return t.stream.SetReadDeadline(tm) }
func (t *Transport) SetWriteDeadline(tm time.Time) error { return t.stream.SetWriteDeadline(tm) }
