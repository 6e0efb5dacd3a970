package listener

import "net"

// peekedTransport replays peeked bytes before the underlying
// connection's own stream, so a port-sharing handler that only peeked
// at the first bytes doesn't lose them once it claims the connection.
// Write/Close/LocalAddr/RemoteAddr/*Deadline are inherited from the
// embedded net.Conn unchanged.
type peekedTransport struct {
	net.Conn
	leftover []byte
}

func (t *peekedTransport) Read(p []byte) (int, error) {
	if len(t.leftover) > 0 {
		n := copy(p, t.leftover)
		t.leftover = t.leftover[n:]
		return n, nil
	}
	return t.Conn.Read(p)
}
