// Package listener implements C11: a passive socket that accepts
// connections, applies a per-remote-host accept-rate limit before
// anything else runs (the teacher's WAF ipCache pattern from
// controller/server.go, repurposed here), supports port sharing via a
// peek-then-claim handler chain, and otherwise hands a claimed
// connection off to package conn for the greeting exchange.
package listener

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/cppla/beepd/conn"
	"github.com/cppla/beepd/internal/beeperrors"
	"github.com/cppla/beepd/internal/log"
	"github.com/cppla/beepd/transport"
)

// Handler is one port-sharing claimant: Claim inspects the first bytes
// read from a freshly accepted connection and reports whether it owns
// the protocol those bytes belong to (spec.md §4.11's port-sharing
// rule: "the first to claim gets to own it"). Accept then runs with
// the connection, peeked bytes included.
type Handler struct {
	Name  string
	Claim func(peek []byte) bool
	// ConnOptions builds per-connection conn.Options (e.g. with
	// OnAccepted set for that handler's on-accepted hook); Accept is
	// called with the resulting transport.
	ConnOptions func() conn.Options
}

// Options configures a Listener.
type Options struct {
	Network string // "tcp" or "tcp6"; default "tcp" (dual-stack via Go's net package)
	Addr    string // host:port

	// OnReady fires once the socket is bound (spec.md §4.11).
	OnReady func(addr net.Addr)

	// AcceptRatePerIP bounds accepted connections per remote host per
	// RateWindow before the pre-accept hook starts rejecting (0
	// disables the limiter).
	AcceptRatePerIP int
	RateWindow      time.Duration

	// PeekBytes bounds how many bytes are read before handlers are
	// asked to claim the connection.
	PeekBytes int
}

func (o *Options) setDefaults() {
	if o.Network == "" {
		o.Network = "tcp"
	}
	if o.RateWindow == 0 {
		o.RateWindow = 30 * time.Second
	}
	if o.PeekBytes == 0 {
		o.PeekBytes = 64
	}
}

// Listener is a bound socket serving one or more port-sharing handlers.
type Listener struct {
	opts     Options
	sock     net.Listener
	rateCache *cache.Cache

	mu       sync.Mutex
	handlers []Handler
	stopped  bool
}

// New binds opts.Addr and starts accepting in a background goroutine.
// Attach handlers with AddHandler before or after New returns; a
// connection accepted before any handler is attached is simply closed
// once its peek completes with no claimant.
func New(opts Options) (*Listener, error) {
	opts.setDefaults()
	sock, err := net.Listen(opts.Network, opts.Addr)
	if err != nil {
		return nil, beeperrors.Wrap(beeperrors.ResourceExhausted, err, "listen failed")
	}
	l := &Listener{opts: opts, sock: sock}
	if opts.AcceptRatePerIP > 0 {
		l.rateCache = cache.New(opts.RateWindow, 2*opts.RateWindow)
	}
	if opts.OnReady != nil {
		opts.OnReady(sock.Addr())
	}
	go l.acceptLoop()
	return l, nil
}

// AddHandler registers a port-sharing claimant. Handlers are tried in
// registration order.
func (l *Listener) AddHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	return l.sock.Close()
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.sock.Addr() }

func (l *Listener) acceptLoop() {
	for {
		c, err := l.sock.Accept()
		if err != nil {
			l.mu.Lock()
			stopped := l.stopped
			l.mu.Unlock()
			if !stopped {
				log.Logger.Warn("listener: accept failed", zap.String("addr", l.opts.Addr), zap.Error(err))
			}
			return
		}
		if !l.admit(c) {
			_ = c.Close()
			continue
		}
		go l.serve(c)
	}
}

// admit applies the pre-accept rate limiter (spec.md §4.11's
// pre-accept hook runs synchronously on accept, before greetings).
func (l *Listener) admit(c net.Conn) bool {
	if l.rateCache == nil {
		return true
	}
	host := remoteHost(c)
	if count, found := l.rateCache.Get(host); found && count.(int) >= l.opts.AcceptRatePerIP {
		log.Logger.Warn("listener: accept rate exceeded", zap.String("host", host))
		return false
	} else if found {
		_ = l.rateCache.Increment(host, 1)
	} else {
		l.rateCache.Set(host, 1, cache.DefaultExpiration)
	}
	return true
}

func remoteHost(c net.Conn) string {
	addr := c.RemoteAddr().String()
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[:idx]
	}
	return addr
}

// serve peeks the first bytes off c, offers them to each handler in
// order, and lets the first claimant take ownership (spec.md §4.11's
// port-sharing rule).
func (l *Listener) serve(c net.Conn) {
	peek := make([]byte, l.opts.PeekBytes)
	n, err := c.Read(peek)
	if err != nil {
		_ = c.Close()
		return
	}
	peek = peek[:n]

	l.mu.Lock()
	handlers := append([]Handler{}, l.handlers...)
	l.mu.Unlock()

	for _, h := range handlers {
		if !h.Claim(peek) {
			continue
		}
		t := transport.Transport(&peekedTransport{Conn: c, leftover: peek})
		connOpts := h.ConnOptions()
		if _, err := conn.Accept(t, connOpts); err != nil {
			log.Logger.Warn("listener: greeting failed", zap.String("handler", h.Name), zap.Error(err))
		}
		return
	}
	log.Logger.Debug("listener: no handler claimed connection", zap.String("addr", c.RemoteAddr().String()))
	_ = c.Close()
}
