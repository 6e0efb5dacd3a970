// Package conn implements C4: the connection/session object that owns
// a channel table, drives the greetings exchange and the channel-0
// start/close protocol, and wires together the sequencer (C5) and
// reader (C6) for one transport. A *Connection is the weak-back-pointer
// target every Channel holds via channel.ConnLink (spec.md §9),
// avoiding the import cycle a direct two-way reference would create.
package conn

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cppla/beepd/channel"
	"github.com/cppla/beepd/channel0"
	"github.com/cppla/beepd/frame"
	"github.com/cppla/beepd/internal/beeperrors"
	"github.com/cppla/beepd/internal/log"
	"github.com/cppla/beepd/mime"
	"github.com/cppla/beepd/profile"
	"github.com/cppla/beepd/reader"
	"github.com/cppla/beepd/sequencer"
	"github.com/cppla/beepd/taskpool"
	"github.com/cppla/beepd/transport"
)

// Role distinguishes which side of the channel-numbering convention a
// connection follows (spec.md §4.7: "initiator uses odd numbers,
// listener uses even").
type Role int

const (
	RoleInitiator Role = iota
	RoleListener
)

// Options configures a Connection. Pool and Registry are required and
// are normally shared across every connection a beepctx.Context manages.
type Options struct {
	Pool     *taskpool.Pool
	Registry *profile.Registry

	ServerName string
	Features   string
	Localize   string

	LocalWindow     uint32
	MaxFrameSize    uint32
	WriteTimeout    time.Duration
	GreetingTimeout time.Duration
	RequestTimeout  time.Duration

	// OnAccepted, when set, runs synchronously on the accepting side
	// before the greeting exchange (spec.md §4.11's on-accepted hook).
	OnAccepted func(c *Connection) error
}

func (o *Options) setDefaults() {
	if o.LocalWindow == 0 {
		o.LocalWindow = 4096
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = 4096
	}
	if o.GreetingTimeout == 0 {
		o.GreetingTimeout = 60 * time.Second
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 60 * time.Second
	}
}

// ch0Outcome is what a channel-0 MSG request (start/close) eventually
// resolves to.
type ch0Outcome struct {
	profileReply *channel0.ProfileReply
	errReply     *channel0.ErrorReply
}

// Connection is one BEEP session (spec.md §4.4).
type Connection struct {
	id   string
	t    transport.Transport
	role Role
	opts Options

	mu       sync.Mutex
	channels map[uint32]*channel.Channel
	nextNum  uint32
	closed   bool

	ch0 *channel.Channel

	seq        *sequencer.Sequencer
	readerConn *reader.Conn

	refs int32

	onCloseMu sync.Mutex
	onClose   []func(*Connection)
	closeOnce sync.Once

	dataMu sync.Mutex
	data    map[string]any

	greetingOnce sync.Once
	greetingDone chan struct{}
	greetingErr  error
	PeerFeatures string
	PeerLocalize string
	PeerProfiles []string

	// ch0Mu serializes channel-0 request/reply round trips (spec.md
	// §4.7: "strictly ordered, one outstanding request at a time").
	ch0Mu      sync.Mutex
	waitersMu  sync.Mutex
	ch0Waiters map[uint32]chan ch0Outcome
}

var ch0MIME = mime.Header{
	"Content-Type":              channel0.ContentType,
	"Content-Transfer-Encoding": channel0.TransferEncoding,
}

// New dials nothing itself; it wraps an already-connected transport as
// an initiator session, sends the greeting, and waits for the peer's
// (spec.md §4.4's `new(host, port, options, on-connected)`, split here
// since dialing is transport.Dial's job and the channel-0 greeting
// exchange is this package's).
func New(t transport.Transport, opts Options) (*Connection, error) {
	return newConnection(t, RoleInitiator, opts)
}

// Accept wraps an already-accepted transport as a listener-side
// session. opts.OnAccepted, if set, runs before the greeting exchange.
func Accept(t transport.Transport, opts Options) (*Connection, error) {
	return newConnection(t, RoleListener, opts)
}

func newConnection(t transport.Transport, role Role, opts Options) (*Connection, error) {
	opts.setDefaults()
	c := &Connection{
		id:           uuid.NewString(),
		t:            t,
		role:         role,
		opts:         opts,
		channels:     make(map[uint32]*channel.Channel),
		data:         make(map[string]any),
		refs:         1,
		greetingDone: make(chan struct{}),
		ch0Waiters:   make(map[uint32]chan ch0Outcome),
	}
	if role == RoleInitiator {
		c.nextNum = 1
	} else {
		c.nextNum = 2
	}

	c.ch0 = channel.New(0, "", c, opts.LocalWindow)
	// Channel 0 carries the management protocol and is open for the
	// entire lifetime of the session; unlike every other channel it
	// never goes through a <start> negotiation (RFC 3080 §2.3).
	c.ch0.MarkOpen()
	// Channel-0 traffic is dispatched one message at a time (spec.md
	// §4.7: "strictly ordered, one outstanding request at a time").
	c.ch0.SetSerialize(true)
	c.channels[0] = c.ch0

	if role == RoleListener && opts.OnAccepted != nil {
		if err := opts.OnAccepted(c); err != nil {
			_ = t.Close()
			return nil, err
		}
	}

	c.seq = sequencer.New(t, c.channelSnapshot, opts.MaxFrameSize, opts.WriteTimeout, false, c.onSequencerBroken)
	c.readerConn = reader.NewConn(t, c)

	go c.seq.Run()
	go c.readerConn.Run()

	if err := c.performGreeting(); err != nil {
		c.Shutdown()
		return nil, err
	}
	return c, nil
}

// channelSnapshot returns a stable ordering of the channel table for
// the sequencer's round-robin sweep.
func (c *Connection) channelSnapshot() []*channel.Channel {
	c.mu.Lock()
	out := make([]*channel.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Number() < out[j].Number() })
	return out
}

func (c *Connection) onSequencerBroken(err error) {
	log.Logger.Warn("conn: sequencer write failed, shutting down", zap.String("conn", c.id), zap.Error(err))
	c.Shutdown()
}

// ID is the opaque identifier used to disambiguate this connection in
// log fields (spec.md §9 redesign guidance: no global connection table).
func (c *Connection) ID() string { return c.id }

// Role reports whether this connection numbers channels as an
// initiator or a listener.
func (c *Connection) Role() Role { return c.role }

// Channel looks up an open (or negotiating) channel by number.
func (c *Connection) Channel(number uint32) (*channel.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[number]
	return ch, ok
}

// Ref/Unref adjust the connection's reference count and return the new
// value. Nothing else consults the count: Close and Shutdown proceed
// whatever its value, and Unref reaching zero neither closes nor
// releases the connection.
func (c *Connection) Ref() int32   { return atomic.AddInt32(&c.refs, 1) }
func (c *Connection) Unref() int32 { return atomic.AddInt32(&c.refs, -1) }

// AddOnClose registers a handler fired exactly once, in registration
// order, from the goroutine that first observes the disconnect
// (spec.md §4.4's on-close invocation contract). Handlers must not
// block on the connection's own state.
func (c *Connection) AddOnClose(h func(*Connection)) {
	c.onCloseMu.Lock()
	defer c.onCloseMu.Unlock()
	c.onClose = append(c.onClose, h)
}

// SetData/Data implement the per-connection string-keyed extension map
// profile plug-ins use for their own state (spec.md §4.4, replacing the
// original's vortex_connection_set_data).
func (c *Connection) SetData(key string, value any) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	c.data[key] = value
}

func (c *Connection) Data(key string) (any, bool) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

// allocateChannelNumber returns the next channel number this side of
// the connection is entitled to use, per the odd/even convention, and
// never reuses a number within the session (spec.md §4.7).
func (c *Connection) allocateChannelNumber() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.nextNum
	c.nextNum += 2
	return n
}

// Close requests a clean shutdown: it asks every open channel (in
// ascending channel-number order) to close via the channel-0 protocol, then the session itself, returning
// once the peer has agreed to every request (spec.md §4.4).
func (c *Connection) Close() error {
	chans := c.channelSnapshot()
	for _, ch := range chans {
		if ch.Number() == 0 || ch.State() != channel.Open {
			continue
		}
		if !ch.CanClose() {
			return beeperrors.New(beeperrors.ChannelCloseRefused, fmt.Sprintf("channel %d has outstanding replies", ch.Number()))
		}
	}
	for _, ch := range chans {
		if ch.Number() == 0 || ch.State() != channel.Open {
			continue
		}
		if err := ch.Close(); err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.channels, ch.Number())
		c.mu.Unlock()
	}
	if err := c.closeSession(); err != nil {
		return err
	}
	c.Shutdown()
	return nil
}

// Shutdown drops the transport immediately and fires every on-close
// handler exactly once (spec.md §4.4's hard shutdown path).
func (c *Connection) Shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		chans := make([]*channel.Channel, 0, len(c.channels))
		for _, ch := range c.channels {
			chans = append(chans, ch)
		}
		c.mu.Unlock()

		for _, ch := range chans {
			ch.ForceClose()
		}

		c.readerConn.Stop()
		c.seq.Stop()
		_ = c.t.Close()

		c.onCloseMu.Lock()
		handlers := append([]func(*Connection){}, c.onClose...)
		c.onCloseMu.Unlock()
		for _, h := range handlers {
			h(c)
		}
	})
}

// NotifyReady implements channel.ConnLink.
func (c *Connection) NotifyReady(channelNumber uint32) { c.seq.Wake() }

// EmitSeq implements channel.ConnLink: SEQ frames carry no payload and
// are not subject to flow control, so they bypass the sequencer's
// message queue entirely (spec.md §4.2, §4.6).
func (c *Connection) EmitSeq(channelNumber, ackno, window uint32) {
	buf := frame.EncodeSeq(channelNumber, ackno, window)
	if _, err := c.t.Write(buf); err != nil {
		log.Logger.Warn("conn: SEQ write failed", zap.String("conn", c.id), zap.Uint32("channel", channelNumber), zap.Error(err))
		c.Shutdown()
	}
}

// RequestClose implements channel.ConnLink by running the channel-0
// <close> round trip and applying the outcome to the channel's state
// machine (spec.md §4.2, §4.7).
func (c *Connection) RequestClose(channelNumber uint32, code int) error {
	if code == 0 {
		code = channel0.Code200Success
	}
	ch, ok := c.Channel(channelNumber)
	if !ok {
		return beeperrors.New(beeperrors.ChannelCloseRefused, "unknown channel")
	}
	payload, err := channel0.Marshal(&channel0.Close{Number: channelNumber, Code: code})
	if err != nil {
		return beeperrors.Wrap(beeperrors.ProtocolError, err, "encode close request")
	}
	outcome, err := c.sendCh0Request(payload)
	if err != nil {
		ch.OnCloseDeclined()
		return err
	}
	if outcome.errReply != nil {
		ch.OnCloseDeclined()
		return beeperrors.NewCoded(beeperrors.ChannelCloseRefused, outcome.errReply.Code, outcome.errReply.Text, outcome.errReply.Lang)
	}
	ch.OnCloseAccepted()
	c.mu.Lock()
	delete(c.channels, channelNumber)
	c.mu.Unlock()
	return nil
}

// closeSession requests the whole session be torn down via a <close
// number="0"/> on channel 0.
func (c *Connection) closeSession() error {
	payload, err := channel0.Marshal(&channel0.Close{Number: 0, Code: channel0.Code200Success})
	if err != nil {
		return beeperrors.Wrap(beeperrors.ProtocolError, err, "encode session close request")
	}
	outcome, err := c.sendCh0Request(payload)
	if err != nil {
		return err
	}
	if outcome.errReply != nil {
		return beeperrors.NewCoded(beeperrors.ChannelCloseRefused, outcome.errReply.Code, outcome.errReply.Text, outcome.errReply.Lang)
	}
	return nil
}
