// Package channel implements C2: per-channel state, the start/close
// state machine, flow-control window accounting, the pending-replies
// table, and inbound reassembly. A Channel never talks to a socket
// directly; it hands frames to its ConnLink (the owning Connection,
// referenced only through this narrow interface to avoid an import
// cycle and to keep the weak-back-pointer discipline spec.md §9
// recommends in place of the original's manual refcounted back-pointer).
package channel

import (
	"sync"

	"github.com/cppla/beepd/feeder"
	"github.com/cppla/beepd/frame"
	"github.com/cppla/beepd/internal/beeperrors"
	"github.com/cppla/beepd/mime"
	"github.com/cppla/beepd/profile"
)

// State is a channel's position in the start/close state machine
// (spec.md §4.2).
type State int

const (
	Negotiating State = iota
	Open
	ClosingOut
	ClosingIn
	Dead
)

func (s State) String() string {
	switch s {
	case Negotiating:
		return "Negotiating"
	case Open:
		return "Open"
	case ClosingOut:
		return "ClosingOut"
	case ClosingIn:
		return "ClosingIn"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// ConnLink is the narrow surface a Channel needs from its owning
// connection: handing outbound work to the sequencer and requesting
// channel-0 actions. Implemented by *conn.Connection.
type ConnLink interface {
	// NotifyReady wakes the per-connection sequencer because channelNumber
	// has new outbound work or newly available window.
	NotifyReady(channelNumber uint32)
	// RequestClose starts the channel-0 <close> exchange for channelNumber.
	RequestClose(channelNumber uint32, code int) error
	// EmitSeq sends a SEQ frame for channelNumber with the given ackno and
	// window immediately (bypassing the sequencer's message queue, since
	// SEQ frames carry no payload and are not subject to flow control).
	EmitSeq(channelNumber, ackno, window uint32)
}

// pendingReply tracks one MSG awaiting a reply, keyed by msgno, or one
// received MSG awaiting our reply.
type pendingReply struct {
	outbound bool // true: we sent MSG and await RPY/ERR/ANS..NUL; false: peer sent MSG and awaits our reply
	ansSeen  bool // ANS series seen (only meaningful for inbound MSG we must answer)
}

// OutboundMessage is one message enqueued for transmission, sliced into
// frames by the sequencer via NextFrame.
type OutboundMessage struct {
	Type     frame.Type
	Msgno    uint32
	HasAnsno bool
	Ansno    uint32
	MIME     mime.Header
	Feeder   feeder.Feeder

	firstFrameSent bool
	// waiter is never set by this package: synchronous send-and-wait
	// callers (spec.md §5) are tracked in Channel.waitersTable, keyed by
	// msgno, instead.
	waiter chan SendResult
}

// SendResult is delivered to a waiter for a synchronous send.
type SendResult struct {
	Msg profile.Message
	Err error
}

// reassembly accumulates fragments of one inbound message (keyed by
// type+msgno) until the terminal frame arrives.
type reassembly struct {
	mimeHdr mime.Header
	payload []byte
	started bool
}

// Channel is one bidirectional BEEP stream (spec.md §3, §4.2).
type Channel struct {
	mu sync.Mutex

	number     uint32
	profileURI string
	link       ConnLink

	state State

	// flow control (spec.md §4.2)
	nextOutboundSeq uint32
	lastAckedSeq    uint32
	remoteWindow    uint32

	nextExpectedInboundSeq uint32
	localWindow            uint32
	bytesFreedSinceAck     uint32

	// outbound
	nextMsgno      uint32
	outbound       []*OutboundMessage
	pending        map[uint32]*pendingReply // keyed by msgno
	outstanding    int

	// inbound reassembly, keyed by reassemblyKey so that a peer MSG, a
	// reply to one of our MSGs, and each numbered ANS sharing one msgno
	// are reassembled separately (see reassembly.go).
	reassembling map[reassemblyKey]*reassembly

	serialize    bool
	completeFlag bool
	ready        bool

	onFrame profile.FrameReceivedHandler
	onClose func(code int, msg string) // local notification when peer requests close

	serializeQueue chan func()
	serializeOnce  sync.Once

	waitersTable map[uint32]chan SendResult
}

// New constructs a channel in the Negotiating state. Callers (the
// channel-0 start logic in package conn) transition it to Open once the
// peer accepts.
func New(number uint32, profileURI string, link ConnLink, localWindow uint32) *Channel {
	return &Channel{
		number:       number,
		profileURI:   profileURI,
		link:         link,
		state:        Negotiating,
		remoteWindow: 4096, // spec.md §3: initial remote window
		localWindow:  localWindow,
		pending:      make(map[uint32]*pendingReply),
		reassembling: make(map[reassemblyKey]*reassembly),
		completeFlag: true,
	}
}

func (c *Channel) Number() uint32     { return c.number }
func (c *Channel) ProfileURI() string { return c.profileURI }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// MarkOpen transitions Negotiating -> Open and marks the channel ready
// for traffic (spec.md §4.2's state table).
func (c *Channel) MarkOpen() {
	c.mu.Lock()
	c.state = Open
	c.ready = true
	c.mu.Unlock()
}

// MarkDead transitions to Dead, e.g. on start refusal or connection
// teardown.
func (c *Channel) MarkDead() {
	c.mu.Lock()
	c.state = Dead
	c.mu.Unlock()
}

// SetFrameReceived replaces the delivery callback (spec.md §4.2).
func (c *Channel) SetFrameReceived(h profile.FrameReceivedHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = h
}

// SetCloseNotify installs the local handler invoked when the peer
// requests this channel be closed.
func (c *Channel) SetCloseNotify(h func(code int, msg string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = h
}

// SetSerialize toggles strictly-ordered, non-reentrant dispatch for this
// channel (spec.md §4.2, §5).
func (c *Channel) SetSerialize(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serialize = v
}

// SetCompleteFlag toggles whether fragmented messages are reassembled
// before dispatch.
func (c *Channel) SetCompleteFlag(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeFlag = v
}

// SetWindowSize changes the advertised local window, effective on the
// next SEQ we emit (spec.md §4.2).
func (c *Channel) SetWindowSize(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localWindow = n
}

// Outstanding reports the number of messages awaiting a reply, in either
// direction (spec.md §3's invariant: outstanding-messages >= 0).
func (c *Channel) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// Ready reports whether the channel has outbound work the sequencer can
// make progress on right now (spec.md §4.5: enqueued message and
// remote_window > in-flight bytes).
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbound) == 0 {
		return false
	}
	inFlight := c.nextOutboundSeq - c.lastAckedSeq // wraps correctly as unsigned
	return c.remoteWindow > inFlight
}

// errChannelClosed and errWindowViolation are the sentinel Send errors
// named in spec.md §4.2.
func errChannelClosed() error {
	return beeperrors.New(beeperrors.ChannelStartRefused, "channel is not open")
}

func errWindowViolation() error {
	return beeperrors.New(beeperrors.WindowViolation, "attempted to exceed advertised remote window")
}
