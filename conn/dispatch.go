package conn

import (
	"go.uber.org/zap"

	"github.com/cppla/beepd/channel"
	"github.com/cppla/beepd/frame"
	"github.com/cppla/beepd/internal/beeperrors"
	"github.com/cppla/beepd/internal/log"
	"github.com/cppla/beepd/profile"
)

// DeliverSeq implements reader.Demux: applies an inbound SEQ frame to
// the named channel's flow-control state and wakes the sequencer if it
// became ready as a result (spec.md §4.6).
func (c *Connection) DeliverSeq(channelNumber, ackno, window uint32) {
	ch, ok := c.Channel(channelNumber)
	if !ok {
		return
	}
	if ch.HandleSeq(ackno, window) {
		c.seq.Wake()
	}
}

// DeliverChannelZero implements reader.Demux: channel 0 is reassembled
// through the same window/MIME machinery as any other channel, then
// dispatched to the channel-0 protocol handler (spec.md §4.6, §4.7).
func (c *Connection) DeliverChannelZero(f *frame.Frame) {
	c.ingestAndDispatch(c.ch0, f, c.handleChannel0Message)
}

// DeliverData implements reader.Demux for any non-zero channel: it
// reassembles the frame and, once a complete message is ready, hands it
// to the channel's installed frame-received handler (spec.md §4.6).
func (c *Connection) DeliverData(f *frame.Frame) {
	ch, ok := c.Channel(f.Channel)
	if !ok {
		log.Logger.Warn("conn: frame for unknown channel", zap.String("conn", c.id), zap.Uint32("channel", f.Channel))
		return
	}
	c.ingestAndDispatch(ch, f, func(msg *profile.Message) {
		if handler := ch.FrameReceivedHandler(); handler != nil {
			handler(nil, c, f.Channel, *msg)
		}
		isReply := msg.Type == "RPY" || msg.Type == "ERR" || msg.Type == "NUL"
		if !isReply || msg.More {
			return
		}
		if w, ok := ch.TakeWaiter(msg.Msgno); ok {
			result := channel.SendResult{Msg: *msg}
			if msg.Type == "ERR" {
				result.Err = decodeMessageError(*msg)
			}
			select {
			case w <- result:
			default:
			}
		}
	})
}

// ingestAndDispatch runs ch.Ingest for f, emits a SEQ if the hysteresis
// threshold was crossed, and — once a deliverable message results —
// submits deliver to the channel's serial worker (if Serialize is on)
// or the shared thread pool, so the reader's own goroutine never blocks
// in user code (spec.md §4.6).
func (c *Connection) ingestAndDispatch(ch *channel.Channel, f *frame.Frame, deliver func(*profile.Message)) {
	msg, dispatchable, emitSeq, ackno, window, err := ch.Ingest(f)
	if err != nil {
		c.OnProtocolError(err)
		return
	}
	if emitSeq {
		c.EmitSeq(ch.Number(), ackno, window)
	}
	if !dispatchable {
		return
	}
	run := func() { deliver(msg) }
	if ch.Serialize() {
		ch.Enqueue(run)
		return
	}
	c.opts.Pool.Submit(run)
}

// decodeMessageError turns an ERR-typed reply into a *beeperrors.Error
// for a synchronous SendAndWait caller; the body is plain text per
// spec.md §4.1, not necessarily XML (channel-0's own ERR replies are
// handled separately in channel0.go).
func decodeMessageError(msg profile.Message) error {
	return beeperrors.New(beeperrors.ChannelStartRefused, string(msg.Payload))
}

// OnProtocolError implements reader.Demux: any decode or reassembly
// failure is fatal to the connection (spec.md §4.6).
func (c *Connection) OnProtocolError(err error) {
	log.Logger.Warn("conn: protocol error, shutting down", zap.String("conn", c.id), zap.Error(err))
	c.Shutdown()
}

// OnTransportClosed implements reader.Demux for a clean peer FIN or a
// reset detected by the reader's zero-byte read (spec.md §4.6).
func (c *Connection) OnTransportClosed() {
	log.Logger.Debug("conn: transport closed", zap.String("conn", c.id))
	c.Shutdown()
}
