package channel

import (
	"github.com/cppla/beepd/feeder"
	"github.com/cppla/beepd/frame"
	"github.com/cppla/beepd/internal/beeperrors"
	"github.com/cppla/beepd/mime"
)

// SendOptions carries the optional fields Send needs beyond type and
// payload.
type SendOptions struct {
	// Msgno must be set by the caller for RPY/ERR/ANS/NUL (it must match
	// the inbound MSG being answered); ignored for MSG, where the
	// channel allocates one.
	Msgno uint32
	// Ansno is required when Type == frame.ANS.
	Ansno    uint32
	HasAnsno bool
	MIME     mime.Header
}

// Send enqueues a message for transmission and returns the allocated
// msgno (for MSG) or the caller-supplied one (spec.md §4.2). payload is
// wrapped in a feeder.BytesFeeder; use SendFeeder to stream from a
// feeder.Feeder directly (e.g. feeder.FileFeeder).
func (c *Channel) Send(typ frame.Type, payload []byte, opts SendOptions) (uint32, error) {
	return c.SendFeeder(typ, feeder.NewBytes(payload), opts)
}

// SendFeeder is Send generalized to an arbitrary feeder.Feeder payload
// source (spec.md §4.5, §4.9).
func (c *Channel) SendFeeder(typ frame.Type, f feeder.Feeder, opts SendOptions) (uint32, error) {
	c.mu.Lock()
	if c.state != Open && c.state != ClosingIn {
		c.mu.Unlock()
		return 0, errChannelClosed()
	}

	var msgno uint32
	if typ == frame.MSG {
		msgno = c.nextMsgno
		c.nextMsgno++
		if _, exists := c.pending[msgno]; exists {
			c.mu.Unlock()
			return 0, beeperrors.New(beeperrors.WindowViolation, "msgno collision: reply still outstanding")
		}
		c.pending[msgno] = &pendingReply{outbound: true}
		c.outstanding++
	} else {
		msgno = opts.Msgno
		if typ != frame.ANS && typ != frame.NUL {
			// RPY/ERR answer and retire the pending inbound MSG.
			if p, ok := c.pending[msgno]; ok && !p.outbound {
				delete(c.pending, msgno)
				c.outstanding--
			}
		}
	}

	om := &OutboundMessage{
		Type:     typ,
		Msgno:    msgno,
		HasAnsno: opts.HasAnsno,
		Ansno:    opts.Ansno,
		MIME:     opts.MIME,
		Feeder:   f,
	}
	c.outbound = append(c.outbound, om)
	c.mu.Unlock()

	c.link.NotifyReady(c.number)
	return msgno, nil
}

// SendAndWait behaves like Send for a MSG but returns a channel that
// receives the matching RPY/ERR (or the final NUL of an ANS series) once
// it is dispatched by the reassembly layer, per spec.md §5. The caller
// is responsible for applying its own timeout (e.g. via select with
// time.After) and, on timeout, for calling DiscardWaiter so a late reply
// is dropped without leaking the channel.
func (c *Channel) SendAndWait(typ frame.Type, payload []byte, opts SendOptions) (uint32, chan SendResult, error) {
	if typ != frame.MSG {
		return 0, nil, beeperrors.New(beeperrors.ProtocolError, "SendAndWait is only valid for MSG")
	}
	msgno, err := c.Send(typ, payload, opts)
	if err != nil {
		return 0, nil, err
	}
	waiter := make(chan SendResult, 1)
	c.mu.Lock()
	if c.waitersTable == nil {
		c.waitersTable = make(map[uint32]chan SendResult)
	}
	c.waitersTable[msgno] = waiter
	c.mu.Unlock()
	return msgno, waiter, nil
}

// DiscardWaiter drops a pending synchronous-wait registration, e.g. after
// the caller's own timeout fires; a reply that arrives afterward is
// still delivered to any frame-received handler but is discarded by the
// wait path (spec.md §5: "the reply, if it later arrives, is discarded").
func (c *Channel) DiscardWaiter(msgno uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waitersTable, msgno)
}

// NextFrame is called by the sequencer to obtain the next frame to write
// for this channel, honoring maxPayload (the caller's frame-size limit,
// which NextFrame further clamps to the remaining remote window). It
// returns ok=false when the channel currently has nothing ready to send.
func (c *Channel) NextFrame(maxPayload uint32) (f *frame.Frame, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.outbound) == 0 {
		return nil, false, nil
	}
	inFlight := c.nextOutboundSeq - c.lastAckedSeq
	if c.remoteWindow <= inFlight {
		return nil, false, nil
	}
	avail := c.remoteWindow - inFlight
	if maxPayload > avail {
		maxPayload = avail
	}
	if maxPayload == 0 {
		return nil, false, nil
	}

	om := c.outbound[0]

	// The first frame of a message carries mime.Compose's header block
	// and blank-line separator on top of the feeder's bytes, so that
	// overhead must come out of the window budget before asking the
	// feeder for content, the same way feeder.FileFeeder's mimeBlankLine
	// accounting reserves its 2-byte prefix out of the caller's n.
	overhead := 0
	if !om.firstFrameSent {
		overhead = len(mime.Compose(om.MIME, "mixed", nil))
		if uint32(overhead) >= maxPayload {
			return nil, false, nil
		}
	}

	chunk, readErr := om.Feeder.Content(int(maxPayload) - overhead)
	if readErr == feeder.ErrPaused {
		return nil, false, nil
	}
	finished := om.Feeder.IsFinished()
	if readErr != nil && len(chunk) == 0 {
		finished = true
	}

	body := chunk
	if !om.firstFrameSent {
		body = mime.Compose(om.MIME, "mixed", chunk)
		om.firstFrameSent = true
	}

	out := &frame.Frame{
		Type:     om.Type,
		Channel:  c.number,
		Msgno:    om.Msgno,
		More:     !finished,
		Seqno:    c.nextOutboundSeq,
		Size:     uint32(len(body)),
		HasAnsno: om.HasAnsno,
		Ansno:    om.Ansno,
		Payload:  body,
	}
	c.nextOutboundSeq += uint32(len(body))

	if finished {
		c.outbound = c.outbound[1:]
	}
	return out, true, nil
}

