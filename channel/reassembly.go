package channel

import (
	"fmt"

	"github.com/cppla/beepd/frame"
	"github.com/cppla/beepd/internal/beeperrors"
	"github.com/cppla/beepd/mime"
	"github.com/cppla/beepd/profile"
)

// reassemblyKey distinguishes the three message spaces that can be
// in flight concurrently on one channel: a MSG the peer sent us, a
// single RPY/ERR/NUL reply to a MSG we sent, and one numbered ANS in a
// reply series to a MSG we sent (spec.md §3: "only one in-progress MSG
// with a given msgno at any time", generalized to cover ANS's extra
// dimension).
type reassemblyKey struct {
	class int // 0=MSG, 1=ANS, 2=RPY/ERR/NUL
	msgno uint32
	ansno uint32
}

func keyFor(f *frame.Frame) reassemblyKey {
	switch f.Type {
	case frame.MSG:
		return reassemblyKey{class: 0, msgno: f.Msgno}
	case frame.ANS:
		return reassemblyKey{class: 1, msgno: f.Msgno, ansno: f.Ansno}
	default:
		return reassemblyKey{class: 2, msgno: f.Msgno}
	}
}

// Ingest applies one inbound data frame (spec.md §4.6): it validates the
// frame's seqno against the channel's expected next inbound seqno,
// updates flow-control accounting, appends the payload to the
// in-progress reassembly, and returns a ready-to-dispatch Message when
// either the complete-flag is off (the Message then holds only this
// frame's body) or the frame was terminal. emitSeq/ackno/window report
// the SEQ hysteresis signal computed here (set once more than half the
// local window has been consumed since the last SEQ) so callers can
// avoid a second lock round-trip.
func (c *Channel) Ingest(f *frame.Frame) (msg *profile.Message, dispatchable bool, emitSeq bool, ackno, window uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f.Seqno != c.nextExpectedInboundSeq {
		return nil, false, false, 0, 0, beeperrors.New(beeperrors.ProtocolError,
			fmt.Sprintf("channel %d: unexpected seqno %d, want %d", c.number, f.Seqno, c.nextExpectedInboundSeq))
	}

	n := uint32(len(f.Payload))
	c.nextExpectedInboundSeq += n
	c.bytesFreedSinceAck += n
	if c.bytesFreedSinceAck*2 > c.localWindow {
		emitSeq = true
		ackno = c.nextExpectedInboundSeq
		window = c.localWindow
		c.bytesFreedSinceAck = 0
	}

	key := keyFor(f)
	entry, started := c.reassembling[key]
	body := f.Payload
	var hdr mime.Header
	if !started {
		hdr, body, err = mime.Split(f.Payload)
		if err != nil {
			return nil, false, emitSeq, ackno, window, beeperrors.Wrap(beeperrors.ProtocolError, err, "mime parse failed on first frame")
		}
		entry = &reassembly{mimeHdr: hdr, started: true}
		c.reassembling[key] = entry
	}
	entry.payload = append(entry.payload, body...)

	if !c.completeFlag {
		out := &profile.Message{
			Type:        f.Type.String(),
			Msgno:       f.Msgno,
			HasAnsno:    f.HasAnsno,
			Ansno:       f.Ansno,
			MIMEHeaders: entry.mimeHdr,
			Payload:     append([]byte(nil), body...),
			More:        f.More,
		}
		if !f.More {
			delete(c.reassembling, key)
			c.retireLocked(f)
		}
		return out, true, emitSeq, ackno, window, nil
	}

	if f.More {
		return nil, false, emitSeq, ackno, window, nil
	}

	out := &profile.Message{
		Type:        f.Type.String(),
		Msgno:       f.Msgno,
		HasAnsno:    f.HasAnsno,
		Ansno:       f.Ansno,
		MIMEHeaders: entry.mimeHdr,
		Payload:     entry.payload,
	}
	delete(c.reassembling, key)
	c.retireLocked(f)
	return out, true, emitSeq, ackno, window, nil
}

// retireLocked updates pending-reply bookkeeping once a complete message
// has been delivered; caller holds c.mu.
func (c *Channel) retireLocked(f *frame.Frame) {
	switch f.Type {
	case frame.MSG:
		// Peer's MSG awaits our reply; record it so Close() can refuse
		// while it is outstanding (spec.md §4.2's close policy).
		c.pending[f.Msgno] = &pendingReply{outbound: false}
		c.outstanding++
	case frame.RPY, frame.ERR:
		if _, ok := c.pending[f.Msgno]; ok {
			delete(c.pending, f.Msgno)
			c.outstanding--
		}
	case frame.NUL:
		if _, ok := c.pending[f.Msgno]; ok {
			delete(c.pending, f.Msgno)
			c.outstanding--
		}
	}
}

// TakeWaiter removes and returns the synchronous-wait channel registered
// for msgno, if any (spec.md §5).
func (c *Channel) TakeWaiter(msgno uint32) (chan SendResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waitersTable[msgno]
	if ok {
		delete(c.waitersTable, msgno)
	}
	return w, ok
}

// FrameReceivedHandler returns the currently installed handler, if any.
func (c *Channel) FrameReceivedHandler() profile.FrameReceivedHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onFrame
}

// Serialize reports whether dispatch must be single-flight for this
// channel.
func (c *Channel) Serialize() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serialize
}
