// Package sequencer implements C5: the per-connection scheduler that
// slices outbound messages into frames honoring each channel's
// remote-window limit, encodes them via package frame, and writes them
// to the transport in round-robin fairness across the connection's
// channels. Exactly one Sequencer runs per connection (spec.md §4.5,
// §5), serializing all writes for that connection by construction —
// grounded on smux's sendLoop/shaperLoop split (other_examples,
// xtaci/kcptun vendor copy), generalized here to the window-aware,
// per-channel-queue scheduling BEEP's spec calls for instead of smux's
// flat priority channel.
package sequencer

import (
	"time"

	"go.uber.org/zap"

	"github.com/cppla/beepd/channel"
	"github.com/cppla/beepd/frame"
	"github.com/cppla/beepd/internal/beeperrors"
	"github.com/cppla/beepd/internal/log"
	"github.com/cppla/beepd/transport"
)

// Sequencer drains ready channels of one connection onto its transport.
type Sequencer struct {
	t        transport.Transport
	channels func() []*channel.Channel

	maxFrameSize uint32
	writeTimeout time.Duration
	closeOnTimeout bool

	onBroken func(error)

	wake chan struct{}
	stop chan struct{}

	rrIndex int
}

// New constructs a Sequencer. channelsFn must return a stable-enough
// snapshot of the connection's channel table for one scheduling pass;
// package conn supplies it backed by its channel-table mutex.
func New(t transport.Transport, channelsFn func() []*channel.Channel, maxFrameSize uint32, writeTimeout time.Duration, closeOnTimeout bool, onBroken func(error)) *Sequencer {
	if maxFrameSize == 0 {
		maxFrameSize = 4096
	}
	return &Sequencer{
		t:              t,
		channels:       channelsFn,
		maxFrameSize:   maxFrameSize,
		writeTimeout:   writeTimeout,
		closeOnTimeout: closeOnTimeout,
		onBroken:       onBroken,
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
	}
}

// Wake marks that new outbound work or newly available window may exist,
// so the Run loop should take another scheduling pass (spec.md §4.5:
// "message-enqueue wakes the sequencer; SEQ reception ... wakes the
// sequencer if the channel was blocked on window").
func (s *Sequencer) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop terminates the Run loop.
func (s *Sequencer) Stop() {
	close(s.stop)
}

// Run drives the scheduling loop until Stop is called or a write fails.
// It is meant to be invoked as `go seq.Run()` once per connection.
func (s *Sequencer) Run() {
	for {
		progressed := s.drainOnePass()
		if progressed {
			continue
		}
		select {
		case <-s.stop:
			return
		case <-s.wake:
			continue
		}
	}
}

// drainOnePass makes one round-robin sweep across ready channels,
// writing one frame per ready channel per sweep (fairness: spec.md §4.5
// "round-robin across channels of the same connection"), and reports
// whether it wrote anything.
func (s *Sequencer) drainOnePass() bool {
	chans := s.channels()
	if len(chans) == 0 {
		return false
	}
	wrote := false
	n := len(chans)
	for i := 0; i < n; i++ {
		idx := (s.rrIndex + i) % n
		ch := chans[idx]
		if !ch.Ready() {
			continue
		}
		if s.writeOneFrame(ch) {
			wrote = true
		}
	}
	s.rrIndex = (s.rrIndex + 1) % n
	return wrote
}

// writeOneFrame asks ch for its next frame within the configured max
// frame size and writes it to the transport.
func (s *Sequencer) writeOneFrame(ch *channel.Channel) bool {
	f, ok, err := ch.NextFrame(s.maxFrameSize)
	if err != nil {
		log.Logger.Warn("sequencer: NextFrame failed", zap.Uint32("channel", ch.Number()), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	buf, err := frame.Encode(f)
	if err != nil {
		log.Logger.Error("sequencer: encode failed", zap.Uint32("channel", ch.Number()), zap.Error(err))
		return false
	}

	if s.writeTimeout > 0 {
		_ = s.t.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	_, werr := s.t.Write(buf)
	if s.writeTimeout > 0 {
		_ = s.t.SetWriteDeadline(time.Time{})
	}
	if werr != nil {
		broken := beeperrors.Wrap(beeperrors.TransportClosed, werr, "sequencer write failed")
		if s.onBroken != nil {
			s.onBroken(broken)
		}
		return false
	}
	return true
}
