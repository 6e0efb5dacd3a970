package conn

import (
	"time"

	"go.uber.org/zap"

	"github.com/cppla/beepd/channel"
	"github.com/cppla/beepd/channel0"
	"github.com/cppla/beepd/frame"
	"github.com/cppla/beepd/internal/beeperrors"
	"github.com/cppla/beepd/internal/log"
	"github.com/cppla/beepd/profile"
)

// StartChannelOptions configures an outgoing <start> request.
type StartChannelOptions struct {
	// Profiles is the ordered list of profile URIs offered to the peer;
	// the first one the peer accepts wins (spec.md §4.7).
	Profiles []string
	// Content, if set, is piggybacked on the first offered profile.
	Content string
	// Serialize opts this channel into strictly-ordered dispatch.
	Serialize bool
	// NoCompleteFlag opts out of reassembly, delivering each frame of a
	// fragmented message as it arrives instead of the whole message
	// (spec.md §4.2); most profiles want reassembly, hence the
	// complete-flag defaults on unless this is set.
	NoCompleteFlag bool
	OnFrame        profile.FrameReceivedHandler
	OnClose        func(code int, msg string)
}

// StartChannel runs the channel-0 <start> round trip and, on
// acceptance, creates and opens the new channel (spec.md §4.2, §4.7).
// Package pool builds on this for its auto-creating get-next-ready.
func (c *Connection) StartChannel(opts StartChannelOptions) (*channel.Channel, error) {
	if len(opts.Profiles) == 0 {
		return nil, beeperrors.New(beeperrors.ProtocolError, "start requires at least one offered profile")
	}
	number := c.allocateChannelNumber()

	offers := make([]channel0.StartProfile, len(opts.Profiles))
	for i, uri := range opts.Profiles {
		content := ""
		if i == 0 {
			content = opts.Content
		}
		offers[i] = channel0.StartProfile{URI: uri, Content: content}
	}
	payload, err := channel0.Marshal(&channel0.Start{
		Number:     number,
		ServerName: c.opts.ServerName,
		Profiles:   offers,
	})
	if err != nil {
		return nil, beeperrors.Wrap(beeperrors.ProtocolError, err, "encode start request")
	}

	outcome, err := c.sendCh0Request(payload)
	if err != nil {
		return nil, err
	}
	if outcome.errReply != nil {
		return nil, beeperrors.NewCoded(beeperrors.ChannelStartRefused, outcome.errReply.Code, outcome.errReply.Text, outcome.errReply.Lang)
	}

	ch := channel.New(number, outcome.profileReply.URI, c, c.opts.LocalWindow)
	ch.SetSerialize(opts.Serialize)
	ch.SetCompleteFlag(!opts.NoCompleteFlag)
	ch.SetFrameReceived(opts.OnFrame)
	ch.SetCloseNotify(opts.OnClose)
	ch.MarkOpen()

	c.mu.Lock()
	c.channels[number] = ch
	c.mu.Unlock()
	return ch, nil
}

// sendCh0Request sends payload as a MSG on channel 0 and blocks for the
// matching reply, serializing concurrent callers so only one
// channel-0 request is ever outstanding at a time (spec.md §4.7).
func (c *Connection) sendCh0Request(payload []byte) (ch0Outcome, error) {
	c.ch0Mu.Lock()
	defer c.ch0Mu.Unlock()

	msgno, err := c.ch0.Send(frame.MSG, payload, channel.SendOptions{MIME: ch0MIME})
	if err != nil {
		return ch0Outcome{}, beeperrors.Wrap(beeperrors.ProtocolError, err, "send channel-0 request")
	}

	wait := make(chan ch0Outcome, 1)
	c.waitersMu.Lock()
	c.ch0Waiters[msgno] = wait
	c.waitersMu.Unlock()

	select {
	case outcome := <-wait:
		return outcome, nil
	case <-time.After(c.opts.RequestTimeout):
		c.waitersMu.Lock()
		delete(c.ch0Waiters, msgno)
		c.waitersMu.Unlock()
		return ch0Outcome{}, beeperrors.New(beeperrors.Timeout, "channel-0 request timed out")
	}
}

// handleChannel0Message routes one reassembled channel-0 body by its
// BEEP frame type and XML root element (spec.md §4.7).
func (c *Connection) handleChannel0Message(msg *profile.Message) {
	root, err := sniffRoot(msg.Payload)
	if err != nil {
		log.Logger.Warn("conn: channel-0 message with unparseable body", zap.String("conn", c.id), zap.Error(err))
		return
	}

	switch msg.Type {
	case "RPY":
		switch root {
		case "greeting":
			c.handleGreeting(msg.Payload)
		case "profile":
			c.resolveWaiter(msg.Msgno, root, msg.Payload, nil)
		case "ok":
			c.resolveWaiter(msg.Msgno, root, msg.Payload, nil)
		}
	case "ERR":
		c.resolveWaiter(msg.Msgno, root, nil, msg.Payload)
		select {
		case <-c.greetingDone:
		default:
			c.failGreeting(decodeErrorReply(msg.Payload))
		}
	case "MSG":
		switch root {
		case "start":
			c.handleStart(msg)
		case "close":
			c.handleClose(msg)
		}
	}
}

func decodeErrorReply(payload []byte) error {
	e, err := channel0.UnmarshalError(payload)
	if err != nil {
		return beeperrors.Wrap(beeperrors.ProtocolError, err, "malformed channel-0 error reply")
	}
	return beeperrors.NewCoded(beeperrors.ProtocolError, e.Code, e.Text, e.Lang)
}

// resolveWaiter delivers a profile/ok/error reply to the caller blocked
// in sendCh0Request for this msgno, if any.
func (c *Connection) resolveWaiter(msgno uint32, root string, okPayload, errPayload []byte) {
	c.waitersMu.Lock()
	w, ok := c.ch0Waiters[msgno]
	if ok {
		delete(c.ch0Waiters, msgno)
	}
	c.waitersMu.Unlock()
	if !ok {
		return
	}

	var outcome ch0Outcome
	if errPayload != nil {
		e, err := channel0.UnmarshalError(errPayload)
		if err != nil {
			e = &channel0.ErrorReply{Code: channel0.Code500GeneralSyntaxError, Text: err.Error()}
		}
		outcome.errReply = e
	} else if root == "profile" {
		p, err := channel0.UnmarshalProfileReply(okPayload)
		if err != nil {
			outcome.errReply = &channel0.ErrorReply{Code: channel0.Code500GeneralSyntaxError, Text: err.Error()}
		} else {
			outcome.profileReply = p
		}
	}
	w <- outcome
}

// handleStart answers a peer-initiated <start>: looks up each offered
// profile against the registry in order and accepts the first one
// whose handler agrees (spec.md §4.2, §4.7).
func (c *Connection) handleStart(msg *profile.Message) {
	s, err := channel0.UnmarshalStart(msg.Payload)
	if err != nil {
		c.replyChannel0Error(msg.Msgno, channel0.Code500GeneralSyntaxError, err.Error())
		return
	}
	if _, exists := c.Channel(s.Number); exists {
		c.replyChannel0Error(msg.Msgno, channel0.Code550RequestedActionFailed, "channel number already in use")
		return
	}

	var declined *profile.StartResult
	for _, offer := range s.Profiles {
		entry, ok := c.opts.Registry.Lookup(offer.URI)
		if !ok {
			continue
		}
		result := entry.OnStart(nil, c, s.Number, offer.Content)
		if !result.Accept {
			if declined == nil {
				declined = &result
			}
			continue
		}

		ch := channel.New(s.Number, offer.URI, c, c.opts.LocalWindow)
		ch.SetFrameReceived(entry.OnFrame)
		ch.MarkOpen()
		c.mu.Lock()
		c.channels[s.Number] = ch
		c.mu.Unlock()

		payload, err := channel0.Marshal(&channel0.ProfileReply{URI: offer.URI, Content: result.ReplyContent})
		if err != nil {
			log.Logger.Error("conn: encode profile reply failed", zap.Error(err))
			return
		}
		if _, err := c.ch0.Send(frame.RPY, payload, channel.SendOptions{Msgno: msg.Msgno, MIME: ch0MIME}); err != nil {
			log.Logger.Warn("conn: send profile reply failed", zap.Error(err))
		}
		return
	}
	if declined != nil {
		code := declined.DeclineCode
		if code == 0 {
			code = channel0.Code554TransactionFailed
		}
		c.replyChannel0Error(msg.Msgno, code, declined.DeclineMessage)
		return
	}
	c.replyChannel0Error(msg.Msgno, channel0.Code504ParamNotImplemented, "no offered profile is supported")
}

// handleClose answers a peer-initiated <close>, for either a single
// channel or, when number==0, the whole session (spec.md §4.2, §4.7).
func (c *Connection) handleClose(msg *profile.Message) {
	req, err := channel0.UnmarshalClose(msg.Payload)
	if err != nil {
		c.replyChannel0Error(msg.Msgno, channel0.Code500GeneralSyntaxError, err.Error())
		return
	}

	if req.Number == 0 {
		c.replyChannel0OK(msg.Msgno)
		go c.Shutdown()
		return
	}

	ch, ok := c.Channel(req.Number)
	if !ok {
		c.replyChannel0Error(msg.Msgno, channel0.Code550RequestedActionFailed, "no such channel")
		return
	}
	ch.OnPeerCloseRequest(req.Code, "")
	if !ch.CanClose() {
		ch.DeclinePeerClose()
		c.replyChannel0Error(msg.Msgno, channel0.Code550RequestedActionFailed, "channel has outstanding replies")
		return
	}
	if entry, ok := c.opts.Registry.Lookup(ch.ProfileURI()); ok && entry.OnClose != nil {
		if accept, code, message := entry.OnClose(nil, c, req.Number); !accept {
			ch.DeclinePeerClose()
			if code == 0 {
				code = channel0.Code554TransactionFailed
			}
			c.replyChannel0Error(msg.Msgno, code, message)
			return
		}
	}
	ch.AcceptPeerClose()
	c.mu.Lock()
	delete(c.channels, req.Number)
	c.mu.Unlock()
	c.replyChannel0OK(msg.Msgno)
}

func (c *Connection) replyChannel0OK(msgno uint32) {
	payload, err := channel0.Marshal(&channel0.OK{})
	if err != nil {
		log.Logger.Error("conn: encode ok reply failed", zap.Error(err))
		return
	}
	if _, err := c.ch0.Send(frame.RPY, payload, channel.SendOptions{Msgno: msgno, MIME: ch0MIME}); err != nil {
		log.Logger.Warn("conn: send ok reply failed", zap.Error(err))
	}
}

func (c *Connection) replyChannel0Error(msgno uint32, code int, message string) {
	payload, err := channel0.Marshal(&channel0.ErrorReply{Code: code, Text: message})
	if err != nil {
		log.Logger.Error("conn: encode error reply failed", zap.Error(err))
		return
	}
	if _, err := c.ch0.Send(frame.ERR, payload, channel.SendOptions{Msgno: msgno, MIME: ch0MIME}); err != nil {
		log.Logger.Warn("conn: send error reply failed", zap.Error(err))
	}
}
