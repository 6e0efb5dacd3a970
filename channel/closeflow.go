package channel

import "github.com/cppla/beepd/internal/beeperrors"

// CanClose reports whether this channel may close right now: no
// outstanding replies in either direction (spec.md §3, §4.2's close
// policy).
func (c *Channel) CanClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding == 0
}

// Close initiates a channel close via the channel-0 protocol (spec.md
// §4.2). It fails immediately with ChannelCloseRefused if outstanding
// replies remain; the caller (package conn) is expected to have already
// offered the option of a forced close separately.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state != Open {
		c.mu.Unlock()
		return beeperrors.New(beeperrors.ChannelCloseRefused, "channel is not open")
	}
	if c.outstanding != 0 {
		c.mu.Unlock()
		return beeperrors.New(beeperrors.ChannelCloseRefused, "channel has outstanding replies")
	}
	c.state = ClosingOut
	c.mu.Unlock()
	return c.link.RequestClose(c.number, 0)
}

// ForceClose marks the channel Dead locally regardless of outstanding
// replies, surfacing them as failures to their callers; used when the
// application insists on closing despite CanClose()==false (spec.md
// §4.2's close policy: "pending MSGs are surfaced to the local error
// stack and the channel is marked Dead locally").
func (c *Channel) ForceClose() []error {
	c.mu.Lock()
	var errs []error
	for msgno, p := range c.pending {
		if p.outbound {
			errs = append(errs, beeperrors.New(beeperrors.TransportClosed, "channel force-closed with outstanding reply"))
			if w, ok := c.waitersTable[msgno]; ok {
				select {
				case w <- SendResult{Err: errs[len(errs)-1]}:
				default:
				}
				delete(c.waitersTable, msgno)
			}
		}
	}
	c.pending = make(map[uint32]*pendingReply)
	c.outstanding = 0
	c.state = Dead
	c.mu.Unlock()
	return errs
}

// OnCloseAccepted transitions ClosingOut -> Dead when the peer replies
// <ok> to our close request.
func (c *Channel) OnCloseAccepted() {
	c.setState(Dead)
}

// OnCloseDeclined restores ClosingOut -> Open when the peer declines our
// close request.
func (c *Channel) OnCloseDeclined() {
	c.setState(Open)
}

// OnPeerCloseRequest transitions Open -> ClosingIn and invokes the
// close-notify handler, if any, so the application can accept or
// decline (spec.md §4.2's state table).
func (c *Channel) OnPeerCloseRequest(code int, msg string) {
	c.mu.Lock()
	c.state = ClosingIn
	handler := c.onClose
	c.mu.Unlock()
	if handler != nil {
		handler(code, msg)
	}
}

// AcceptPeerClose transitions ClosingIn -> Dead (application accepted).
func (c *Channel) AcceptPeerClose() {
	c.setState(Dead)
}

// DeclinePeerClose transitions ClosingIn -> Open (application declined).
func (c *Channel) DeclinePeerClose() {
	c.setState(Open)
}
