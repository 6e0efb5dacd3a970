package conn

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/cppla/beepd/channel"
	"github.com/cppla/beepd/channel0"
	"github.com/cppla/beepd/frame"
	"github.com/cppla/beepd/internal/beeperrors"
)

// performGreeting sends our greeting and blocks until the peer's
// arrives or opts.GreetingTimeout elapses (spec.md §4.4: "the
// connection is considered ready only after both greetings have been
// exchanged and no error preceded them").
func (c *Connection) performGreeting() error {
	profiles := c.opts.Registry.List()
	refs := make([]channel0.ProfileRef, len(profiles))
	for i, uri := range profiles {
		refs[i] = channel0.ProfileRef{URI: uri}
	}
	g := &channel0.Greeting{
		Features: c.opts.Features,
		Localize: c.opts.Localize,
		Profiles: refs,
	}
	payload, err := channel0.Marshal(g)
	if err != nil {
		return beeperrors.Wrap(beeperrors.ProtocolError, err, "encode greeting")
	}
	// The greeting is the one channel-0 exchange not framed as a
	// request/reply pair: both sides send it unprompted as an RPY with
	// msgno 0 (RFC 3080 §2.3.1.1).
	if _, err := c.ch0.Send(frame.RPY, payload, channel.SendOptions{Msgno: 0, MIME: ch0MIME}); err != nil {
		return beeperrors.Wrap(beeperrors.ProtocolError, err, "send greeting")
	}

	select {
	case <-c.greetingDone:
		return c.greetingErr
	case <-time.After(c.opts.GreetingTimeout):
		return beeperrors.New(beeperrors.Timeout, "greeting exchange timed out")
	}
}

// handleGreeting processes the peer's greeting RPY and unblocks
// performGreeting.
func (c *Connection) handleGreeting(msg []byte) {
	g, err := channel0.UnmarshalGreeting(msg)
	if err != nil {
		c.failGreeting(beeperrors.Wrap(beeperrors.ProtocolError, err, "malformed peer greeting"))
		return
	}
	c.PeerFeatures = g.Features
	c.PeerLocalize = g.Localize
	profiles := make([]string, 0, len(g.Profiles))
	for _, p := range g.Profiles {
		profiles = append(profiles, p.URI)
	}
	c.PeerProfiles = profiles

	c.greetingOnce.Do(func() { close(c.greetingDone) })
}

// failGreeting records a greeting-phase failure and unblocks
// performGreeting with it, e.g. on a peer <error> or malformed document.
func (c *Connection) failGreeting(err error) {
	c.greetingOnce.Do(func() {
		c.greetingErr = err
		close(c.greetingDone)
	})
}

// sniffRoot peeks at the root element name of an XML document without
// fully decoding it, letting handleChannel0Message tell apart
// <greeting>/<start>/<profile>/<close>/<ok>/<error> bodies.
func sniffRoot(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("conn: no root element: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}
