// Package pool implements C8: a fixed-profile set of channels on one
// connection that callers check out and release instead of starting a
// fresh channel per request (spec.md §4.8).
package pool

import (
	"sync"

	"github.com/cppla/beepd/channel"
	"github.com/cppla/beepd/conn"
	"github.com/cppla/beepd/internal/beeperrors"
)

// CreateHandler is invoked once the pool's initial channel count is
// open, mirroring vortex_channel_pool_new's on_channel_pool_created
// callback (spec.md §4.8, SPEC_FULL supplemented features).
type CreateHandler func(p *Pool)

// Pool manages a set of same-profile channels on one connection.
type Pool struct {
	c          *conn.Connection
	profileURI string
	opts       conn.StartChannelOptions

	mu        sync.Mutex
	channels  []*channel.Channel
	available map[uint32]bool
}

// New creates a pool of initialCount channels of profileURI on c. If
// createHandler is non-nil it runs once every initial channel is open.
func New(c *conn.Connection, profileURI string, initialCount int, opts conn.StartChannelOptions, createHandler CreateHandler) (*Pool, error) {
	opts.Profiles = []string{profileURI}
	p := &Pool{
		c:          c,
		profileURI: profileURI,
		opts:       opts,
		available:  make(map[uint32]bool),
	}
	for i := 0; i < initialCount; i++ {
		ch, err := c.StartChannel(opts)
		if err != nil {
			return nil, err
		}
		p.channels = append(p.channels, ch)
		p.available[ch.Number()] = true
	}
	if createHandler != nil {
		createHandler(p)
	}
	return p, nil
}

// GetNextReady returns an idle channel, starting a new one via the
// channel-0 protocol if none is free and autoInc is true (spec.md §4.8).
func (p *Pool) GetNextReady(autoInc bool) (*channel.Channel, error) {
	p.mu.Lock()
	for _, ch := range p.channels {
		if p.available[ch.Number()] && ch.State() == channel.Open {
			p.available[ch.Number()] = false
			p.mu.Unlock()
			return ch, nil
		}
	}
	p.mu.Unlock()

	if !autoInc {
		return nil, beeperrors.New(beeperrors.ResourceExhausted, "channel pool exhausted")
	}

	ch, err := p.c.StartChannel(p.opts)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.channels = append(p.channels, ch)
	p.available[ch.Number()] = false
	p.mu.Unlock()
	return ch, nil
}

// Release marks ch idle again, or drops it from the pool if it has
// died. Idempotent (spec.md §4.8's invariant).
func (p *Pool) Release(ch *channel.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch.State() == channel.Dead {
		p.removeLocked(ch.Number())
		return
	}
	p.available[ch.Number()] = true
}

func (p *Pool) removeLocked(number uint32) {
	delete(p.available, number)
	for i, ch := range p.channels {
		if ch.Number() == number {
			p.channels = append(p.channels[:i], p.channels[i+1:]...)
			return
		}
	}
}

// ChannelCount reports the total number of channels the pool manages.
func (p *Pool) ChannelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

// ChannelAvailable reports how many channels are currently idle.
func (p *Pool) ChannelAvailable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, free := range p.available {
		if free {
			n++
		}
	}
	return n
}
