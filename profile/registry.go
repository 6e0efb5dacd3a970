// Package profile implements C3: the URI-keyed profile registry that
// holds start/close/frame-received contracts for a context.
package profile

import (
	"sync"

	"github.com/cppla/beepd/mime"
)

// StartResult is returned by a StartHandler.
type StartResult struct {
	Accept         bool
	ReplyContent   string // <profile uri="...">content</profile> on accept
	DeclineCode    int    // RFC 3080 §8 code on decline (e.g. 550, 554)
	DeclineMessage string
	DeclineLang    string
}

// StartHandler decides whether to accept a <start> request for channel
// on conn (opaque, typed by the caller via a type assertion in practice;
// kept as any here since profile must not import conn to avoid a cycle —
// conn imports profile).
type StartHandler func(ctx any, conn any, channelNumber uint32, profileContent string) StartResult

// CloseHandler decides whether to accept a channel close request.
type CloseHandler func(ctx any, conn any, channelNumber uint32) (accept bool, code int, message string)

// FrameReceivedHandler delivers a reassembled (or, with complete-flag
// off, per-frame) message to the application.
type FrameReceivedHandler func(ctx any, conn any, channelNumber uint32, msg Message)

// Message is a reassembled (or individual-frame) inbound delivery.
type Message struct {
	Type        string // "MSG","RPY","ERR","ANS","NUL"
	Msgno       uint32
	HasAnsno    bool
	Ansno       uint32
	MIMEHeaders mime.Header
	Payload     []byte
	More        bool // meaningful only when the channel's complete-flag is off
}

// Entry is one registered profile's contract.
type Entry struct {
	URI            string
	OnStart        StartHandler
	OnClose        CloseHandler
	OnFrame        FrameReceivedHandler
	MIMEDefaults   mime.Header
}

// Registry is a per-context URI -> Entry map (spec.md §4.3). Entries are
// immutable once registered while referenced by an open channel; callers
// must Unregister only after no channel references the profile.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds or replaces the entry for uri.
func (r *Registry) Register(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.URI] = e
}

// Unregister removes uri from the registry.
func (r *Registry) Unregister(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, uri)
}

// Lookup returns the entry for uri, if any.
func (r *Registry) Lookup(uri string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[uri]
	return e, ok
}

// IsRegistered reports whether uri has an entry.
func (r *Registry) IsRegistered(uri string) bool {
	_, ok := r.Lookup(uri)
	return ok
}

// List returns all registered profile URIs (e.g. for the channel-0
// greeting's <profile uri="..."/> list).
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for uri := range r.entries {
		out = append(out, uri)
	}
	return out
}
