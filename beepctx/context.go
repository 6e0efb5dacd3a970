// Package beepctx provides the per-process (but not global-singleton)
// handle spec.md §9's design notes call for: one place that owns a
// profile registry, a thread pool, and the default timeouts every
// Connection in this process shares, instead of the package-level
// globals the original C library relies on.
package beepctx

import (
	"time"

	"github.com/google/uuid"

	"github.com/cppla/beepd/conn"
	"github.com/cppla/beepd/internal/config"
	"github.com/cppla/beepd/profile"
	"github.com/cppla/beepd/taskpool"
)

// Context bundles everything a Connection needs beyond its own
// transport: the profile registry, the shared thread pool, and default
// connection options drawn from config.
type Context struct {
	id       string
	cfg      *config.Config
	registry *profile.Registry
	pool     *taskpool.Pool
}

// New creates a Context from cfg (config.Global if cfg is nil) with a
// fresh profile registry and a thread pool sized per cfg.Core.ThreadPool.
func New(cfg *config.Config) *Context {
	if cfg == nil {
		cfg = config.Global
	}
	return &Context{
		id:       uuid.NewString(),
		cfg:      cfg,
		registry: profile.NewRegistry(),
		pool:     taskpool.New(cfg.Core.ThreadPool),
	}
}

// ID is this context's opaque identifier, used in log fields.
func (x *Context) ID() string { return x.id }

// Registry exposes the profile registry so callers can Register their
// profiles before dialing or listening.
func (x *Context) Registry() *profile.Registry { return x.registry }

// Pool exposes the shared thread pool, e.g. for a caller that wants to
// submit its own background work alongside connection dispatch.
func (x *Context) Pool() *taskpool.Pool { return x.pool }

// Config returns the configuration this context was built from.
func (x *Context) Config() *config.Config { return x.cfg }

// ConnectionOptions builds conn.Options seeded from this context's
// registry, pool, and config defaults; callers may override individual
// fields (e.g. OnAccepted) before calling conn.New/conn.Accept.
func (x *Context) ConnectionOptions() conn.Options {
	return conn.Options{
		Pool:            x.pool,
		Registry:        x.registry,
		ServerName:      x.cfg.Connection.ServerName,
		Features:        x.cfg.Connection.Features,
		Localize:        x.cfg.Connection.Localize,
		LocalWindow:     x.cfg.Channel.WindowSize,
		MaxFrameSize:    x.cfg.Channel.NextFrameSize,
		WriteTimeout:    durationMS(x.cfg.Core.WriteTimeoutMS),
		GreetingTimeout: durationMSOr(x.cfg.Connection.PerConnTimeoutMS, 60*time.Second),
		RequestTimeout:  durationMSOr(x.cfg.Connection.PerConnTimeoutMS, 60*time.Second),
	}
}

// Close stops the shared thread pool. Existing connections keep
// running; new dispatch submitted after Close is dropped silently by
// the pool's closed queue.
func (x *Context) Close() {
	x.pool.Close()
}

func durationMS(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func durationMSOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
