package taskpool

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/beepd/internal/config"
	"github.com/cppla/beepd/internal/log"
)

// Task is a one-shot unit of work submitted to the pool.
type Task func()

// Pool is a bounded worker set with elastic growth, matching
// vortex_thread_pool.h's add_step/add_period/remove_step/remove_period
// knobs (spec.md §4.10). Timed events and the frame-received handlers of
// non-serialized channels run as Pool tasks; serialized channels
// (channel 0 among them, whose dispatch runs the start and close
// handlers) run on their own per-channel goroutine instead. Either way
// the reader and sequencer never block in user code (spec.md §5).
type Pool struct {
	cfg   config.ThreadPool
	tasks *AsyncQueue[Task]

	mu      sync.Mutex
	workers int32
	closed  bool
	wg      sync.WaitGroup

	events   *eventHeap
	evMu     sync.Mutex
	evWake   chan struct{}
	stop     chan struct{}
	shrinkCh chan struct{}
}

// pollInterval bounds how long a worker's TimedPop call blocks before it
// rechecks whether it has been asked to shrink away; it trades a little
// wakeup latency for a cancellable Pop without a second condvar.
const pollInterval = 200 * time.Millisecond

// New creates a pool with cfg.InitialSize workers running and starts its
// elastic-growth monitor and timer thread.
func New(cfg config.ThreadPool) *Pool {
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = 4
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = cfg.InitialSize
	}
	p := &Pool{
		cfg:    cfg,
		tasks:  NewAsyncQueue[Task](),
		events: newEventHeap(),
		evWake:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		shrinkCh: make(chan struct{}),
	}
	for i := 0; i < cfg.InitialSize; i++ {
		p.spawnWorker()
	}
	go p.growthMonitor()
	go p.timerThread()
	return p
}

func (p *Pool) spawnWorker() {
	atomic.AddInt32(&p.workers, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.shrinkSignal():
				atomic.AddInt32(&p.workers, -1)
				return
			default:
			}
			task, ok, timedOut := p.tasks.TimedPop(pollInterval)
			if timedOut {
				continue
			}
			if !ok {
				atomic.AddInt32(&p.workers, -1)
				return
			}
			p.runTask(task)
		}
	}()
}

// shrinkSignal returns a channel that the growth monitor closes-and-
// replaces one-at-a-time to ask exactly one idle worker to exit; reading
// from a closed channel never blocks, so at most one worker observes
// each signal before it is replaced.
func (p *Pool) shrinkSignal() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shrinkCh
}

// runTask invokes task, recovering a panic so one HandlerFailure (spec.md
// §7) never takes down the connection it was servicing.
func (p *Pool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error("task panicked, recovered at pool boundary", zap.Any("panic", r))
		}
	}()
	task()
}

// Submit enqueues fn for execution on a worker goroutine.
func (p *Pool) Submit(fn Task) {
	p.tasks.Push(fn)
}

// growthMonitor periodically grows the pool while the task backlog stays
// non-empty, and shrinks it back down when idle, honoring AutoRemove.
func (p *Pool) growthMonitor() {
	addPeriod := durationOr(p.cfg.AddPeriodMS, time.Second)
	removePeriod := durationOr(p.cfg.RemovePeriodMS, 5*time.Second)
	addTicker := time.NewTicker(addPeriod)
	defer addTicker.Stop()
	removeTicker := time.NewTicker(removePeriod)
	defer removeTicker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-addTicker.C:
			if p.tasks.Len() > 0 && int(atomic.LoadInt32(&p.workers)) < p.cfg.MaxLimit {
				step := p.cfg.AddStep
				if step <= 0 {
					step = 1
				}
				for i := 0; i < step && int(atomic.LoadInt32(&p.workers)) < p.cfg.MaxLimit; i++ {
					p.spawnWorker()
				}
			}
		case <-removeTicker.C:
			if !p.cfg.AutoRemove {
				continue
			}
			if p.tasks.Len() == 0 && int(atomic.LoadInt32(&p.workers)) > p.cfg.InitialSize {
				step := p.cfg.RemoveStep
				if step <= 0 {
					step = 1
				}
				for i := 0; i < step; i++ {
					p.signalShrink()
				}
			}
		}
	}
}

func (p *Pool) signalShrink() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.shrinkCh)
	p.shrinkCh = make(chan struct{})
}

func durationOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Close stops accepting new events, drains the task queue, and waits for
// all workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	p.tasks.Close()
	p.wg.Wait()
}

// Workers reports the current worker count.
func (p *Pool) Workers() int { return int(atomic.LoadInt32(&p.workers)) }
