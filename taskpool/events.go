package taskpool

import (
	"container/heap"
	"time"
)

// EventFunc is a timed-event handler. It returns true to be rescheduled
// after its period, false to self-cancel (spec.md §4.10, §5: "timed
// events return a remove-me flag").
type EventFunc func() bool

// event is one entry in the pool's timer min-heap.
type event struct {
	deadline time.Time
	period   time.Duration
	fn       EventFunc
	index    int
	canceled bool
}

type eventHeap struct {
	items []*event
}

func newEventHeap() *eventHeap { return &eventHeap{} }

func (h *eventHeap) Len() int { return len(h.items) }
func (h *eventHeap) Less(i, j int) bool {
	return h.items[i].deadline.Before(h.items[j].deadline)
}
func (h *eventHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}
func (h *eventHeap) Push(x any) {
	e := x.(*event)
	e.index = len(h.items)
	h.items = append(h.items, e)
}
func (h *eventHeap) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return e
}

// TimedEvent is a handle returned by NewEvent; Cancel removes it.
type TimedEvent struct {
	e *event
	p *Pool
}

// Cancel prevents the event from firing again. If it is currently
// executing, it will not be rescheduled once that invocation returns.
func (t *TimedEvent) Cancel() {
	t.p.evMu.Lock()
	defer t.p.evMu.Unlock()
	t.e.canceled = true
}

// NewEvent schedules fn to run every period, starting after the first
// period elapses, on a worker goroutine via Submit. fn returning false
// self-cancels.
func (p *Pool) NewEvent(period time.Duration, fn EventFunc) *TimedEvent {
	e := &event{deadline: time.Now().Add(period), period: period, fn: fn}
	p.evMu.Lock()
	heap.Push(p.events, e)
	p.evMu.Unlock()
	p.wakeTimer()
	return &TimedEvent{e: e, p: p}
}

func (p *Pool) wakeTimer() {
	select {
	case p.evWake <- struct{}{}:
	default:
	}
}

// timerThread dispatches due events to the worker pool and reschedules
// recurring ones.
func (p *Pool) timerThread() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		p.evMu.Lock()
		var wait time.Duration
		if p.events.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(p.events.items[0].deadline)
			if wait < 0 {
				wait = 0
			}
		}
		p.evMu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-p.stop:
			return
		case <-p.evWake:
			continue
		case <-timer.C:
			p.fireDue()
		}
	}
}

func (p *Pool) fireDue() {
	now := time.Now()
	p.evMu.Lock()
	var due []*event
	for p.events.Len() > 0 && !p.events.items[0].deadline.After(now) {
		e := heap.Pop(p.events).(*event)
		due = append(due, e)
	}
	p.evMu.Unlock()

	for _, e := range due {
		e := e
		p.Submit(func() {
			if e.canceled {
				return
			}
			keep := e.fn()
			p.evMu.Lock()
			canceled := e.canceled
			p.evMu.Unlock()
			if keep && !canceled {
				e.deadline = time.Now().Add(e.period)
				p.evMu.Lock()
				heap.Push(p.events, e)
				p.evMu.Unlock()
				p.wakeTimer()
			}
		})
	}
}
