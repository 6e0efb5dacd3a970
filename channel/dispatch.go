package channel

// Enqueue runs fn on this channel's dedicated serial worker, starting
// that worker on first use. Package conn calls this instead of handing
// fn straight to the shared thread pool when Serialize() is true, so a
// channel's frame-received handler never runs concurrently with itself
// or out of arrival order (spec.md §4.6's dispatch rule).
func (c *Channel) Enqueue(fn func()) {
	c.mu.Lock()
	if c.serializeQueue == nil {
		c.serializeQueue = make(chan func(), 64)
	}
	q := c.serializeQueue
	c.mu.Unlock()

	c.serializeOnce.Do(func() {
		go func() {
			for f := range q {
				f()
			}
		}()
	})
	q <- fn
}
