package ids

import (
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

// Counter hands out monotonically increasing sequence numbers for one id
// namespace (tuplespaces, processes, or threads-within-a-process) on this
// node. It mirrors the original implementation's simple incrementing
// counter behind a lock, including its documented overflow behavior: once
// Max is configured and reached, Next returns an error instead of wrapping.
type Counter struct {
	mu   deadlock.Mutex
	next int
	max  int // 0 means uncapped
}

// NewCounter creates a counter starting at 1. A max of 0 means uncapped.
func NewCounter(max int) *Counter {
	return &Counter{next: 1, max: max}
}

// Next returns the next sequence number, or an error if the counter is
// capped and exhausted.
func (c *Counter) Next() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.max > 0 && c.next > c.max {
		return 0, fmt.Errorf("ids: counter exhausted at max %d", c.max)
	}
	v := c.next
	c.next++
	return v, nil
}

// Peek returns the value Next would return without consuming it. Node-id
// assignment for joiners does not go through Counter (see
// mesh.AssignNodeID).
func (c *Counter) Peek() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Observe advances the counter so that its next value is at least n+1, so
// that a value already handed out elsewhere is not reissued locally. A
// lower n leaves the counter unchanged.
func (c *Counter) Observe(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n+1 > c.next {
		c.next = n + 1
	}
}
