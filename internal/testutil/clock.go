package testutil

import (
	"fmt"
	"sync"
	"time"
)

// Epoch is the instant every TickingClock from NewTickingClock starts at.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// TickingClock hands out strictly increasing times: each call to Now
// returns the current instant and then moves it forward by one step.
// Documents created one after another therefore sort in creation order.
type TickingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewTickingClock starts at Epoch and advances one second per read.
func NewTickingClock() *TickingClock {
	return &TickingClock{now: Epoch, step: time.Second}
}

func (c *TickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Advance skips d ahead, e.g. to simulate a device that was offline.
func (c *TickingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StubIDGenerator returns prefixed sequential ids such as "tablet-1-7", so
// documents created on different simulated devices never collide.
type StubIDGenerator struct {
	mu      sync.Mutex
	prefix  string
	counter int
}

func NewStubIDGenerator(prefix string) *StubIDGenerator {
	return &StubIDGenerator{prefix: prefix}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("%s-%d", g.prefix, g.counter)
}
