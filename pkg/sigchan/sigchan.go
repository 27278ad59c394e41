// Package sigchan provides a non-blocking signal channel used to notify
// that an event occurred without carrying data.
package sigchan

// Chan is a coalescing signal channel: Emit never blocks, and repeated
// signals collapse while the receiver is busy.
type Chan struct {
	c chan struct{}
}

// New creates a signal channel with the given buffer size.
func New(bufferSize int) *Chan {
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit sends a signal without blocking. If the channel is full the signal
// is dropped; an earlier one is already pending.
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C returns the receive side for use in select statements.
func (c *Chan) C() <-chan struct{} {
	return c.c
}
