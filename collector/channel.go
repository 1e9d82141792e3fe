package collector

import "context"

// Channel hands sealed frames from the capture producer to its consumer.
// TrySend never waits; Receive blocks until a frame arrives. Frames are
// delivered in the order they were sealed.
type Channel struct {
	ring  *ring
	ready chan struct{}
}

// NewChannel returns a channel holding at most capacity frames.
func NewChannel(capacity int) *Channel {
	return &Channel{
		ring:  newRing(capacity),
		ready: make(chan struct{}, 1),
	}
}

// TrySend enqueues h and reports false when the channel is full. The caller
// keeps ownership of h on failure.
func (c *Channel) TrySend(h Handle) bool {
	if !c.ring.push(h) {
		return false
	}
	select {
	case c.ready <- struct{}{}:
	default:
	}
	return true
}

// Receive dequeues the oldest frame, waiting until one is available or ctx
// is done.
func (c *Channel) Receive(ctx context.Context) (Handle, error) {
	for {
		if h, ok := c.ring.pop(); ok {
			return h, nil
		}
		select {
		case <-c.ready:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// TryReceive dequeues the oldest frame without waiting.
func (c *Channel) TryReceive() (Handle, bool) {
	return c.ring.pop()
}

// Len is the number of queued frames.
func (c *Channel) Len() int {
	return c.ring.len()
}
