// Package progress delivers run events to a single live consumer.
package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/model"
)

// Sink is a transport for rendered events. Send is never called
// concurrently by a Channel.
type Sink interface {
	Send(env model.Envelope) error
}

// Channel serializes events onto a Sink. Once closed, by a terminal event,
// a transport failure or Detach, further emissions are dropped.
type Channel struct {
	sink Sink
	now  func() time.Time

	mu       sync.Mutex
	closed   bool
	detached bool
	progress float64
	sent     int
}

// NewChannel opens a Channel over sink.
func NewChannel(sink Sink) *Channel {
	return &Channel{sink: sink, now: time.Now}
}

// Emit sends a non-terminal event. It reports whether the event was
// delivered. Progress values lower than the last emitted value are raised
// to it, and cost updates carry the last emitted value.
func (c *Channel) Emit(e model.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	return c.sendLocked(e)
}

// Close sends the terminal event and closes the channel. Only the first
// call has any effect; it reports whether this call closed the channel.
// A nil final closes without sending.
func (c *Channel) Close(final model.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if final != nil {
		c.sendLocked(final)
	}
	c.closed = true
	return true
}

// Detach stops delivery without a terminal event. Used when the consumer
// goes away.
func (c *Channel) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		zap.L().Debug("progress: consumer detached", zap.Int("events_sent", c.sent))
	}
	c.closed = true
	c.detached = true
}

// Closed reports whether the channel accepts no further events.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Detached reports whether the consumer went away before the run finished.
func (c *Channel) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

// Progress returns the last progress value emitted.
func (c *Channel) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Sent returns the number of events delivered.
func (c *Channel) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func (c *Channel) sendLocked(e model.Event) bool {
	env := e.Envelope(c.now())

	switch e.(type) {
	case model.CostUpdateEvent:
		env.Progress = c.progress
	case model.TimeoutEvent, model.ErrorEvent:
		// Terminal failure sentinel passes through unclamped.
	default:
		if env.Progress < c.progress {
			env.Progress = c.progress
		}
		c.progress = env.Progress
	}

	if err := c.sink.Send(env); err != nil {
		zap.L().Warn("progress: transport failed, closing channel",
			zap.String("event", string(env.Type)),
			zap.Error(err),
		)
		c.closed = true
		return false
	}
	c.sent++
	return true
}
