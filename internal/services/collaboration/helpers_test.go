package collaboration

import (
	"sync"
	"time"

	"codecollab/internal/protocol"
)

// recordingOutbox decodes and keeps everything delivered to it.
type recordingOutbox struct {
	mu       sync.Mutex
	msgs     []protocol.Outbound
	closed   bool
	capacity int // 0 means unbounded
}

func (o *recordingOutbox) Deliver(data []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || (o.capacity > 0 && len(o.msgs) >= o.capacity) {
		return false
	}
	msg, err := protocol.DecodeOutbound(data)
	if err != nil {
		panic(err)
	}
	o.msgs = append(o.msgs, msg)
	return true
}

func (o *recordingOutbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *recordingOutbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *recordingOutbox) messages() []protocol.Outbound {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.Outbound(nil), o.msgs...)
}

// drain returns and forgets everything received so far.
func (o *recordingOutbox) drain() []protocol.Outbound {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.msgs
	o.msgs = nil
	return msgs
}

func (o *recordingOutbox) ofKind(kind protocol.Type) []protocol.Outbound {
	var out []protocol.Outbound
	for _, msg := range o.messages() {
		if msg.Kind() == kind {
			out = append(out, msg)
		}
	}
	return out
}

func kinds(msgs []protocol.Outbound) []protocol.Type {
	out := make([]protocol.Type, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Kind())
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
