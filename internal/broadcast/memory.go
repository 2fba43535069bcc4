package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when publishing on a closed channel.
var ErrClosed = errors.New("broadcast channel closed")

// Memory connects channel instances opened in the same process.
type Memory struct {
	mu        sync.RWMutex
	instances map[string]map[*memoryChannel]struct{}
}

func NewMemory() *Memory {
	return &Memory{instances: make(map[string]map[*memoryChannel]struct{})}
}

// Open returns a new instance of the named channel.
func (m *Memory) Open(name string) Channel {
	ch := &memoryChannel{name: name, mem: m, handlers: make(map[int]Handler)}
	m.mu.Lock()
	if m.instances[name] == nil {
		m.instances[name] = make(map[*memoryChannel]struct{})
	}
	m.instances[name][ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *Memory) remove(ch *memoryChannel) {
	m.mu.Lock()
	delete(m.instances[ch.name], ch)
	if len(m.instances[ch.name]) == 0 {
		delete(m.instances, ch.name)
	}
	m.mu.Unlock()
}

func (m *Memory) peers(ch *memoryChannel) []*memoryChannel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*memoryChannel
	for peer := range m.instances[ch.name] {
		if peer != ch {
			out = append(out, peer)
		}
	}
	return out
}

type memoryChannel struct {
	name string
	mem  *Memory

	mu       sync.Mutex
	closed   bool
	next     int
	handlers map[int]Handler
}

func (c *memoryChannel) Name() string { return c.name }

func (c *memoryChannel) Publish(ctx context.Context, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for _, peer := range c.mem.peers(c) {
		msg := make([]byte, len(data))
		copy(msg, data)
		peer.deliver(msg)
	}
	return nil
}

func (c *memoryChannel) deliver(data []byte) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.handlers))
	for i := 0; i < c.next; i++ {
		if h, ok := c.handlers[i]; ok {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

func (c *memoryChannel) Subscribe(h Handler) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.handlers[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handlers = make(map[int]Handler)
	c.mu.Unlock()

	c.mem.remove(c)
	return nil
}
