package pushchan

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process bus. Publish delivers synchronously.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[string]*memoryChannel
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[string]*memoryChannel)}
}

func (m *Memory) Subscribe(_ context.Context, name string) (Channel, error) {
	ch := &memoryChannel{id: uuid.NewString(), name: name, bus: m}

	m.mu.Lock()
	if m.subs[name] == nil {
		m.subs[name] = make(map[string]*memoryChannel)
	}
	m.subs[name][ch.id] = ch
	m.mu.Unlock()
	return ch, nil
}

func (m *Memory) Publish(name, event string, data any) error {
	frame, err := Encode(name, event, data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	targets := make([]*memoryChannel, 0, len(m.subs[name]))
	for _, ch := range m.subs[name] {
		targets = append(targets, ch)
	}
	m.mu.Unlock()

	for _, ch := range targets {
		if err := ch.deliver(name, frame); err != nil {
			return err
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions on name.
func (m *Memory) Subscribers(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[name])
}

type memoryChannel struct {
	binder
	id   string
	name string
	bus  *Memory

	// delivery is held while handlers run so Unsubscribe waits for an
	// in-flight frame. Handlers must not unsubscribe their own channel.
	delivery sync.Mutex
	closed   bool
}

func (c *memoryChannel) deliver(name string, frame []byte) error {
	c.delivery.Lock()
	defer c.delivery.Unlock()
	if c.closed {
		return nil
	}
	return c.dispatch(name, frame)
}

// Unsubscribe returns once no handler of c is running, and none runs after.
func (c *memoryChannel) Unsubscribe() error {
	c.delivery.Lock()
	c.closed = true
	c.delivery.Unlock()

	c.bus.mu.Lock()
	if set, ok := c.bus.subs[c.name]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(c.bus.subs, c.name)
		}
	}
	c.bus.mu.Unlock()
	c.unbindAll()
	return nil
}
