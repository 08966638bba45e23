package channel

import (
	"context"
	"errors"
	"sync"
)

// MemoryTransport is an in-process Transport used by tests and by local
// single-tab setups. Handlers run on the publisher's goroutine.
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool

	// PublishErr, when set, makes every Publish fail with it.
	PublishErr error
}

type memorySub struct {
	topic string
	fn    func([]byte)
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string][]*memorySub)}
}

func (m *MemoryTransport) Subscribe(_ context.Context, topic string, fn func(payload []byte)) (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("memory transport closed")
	}
	sub := &memorySub{topic: topic, fn: fn}
	m.subs[topic] = append(m.subs[topic], sub)
	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[topic]
		for i, s := range list {
			if s == sub {
				m.subs[topic] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		return nil
	}, nil
}

func (m *MemoryTransport) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errors.New("memory transport closed")
	}
	if m.PublishErr != nil {
		err := m.PublishErr
		m.mu.RUnlock()
		return err
	}
	handlers := make([]func([]byte), 0, len(m.subs[topic]))
	for _, s := range m.subs[topic] {
		handlers = append(handlers, s.fn)
	}
	m.mu.RUnlock()

	for _, fn := range handlers {
		b := make([]byte, len(payload))
		copy(b, payload)
		fn(b)
	}
	return nil
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[string][]*memorySub)
	m.mu.Unlock()
	return nil
}
