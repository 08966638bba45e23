package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socketFrame is the wire shape spoken with the portal's bus gateway.
// Client ops: "subscribe", "unsubscribe", "publish". Server op: "message".
type socketFrame struct {
	Op      string          `json:"op"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SocketTransport is a Transport over a single WebSocket session to the
// portal bus. It keeps one read loop and serializes writes; when the session
// drops, pending subscriptions become inert and operations start failing,
// which the adapter surfaces as ordinary transport errors.
type SocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.RWMutex
	subs   map[string][]*socketSub
	closed bool
	done   chan struct{}
}

type socketSub struct {
	fn func([]byte)
}

// DialSocket connects to the bus gateway at url (ws:// or wss://).
func DialSocket(ctx context.Context, url string) (*SocketTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bus %s: %w", url, err)
	}
	t := &SocketTransport{
		conn: conn,
		subs: make(map[string][]*socketSub),
		done: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *SocketTransport) readLoop() {
	defer close(t.done)
	for {
		var frame socketFrame
		if err := t.conn.ReadJSON(&frame); err != nil {
			t.mu.Lock()
			alreadyClosed := t.closed
			t.closed = true
			t.mu.Unlock()
			if !alreadyClosed {
				log.Warnf("bus session ended: %v", err)
			}
			return
		}
		if frame.Op != "message" {
			log.Debugf("bus: ignoring frame op %q", frame.Op)
			continue
		}
		t.mu.RLock()
		handlers := make([]func([]byte), 0, len(t.subs[frame.Topic]))
		for _, s := range t.subs[frame.Topic] {
			handlers = append(handlers, s.fn)
		}
		t.mu.RUnlock()
		for _, fn := range handlers {
			fn([]byte(frame.Payload))
		}
	}
}

func (t *SocketTransport) write(frame socketFrame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteJSON(frame)
}

func (t *SocketTransport) Subscribe(_ context.Context, topic string, fn func(payload []byte)) (func() error, error) {
	sub := &socketSub{fn: fn}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("bus session closed")
	}
	first := len(t.subs[topic]) == 0
	t.subs[topic] = append(t.subs[topic], sub)
	t.mu.Unlock()

	if first {
		if err := t.write(socketFrame{Op: "subscribe", Topic: topic}); err != nil {
			t.dropSub(topic, sub)
			return nil, err
		}
	}

	return func() error {
		last := t.dropSub(topic, sub)
		if last {
			return t.write(socketFrame{Op: "unsubscribe", Topic: topic})
		}
		return nil
	}, nil
}

// dropSub removes sub and reports whether it was the topic's last handler.
func (t *SocketTransport) dropSub(topic string, sub *socketSub) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.subs[topic]
	for i, s := range list {
		if s == sub {
			t.subs[topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(t.subs[topic]) == 0 {
		delete(t.subs, topic)
		return !t.closed
	}
	return false
}

func (t *SocketTransport) Publish(_ context.Context, topic string, payload []byte) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return fmt.Errorf("bus session closed")
	}
	return t.write(socketFrame{Op: "publish", Topic: topic, Payload: payload})
}

func (t *SocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.conn.Close()
	<-t.done
	return err
}
