package astws

import (
	"sync"
	"time"
)

// fakeTransport is an in-memory Transport for session tests: inbound
// messages are injected with deliver, outbound sends are recorded.
type fakeTransport struct {
	mu    sync.Mutex
	state ConnectionState
	in    chan Message
	sent  []Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state: StateOpen,
		in:    make(chan Message, 64),
	}
}

func (t *fakeTransport) Send(kind MessageKind, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return NewTransportError("send on non-open connection")
	}
	t.sent = append(t.sent, Message{Kind: kind, Data: append([]byte(nil), data...)})
	return nil
}

func (t *fakeTransport) deliver(kind MessageKind, data []byte) {
	t.in <- Message{Kind: kind, Data: data}
}

func (t *fakeTransport) deliverText(text string) {
	t.deliver(TextMessage, []byte(text))
}

func (t *fakeTransport) Messages() <-chan Message { return t.in }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		return nil
	}
	t.state = StateClosed
	close(t.in)
	return nil
}

func (t *fakeTransport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) RemoteAddr() string  { return "fake" }
func (t *fakeTransport) Subprotocol() string { return "" }

func (t *fakeTransport) sentMessages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// waitSent polls until the transport has recorded at least n outbound
// messages or the timeout elapses.
func (t *fakeTransport) waitSent(n int) []Message {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if t.sentCount() >= n {
			return t.sentMessages()
		}
		time.Sleep(time.Millisecond)
	}
	return t.sentMessages()
}

func newTestConnection(t *fakeTransport) *Connection {
	return &Connection{
		ID:        "test-conn",
		Role:      ClientRole,
		Transport: t,
	}
}
