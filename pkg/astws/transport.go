package astws

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Transport is the adapter over a duplex message-oriented socket. It
// abstracts over client-dialed and server-accepted websockets so the
// sessions above it never care who performed the handshake.
//
// Messages returns a per-connection sequence of inbound messages; the
// channel is closed when the connection does, so ranging over it is the
// read loop. Send fails once the transport has left the open state.
type Transport interface {
	Send(kind MessageKind, data []byte) error
	Messages() <-chan Message
	Close() error
	State() ConnectionState
	RemoteAddr() string
	Subprotocol() string
}

// wsTransport implements Transport over a gorilla websocket connection.
type wsTransport struct {
	conn    *websocket.Conn
	role    Role
	msgs    chan Message
	writeMu sync.Mutex
	mu      sync.Mutex
	state   ConnectionState
	logger  *Logger
}

// NewTransport wraps an already-open websocket connection. The same
// wrapper serves both roles; the read loop starts immediately.
func NewTransport(conn *websocket.Conn, role Role, logger *Logger) Transport {
	if logger == nil {
		logger = GetGlobalLogger()
	}
	t := &wsTransport{
		conn:   conn,
		role:   role,
		msgs:   make(chan Message, 32),
		state:  StateOpen,
		logger: logger.WithComponent("transport"),
	}
	go t.readLoop()
	return t
}

func (t *wsTransport) readLoop() {
	defer func() {
		t.setState(StateClosed)
		t.conn.Close()
		close(t.msgs)
	}()

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.WithError(err).Debug("websocket read failed")
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			t.msgs <- Message{Kind: TextMessage, Data: data}
		case websocket.BinaryMessage:
			t.msgs <- Message{Kind: BinaryMessage, Data: data}
		default:
			// Control frames are handled by gorilla itself.
		}
	}
}

func (t *wsTransport) Send(kind MessageKind, data []byte) error {
	if t.State() != StateOpen {
		return NewTransportError("send on non-open connection").
			AddDetail("state", string(t.State()))
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(int(kind), data); err != nil {
		t.setState(StateClosed)
		return WrapError(err, ErrCodeTransport)
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed || t.state == StateClosing {
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosing
	t.mu.Unlock()

	t.writeMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return t.conn.Close()
}

func (t *wsTransport) Messages() <-chan Message {
	return t.msgs
}

func (t *wsTransport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *wsTransport) setState(state ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateClosed {
		t.state = state
	}
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *wsTransport) Subprotocol() string {
	return t.conn.Subprotocol()
}

// Connection binds one transport to its identity. Exactly one control
// session or one media session may attach to a connection; the two
// protocols use disjoint message kinds and never share a socket.
type Connection struct {
	ID          string
	Role        Role
	Transport   Transport
	Subprotocol string
	Principal   string // authenticated username, server role only
	Path        string // request path, server role only
	logger      *Logger
	attached    atomic.Bool
}

// tryAttach claims the connection for a session. Only one control or
// media session may ever attach to a given connection.
func (c *Connection) tryAttach() bool {
	return c.attached.CompareAndSwap(false, true)
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s[%s %s]", c.ID, c.Role, c.Transport.RemoteAddr())
}

// Logger returns the connection-tagged logger.
func (c *Connection) Logger() *Logger {
	if c.logger == nil {
		c.logger = GetGlobalLogger().WithTag(c.ID)
	}
	return c.logger
}

// Close tears the connection down; any attached session observes the
// closed transport and resolves its own pending work.
func (c *Connection) Close() error {
	return c.Transport.Close()
}
