package astws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialAndAcceptWithBasicAuth(t *testing.T) {
	server := NewConnectionManager(ManagerOptions{
		Credentials:  &Credentials{Username: "asterisk", Password: "asterisk"},
		Subprotocols: []string{"media"},
	})

	accepted := make(chan *Connection, 1)
	srv := httptest.NewServer(server.Handler(func(conn *Connection) {
		accepted <- conn
		<-conn.Transport.Messages()
	}))
	defer srv.Close()

	client := NewConnectionManager(ManagerOptions{})
	conn, err := client.Dial(context.Background(), DialOptions{
		URL:         wsURL(srv),
		Credentials: &Credentials{Username: "asterisk", Password: "asterisk"},
		Subprotocol: "media",
	})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, ClientRole, conn.Role)
	assert.Equal(t, "media", conn.Subprotocol)

	select {
	case serverConn := <-accepted:
		assert.Equal(t, ServerRole, serverConn.Role)
		assert.Equal(t, "media", serverConn.Subprotocol)
		assert.Equal(t, "asterisk", serverConn.Principal)
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
}

func TestDialRejectedWithBadCredentials(t *testing.T) {
	server := NewConnectionManager(ManagerOptions{
		Credentials: &Credentials{Username: "asterisk", Password: "asterisk"},
	})

	accepted := make(chan *Connection, 1)
	srv := httptest.NewServer(server.Handler(func(conn *Connection) {
		accepted <- conn
	}))
	defer srv.Close()

	client := NewConnectionManager(ManagerOptions{})

	_, err := client.Dial(context.Background(), DialOptions{
		URL:         wsURL(srv),
		Credentials: &Credentials{Username: "asterisk", Password: "wrong"},
	})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeAuthFailed))

	// Missing credentials are rejected the same way.
	_, err = client.Dial(context.Background(), DialOptions{URL: wsURL(srv)})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeAuthFailed))

	select {
	case <-accepted:
		t.Fatal("unauthenticated connection was accepted")
	default:
	}
}

func TestSubprotocolRequired(t *testing.T) {
	server := NewConnectionManager(ManagerOptions{
		Subprotocols: []string{"media"},
	})

	accepted := make(chan *Connection, 1)
	srv := httptest.NewServer(server.Handler(func(conn *Connection) {
		accepted <- conn
	}))
	defer srv.Close()

	client := NewConnectionManager(ManagerOptions{})
	conn, err := client.Dial(context.Background(), DialOptions{URL: wsURL(srv)})
	require.NoError(t, err)
	defer conn.Close()

	// The upgrade succeeds without a subprotocol, but the server closes
	// immediately instead of invoking accept.
	select {
	case _, ok := <-conn.Transport.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
	select {
	case <-accepted:
		t.Fatal("connection without subprotocol was accepted")
	default:
	}
}

func TestConnectionRegistry(t *testing.T) {
	server := NewConnectionManager(ManagerOptions{})

	release := make(chan struct{})
	srv := httptest.NewServer(server.Handler(func(conn *Connection) {
		<-release
	}))
	defer srv.Close()

	client := NewConnectionManager(ManagerOptions{})
	conn, err := client.Dial(context.Background(), DialOptions{URL: wsURL(srv)})
	require.NoError(t, err)

	require.Len(t, client.Connections(), 1)
	got, ok := client.Get(conn.ID)
	require.True(t, ok)
	assert.Same(t, conn, got)

	require.Eventually(t, func() bool { return len(server.Connections()) == 1 }, 2*time.Second, time.Millisecond)

	close(release)
	// The server deregisters the connection when accept returns.
	require.Eventually(t, func() bool { return len(server.Connections()) == 0 }, 2*time.Second, time.Millisecond)

	client.Remove(conn.ID)
	assert.Empty(t, client.Connections())
	_ = conn.Close()
}

func TestShutdownClosesConnections(t *testing.T) {
	server := NewConnectionManager(ManagerOptions{})
	srv := httptest.NewServer(server.Handler(func(conn *Connection) {
		for range conn.Transport.Messages() {
		}
	}))
	defer srv.Close()

	client := NewConnectionManager(ManagerOptions{})
	conn, err := client.Dial(context.Background(), DialOptions{URL: wsURL(srv)})
	require.NoError(t, err)

	require.NoError(t, client.Shutdown(context.Background()))
	assert.Empty(t, client.Connections())

	select {
	case _, ok := <-conn.Transport.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("connection survived shutdown")
	}
}

// TestControlSessionServerRole attaches the control session to an
// accepted connection: same request/response/event semantics as the
// dialing side.
func TestControlSessionServerRole(t *testing.T) {
	server := NewConnectionManager(ManagerOptions{
		Subprotocols: []string{"ari"},
	})

	type outcome struct {
		resp  *Response
		err   error
		event *Event
	}
	outcomes := make(chan outcome, 1)

	srv := httptest.NewServer(server.Handler(func(conn *Connection) {
		session, err := NewControlSession(conn)
		if err != nil {
			outcomes <- outcome{err: err}
			return
		}

		events := make(chan *Event, 1)
		session.OnEvent("StasisStart", func(e *Event) { events <- e })

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := session.Request(ctx, "GET", "asterisk/info", nil)

		var event *Event
		select {
		case event = <-events:
		case <-time.After(2 * time.Second):
		}
		outcomes <- outcome{resp: resp, err: err, event: event}
	}))
	defer srv.Close()

	client := NewConnectionManager(ManagerOptions{})
	conn, err := client.Dial(context.Background(), DialOptions{
		URL:         wsURL(srv),
		Subprotocol: "ari",
	})
	require.NoError(t, err)
	defer conn.Close()

	// The dialing side plays Asterisk: answer the request, then push an
	// event.
	msg, ok := <-conn.Transport.Messages()
	require.True(t, ok)
	var req Request
	require.NoError(t, json.Unmarshal(msg.Data, &req))
	resp, _ := json.Marshal(Response{ID: req.ID, Status: 200, Body: json.RawMessage(`{"version":"22"}`)})
	require.NoError(t, conn.Transport.Send(TextMessage, resp))
	require.NoError(t, conn.Transport.Send(TextMessage, []byte(`{"type":"StasisStart","channel":{"id":"c9"}}`)))

	select {
	case got := <-outcomes:
		require.NoError(t, got.err)
		assert.Equal(t, 200, got.resp.Status)
		assert.JSONEq(t, `{"version":"22"}`, string(got.resp.Body))
		require.NotNil(t, got.event)
		assert.Equal(t, "c9", got.event.ChannelID())
	case <-time.After(5 * time.Second):
		t.Fatal("server-role session never finished")
	}
}

// TestControlSessionOverWebsocket runs the control protocol end to end
// over a real websocket pair: the accepted side answers requests and
// pushes an event, the dialing side correlates them.
func TestControlSessionOverWebsocket(t *testing.T) {
	server := NewConnectionManager(ManagerOptions{
		Credentials:  &Credentials{Username: "asterisk", Password: "asterisk"},
		Subprotocols: []string{"ari"},
	})

	srv := httptest.NewServer(server.Handler(func(conn *Connection) {
		// Minimal peer: answer every request with 200 and its own path,
		// preceded by one unsolicited event.
		_ = conn.Transport.Send(TextMessage, []byte(`{"type":"StasisStart","channel":{"id":"c1"}}`))
		for msg := range conn.Transport.Messages() {
			var req Request
			if json.Unmarshal(msg.Data, &req) != nil {
				continue
			}
			body, _ := json.Marshal(map[string]string{"path": req.Path})
			resp, _ := json.Marshal(Response{ID: req.ID, Status: 200, Body: body})
			_ = conn.Transport.Send(TextMessage, resp)
		}
	}))
	defer srv.Close()

	client := NewConnectionManager(ManagerOptions{})
	conn, err := client.Dial(context.Background(), DialOptions{
		URL:         wsURL(srv),
		Credentials: &Credentials{Username: "asterisk", Password: "asterisk"},
		Subprotocol: "ari",
	})
	require.NoError(t, err)

	session, err := NewControlSession(conn)
	require.NoError(t, err)
	defer session.Close()

	events := make(chan *Event, 1)
	session.OnEvent("StasisStart", func(e *Event) { events <- e })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := session.Request(ctx, "GET", "asterisk/info", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"path":"asterisk/info"}`, string(resp.Body))

	select {
	case e := <-events:
		assert.Equal(t, "c1", e.ChannelID())
	case <-time.After(2 * time.Second):
		t.Fatal("event never arrived")
	}
}
