package astws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respondJSON(t *fakeTransport, resp Response) {
	data, _ := json.Marshal(resp)
	t.deliver(TextMessage, data)
}

func sentRequest(t *testing.T, msg Message) Request {
	t.Helper()
	require.Equal(t, TextMessage, msg.Kind)
	var req Request
	require.NoError(t, json.Unmarshal(msg.Data, &req))
	return req
}

func TestRequestResponseCorrelation(t *testing.T) {
	ft := newFakeTransport()
	session, err := NewControlSession(newTestConnection(ft))
	require.NoError(t, err)
	defer session.Close()

	go func() {
		msgs := ft.waitSent(1)
		var req Request
		if json.Unmarshal(msgs[0].Data, &req) == nil {
			respondJSON(ft, Response{ID: req.ID, Status: 200, Body: json.RawMessage(`{"id":"ch1"}`)})
		}
	}()

	resp, err := session.Request(context.Background(), "POST", "channels/create", map[string]string{"endpoint": "Local/1"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"id":"ch1"}`, string(resp.Body))
}

func TestRequestIDsAreMonotonic(t *testing.T) {
	ft := newFakeTransport()
	session, err := NewControlSession(newTestConnection(ft))
	require.NoError(t, err)
	defer session.Close()

	go func() {
		for i := 1; ; i++ {
			msgs := ft.waitSent(i)
			if len(msgs) < i {
				return
			}
			var req Request
			if json.Unmarshal(msgs[i-1].Data, &req) == nil {
				respondJSON(ft, Response{ID: req.ID, Status: 200})
			}
			if i == 3 {
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		_, err := session.Request(context.Background(), "GET", "asterisk/info", nil)
		require.NoError(t, err)
	}

	msgs := ft.sentMessages()
	require.Len(t, msgs, 3)
	var last uint64
	for _, msg := range msgs {
		req := sentRequest(t, msg)
		assert.Greater(t, req.ID, last)
		last = req.ID
	}
}

func TestConcurrentRequestsResolveOutOfOrder(t *testing.T) {
	const n = 8

	ft := newFakeTransport()
	session, err := NewControlSession(newTestConnection(ft))
	require.NoError(t, err)
	defer session.Close()

	// Respond to all requests in reverse issue order.
	go func() {
		msgs := ft.waitSent(n)
		if len(msgs) < n {
			return
		}
		for i := n - 1; i >= 0; i-- {
			var req Request
			if json.Unmarshal(msgs[i].Data, &req) == nil {
				body, _ := json.Marshal(map[string]string{"path": req.Path})
				respondJSON(ft, Response{ID: req.ID, Status: 200, Body: body})
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("channels/ch%d", i)
			resp, err := session.Request(context.Background(), "GET", path, nil)
			if err != nil {
				errs <- err
				return
			}
			var body map[string]string
			if err := json.Unmarshal(resp.Body, &body); err != nil {
				errs <- err
				return
			}
			if body["path"] != path {
				errs <- fmt.Errorf("response for %s got body %v", path, body)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRequestErrorResponse(t *testing.T) {
	ft := newFakeTransport()
	session, err := NewControlSession(newTestConnection(ft))
	require.NoError(t, err)
	defer session.Close()

	go func() {
		msgs := ft.waitSent(1)
		var req Request
		if json.Unmarshal(msgs[0].Data, &req) == nil {
			respondJSON(ft, Response{ID: req.ID, Error: "Channel not found"})
		}
	}()

	resp, err := session.Request(context.Background(), "DELETE", "channels/nope", nil)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeRequestFailed))
	require.NotNil(t, resp)
}

func TestRequestContextTimeout(t *testing.T) {
	ft := newFakeTransport()
	session, err := NewControlSession(newTestConnection(ft))
	require.NoError(t, err)
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = session.Request(ctx, "GET", "asterisk/info", nil)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeTimeout))
}

func TestCloseResolvesPendingRequests(t *testing.T) {
	ft := newFakeTransport()
	session, err := NewControlSession(newTestConnection(ft))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := session.Request(context.Background(), "GET", "asterisk/info", nil)
		done <- err
	}()

	ft.waitSent(1)
	require.NoError(t, ft.Close())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, IsErrorCode(err, ErrCodeConnectionClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not resolved on close")
	}

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down")
	}
}

func TestUnknownResponseIDIsDropped(t *testing.T) {
	ft := newFakeTransport()
	session, err := NewControlSession(newTestConnection(ft))
	require.NoError(t, err)
	defer session.Close()

	// A response nobody is waiting for must not break the session.
	respondJSON(ft, Response{ID: 9999, Status: 200})

	go func() {
		msgs := ft.waitSent(1)
		var req Request
		if json.Unmarshal(msgs[0].Data, &req) == nil {
			respondJSON(ft, Response{ID: req.ID, Status: 200})
		}
	}()

	resp, err := session.Request(context.Background(), "GET", "asterisk/info", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestEventDispatchTypedAndCatchAll(t *testing.T) {
	ft := newFakeTransport()
	session, err := NewControlSession(newTestConnection(ft))
	require.NoError(t, err)
	defer session.Close()

	typed := make(chan *Event, 4)
	all := make(chan *Event, 4)
	session.OnEvent("StasisStart", func(e *Event) { typed <- e })
	session.OnEvent(CatchAllEvents, func(e *Event) { all <- e })

	ft.deliverText(`{"type":"StasisStart","channel":{"id":"c1","name":"PJSIP/alice-01"}}`)
	ft.deliverText(`{"type":"ChannelStateChange","channel":{"id":"c1"}}`)

	select {
	case e := <-typed:
		assert.Equal(t, "StasisStart", e.Type)
		assert.Equal(t, "c1", e.ChannelID())
		assert.Equal(t, "PJSIP/alice-01", e.ChannelName())
	case <-time.After(2 * time.Second):
		t.Fatal("typed handler never fired")
	}

	for _, want := range []string{"StasisStart", "ChannelStateChange"} {
		select {
		case e := <-all:
			assert.Equal(t, want, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("catch-all handler missed an event")
		}
	}

	select {
	case e := <-typed:
		t.Fatalf("typed handler fired for %s", e.Type)
	default:
	}
}

func TestOnEventUnsubscribe(t *testing.T) {
	ft := newFakeTransport()
	session, err := NewControlSession(newTestConnection(ft))
	require.NoError(t, err)
	defer session.Close()

	events := make(chan *Event, 4)
	unsubscribe := session.OnEvent("Dial", func(e *Event) { events <- e })

	ft.deliverText(`{"type":"Dial","dialstatus":"ANSWER"}`)
	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never fired")
	}

	unsubscribe()
	ft.deliverText(`{"type":"Dial","dialstatus":"BUSY"}`)

	// Delivery is ordered, so a second event proves the first was not
	// dispatched to the unsubscribed handler.
	probe := make(chan struct{}, 1)
	session.OnEvent("Probe", func(*Event) { probe <- struct{}{} })
	ft.deliverText(`{"type":"Probe"}`)
	select {
	case <-probe:
	case <-time.After(2 * time.Second):
		t.Fatal("probe handler never fired")
	}

	select {
	case <-events:
		t.Fatal("unsubscribed handler fired")
	default:
	}
}

func TestPanickingHandlerDoesNotStopDispatch(t *testing.T) {
	ft := newFakeTransport()
	session, err := NewControlSession(newTestConnection(ft))
	require.NoError(t, err)
	defer session.Close()

	reported := make(chan *AstError, 1)
	session.AddErrorHandler(func(e *AstError) { reported <- e })

	received := make(chan *Event, 2)
	session.OnEvent("StasisStart", func(*Event) { panic("boom") })
	session.OnEvent("StasisStart", func(e *Event) { received <- e })

	ft.deliverText(`{"type":"StasisStart"}`)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never fired")
	}
	select {
	case e := <-reported:
		assert.Equal(t, ErrCodeProtocol, e.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}

	// The session keeps dispatching afterwards.
	ft.deliverText(`{"type":"StasisStart"}`)
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch stopped after panic")
	}
}

func TestMalformedMessagesAreNonFatal(t *testing.T) {
	ft := newFakeTransport()
	session, err := NewControlSession(newTestConnection(ft))
	require.NoError(t, err)
	defer session.Close()

	reported := make(chan *AstError, 4)
	session.AddErrorHandler(func(e *AstError) { reported <- e })

	ft.deliverText(`{not json`)
	ft.deliverText(`{"neither":"id nor type"}`)
	ft.deliver(BinaryMessage, []byte{0x00, 0x01})

	for i := 0; i < 3; i++ {
		select {
		case e := <-reported:
			assert.Equal(t, ErrCodeProtocol, e.Code)
		case <-time.After(2 * time.Second):
			t.Fatalf("anomaly %d was not reported", i)
		}
	}

	// Still operational.
	go func() {
		msgs := ft.waitSent(1)
		var req Request
		if json.Unmarshal(msgs[0].Data, &req) == nil {
			respondJSON(ft, Response{ID: req.ID, Status: 200})
		}
	}()
	_, err = session.Request(context.Background(), "GET", "asterisk/info", nil)
	require.NoError(t, err)
}

func TestSecondSessionOnSameConnectionFails(t *testing.T) {
	ft := newFakeTransport()
	conn := newTestConnection(ft)

	session, err := NewControlSession(conn)
	require.NoError(t, err)
	defer session.Close()

	_, err = NewControlSession(conn)
	require.Error(t, err)
	_, err = NewMediaSession(conn, nil)
	require.Error(t, err)
}

func TestRequestBodyForms(t *testing.T) {
	ft := newFakeTransport()
	session, err := NewControlSession(newTestConnection(ft))
	require.NoError(t, err)
	defer session.Close()

	go func() {
		for i := 1; i <= 3; i++ {
			msgs := ft.waitSent(i)
			if len(msgs) < i {
				return
			}
			var req Request
			if json.Unmarshal(msgs[i-1].Data, &req) == nil {
				respondJSON(ft, Response{ID: req.ID, Status: 200})
			}
		}
	}()

	_, err = session.Request(context.Background(), "POST", "p1", nil)
	require.NoError(t, err)
	_, err = session.Request(context.Background(), "POST", "p2", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	_, err = session.Request(context.Background(), "POST", "p3", map[string]int{"b": 2})
	require.NoError(t, err)

	msgs := ft.sentMessages()
	require.Len(t, msgs, 3)
	assert.Nil(t, sentRequest(t, msgs[0]).Body)
	assert.JSONEq(t, `{"a":1}`, string(sentRequest(t, msgs[1]).Body))
	assert.JSONEq(t, `{"b":2}`, string(sentRequest(t, msgs[2]).Body))
}
