package astws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CatchAllEvents registers a handler for every event type.
const CatchAllEvents = "*"

type eventHandlerEntry struct {
	fn EventHandler
}

type errorHandlerEntry struct {
	fn ErrorHandler
}

// ControlSession implements the ARI control protocol over one open
// connection: JSON message framing, request/response correlation and
// event dispatch. The same session works in either connection role.
type ControlSession struct {
	conn   *Connection
	logger *Logger

	nextID atomic.Uint64

	mu            sync.Mutex
	pending       map[uint64]chan *Response
	handlers      map[string][]*eventHandlerEntry
	errorHandlers []*errorHandlerEntry

	done      chan struct{}
	closeOnce sync.Once
}

// NewControlSession attaches a control session to conn and starts its
// dispatch loop. It fails if another session already owns conn.
func NewControlSession(conn *Connection) (*ControlSession, error) {
	if !conn.tryAttach() {
		return nil, NewProtocolError("connection already has a session attached")
	}

	s := &ControlSession{
		conn:     conn,
		logger:   conn.Logger().WithComponent("control"),
		pending:  make(map[uint64]chan *Response),
		handlers: make(map[string][]*eventHandlerEntry),
		done:     make(chan struct{}),
	}
	go s.dispatchLoop()
	return s, nil
}

// Request sends {id, method, path, body} as a JSON text message and
// blocks until the matching response arrives, ctx expires, or the
// connection closes. Responses resolve in their arrival order, which
// may differ from request issue order.
//
// body may be nil, a json.RawMessage, or any value that marshals to
// JSON; payloads are opaque to this layer.
func (s *ControlSession) Request(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	raw, err := marshalBody(body)
	if err != nil {
		return nil, WrapError(err, ErrCodeJSONParse)
	}

	id := s.nextID.Add(1)
	ch := make(chan *Response, 1)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil, NewConnectionClosedError("control session closed")
	default:
	}
	s.pending[id] = ch
	s.mu.Unlock()

	req := Request{ID: id, Method: method, Path: path, Body: raw}
	payload, err := json.Marshal(req)
	if err != nil {
		s.removePending(id)
		return nil, WrapError(err, ErrCodeJSONParse)
	}

	s.logger.Infof("RESTRequest: %s %s %d", method, path, id)
	if err := s.conn.Transport.Send(TextMessage, payload); err != nil {
		s.removePending(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, NewConnectionClosedError("connection closed with request pending").
				AddDetail("id", id)
		}
		s.logger.Infof("RESTResponse: %s %s %d %d", method, path, id, resp.Status)
		if resp.Error != "" {
			return resp, NewAstError(resp.Error, ErrCodeRequestFailed).AddDetail("id", id)
		}
		return resp, nil
	case <-ctx.Done():
		s.removePending(id)
		return nil, WrapError(ctx.Err(), ErrCodeTimeout).AddDetail("id", id)
	case <-s.done:
		s.removePending(id)
		return nil, NewConnectionClosedError("connection closed with request pending").
			AddDetail("id", id)
	}
}

// OnEvent registers a handler for events with the given type
// discriminant. Use CatchAllEvents to receive every event. Handlers run
// in arrival order on the dispatch goroutine; the returned function
// unregisters the handler.
func (s *ControlSession) OnEvent(eventType string, handler EventHandler) func() {
	entry := &eventHandlerEntry{fn: handler}

	s.mu.Lock()
	s.handlers[eventType] = append(s.handlers[eventType], entry)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.handlers[eventType]
		for i, e := range list {
			if e == entry {
				s.handlers[eventType] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// AddErrorHandler registers a handler for protocol anomalies that are
// not attributable to any single pending request (malformed JSON,
// panicking event handlers). The returned function unregisters it.
func (s *ControlSession) AddErrorHandler(handler ErrorHandler) func() {
	entry := &errorHandlerEntry{fn: handler}

	s.mu.Lock()
	s.errorHandlers = append(s.errorHandlers, entry)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.errorHandlers {
			if e == entry {
				s.errorHandlers = append(s.errorHandlers[:i], s.errorHandlers[i+1:]...)
				break
			}
		}
	}
}

// Done is closed when the session's dispatch loop has exited and all
// pending requests have been resolved.
func (s *ControlSession) Done() <-chan struct{} {
	return s.done
}

// Close tears down the underlying connection. Outstanding requests
// resolve with CONNECTION_CLOSED.
func (s *ControlSession) Close() error {
	return s.conn.Close()
}

// Connection returns the connection this session is attached to.
func (s *ControlSession) Connection() *Connection {
	return s.conn
}

func (s *ControlSession) dispatchLoop() {
	defer s.shutdown()

	for msg := range s.conn.Transport.Messages() {
		if msg.Kind != TextMessage {
			s.reportError(NewProtocolError("binary message on control connection").
				AddDetail("bytes", len(msg.Data)))
			continue
		}
		s.dispatch(msg.Data)
	}
	s.logger.Info("ARI disconnected")
}

// dispatch classifies one inbound text message: a correlation id makes
// it a response, a type discriminant makes it an event, anything else
// is a protocol anomaly.
func (s *ControlSession) dispatch(data []byte) {
	var probe struct {
		ID   *uint64 `json:"id"`
		Type string  `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		s.reportError(WrapError(err, ErrCodeProtocol).AddDetail("kind", "malformed_json"))
		return
	}

	if probe.ID != nil {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			s.reportError(WrapError(err, ErrCodeProtocol).AddDetail("id", *probe.ID))
			return
		}
		s.resolve(&resp)
		return
	}

	if probe.Type == "" {
		s.reportError(NewProtocolError("message with neither id nor type"))
		return
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		s.reportError(WrapError(err, ErrCodeProtocol).AddDetail("type", probe.Type))
		return
	}

	s.dispatchEvent(&Event{
		Type:      probe.Type,
		Fields:    fields,
		Raw:       json.RawMessage(data),
		Timestamp: time.Now(),
	})
}

func (s *ControlSession) resolve(resp *Response) {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()

	if !ok {
		// Duplicate or late response. Dropped, never fatal.
		s.logger.Warnf("Pending request %d not found", resp.ID)
		return
	}
	ch <- resp
}

func (s *ControlSession) dispatchEvent(event *Event) {
	s.mu.Lock()
	entries := make([]*eventHandlerEntry, 0,
		len(s.handlers[event.Type])+len(s.handlers[CatchAllEvents]))
	entries = append(entries, s.handlers[event.Type]...)
	entries = append(entries, s.handlers[CatchAllEvents]...)
	s.mu.Unlock()

	s.logger.Infof("Received %s %s", event.Type, eventEntityName(event))

	for _, entry := range entries {
		s.invokeHandler(entry.fn, event)
	}
}

// invokeHandler isolates a panicking handler so it cannot stop dispatch
// of subsequent messages.
func (s *ControlSession) invokeHandler(fn EventHandler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			s.reportError(NewProtocolError(fmt.Sprintf("event handler panic: %v", r)).
				AddDetail("event_type", event.Type))
		}
	}()
	fn(event)
}

func (s *ControlSession) reportError(err *AstError) {
	s.logger.LogAstError(err)

	s.mu.Lock()
	entries := make([]*errorHandlerEntry, len(s.errorHandlers))
	copy(entries, s.errorHandlers)
	s.mu.Unlock()

	for _, entry := range entries {
		entry.fn(err)
	}
}

// shutdown resolves every pending request with CONNECTION_CLOSED by
// closing its channel. No request is left unresolved.
func (s *ControlSession) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for id, ch := range s.pending {
			delete(s.pending, id)
			close(ch)
		}
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *ControlSession) removePending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func marshalBody(body interface{}) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return json.RawMessage(b), nil
	default:
		return json.Marshal(body)
	}
}

// eventEntityName pulls a human-readable bridge/channel name out of an
// event payload for log lines, like the original handle_any does.
func eventEntityName(event *Event) string {
	name := ""
	if bridge, ok := event.Fields["bridge"].(map[string]interface{}); ok {
		name = getString(bridge, "name")
		if name == "" {
			name = getString(bridge, "id")
		}
	}
	if channel, ok := event.Fields["channel"].(map[string]interface{}); ok {
		if name != "" {
			name += " "
		}
		name += getString(channel, "name")
	}
	return name
}
