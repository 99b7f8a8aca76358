package astws

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
)

// Media session lifecycle states
const (
	MediaStateIdle      = "idle"
	MediaStateStreaming = "streaming"
	MediaStateDraining  = "draining"
	MediaStateClosed    = "closed"
)

const (
	mediaEventStart = "start"
	mediaEventDrain = "drain"
	mediaEventClose = "close"
)

type notificationHandlerEntry struct {
	fn NotificationHandler
}

// MediaSession implements the media protocol over one open connection:
// binary frame framing, sequence tracking and flow control. Binary
// messages carry audio frames; text messages carry the media
// notifications (MEDIA_START, MEDIA_XOFF/XON, buffering markers,
// HANGUP) defined by the Asterisk media websocket.
type MediaSession struct {
	conn   *Connection
	logger *Logger

	machine *fsm.FSM
	ssrc    uint32

	sendMu  sync.Mutex
	outSeq  uint16
	outTS   uint32
	sending atomic.Bool

	recvMu      sync.Mutex
	hasReceived bool
	expected    uint16

	flowMu sync.Mutex
	xoff   bool
	resume chan struct{}

	paramMu     sync.Mutex
	channelName string
	frameSize   int
	drainGrace  time.Duration

	frames chan *MediaFrame

	handlerMu     sync.Mutex
	notifHandlers []*notificationHandlerEntry
	errorHandlers []*errorHandlerEntry

	verifier *EchoVerifier

	stats struct {
		framesSent     atomic.Int64
		framesReceived atomic.Int64
		bytesSent      atomic.Int64
		bytesReceived  atomic.Int64
	}

	bufferingCompleted chan *MediaNotification
	done               chan struct{}
	closeOnce          sync.Once
}

// NewMediaSession attaches a media session to conn and starts its
// dispatch loop. It fails if another session already owns conn.
// cfg may be nil; the frame size defaults until MEDIA_START announces
// the negotiated one.
func NewMediaSession(conn *Connection, cfg *Config) (*MediaSession, error) {
	if !conn.tryAttach() {
		return nil, NewProtocolError("connection already has a session attached")
	}

	frameSize := DefaultOptimalFrameSize
	drainGrace := DefaultDrainGrace
	if cfg != nil {
		frameSize = cfg.OptimalFrameSize
		drainGrace = cfg.DrainGrace
	}

	m := &MediaSession{
		conn:               conn,
		logger:             conn.Logger().WithComponent("media"),
		ssrc:               rand.Uint32(),
		frameSize:          frameSize,
		drainGrace:         drainGrace,
		frames:             make(chan *MediaFrame, 64),
		bufferingCompleted: make(chan *MediaNotification, 4),
		done:               make(chan struct{}),
	}
	m.machine = fsm.NewFSM(
		MediaStateIdle,
		fsm.Events{
			{Name: mediaEventStart, Src: []string{MediaStateIdle}, Dst: MediaStateStreaming},
			{Name: mediaEventDrain, Src: []string{MediaStateIdle, MediaStateStreaming}, Dst: MediaStateDraining},
			{Name: mediaEventClose, Src: []string{MediaStateIdle, MediaStateStreaming, MediaStateDraining}, Dst: MediaStateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.LogMediaEvent("state", map[string]interface{}{
					"from": e.Src, "to": e.Dst,
				})
			},
		},
	)

	go m.dispatchLoop()
	return m, nil
}

// SendFrame stamps payload with the next outbound sequence number and
// timestamp and sends it as one binary message. It never blocks on flow
// control: while the peer has signalled MEDIA_XOFF it fails immediately
// with BACKPRESSURE.
func (m *MediaSession) SendFrame(payload []byte) error {
	if state := m.machine.Current(); state == MediaStateClosed || state == MediaStateDraining {
		return NewConnectionClosedError("media session not streaming").
			AddDetail("state", state)
	}
	if m.FlowStopped() {
		return NewBackpressureError("peer signalled MEDIA_XOFF")
	}

	m.sendMu.Lock()
	frame := &MediaFrame{Seq: m.outSeq, Timestamp: m.outTS, Payload: payload}
	data, err := MarshalFrame(frame, m.ssrc)
	if err != nil {
		m.sendMu.Unlock()
		return err
	}
	// 8kHz ulaw: one byte per sample, so the clock advances by the
	// payload length.
	m.outSeq++
	m.outTS += uint32(len(payload))
	m.sendMu.Unlock()

	if err := m.conn.Transport.Send(BinaryMessage, data); err != nil {
		return err
	}

	m.transitionOnTraffic()
	m.stats.framesSent.Add(1)
	m.stats.bytesSent.Add(int64(len(payload)))
	if m.verifier != nil {
		m.verifier.RecordSent(payload)
	}
	return nil
}

// Frames returns the inbound frame sequence in arrival order. The
// channel is closed when the session ends. Frames with unexpected
// sequence numbers carry an Anomaly annotation; nothing is reordered or
// dropped on the session's behalf.
func (m *MediaSession) Frames() <-chan *MediaFrame {
	return m.frames
}

// SendNotification sends a media protocol text message.
func (m *MediaSession) SendNotification(n *MediaNotification) error {
	return m.conn.Transport.Send(TextMessage, []byte(n.String()))
}

// Hangup asks the peer to tear the media channel down.
func (m *MediaSession) Hangup() error {
	return m.SendNotification(&MediaNotification{Kind: NotifyHangup})
}

// PlayBuffer streams a ulaw buffer as framed chunks between
// START_MEDIA_BUFFERING and STOP_MEDIA_BUFFERING markers, pausing while
// the peer has flow stopped. tag is echoed back by the peer's
// MEDIA_BUFFERING_COMPLETED.
func (m *MediaSession) PlayBuffer(ctx context.Context, data []byte, tag string) error {
	m.sending.Store(true)
	defer m.sending.Store(false)

	if err := m.SendNotification(&MediaNotification{Kind: NotifyStartBuffering}); err != nil {
		return err
	}

	size := m.OptimalFrameSize()
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		if err := m.sendFrameBlocking(ctx, data[off:end]); err != nil {
			return err
		}
	}

	return m.SendNotification(&MediaNotification{Kind: NotifyStopBuffering, Tag: tag})
}

// sendFrameBlocking retries a backpressured send once flow resumes.
func (m *MediaSession) sendFrameBlocking(ctx context.Context, payload []byte) error {
	for {
		err := m.SendFrame(payload)
		if err == nil {
			return nil
		}
		if !IsErrorCode(err, ErrCodeBackpressure) {
			return err
		}

		m.flowMu.Lock()
		resume := m.resume
		m.flowMu.Unlock()
		if resume == nil {
			continue
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return WrapError(ctx.Err(), ErrCodeTimeout)
		case <-m.done:
			return NewConnectionClosedError("media session closed during playback")
		}
	}
}

// Sending reports whether a PlayBuffer stream is in progress.
func (m *MediaSession) Sending() bool {
	return m.sending.Load()
}

// FlowStopped reports whether the peer has signalled MEDIA_XOFF.
func (m *MediaSession) FlowStopped() bool {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()
	return m.xoff
}

// WaitBufferingCompleted blocks until the peer acknowledges a buffered
// stream with MEDIA_BUFFERING_COMPLETED, or ctx expires.
func (m *MediaSession) WaitBufferingCompleted(ctx context.Context) (*MediaNotification, error) {
	select {
	case n := <-m.bufferingCompleted:
		return n, nil
	case <-ctx.Done():
		return nil, WrapError(ctx.Err(), ErrCodeTimeout)
	case <-m.done:
		return nil, NewConnectionClosedError("media session closed")
	}
}

// Drain stops new sends and waits the grace period for trailing inbound
// frames, then returns. Inbound frames already in flight are still
// delivered until the transport itself closes.
func (m *MediaSession) Drain(ctx context.Context) error {
	switch cur := m.machine.Current(); cur {
	case MediaStateClosed:
		return NewConnectionClosedError("media session closed").AddDetail("state", cur)
	case MediaStateDraining:
		// Already draining, peer signalled HANGUP.
	default:
		_ = m.machine.Event(context.Background(), mediaEventDrain)
	}

	timer := time.NewTimer(m.drainGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-m.done:
	case <-ctx.Done():
		return WrapError(ctx.Err(), ErrCodeTimeout)
	}
	return nil
}

// Close transitions the session to Closed and tears down the
// connection. Closed is terminal.
func (m *MediaSession) Close() error {
	_ = m.machine.Event(context.Background(), mediaEventClose)
	return m.conn.Close()
}

// State returns the current lifecycle state.
func (m *MediaSession) State() string {
	return m.machine.Current()
}

// ChannelName returns the channel announced by MEDIA_START.
func (m *MediaSession) ChannelName() string {
	m.paramMu.Lock()
	defer m.paramMu.Unlock()
	return m.channelName
}

// OptimalFrameSize returns the negotiated frame size.
func (m *MediaSession) OptimalFrameSize() int {
	m.paramMu.Lock()
	defer m.paramMu.Unlock()
	return m.frameSize
}

// Stats returns traffic counters for both directions.
func (m *MediaSession) Stats() MediaStats {
	return MediaStats{
		FramesSent:     m.stats.framesSent.Load(),
		FramesReceived: m.stats.framesReceived.Load(),
		BytesSent:      m.stats.bytesSent.Load(),
		BytesReceived:  m.stats.bytesReceived.Load(),
	}
}

// AttachVerifier records all sent and received payload bytes into v for
// echo verification. Attach before any traffic flows.
func (m *MediaSession) AttachVerifier(v *EchoVerifier) {
	m.verifier = v
}

// OnNotification registers a handler for media protocol notifications.
// The returned function unregisters it.
func (m *MediaSession) OnNotification(handler NotificationHandler) func() {
	entry := &notificationHandlerEntry{fn: handler}

	m.handlerMu.Lock()
	m.notifHandlers = append(m.notifHandlers, entry)
	m.handlerMu.Unlock()

	return func() {
		m.handlerMu.Lock()
		defer m.handlerMu.Unlock()
		for i, e := range m.notifHandlers {
			if e == entry {
				m.notifHandlers = append(m.notifHandlers[:i], m.notifHandlers[i+1:]...)
				break
			}
		}
	}
}

// AddErrorHandler registers a handler for per-message protocol
// anomalies. The returned function unregisters it.
func (m *MediaSession) AddErrorHandler(handler ErrorHandler) func() {
	entry := &errorHandlerEntry{fn: handler}

	m.handlerMu.Lock()
	m.errorHandlers = append(m.errorHandlers, entry)
	m.handlerMu.Unlock()

	return func() {
		m.handlerMu.Lock()
		defer m.handlerMu.Unlock()
		for i, e := range m.errorHandlers {
			if e == entry {
				m.errorHandlers = append(m.errorHandlers[:i], m.errorHandlers[i+1:]...)
				break
			}
		}
	}
}

// Done is closed when the session has fully shut down.
func (m *MediaSession) Done() <-chan struct{} {
	return m.done
}

func (m *MediaSession) dispatchLoop() {
	defer m.shutdown()

	for msg := range m.conn.Transport.Messages() {
		switch msg.Kind {
		case BinaryMessage:
			m.handleFrame(msg.Data)
		case TextMessage:
			m.handleNotification(string(msg.Data))
		}
	}
	m.logger.Info("Media disconnected")
}

func (m *MediaSession) handleFrame(data []byte) {
	frame, err := UnmarshalFrame(data)
	if err != nil {
		m.reportError(AsAstError(err))
		return
	}

	frame.Anomaly = m.trackSequence(frame.Seq)
	if frame.Anomaly != nil {
		m.reportError(NewSequenceAnomalyError(frame.Anomaly))
	}

	m.transitionOnTraffic()
	m.stats.framesReceived.Add(1)
	m.stats.bytesReceived.Add(int64(len(frame.Payload)))
	if m.verifier != nil {
		m.verifier.RecordReceived(frame.Payload)
	}

	select {
	case m.frames <- frame:
	case <-m.done:
	}
}

// trackSequence checks a received sequence number against the expected
// next one and resynchronizes after reporting an anomaly.
func (m *MediaSession) trackSequence(seq uint16) *SequenceAnomaly {
	m.recvMu.Lock()
	defer m.recvMu.Unlock()

	if !m.hasReceived {
		m.hasReceived = true
		m.expected = seq + 1
		return nil
	}

	expected := m.expected
	m.expected = seq + 1
	if seq == expected {
		return nil
	}

	anomaly := &SequenceAnomaly{Expected: expected, Got: seq}
	switch {
	case seq+1 == expected:
		anomaly.Kind = AnomalyDuplicate
	case seq-expected < 0x8000:
		anomaly.Kind = AnomalyGap
	default:
		anomaly.Kind = AnomalyRegression
	}
	return anomaly
}

func (m *MediaSession) handleNotification(text string) {
	n, err := ParseMediaNotification(text)
	if err != nil {
		m.reportError(AsAstError(err))
		return
	}

	m.logger.Infof("Received media notification %s", n.Raw)

	switch n.Kind {
	case NotifyMediaStart:
		m.paramMu.Lock()
		if n.Channel != "" {
			m.channelName = n.Channel
			m.logger = m.conn.Logger().WithComponent("media").WithField("channel", n.Channel)
		}
		if n.OptimalFrameSize > 0 {
			m.frameSize = n.OptimalFrameSize
		}
		m.paramMu.Unlock()
	case NotifyMediaXOff:
		m.flowMu.Lock()
		if !m.xoff {
			m.xoff = true
			m.resume = make(chan struct{})
		}
		m.flowMu.Unlock()
	case NotifyMediaXOn:
		m.flowMu.Lock()
		if m.xoff {
			m.xoff = false
			close(m.resume)
			m.resume = nil
		}
		m.flowMu.Unlock()
	case NotifyBufferingCompleted:
		select {
		case m.bufferingCompleted <- n:
		default:
		}
	case NotifyHangup:
		// End of stream. Trailing frames may still arrive until the
		// peer tears the connection down.
		_ = m.machine.Event(context.Background(), mediaEventDrain)
	}

	m.handlerMu.Lock()
	entries := make([]*notificationHandlerEntry, len(m.notifHandlers))
	copy(entries, m.notifHandlers)
	m.handlerMu.Unlock()
	for _, entry := range entries {
		entry.fn(n)
	}
}

// transitionOnTraffic moves Idle to Streaming on the first frame in
// either direction.
func (m *MediaSession) transitionOnTraffic() {
	if m.machine.Is(MediaStateIdle) {
		_ = m.machine.Event(context.Background(), mediaEventStart)
	}
}

func (m *MediaSession) reportError(err *AstError) {
	m.logger.LogAstError(err)

	m.handlerMu.Lock()
	entries := make([]*errorHandlerEntry, len(m.errorHandlers))
	copy(entries, m.errorHandlers)
	m.handlerMu.Unlock()
	for _, entry := range entries {
		entry.fn(err)
	}
}

func (m *MediaSession) shutdown() {
	m.closeOnce.Do(func() {
		_ = m.machine.Event(context.Background(), mediaEventClose)
		close(m.done)
		close(m.frames)

		// Release any PlayBuffer waiting on flow control.
		m.flowMu.Lock()
		if m.xoff {
			m.xoff = false
			close(m.resume)
			m.resume = nil
		}
		m.flowMu.Unlock()
	})
}
