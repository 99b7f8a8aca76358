package astws

import (
	"encoding/json"
	"time"
)

// Result types for error handling
type Result[T any] struct {
	Data    T
	Error   *AstError
	Success bool
}

func Ok[T any](data T) Result[T] {
	return Result[T]{Data: data, Success: true}
}

func Err[T any](err *AstError) Result[T] {
	return Result[T]{Error: err, Success: false}
}

// Role selects who performs the websocket handshake. The two roles are
// symmetric once the connection is open.
type Role string

const (
	ClientRole Role = "client"
	ServerRole Role = "server"
)

// ConnectionState enum
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosing    ConnectionState = "closing"
	StateClosed     ConnectionState = "closed"
)

// MessageKind distinguishes control (text) from media (binary) frames.
// Values match the gorilla/websocket message types.
type MessageKind int

const (
	TextMessage   MessageKind = 1
	BinaryMessage MessageKind = 2
)

// Message is one inbound websocket message as seen by a session.
type Message struct {
	Kind MessageKind
	Data []byte
}

// Request is the control protocol request envelope.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Response is the control protocol response envelope. A response carries
// either a status (with optional body) or an error string.
type Response struct {
	ID     uint64          `json:"id"`
	Status int             `json:"status,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Event is an unsolicited notification. Fields beyond the type
// discriminant are passed through opaquely from the upstream schema.
type Event struct {
	Type      string
	Fields    map[string]interface{}
	Raw       json.RawMessage
	Timestamp time.Time
}

// SequenceAnomalyKind enum
type SequenceAnomalyKind string

const (
	AnomalyGap        SequenceAnomalyKind = "gap"
	AnomalyRegression SequenceAnomalyKind = "regression"
	AnomalyDuplicate  SequenceAnomalyKind = "duplicate"
)

// SequenceAnomaly annotates a media frame whose sequence number did not
// match the expected next value. The frame is still delivered; the
// consumer decides whether to drop, fill or abort.
type SequenceAnomaly struct {
	Kind     SequenceAnomalyKind
	Expected uint16
	Got      uint16
}

// MediaFrame is one decoded inbound (or stamped outbound) audio frame.
type MediaFrame struct {
	Seq       uint16
	Timestamp uint32
	Payload   []byte
	Anomaly   *SequenceAnomaly
}

// MediaStats counts traffic in both directions for echo verification.
type MediaStats struct {
	FramesSent     int64
	FramesReceived int64
	BytesSent      int64
	BytesReceived  int64
}

// Handler types
type EventHandler func(*Event)
type ErrorHandler func(*AstError)
type ConnectionHandler func(ConnectionState)
type NotificationHandler func(*MediaNotification)
type FrameHandler func(*MediaFrame)
