package astws

import (
	"fmt"
	"strings"
	"time"
)

// Error codes as constants
const (
	ErrCodeTransport            = "TRANSPORT_ERROR"
	ErrCodeProtocol             = "PROTOCOL_ERROR"
	ErrCodeAuthFailed           = "AUTH_FAILED"
	ErrCodeHandshakeFailed      = "HANDSHAKE_FAILED"
	ErrCodeTimeout              = "TIMEOUT_ERROR"
	ErrCodeConnectionClosed     = "CONNECTION_CLOSED"
	ErrCodeBackpressure         = "BACKPRESSURE"
	ErrCodeSequenceAnomaly      = "SEQUENCE_ANOMALY"
	ErrCodeVerificationMismatch = "VERIFICATION_MISMATCH"
	ErrCodeRequestFailed        = "REQUEST_FAILED"
	ErrCodeConfigInvalid        = "CONFIG_INVALID"
	ErrCodeJSONParse            = "JSON_PARSE_ERROR"
	ErrCodePlayback             = "PLAYBACK_ERROR"
	ErrCodeUnknown              = "UNKNOWN_ERROR"
)

// AstError is the error type used throughout the library. Every failure
// carries a code from the taxonomy above so callers can distinguish
// transport failures, protocol failures and timeouts without string
// matching.
type AstError struct {
	Message   string
	Code      string
	Timestamp time.Time
	Details   map[string]interface{}
	err       error
}

func (e *AstError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s (%s)", e.Message, e.Code))
	if len(e.Details) > 0 {
		sb.WriteString(":")
		for k, v := range e.Details {
			sb.WriteString(fmt.Sprintf(" %s=%v", k, v))
		}
	}
	return sb.String()
}

func (e *AstError) Unwrap() error {
	return e.err
}

func NewAstError(message, code string) *AstError {
	return &AstError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// AddDetail attaches additional context to the error.
func (e *AstError) AddDetail(key string, value interface{}) *AstError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *AstError) GetDetail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	value, exists := e.Details[key]
	return value, exists
}

// Specific error creators with common codes
func NewTransportError(message string) *AstError {
	return NewAstError(message, ErrCodeTransport)
}

func NewProtocolError(message string) *AstError {
	return NewAstError(message, ErrCodeProtocol)
}

func NewAuthError(message string) *AstError {
	return NewAstError(message, ErrCodeAuthFailed)
}

func NewTimeoutError(message string) *AstError {
	return NewAstError(message, ErrCodeTimeout)
}

func NewConnectionClosedError(message string) *AstError {
	return NewAstError(message, ErrCodeConnectionClosed)
}

func NewBackpressureError(message string) *AstError {
	return NewAstError(message, ErrCodeBackpressure)
}

func NewSequenceAnomalyError(anomaly *SequenceAnomaly) *AstError {
	return NewAstError("media frame sequence anomaly", ErrCodeSequenceAnomaly).
		AddDetail("kind", string(anomaly.Kind)).
		AddDetail("expected", anomaly.Expected).
		AddDetail("got", anomaly.Got)
}

func NewVerificationError(message string) *AstError {
	return NewAstError(message, ErrCodeVerificationMismatch)
}

func NewConfigError(message string) *AstError {
	return NewAstError(message, ErrCodeConfigInvalid)
}

func NewJSONError(message string) *AstError {
	return NewAstError(message, ErrCodeJSONParse)
}

// WrapError wraps any error as an AstError with the given code.
func WrapError(err error, code string) *AstError {
	if err == nil {
		return nil
	}
	aerr := NewAstError(err.Error(), code)
	aerr.err = err
	return aerr
}

// AsAstError returns err as an *AstError, wrapping it with
// ErrCodeUnknown when it is some other error type.
func AsAstError(err error) *AstError {
	if err == nil {
		return nil
	}
	if aerr, ok := err.(*AstError); ok {
		return aerr
	}
	return WrapError(err, ErrCodeUnknown)
}

// IsErrorCode reports whether err is an *AstError carrying code.
func IsErrorCode(err error, code string) bool {
	aerr, ok := err.(*AstError)
	if !ok {
		return false
	}
	return aerr.Code == code
}

// IsFatalError reports whether the error should abort an orchestrator.
// Handshake rejections and verification mismatches are unrecoverable;
// sequence anomalies and dropped late responses are not.
func IsFatalError(err error) bool {
	fatalCodes := []string{
		ErrCodeAuthFailed,
		ErrCodeHandshakeFailed,
		ErrCodeVerificationMismatch,
		ErrCodeConfigInvalid,
	}
	for _, code := range fatalCodes {
		if IsErrorCode(err, code) {
			return true
		}
	}
	return false
}

// IsRetryableError reports whether the operation may be retried on a
// fresh connection.
func IsRetryableError(err error) bool {
	retryableCodes := []string{
		ErrCodeTransport,
		ErrCodeConnectionClosed,
		ErrCodeTimeout,
	}
	for _, code := range retryableCodes {
		if IsErrorCode(err, code) {
			return true
		}
	}
	return false
}
