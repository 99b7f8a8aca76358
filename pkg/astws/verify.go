package astws

import (
	"bytes"
	"sync"

	"github.com/zaf/g711"
)

// UlawSilence is the ulaw encoding of a zero-amplitude sample, used by
// the channel driver to pad short frames.
const UlawSilence = 0xFF

// EchoVerifier accumulates the locally sent and remotely echoed payload
// byte streams of a media session and compares them once the stream has
// fully round-tripped.
type EchoVerifier struct {
	mu       sync.Mutex
	sent     bytes.Buffer
	received bytes.Buffer
}

func NewEchoVerifier() *EchoVerifier {
	return &EchoVerifier{}
}

func (v *EchoVerifier) RecordSent(payload []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sent.Write(payload)
}

func (v *EchoVerifier) RecordReceived(payload []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.received.Write(payload)
}

func (v *EchoVerifier) BytesSent() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sent.Len()
}

func (v *EchoVerifier) BytesReceived() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.received.Len()
}

// VerifyReport describes the outcome of an echo comparison.
type VerifyReport struct {
	BytesSent     int
	BytesExpected int
	BytesReceived int
	Match         bool
	PaddingSilent bool
	FirstDiff     int // -1 when the compared region matches
}

// Verify compares the received stream against the sent one.
//
// If the sent data was not an even multiple of optimalFrameSize, the
// channel driver pads the short frame with silence before handing it to
// the core, so the echoed stream is allowed to be longer than what was
// sent by up to one frame. Only the first BytesSent bytes must match
// byte for byte; receiving less than the padded length is a failure.
func (v *EchoVerifier) Verify(optimalFrameSize int) Result[*VerifyReport] {
	v.mu.Lock()
	sent := v.sent.Bytes()
	received := v.received.Bytes()
	v.mu.Unlock()

	if optimalFrameSize <= 0 {
		optimalFrameSize = DefaultOptimalFrameSize
	}

	expected := len(sent)
	if rem := len(sent) % optimalFrameSize; rem != 0 {
		expected += optimalFrameSize - rem
	}

	report := &VerifyReport{
		BytesSent:     len(sent),
		BytesExpected: expected,
		BytesReceived: len(received),
		FirstDiff:     -1,
	}

	if len(received) < expected {
		return Err[*VerifyReport](
			NewVerificationError("bytes received < bytes expected").
				AddDetail("sent", report.BytesSent).
				AddDetail("expected", report.BytesExpected).
				AddDetail("received", report.BytesReceived))
	}

	for i := range sent {
		if received[i] != sent[i] {
			report.FirstDiff = i
			return Err[*VerifyReport](
				NewVerificationError("received buffer differs from sent buffer").
					AddDetail("first_diff", i).
					AddDetail("sent_byte", sent[i]).
					AddDetail("received_byte", received[i]))
		}
	}
	report.Match = true

	// The padding region is not part of the contract, but flag it when
	// it decodes to something other than silence.
	report.PaddingSilent = paddingIsSilent(received[len(sent):expected])

	return Ok(report)
}

// paddingIsSilent decodes the ulaw padding to linear PCM and checks
// every sample is zero amplitude.
func paddingIsSilent(padding []byte) bool {
	if len(padding) == 0 {
		return true
	}
	lpcm := g711.DecodeUlaw(padding)
	for i := 0; i+1 < len(lpcm); i += 2 {
		if lpcm[i] != 0 || lpcm[i+1] != 0 {
			return false
		}
	}
	return true
}
