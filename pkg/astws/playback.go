package astws

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/zaf/g711"
)

const playbackSampleRate = 8000

// Player renders inbound ulaw media frames on the default output
// device. Frames are decoded to linear PCM and fed to a callback
// stream; underruns play silence.
type Player struct {
	mu      sync.Mutex
	queue   []float32
	stream  *portaudio.Stream
	logger  *Logger
	started bool
}

func NewPlayer() *Player {
	return &Player{
		logger: GetGlobalLogger().WithComponent("player"),
	}
}

// Start initializes PortAudio and opens the output stream.
func (p *Player) Start(bufferSize int) error {
	if bufferSize <= 0 {
		bufferSize = DefaultOptimalFrameSize
	}

	if err := portaudio.Initialize(); err != nil {
		return WrapError(err, ErrCodePlayback)
	}

	stream, err := portaudio.OpenDefaultStream(0, 1, playbackSampleRate, bufferSize, func(out []float32) {
		p.mu.Lock()
		defer p.mu.Unlock()
		n := copy(out, p.queue)
		p.queue = p.queue[n:]
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
	})
	if err != nil {
		_ = portaudio.Terminate()
		return WrapError(err, ErrCodePlayback)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		_ = portaudio.Terminate()
		return WrapError(err, ErrCodePlayback)
	}

	p.stream = stream
	p.started = true
	p.logger.Info("Playback started")
	return nil
}

// Enqueue decodes one ulaw payload and appends it to the playback
// queue.
func (p *Player) Enqueue(payload []byte) {
	lpcm := g711.DecodeUlaw(payload)

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i+1 < len(lpcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(lpcm[i:]))
		p.queue = append(p.queue, float32(sample)/32768.0)
	}
}

// PlayFrames consumes a frame channel until it closes or ctx is
// cancelled.
func (p *Player) PlayFrames(ctx context.Context, frames <-chan *MediaFrame) error {
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			p.Enqueue(frame.Payload)
		case <-ctx.Done():
			return WrapError(ctx.Err(), ErrCodePlayback)
		}
	}
}

// Stop tears the stream down and terminates PortAudio.
func (p *Player) Stop() {
	if !p.started {
		return
	}
	if err := p.stream.Stop(); err != nil {
		p.logger.WithError(err).Warn("Failed to stop playback stream")
	}
	if err := p.stream.Close(); err != nil {
		p.logger.WithError(err).Warn("Failed to close playback stream")
	}
	if err := portaudio.Terminate(); err != nil {
		p.logger.WithError(err).Warn("Failed to terminate PortAudio")
	}
	p.started = false
	p.logger.Info("Playback stopped")
}

// AudioDevice describes one PortAudio device for the CLI listing.
type AudioDevice struct {
	ID                int
	Name              string
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefault         bool
}

// ListOutputDevices enumerates devices capable of playback.
func ListOutputDevices() ([]AudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, WrapError(err, ErrCodePlayback)
	}
	defer func() { _ = portaudio.Terminate() }()

	defaultOutput, err := portaudio.DefaultOutputDevice()
	if err != nil {
		GetGlobalLogger().WithError(err).Warn("No default output device")
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, WrapError(err, ErrCodePlayback)
	}

	out := make([]AudioDevice, 0, len(devices))
	for i, dev := range devices {
		if dev.MaxOutputChannels == 0 {
			continue
		}
		out = append(out, AudioDevice{
			ID:                i,
			Name:              dev.Name,
			MaxOutputChannels: dev.MaxOutputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			IsDefault:         defaultOutput != nil && dev == defaultOutput,
		})
	}
	return out, nil
}
