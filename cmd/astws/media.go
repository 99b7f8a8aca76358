package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/veera-rapido/asterisk-websocket-examples/pkg/astws"
)

// mediaEndpointOptions drive one media connection's behavior: play an
// announce file when the channel starts, echo inbound audio while idle,
// then play a follow-up file after a delay and hang up once it has been
// buffered by the far end.
type mediaEndpointOptions struct {
	AnnounceFile string
	FollowFile   string
	FollowDelay  time.Duration
}

// runMediaEndpoint services one media session until it ends.
func runMediaEndpoint(ctx context.Context, media *astws.MediaSession, opts mediaEndpointOptions) {
	logger := astws.GetGlobalLogger().WithComponent("media-endpoint")

	unsubscribe := media.OnNotification(func(n *astws.MediaNotification) {
		switch n.Kind {
		case astws.NotifyMediaStart:
			if opts.AnnounceFile != "" {
				go playFile(ctx, media, opts.AnnounceFile)
			}
		case astws.NotifyBufferingCompleted:
			if opts.FollowFile != "" && strings.Contains(n.Tag, filepath.Base(opts.FollowFile)) {
				go func() {
					_ = media.Hangup()
					_ = media.Drain(ctx)
					_ = media.Close()
				}()
				return
			}
			if opts.FollowFile != "" {
				go func() {
					select {
					case <-time.After(opts.FollowDelay):
						playFile(ctx, media, opts.FollowFile)
					case <-media.Done():
					case <-ctx.Done():
					}
				}()
			}
		case astws.NotifyHangup:
			go func() { _ = media.Close() }()
		}
	})
	defer unsubscribe()

	// Echo inbound audio back while no file is playing. Frames arriving
	// while the peer has flow stopped are dropped rather than buffered.
	for frame := range media.Frames() {
		if media.Sending() {
			continue
		}
		if err := media.SendFrame(frame.Payload); err != nil {
			if astws.IsErrorCode(err, astws.ErrCodeBackpressure) {
				continue
			}
			if astws.IsErrorCode(err, astws.ErrCodeConnectionClosed) {
				break
			}
			logger.WithError(err).Warn("Echo send failed")
		}
	}

	stats := media.Stats()
	logger.Infof("Media session ended for %s (sent %d frames, received %d frames)",
		media.ChannelName(), stats.FramesSent, stats.FramesReceived)
}

// playFile streams a ulaw file between buffering markers, tagged with
// the file name so MEDIA_BUFFERING_COMPLETED identifies it.
func playFile(ctx context.Context, media *astws.MediaSession, filename string) {
	data, err := os.ReadFile(filename)
	if err != nil {
		astws.GetGlobalLogger().WithError(err).Errorf("Cannot read %s", filename)
		return
	}

	astws.Infof("Playing '%s' for %s", filename, media.ChannelName())
	if err := media.PlayBuffer(ctx, data, filepath.Base(filename)); err != nil {
		astws.GetGlobalLogger().WithError(err).Errorf("Playback of %s failed", filename)
		return
	}
	astws.Infof("Stopping '%s' for %s", filename, media.ChannelName())
}
