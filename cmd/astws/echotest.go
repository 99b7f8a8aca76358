package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/veera-rapido/asterisk-websocket-examples/pkg/astws"
)

type echoTestOptions struct {
	bind          string
	mediaUser     string
	mediaPassword string
	file          string
	settle        time.Duration
}

func echoTestCmd() *cobra.Command {
	opts := echoTestOptions{}

	cmd := &cobra.Command{
		Use:   "echo-test",
		Short: "Run a media echo test server",
		Long: "Accepts one media connection, plays a ulaw file down it and verifies " +
			"the echoed audio matches what was sent, allowing for the silence " +
			"padding the channel driver adds to a short final frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			buildConfig()
			return runEchoTest(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.bind, "bind", "localhost:8787", "address to bind the media websocket server to")
	cmd.Flags().StringVar(&opts.mediaUser, "media-user", "medianame", "user to authenticate inbound media connections against")
	cmd.Flags().StringVar(&opts.mediaPassword, "media-password", "mediapassword", "password for the media user")
	cmd.Flags().StringVar(&opts.file, "file", "test.ulaw", "ulaw file to play and verify")
	cmd.Flags().DurationVar(&opts.settle, "settle", 2*time.Second, "time to wait for trailing echoed frames")
	return cmd
}

func runEchoTest(ctx context.Context, opts echoTestOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := astws.GetGlobalLogger().WithComponent("echo-test")

	data, err := os.ReadFile(opts.file)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", opts.file, err)
	}

	config := astws.NewConfig()
	config.DrainGrace = opts.settle

	manager := astws.NewConnectionManager(astws.ManagerOptions{
		Credentials:  &astws.Credentials{Username: opts.mediaUser, Password: opts.mediaPassword},
		Subprotocols: []string{config.MediaSubprotocol},
	})

	results := make(chan astws.Result[*astws.VerifyReport], 1)

	go func() {
		listenErr := manager.Listen(opts.bind, func(conn *astws.Connection) {
			runEchoTestSession(ctx, conn, config, data, opts, results)
		})
		if listenErr != nil {
			astws.LogAstError(astws.AsAstError(listenErr))
		}
	}()

	var result astws.Result[*astws.VerifyReport]
	select {
	case result = <-results:
	case <-ctx.Done():
		_ = manager.Shutdown(context.Background())
		return ctx.Err()
	}
	_ = manager.Shutdown(context.Background())

	if !result.Success {
		logger.LogAstError(result.Error)
		logger.Info("Test result: 1 failed")
		os.Exit(1)
	}

	report := result.Data
	logger.Infof("Bytes sent: %d Bytes expected: %d Bytes received: %d",
		report.BytesSent, report.BytesExpected, report.BytesReceived)
	if !report.PaddingSilent {
		logger.Warn("Padding region is not silence")
	}
	logger.Info("Test result: 0 passed")
	return nil
}

// runEchoTestSession services one media connection: play the file on
// MEDIA_START, then on MEDIA_BUFFERING_COMPLETED hang up, drain and
// compare the echoed stream.
func runEchoTestSession(ctx context.Context, conn *astws.Connection, config *astws.Config,
	data []byte, opts echoTestOptions, results chan<- astws.Result[*astws.VerifyReport]) {

	logger := astws.GetGlobalLogger().WithComponent("echo-test")
	logger.Info("Media connected")

	media, err := astws.NewMediaSession(conn, config)
	if err != nil {
		astws.LogAstError(astws.AsAstError(err))
		return
	}

	verifier := astws.NewEchoVerifier()
	media.AttachVerifier(verifier)

	unsubscribe := media.OnNotification(func(n *astws.MediaNotification) {
		if n.Kind != astws.NotifyMediaStart {
			return
		}
		go func() {
			logger.Infof("Playing '%s' for %s", opts.file, media.ChannelName())
			if err := media.PlayBuffer(ctx, data, filepath.Base(opts.file)); err != nil {
				astws.LogAstError(astws.AsAstError(err))
				return
			}
			logger.Infof("Stopping '%s' for %s", opts.file, media.ChannelName())
		}()
	})
	defer unsubscribe()

	// Drain the inbound frame channel; the verifier records payloads as
	// they arrive.
	go func() {
		for range media.Frames() {
		}
	}()

	if _, err := media.WaitBufferingCompleted(ctx); err != nil {
		astws.LogAstError(astws.AsAstError(err))
		return
	}

	// Echoed frames trail the completion marker, so hang up and give
	// them time to arrive before comparing.
	_ = media.Hangup()
	_ = media.Drain(ctx)
	_ = media.Close()

	select {
	case results <- verifier.Verify(media.OptimalFrameSize()):
	default:
	}
	logger.Infof("Media disconnected for %s", media.ChannelName())
}
