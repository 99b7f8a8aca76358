package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/veera-rapido/asterisk-websocket-examples/pkg/astws"
)

func listenCmd() *cobra.Command {
	var connectionID string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Play a media connection on the default audio output",
		Long: "Dials the media websocket of an existing channel by connection id " +
			"(the MEDIA_WEBSOCKET_CONNECTION_ID channel variable) and plays the " +
			"inbound audio on the default output device",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := buildConfig()
			if err := requireValid(config); err != nil {
				return err
			}
			return runListen(cmd.Context(), config, connectionID)
		},
	}

	cmd.Flags().StringVar(&connectionID, "connection-id", "", "media websocket connection id to attach to")
	_ = cmd.MarkFlagRequired("connection-id")
	return cmd
}

func runListen(ctx context.Context, config *astws.Config, connectionID string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := astws.NewConnectionManager(astws.ManagerOptions{})
	conn, err := manager.Dial(ctx, astws.DialOptions{
		URL:         config.MediaClientURL(connectionID),
		Subprotocol: config.MediaSubprotocol,
	})
	if err != nil {
		return err
	}

	media, err := astws.NewMediaSession(conn, config)
	if err != nil {
		_ = conn.Close()
		return err
	}

	media.OnNotification(func(n *astws.MediaNotification) {
		if n.Kind == astws.NotifyHangup {
			go func() { _ = media.Close() }()
		}
	})

	player := astws.NewPlayer()
	if err := player.Start(config.OptimalFrameSize); err != nil {
		_ = media.Close()
		return err
	}
	defer player.Stop()

	err = player.PlayFrames(ctx, media.Frames())
	_ = manager.Shutdown(context.Background())
	if astws.IsErrorCode(err, astws.ErrCodePlayback) && ctx.Err() != nil {
		return nil
	}
	return err
}
