package main

import (
	"context"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/veera-rapido/asterisk-websocket-examples/pkg/astws"
)

type serverOptions struct {
	ariBind           string
	mediaBind         string
	mediaUser         string
	mediaPassword     string
	mediaConnectionID string
	media             mediaEndpointOptions
}

func serverCmd() *cobra.Command {
	opts := serverOptions{}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Accept ARI and media websocket connections from Asterisk",
		Long: "Listens for Asterisk's outbound ARI websocket connection and for the " +
			"media connections of externalMedia channels, bridging incoming calls " +
			"to them",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := buildConfig()
			if err := requireValid(config); err != nil {
				return err
			}
			return runServer(cmd.Context(), config, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ariBind, "ari-bind", "localhost:8089", "address to bind the ARI websocket server to")
	cmd.Flags().StringVar(&opts.mediaBind, "media-bind", "localhost:8787", "address to bind the media websocket server to")
	cmd.Flags().StringVar(&opts.mediaUser, "media-user", "", "user to authenticate inbound media connections against")
	cmd.Flags().StringVar(&opts.mediaPassword, "media-password", "", "password for the media user")
	cmd.Flags().StringVar(&opts.mediaConnectionID, "media-connection-id", "media_connection1", "connection name from websocket_client.conf")
	cmd.Flags().StringVar(&opts.media.AnnounceFile, "announce-file", "echo-announce.ulaw", "ulaw file played when media starts")
	cmd.Flags().StringVar(&opts.media.FollowFile, "follow-file", "zombies.ulaw", "ulaw file played after the announcement")
	cmd.Flags().DurationVar(&opts.media.FollowDelay, "follow-delay", 10*time.Second, "delay before the follow-up file")
	return cmd
}

type serverApp struct {
	config *astws.Config
	opts   serverOptions
	ari    *astws.Ari
	logger *astws.Logger

	mu          sync.Mutex
	byIncoming  map[string]*callSession
	byWebsocket map[string]*callSession
}

func runServer(ctx context.Context, config *astws.Config, opts serverOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ariCreds *astws.Credentials
	if config.Username != "" {
		ariCreds = &astws.Credentials{Username: config.Username, Password: config.Password}
	}
	var mediaCreds *astws.Credentials
	if opts.mediaUser != "" {
		mediaCreds = &astws.Credentials{Username: opts.mediaUser, Password: opts.mediaPassword}
	}

	ariManager := astws.NewConnectionManager(astws.ManagerOptions{
		Credentials:  ariCreds,
		Subprotocols: []string{config.AriSubprotocol},
	})
	mediaManager := astws.NewConnectionManager(astws.ManagerOptions{
		Credentials:  mediaCreds,
		Subprotocols: []string{config.MediaSubprotocol},
	})

	errCh := make(chan error, 2)

	go func() {
		errCh <- mediaManager.Listen(opts.mediaBind, func(conn *astws.Connection) {
			media, err := astws.NewMediaSession(conn, config)
			if err != nil {
				astws.LogAstError(astws.AsAstError(err))
				return
			}
			runMediaEndpoint(ctx, media, opts.media)
		})
	}()

	go func() {
		errCh <- ariManager.Listen(opts.ariBind, func(conn *astws.Connection) {
			session, err := astws.NewControlSession(conn)
			if err != nil {
				astws.LogAstError(astws.AsAstError(err))
				return
			}

			app := &serverApp{
				config:      config,
				opts:        opts,
				ari:         astws.NewAri(session),
				logger:      astws.GetGlobalLogger().WithComponent("server"),
				byIncoming:  make(map[string]*callSession),
				byWebsocket: make(map[string]*callSession),
			}
			session.OnEvent("StasisStart", func(event *astws.Event) { app.handleStasisStart(ctx, event) })
			session.OnEvent("Dial", func(event *astws.Event) { app.handleDial(ctx, event) })
			session.OnEvent("StasisEnd", func(event *astws.Event) { app.handleStasisEnd(ctx, event) })
			session.AddErrorHandler(astws.CreateErrorLoggingHandler("Server"))

			<-session.Done()
		})
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
	}
	_ = ariManager.Shutdown(context.Background())
	_ = mediaManager.Shutdown(context.Background())
	return err
}

func (app *serverApp) handleStasisStart(ctx context.Context, event *astws.Event) {
	appData := event.AppData()

	if strings.Contains(appData, "incoming") {
		incomingID := event.ChannelID()
		sess := &callSession{
			incomingChannel:     incomingID,
			incomingChannelName: event.ChannelName(),
		}
		wsChannel := uuid.NewString()
		sess.wsChannel = wsChannel

		app.mu.Lock()
		app.byIncoming[incomingID] = sess
		app.byWebsocket[wsChannel] = sess
		app.mu.Unlock()

		app.logger.Info("Creating websocket channel")
		err := app.ari.CreateExternalMediaChannel(ctx, wsChannel,
			event.String("application"), "websocket", app.opts.mediaConnectionID)
		if err != nil {
			app.logger.WithError(err).Error("Failed to create external media channel")
		}
	}

	if strings.Contains(appData, "websocket") {
		app.mu.Lock()
		if sess := app.byWebsocket[event.ChannelID()]; sess != nil {
			sess.wsChannelName = event.ChannelName()
		}
		app.mu.Unlock()
	}
}

func (app *serverApp) handleDial(ctx context.Context, event *astws.Event) {
	peerName := event.PeerName()
	if !strings.Contains(peerName, "WebSocket/") {
		return
	}
	status := event.DialStatus()
	app.logger.Infof("Dial: %s Status: '%s' websocket", peerName, status)

	if status != "ANSWER" {
		return
	}

	app.mu.Lock()
	sess := app.byWebsocket[event.PeerID()]
	app.mu.Unlock()
	if sess == nil {
		app.logger.Warnf("No session for websocket channel %s", event.PeerID())
		return
	}

	sess.bridgeID = uuid.NewString()
	app.logger.Infof("Creating bridge %s", sess.bridgeID)
	if err := app.ari.CreateBridge(ctx, sess.bridgeID); err != nil {
		app.logger.WithError(err).Error("Failed to create bridge")
		return
	}
	if err := app.ari.AddChannelToBridge(ctx, sess.bridgeID, sess.incomingChannel); err != nil {
		app.logger.WithError(err).Error("Failed to bridge incoming channel")
	}
	if err := app.ari.AddChannelToBridge(ctx, sess.bridgeID, sess.wsChannel); err != nil {
		app.logger.WithError(err).Error("Failed to bridge websocket channel")
	}

	app.logger.Infof("Answering %s", sess.incomingChannelName)
	if err := app.ari.AnswerChannel(ctx, sess.incomingChannel); err != nil {
		app.logger.WithError(err).Error("Failed to answer incoming channel")
	}
}

func (app *serverApp) handleStasisEnd(ctx context.Context, event *astws.Event) {
	appData := event.AppData()
	var sess *callSession

	if strings.Contains(appData, "incoming") {
		app.mu.Lock()
		sess = app.byIncoming[event.ChannelID()]
		if sess != nil {
			delete(app.byIncoming, sess.incomingChannel)
			sess.incomingChannel = ""
		}
		app.mu.Unlock()
		if sess != nil && sess.wsChannel != "" {
			app.logger.Infof("Hanging up %s", sess.wsChannelName)
			_ = app.ari.HangupChannel(ctx, sess.wsChannel)
		}
	}

	if strings.Contains(appData, "websocket") {
		app.mu.Lock()
		sess = app.byWebsocket[event.ChannelID()]
		if sess != nil {
			delete(app.byWebsocket, sess.wsChannel)
			sess.wsChannel = ""
		}
		app.mu.Unlock()
		if sess != nil && sess.incomingChannel != "" {
			app.logger.Infof("Hanging up %s", sess.incomingChannelName)
			_ = app.ari.HangupChannel(ctx, sess.incomingChannel)
		}
	}

	if sess != nil && sess.bridgeID != "" {
		_ = app.ari.DestroyBridge(ctx, sess.bridgeID)
		sess.bridgeID = ""
	}
}
