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

// callSession tracks one incoming call and the websocket channel
// bridged to it.
type callSession struct {
	incomingChannel     string
	incomingChannelName string
	wsChannel           string
	wsChannelName       string
	bridgeID            string
}

type clientApp struct {
	config  *astws.Config
	manager *astws.ConnectionManager
	session *astws.ControlSession
	ari     *astws.Ari
	logger  *astws.Logger
	media   mediaEndpointOptions

	mu          sync.Mutex
	byIncoming  map[string]*callSession
	byWebsocket map[string]*callSession
}

func clientCmd() *cobra.Command {
	opts := mediaEndpointOptions{}

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to Asterisk as an ARI and media websocket client",
		Long: "Registers as a Stasis application over an outbound ARI websocket, " +
			"answers incoming calls through a websocket channel and services " +
			"the media connection Asterisk announces for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := buildConfig()
			if err := requireValid(config); err != nil {
				return err
			}
			return runClient(cmd.Context(), config, opts)
		},
	}

	cmd.Flags().StringVar(&opts.AnnounceFile, "announce-file", "echo-announce.ulaw", "ulaw file played when media starts")
	cmd.Flags().StringVar(&opts.FollowFile, "follow-file", "zombies.ulaw", "ulaw file played after the announcement")
	cmd.Flags().DurationVar(&opts.FollowDelay, "follow-delay", 10*time.Second, "delay before the follow-up file")
	return cmd
}

func runClient(ctx context.Context, config *astws.Config, media mediaEndpointOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := astws.NewConnectionManager(astws.ManagerOptions{})
	conn, err := manager.Dial(ctx, astws.DialOptions{
		URL:         config.AriClientURL(),
		Subprotocol: config.AriSubprotocol,
	})
	if err != nil {
		return err
	}

	session, err := astws.NewControlSession(conn)
	if err != nil {
		return err
	}

	app := &clientApp{
		config:      config,
		manager:     manager,
		session:     session,
		ari:         astws.NewAri(session),
		logger:      astws.GetGlobalLogger().WithComponent("client"),
		media:       media,
		byIncoming:  make(map[string]*callSession),
		byWebsocket: make(map[string]*callSession),
	}

	session.OnEvent("StasisStart", func(event *astws.Event) { app.handleStasisStart(ctx, event) })
	session.OnEvent("Dial", func(event *astws.Event) { app.handleDial(ctx, event) })
	session.OnEvent("StasisEnd", func(event *astws.Event) { app.handleStasisEnd(ctx, event) })
	session.AddErrorHandler(astws.CreateErrorLoggingHandler("Client"))
	if verbose {
		session.OnEvent(astws.CatchAllEvents, astws.CreateLoggingEventHandler(true))
	}

	select {
	case <-session.Done():
	case <-ctx.Done():
	}
	return manager.Shutdown(context.Background())
}

func (app *clientApp) handleStasisStart(ctx context.Context, event *astws.Event) {
	appData := event.AppData()

	if strings.Contains(appData, "incoming") {
		incomingID := event.ChannelID()
		sess := &callSession{
			incomingChannel:     incomingID,
			incomingChannelName: event.ChannelName(),
		}
		app.mu.Lock()
		app.byIncoming[incomingID] = sess
		app.mu.Unlock()

		app.logger.Info("Creating websocket channel")
		ch, err := app.ari.CreateChannel(ctx, "WebSocket/INCOMING/c(ulaw)", app.config.App, "websocket", incomingID)
		if err != nil {
			app.logger.WithError(err).Error("Failed to create websocket channel")
			return
		}

		app.mu.Lock()
		sess.wsChannel = ch.ID
		sess.wsChannelName = ch.Name
		app.byWebsocket[ch.ID] = sess
		app.mu.Unlock()

		app.logger.Info("Dialing websocket channel")
		if err := app.ari.DialChannel(ctx, ch.ID, incomingID, 5); err != nil {
			app.logger.WithError(err).Error("Failed to dial websocket channel")
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

func (app *clientApp) handleDial(ctx context.Context, event *astws.Event) {
	peerName := event.PeerName()
	if !strings.Contains(peerName, "WebSocket/") {
		return
	}
	status := event.DialStatus()
	app.logger.Infof("Dial: %s Status: '%s' websocket", peerName, status)

	switch status {
	case "":
		// The websocket channel is up but unanswered. Asterisk has
		// allocated its inbound media connection; attach to it.
		connID := event.PeerChannelVar("MEDIA_WEBSOCKET_CONNECTION_ID")
		if connID == "" {
			app.logger.Warn("Dial event without MEDIA_WEBSOCKET_CONNECTION_ID")
			return
		}
		go app.runMediaClient(ctx, connID)

	case "ANSWER":
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
}

func (app *clientApp) handleStasisEnd(ctx context.Context, event *astws.Event) {
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

// runMediaClient dials the media connection Asterisk allocated for a
// websocket channel and services it.
func (app *clientApp) runMediaClient(ctx context.Context, connID string) {
	conn, err := app.manager.Dial(ctx, astws.DialOptions{
		URL:         app.config.MediaClientURL(connID),
		Subprotocol: app.config.MediaSubprotocol,
	})
	if err != nil {
		app.logger.WithError(err).Errorf("Failed to connect media websocket %s", connID)
		return
	}

	media, err := astws.NewMediaSession(conn, app.config)
	if err != nil {
		app.logger.WithError(err).Error("Failed to attach media session")
		_ = conn.Close()
		return
	}
	runMediaEndpoint(ctx, media, app.media)
}
