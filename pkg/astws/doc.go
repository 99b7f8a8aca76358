// Package astws implements the Asterisk websocket surfaces: the ARI
// events tunnel that carries REST requests, responses and asynchronous
// events over a single connection, and the media channel that carries
// ulaw audio frames and text notifications.
//
// # Overview
//
// The package is built from four layers:
//   - Transport: framed text/binary message exchange over a websocket
//   - ControlSession: REST correlation and event dispatch on a control
//     connection
//   - MediaSession: sequenced audio frames, flow control, buffering
//     markers and draining on a media connection
//   - ConnectionManager: dialing and accepting connections with basic
//     auth and subprotocol negotiation, in either role
//
// # Quick Start
//
// Connect to an ARI events endpoint and react to Stasis events:
//
//	config := astws.NewConfig()
//	manager := astws.NewConnectionManager(astws.ManagerOptions{})
//
//	conn, err := manager.Dial(ctx, astws.DialOptions{
//		URL:         config.AriClientURL(),
//		Subprotocol: config.AriSubprotocol,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	session, err := astws.NewControlSession(conn)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	session.OnEvent("StasisStart", func(event *astws.Event) {
//		fmt.Printf("Channel %s entered the application\n", event.ChannelName())
//	})
//
//	ari := astws.NewAri(session)
//	ch, err := ari.CreateChannel(ctx, "WebSocket/INCOMING/c(ulaw)", config.App, "incoming", "")
//
// # Media
//
// A media connection speaks binary audio frames plus a small set of
// text notifications (MEDIA_START, MEDIA_XOFF/MEDIA_XON, buffering
// markers, HANGUP). MediaSession hides the framing:
//
//	media, err := astws.NewMediaSession(conn, config)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	go func() {
//		for frame := range media.Frames() {
//			// inbound audio
//		}
//	}()
//
//	err = media.PlayBuffer(ctx, audio, "greeting")
//
// # Server Role
//
// The same sessions run unchanged over accepted connections:
//
//	manager := astws.NewConnectionManager(astws.ManagerOptions{
//		Credentials:  &astws.Credentials{Username: "asterisk", Password: "asterisk"},
//		Subprotocols: []string{"media"},
//	})
//	err := manager.Listen(":8088", func(conn *astws.Connection) {
//		media, _ := astws.NewMediaSession(conn, config)
//		<-media.Done()
//	})
//
// # Configuration
//
// Configuration comes from the environment (ASTWS_* variables, loaded
// with godotenv) with sane defaults:
//
//	config := astws.NewConfig()
//	if issues := config.Validate(); len(issues) > 0 {
//		log.Fatal(issues)
//	}
//
// # Error Handling
//
// Errors carry a stable code (TRANSPORT_ERROR, AUTH_FAILED,
// BACKPRESSURE, ...) plus details:
//
//	if astws.IsErrorCode(err, astws.ErrCodeBackpressure) {
//		// peer asked us to pause
//	}
package astws
