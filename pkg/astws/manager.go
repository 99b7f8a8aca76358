package astws

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Credentials for the HTTP basic check performed during the websocket
// upgrade, by whichever side is in the server role.
type Credentials struct {
	Username string
	Password string
}

const basicAuthRealm = "asterisk"

// ManagerOptions configures a ConnectionManager.
type ManagerOptions struct {
	// Credentials required from clients (server role). Nil disables the
	// check.
	Credentials *Credentials
	// Subprotocols the server role is willing to negotiate.
	Subprotocols []string
	// HandshakeTimeout bounds the websocket upgrade. Zero means 10s.
	HandshakeTimeout time.Duration
	Logger           *Logger
}

// ConnectionManager owns role selection and handshake negotiation: it
// dials outbound connections and accepts inbound ones, verifying
// credentials and subprotocol before any session attaches. Each manager
// owns its active connections in an indexed table.
type ConnectionManager struct {
	logger           *Logger
	creds            *Credentials
	subprotocols     []string
	handshakeTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*Connection

	server *http.Server
}

func NewConnectionManager(opts ManagerOptions) *ConnectionManager {
	logger := opts.Logger
	if logger == nil {
		logger = GetGlobalLogger()
	}
	timeout := opts.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &ConnectionManager{
		logger:           logger.WithComponent("manager"),
		creds:            opts.Credentials,
		subprotocols:     opts.Subprotocols,
		handshakeTimeout: timeout,
		conns:            make(map[string]*Connection),
	}
}

// DialOptions describe one outbound (client role) connection.
type DialOptions struct {
	URL         string
	Credentials *Credentials // presented as HTTP basic auth
	Subprotocol string
	Header      http.Header
}

// Dial establishes a client-role connection. The returned connection is
// open and registered with the manager; hand it to exactly one control
// or media session.
func (cm *ConnectionManager) Dial(ctx context.Context, opts DialOptions) (*Connection, error) {
	header := http.Header{}
	for k, vals := range opts.Header {
		for _, v := range vals {
			header.Add(k, v)
		}
	}
	if opts.Credentials != nil {
		req := &http.Request{Header: header}
		req.SetBasicAuth(opts.Credentials.Username, opts.Credentials.Password)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cm.handshakeTimeout,
	}
	if opts.Subprotocol != "" {
		dialer.Subprotocols = []string{opts.Subprotocol}
	}

	cm.logger.Infof("Connecting to %s", opts.URL)
	wsConn, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, NewAuthError("server rejected credentials").
				AddDetail("url", opts.URL)
		}
		return nil, WrapError(err, ErrCodeHandshakeFailed).AddDetail("url", opts.URL)
	}

	conn := &Connection{
		ID:          uuid.NewString(),
		Role:        ClientRole,
		Transport:   NewTransport(wsConn, ClientRole, cm.logger),
		Subprotocol: wsConn.Subprotocol(),
	}
	cm.register(conn)
	return conn, nil
}

// Handler returns an http.Handler that upgrades inbound requests into
// server-role connections. accept is invoked synchronously per
// connection, like the original's per-connection coroutine; when it
// returns the connection is deregistered and closed.
func (cm *ConnectionManager) Handler(accept func(*Connection)) http.Handler {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: cm.handshakeTimeout,
		Subprotocols:     cm.subprotocols,
		CheckOrigin:      func(r *http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := ""
		if cm.creds != nil {
			user, pass, ok := r.BasicAuth()
			if !ok || !cm.checkCredentials(user, pass) {
				cm.logger.LogAstError(NewAuthError("credential check failed").
					AddDetail("remote", r.RemoteAddr).
					AddDetail("user", user))
				w.Header().Set("WWW-Authenticate", `Basic realm="`+basicAuthRealm+`"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			principal = user
		}

		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			cm.logger.LogAstError(WrapError(err, ErrCodeHandshakeFailed).
				AddDetail("remote", r.RemoteAddr))
			return
		}

		if len(cm.subprotocols) > 0 && wsConn.Subprotocol() == "" {
			cm.logger.LogAstError(NewProtocolError("no acceptable subprotocol").
				AddDetail("remote", r.RemoteAddr))
			_ = wsConn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseProtocolError, "subprotocol required"))
			wsConn.Close()
			return
		}

		conn := &Connection{
			ID:          uuid.NewString(),
			Role:        ServerRole,
			Transport:   NewTransport(wsConn, ServerRole, cm.logger),
			Subprotocol: wsConn.Subprotocol(),
			Principal:   principal,
			Path:        r.URL.Path,
		}
		cm.register(conn)
		cm.logger.Infof("Connection from %s (%s)", r.RemoteAddr, conn.Subprotocol)

		defer func() {
			cm.Remove(conn.ID)
			conn.Close()
		}()
		accept(conn)
	})
}

func (cm *ConnectionManager) checkCredentials(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cm.creds.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(cm.creds.Password)) == 1
	return userOK && passOK
}

// Listen binds addr and serves inbound connections until Shutdown.
func (cm *ConnectionManager) Listen(addr string, accept func(*Connection)) error {
	srv := &http.Server{Addr: addr, Handler: cm.Handler(accept)}

	cm.mu.Lock()
	cm.server = srv
	cm.mu.Unlock()

	cm.logger.Infof("Listening on %s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return WrapError(err, ErrCodeTransport)
}

// Shutdown stops the listener (if any) and closes every registered
// connection.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.mu.Lock()
	srv := cm.server
	cm.server = nil
	conns := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		conns = append(conns, c)
	}
	cm.conns = make(map[string]*Connection)
	cm.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if srv != nil {
		cm.logger.Info("Stopping server")
		return srv.Shutdown(ctx)
	}
	return nil
}

// Connections returns a snapshot of the active connection table.
func (cm *ConnectionManager) Connections() []*Connection {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conns := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		conns = append(conns, c)
	}
	return conns
}

// Get looks a connection up by id.
func (cm *ConnectionManager) Get(id string) (*Connection, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	c, ok := cm.conns[id]
	return c, ok
}

// Remove deregisters a connection without closing it.
func (cm *ConnectionManager) Remove(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.conns, id)
}

func (cm *ConnectionManager) register(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conns[conn.ID] = conn
}
