package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/go-errors/errors"
	"github.com/the-lightning-land/settled/sdb"
	"nhooyr.io/websocket"
)

// Dispatcher is the plugin-side half of the transport: inbound messages
// are handed to it and socket teardown is reported to it.
type Dispatcher interface {
	HandleMessage(ctx context.Context, from string, msg sdb.Message) (sdb.Message, error)
	HandleDisconnect(from string)
}

// Logger is the minimal logging interface the transport needs.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(format string, args ...interface{}) {}
func (noopLogger) Infof(format string, args ...interface{})  {}
func (noopLogger) Errorf(format string, args ...interface{}) {}

// wsConn multiplexes calls and replies over one websocket.
type wsConn struct {
	ws         *websocket.Conn
	address    string
	dispatcher Dispatcher
	logger     Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *envelope
}

func newWsConn(ws *websocket.Conn, address string, dispatcher Dispatcher, logger Logger) *wsConn {
	return &wsConn{
		ws:         ws,
		address:    address,
		dispatcher: dispatcher,
		logger:     logger,
		pending:    make(map[uint64]chan *envelope),
	}
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer c.failPending()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.logger.Debugf("Connection to %v closed: %v", c.address, err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Errorf("Could not decode frame from %v: %v", c.address, err)
			continue
		}

		switch env.Type {
		case typeCall:
			go c.serveCall(ctx, &env)
		case typeReply, typeError:
			c.resolve(&env)
		default:
			c.logger.Errorf("Unknown frame type %v from %v", env.Type, c.address)
		}
	}
}

func (c *wsConn) serveCall(ctx context.Context, env *envelope) {
	msg, err := decodeMessage(env.Kind, env.Msg)
	if err != nil {
		c.writeError(ctx, env.ID, err)
		return
	}

	reply, err := c.dispatcher.HandleMessage(ctx, c.address, msg)
	if err != nil {
		c.writeError(ctx, env.ID, err)
		return
	}

	kind, data, err := encodeMessage(reply)
	if err != nil {
		c.writeError(ctx, env.ID, err)
		return
	}

	c.write(ctx, &envelope{ID: env.ID, Type: typeReply, Kind: kind, Msg: data})
}

func (c *wsConn) call(ctx context.Context, msg sdb.Message) (sdb.Message, error) {
	kind, data, err := encodeMessage(msg)
	if err != nil {
		return nil, err
	}

	result := make(chan *envelope, 1)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = result
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, &envelope{ID: id, Type: typeCall, Kind: kind, Msg: data}); err != nil {
		return nil, err
	}

	select {
	case env := <-result:
		if env == nil {
			return nil, errors.New("Connection closed")
		}

		if env.Type == typeError {
			return nil, errors.Errorf("Peer rejected call: %v", env.Err)
		}

		return decodeMessage(env.Kind, env.Msg)
	case <-ctx.Done():
		return nil, errors.Errorf("Gave up waiting for reply: %v", ctx.Err())
	}
}

func (c *wsConn) resolve(env *envelope) {
	c.mu.Lock()
	result, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debugf("Dropping reply %v without a pending call", env.ID)
		return
	}

	result <- env
}

func (c *wsConn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, result := range c.pending {
		close(result)
		delete(c.pending, id)
	}
}

func (c *wsConn) write(ctx context.Context, env *envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Errorf("Could not encode frame: %v", err)
	}

	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return errors.Errorf("Could not write frame: %v", err)
	}

	return nil
}

func (c *wsConn) writeError(ctx context.Context, id uint64, callErr error) {
	if err := c.write(ctx, &envelope{ID: id, Type: typeError, Err: callErr.Error()}); err != nil {
		c.logger.Errorf("Could not report error to %v: %v", c.address, err)
	}
}

// Server accepts one websocket per peer, keyed by the address in the
// request path.
type Server struct {
	dispatcher Dispatcher
	logger     Logger

	mu     sync.Mutex
	conns  map[sdb.AccountID]*wsConn
	server *http.Server
}

type ServerConfig struct {
	Logger Logger
}

func NewServer(config *ServerConfig) *Server {
	server := &Server{
		logger: noopLogger{},
		conns:  make(map[sdb.AccountID]*wsConn),
	}

	if config != nil && config.Logger != nil {
		server.logger = config.Logger
	}

	return server
}

// Attach wires the dispatcher after construction, breaking the circular
// dependency between the plugin and its transport.
func (s *Server) Attach(dispatcher Dispatcher) {
	s.dispatcher = dispatcher
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: http.HandlerFunc(s.handleUpgrade),
	}

	s.logger.Infof("Listening on %v", addr)

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return errors.Errorf("Could not listen on %v: %v", addr, err)
	}

	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	address := strings.Trim(r.URL.Path, "/")
	if address == "" {
		http.Error(w, "Missing peer address in path", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Errorf("Could not accept connection: %v", err)
		return
	}

	conn := newWsConn(ws, address, s.dispatcher, s.logger)
	id := sdb.NewAccountID(address)

	s.mu.Lock()
	previous := s.conns[id]
	s.conns[id] = conn
	s.mu.Unlock()

	if previous != nil {
		// Closing waits for the peer's close echo, so it must not hold the
		// lock or delay the new session.
		go previous.ws.Close(websocket.StatusPolicyViolation, "superseded")
	}

	s.logger.Infof("Peer %v connected", address)

	conn.readLoop(r.Context())

	// Only the current connection may report the peer as gone. A superseded
	// socket winding down must not tear down its replacement's session.
	s.mu.Lock()
	current := s.conns[id] == conn
	if current {
		delete(s.conns, id)
	}
	s.mu.Unlock()

	if current {
		s.dispatcher.HandleDisconnect(address)
	}
}

// SendMessage delivers a message to a connected peer and returns its
// reply.
func (s *Server) SendMessage(ctx context.Context, to sdb.AccountID, msg sdb.Message) (sdb.Message, error) {
	s.mu.Lock()
	conn, ok := s.conns[to]
	s.mu.Unlock()

	if !ok {
		return nil, errors.Errorf("Peer %v is not connected", to)
	}

	return conn.call(ctx, msg)
}

func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	return s.server.Close()
}

// Client maintains one websocket to the single counterparty.
type Client struct {
	url         string
	peerAddress string
	dispatcher  Dispatcher
	logger      Logger

	mu   sync.Mutex
	conn *wsConn
}

type ClientConfig struct {
	// Url of the peer's websocket endpoint, including this node's
	// address in the path.
	Url string

	// PeerAddress is the routing address inbound messages are attributed
	// to.
	PeerAddress string

	Logger Logger
}

func NewClient(config *ClientConfig) *Client {
	client := &Client{
		url:         config.Url,
		peerAddress: config.PeerAddress,
		logger:      noopLogger{},
	}

	if config.Logger != nil {
		client.logger = config.Logger
	}

	return client
}

// Attach wires the dispatcher after construction, breaking the circular
// dependency between the plugin and its transport.
func (c *Client) Attach(dispatcher Dispatcher) {
	c.dispatcher = dispatcher
}

// Connect dials the peer and starts serving inbound messages.
func (c *Client) Connect(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return errors.Errorf("Could not dial %v: %v", c.url, err)
	}

	conn := newWsConn(ws, c.peerAddress, c.dispatcher, c.logger)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go func() {
		conn.readLoop(context.Background())

		c.mu.Lock()
		current := c.conn == conn
		if current {
			c.conn = nil
		}
		c.mu.Unlock()

		if current {
			c.dispatcher.HandleDisconnect(c.peerAddress)
		}
	}()

	return nil
}

func (c *Client) SendMessage(ctx context.Context, to sdb.AccountID, msg sdb.Message) (sdb.Message, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil, errors.New("Not connected")
	}

	return conn.call(ctx, msg)
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	return conn.ws.Close(websocket.StatusNormalClosure, "shutting down")
}
