package wire

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Status is the connection state of a wire client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Conn is the minimal connection surface the client needs. The default
// implementation wraps a websocket; tests inject fakes.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to a panel's push endpoint.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Callbacks receive parsed events and status transitions from a client.
// Both are invoked from the client's own goroutines.
type Callbacks struct {
	OnUpdate func(u Update)
	OnStatus func(status Status, err error)
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReconnectDelay = 5 * time.Second
	defaultKeepalive      = 30 * time.Second
	writeTimeout          = 5 * time.Second
)

// Client maintains one persistent connection to a panel. It reconnects on
// any failure until Disconnect is called, keeps an incrementally updated
// FullState, and forwards every inbound event to its owner.
type Client struct {
	ip     string
	cb     Callbacks
	logger *slog.Logger
	dial   Dialer

	connectTimeout time.Duration
	reconnectDelay time.Duration
	keepaliveEvery time.Duration

	mu         sync.Mutex
	conn       Conn
	connCancel context.CancelFunc
	status     Status
	stopped    bool
	gen        uint64 // bumped on Connect/Disconnect to invalidate stale goroutines
	reconnect  *time.Timer
	state      *FullState
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialer replaces the websocket dialer (used by tests).
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dial = d }
}

// WithTimings overrides connect timeout, reconnect delay and keepalive interval.
func WithTimings(connect, reconnect, keepalive time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = connect
		c.reconnectDelay = reconnect
		c.keepaliveEvery = keepalive
	}
}

// NewClient creates a client for the panel at ip. It does not connect.
func NewClient(ip string, cb Callbacks, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		ip:             ip,
		cb:             cb,
		logger:         logger.With("component", "wire", "ip", ip),
		dial:           dialWebsocket,
		connectTimeout: defaultConnectTimeout,
		reconnectDelay: defaultReconnectDelay,
		keepaliveEvery: defaultKeepalive,
		status:         StatusDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IP returns the panel address this client targets.
func (c *Client) IP() string { return c.ip }

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns a copy of the last known full state, or nil if none has
// been received yet.
func (c *Client) State() *FullState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Connect starts the connection. A no-op if already connecting or connected.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		return
	}
	c.stopped = false
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.gen++
	gen := c.gen
	c.status = StatusConnecting
	c.mu.Unlock()

	c.notifyStatus(StatusConnecting, nil)
	go c.attempt(gen)
}

// Disconnect closes the connection and cancels any pending reconnect.
// This is the only terminal transition; link errors always reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.gen++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.status = StatusDisconnected
	c.mu.Unlock()

	c.notifyStatus(StatusDisconnected, nil)
}

// SendCommand marshals and sends cmd. Returns false if there is no live
// connection or the write fails; callers treat false as "not delivered".
func (c *Client) SendCommand(cmd Command) bool {
	c.mu.Lock()
	conn := c.conn
	ok := c.status == StatusConnected && conn != nil
	c.mu.Unlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		c.logger.Error("marshal command", "command", cmd.Command, "err", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		c.logger.Warn("send command failed", "command", cmd.Command, "err", err)
		return false
	}
	return true
}

// RequestState asks the panel for a full state snapshot.
func (c *Client) RequestState() bool {
	return c.SendCommand(Command{Command: CmdRequestState})
}

func (c *Client) attempt(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	conn, err := c.dial(ctx, "ws://"+c.ip+"/ws")
	cancel()

	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.status = StatusError
		c.scheduleReconnectLocked(gen)
		c.mu.Unlock()
		c.logger.Warn("connect failed", "err", err)
		c.notifyStatus(StatusError, err)
		return
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.connCancel = connCancel
	c.status = StatusConnected
	c.mu.Unlock()

	c.logger.Info("connected")
	c.notifyStatus(StatusConnected, nil)
	c.RequestState()

	go c.keepaliveLoop(connCtx)
	c.readLoop(connCtx, conn, gen)
}

func (c *Client) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			c.linkDown(gen, err)
			return
		}

		u, perr := ParseUpdate(raw)
		if perr != nil {
			c.logger.Warn("bad frame", "err", perr)
			continue
		}

		c.applyUpdate(u)
		if c.cb.OnUpdate != nil {
			c.cb.OnUpdate(u)
		}
	}
}

func (c *Client) applyUpdate(u Update) {
	c.mu.Lock()
	c.state = c.state.Apply(u)
	c.mu.Unlock()
}

func (c *Client) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.keepaliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A failed keepalive surfaces as a read error shortly after,
			// which drives the reconnect.
			c.RequestState()
		}
	}
}

func (c *Client) linkDown(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	stopped := c.stopped
	if !stopped {
		c.status = StatusError
		c.scheduleReconnectLocked(gen)
	}
	c.mu.Unlock()

	if !stopped {
		c.logger.Warn("link lost", "err", err)
		c.notifyStatus(StatusError, err)
	}
}

// scheduleReconnectLocked arms the reconnect timer. The delay is fixed, not
// exponential: panels recover within seconds and backoff would feel laggy.
func (c *Client) scheduleReconnectLocked(gen uint64) {
	c.reconnect = time.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		if c.stopped || gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.gen++
		next := c.gen
		c.status = StatusConnecting
		c.mu.Unlock()

		c.notifyStatus(StatusConnecting, nil)
		c.attempt(next)
	})
}

func (c *Client) notifyStatus(s Status, err error) {
	if c.cb.OnStatus != nil {
		c.cb.OnStatus(s, err)
	}
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

func dialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return &wsConn{c: conn}, nil
}
