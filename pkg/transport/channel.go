// Package transport provides latest-value message channels over websockets.
//
// A Channel is one direction of traffic between two processes. The receiving
// side keeps only the newest decoded value; the sending side never blocks and
// drops a pending message when a newer one arrives. One side listens, the other
// dials, and both recover from dropped connections on their own.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gwillem/legbot/internal/log"
)

const maxMessageSize = 8 << 20

// EndpointConfig configures one end of a channel.
type EndpointConfig struct {
	// Name identifies the channel in logs.
	Name string
	// Addr is the bind address when listening and the peer address when dialing.
	Addr string
	// Path is the websocket path. Defaults to "/".
	Path string

	// DialAttempts bounds the initial connection attempts of Dial.
	DialAttempts int
	// RetryInterval is the pause between dial attempts and reconnects.
	RetryInterval time.Duration
	// PollInterval is the pause after a failed receive.
	PollInterval time.Duration

	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration

	// ClearOnDisconnect empties the latest value when the peer goes away.
	ClearOnDisconnect bool

	Logger *slog.Logger
}

func (c *EndpointConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = c.Addr
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.Logger == nil {
		c.Logger = log.L()
	}
}

// Stats are counters for a channel.
type Stats struct {
	Received     uint64 `json:"received"`
	DecodeErrors uint64 `json:"decode_errors"`
	Sent         uint64 `json:"sent"`
	Dropped      uint64 `json:"dropped"`
	Overwritten  uint64 `json:"overwritten"`
	Connected    bool   `json:"connected"`
}

// Channel carries values of type T over a single websocket connection.
type Channel[T any] struct {
	cfg   EndpointConfig
	codec Codec[T]
	log   *slog.Logger

	slot Slot[T]
	out  chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conn      *websocket.Conn
	closing   bool
	onReceive func(T)

	listener net.Listener
	server   *http.Server

	closed       atomic.Bool
	received     atomic.Uint64
	decodeErrors atomic.Uint64
	sent         atomic.Uint64
	dropped      atomic.Uint64

	dropWarn   rate.Sometimes
	decodeWarn rate.Sometimes
}

func newChannel[T any](cfg EndpointConfig, codec Codec[T]) *Channel[T] {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel[T]{
		cfg:        cfg,
		codec:      codec,
		log:        cfg.Logger.With("component", "transport", "channel", cfg.Name),
		out:        make(chan []byte, 1),
		ctx:        ctx,
		cancel:     cancel,
		dropWarn:   rate.Sometimes{Interval: 5 * time.Second},
		decodeWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Listen binds cfg.Addr and accepts one peer at a time. A new peer replaces the
// current one.
func Listen[T any](ctx context.Context, cfg EndpointConfig, codec Codec[T]) (*Channel[T], error) {
	c := newChannel(cfg, codec)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("listen %s on %s: %w: %v", c.cfg.Name, c.cfg.Addr, ErrConnection, err)
	}
	c.listener = ln

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(c.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			c.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		if !c.attach(conn) {
			return
		}
		defer c.wg.Done()
		c.readLoop(conn)
		c.detach(conn)
	})
	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("serve failed", "error", err)
		}
	}()
	go c.writeLoop()

	c.log.Info("listening", "addr", ln.Addr().String())
	return c, nil
}

// Dial connects to a listening peer at cfg.Addr, retrying up to
// cfg.DialAttempts times. After the first connection the channel reconnects in
// the background whenever the connection drops.
func Dial[T any](ctx context.Context, cfg EndpointConfig, codec Codec[T]) (*Channel[T], error) {
	c := newChannel(cfg, codec)

	var conn *websocket.Conn
	var err error
	for attempt := 1; attempt <= c.cfg.DialAttempts; attempt++ {
		conn, err = c.dial(ctx)
		if err == nil {
			break
		}
		c.log.Debug("dial failed", "attempt", attempt, "error", err)
		if attempt < c.cfg.DialAttempts && !sleepCtx(ctx, c.cfg.RetryInterval) {
			err = ctx.Err()
			break
		}
	}
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("dial %s at %s: %w: %v", c.cfg.Name, c.cfg.Addr, ErrConnection, err)
	}

	c.attach(conn)
	c.wg.Add(1)
	go c.writeLoop()
	go c.connectLoop(conn)

	c.log.Info("connected", "addr", c.cfg.Addr)
	return c, nil
}

func (c *Channel[T]) dial(ctx context.Context) (*websocket.Conn, error) {
	url := "ws://" + c.cfg.Addr + c.cfg.Path
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	return conn, err
}

// connectLoop owns the dialed connection: it reads until the connection fails,
// then redials until the channel closes. The wg slot was taken by attach.
func (c *Channel[T]) connectLoop(conn *websocket.Conn) {
	for {
		c.readLoop(conn)
		c.detach(conn)
		c.wg.Done()

		for {
			if !sleepCtx(c.ctx, c.cfg.RetryInterval) {
				return
			}
			next, err := c.dial(c.ctx)
			if err != nil {
				c.log.Debug("reconnect failed", "error", err)
				continue
			}
			if !c.attach(next) {
				return
			}
			c.log.Info("reconnected", "addr", c.cfg.Addr)
			conn = next
			break
		}
	}
}

// attach makes conn the current connection and registers its reader with the
// wait group. It returns false once the channel is closing.
func (c *Channel[T]) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	prev := c.conn
	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()

	if prev != nil {
		c.log.Info("replacing peer", "old", prev.RemoteAddr().String(), "new", conn.RemoteAddr().String())
		prev.Close()
	} else {
		c.log.Info("peer connected", "remote", conn.RemoteAddr().String())
	}
	return true
}

func (c *Channel[T]) detach(conn *websocket.Conn) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	closing := c.closing
	c.mu.Unlock()

	conn.Close()
	if !current || closing {
		return
	}
	if c.cfg.ClearOnDisconnect {
		c.slot.Clear()
	}
	c.log.Info("peer disconnected", "remote", conn.RemoteAddr().String())
}

func (c *Channel[T]) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// readLoop blocks on the connection and stores every decoded message. It
// returns when the connection fails.
func (c *Channel[T]) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("receive failed", "error", err)
				sleepCtx(c.ctx, c.cfg.PollInterval)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.deliver(data)
	}
}

// deliver decodes one message into the latest-value slot.
func (c *Channel[T]) deliver(data []byte) {
	v, err := c.codec.Decode(data)
	if err != nil {
		c.decodeErrors.Add(1)
		terr := &TransientError{Op: "decode " + c.cfg.Name, Err: err}
		c.decodeWarn.Do(func() {
			c.log.Warn("dropping undecodable message", "error", terr, "total", c.decodeErrors.Load())
		})
		return
	}
	c.slot.Store(v)
	c.received.Add(1)

	c.mu.Lock()
	fn := c.onReceive
	c.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

// writeLoop is the only writer on every connection the channel holds.
func (c *Channel[T]) writeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case data := <-c.out:
			conn := c.current()
			if conn == nil {
				c.drop("no peer connected")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("send failed", "error", err)
				conn.Close()
				continue
			}
			c.sent.Add(1)

		case <-ticker.C:
			if conn := c.current(); conn != nil {
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
					c.log.Debug("ping failed", "error", err)
					conn.Close()
				}
			}
		}
	}
}

func (c *Channel[T]) drop(reason string) {
	c.dropped.Add(1)
	c.dropWarn.Do(func() {
		c.log.Warn("dropping outbound message", "reason", reason, "total", c.dropped.Load())
	})
}

// Send queues v for delivery without blocking. A message still waiting to be
// written is replaced by v. Encoding failures are logged and swallowed; only
// ErrClosed is returned.
func (c *Channel[T]) Send(v T) error {
	if c.closed.Load() {
		return ErrClosed
	}

	data, err := c.codec.Encode(v)
	if err != nil {
		terr := &TransientError{Op: "encode " + c.cfg.Name, Err: err}
		c.log.Warn("dropping unencodable message", "error", terr)
		return nil
	}

	select {
	case c.out <- data:
		return nil
	default:
	}

	// Mailbox full: discard the pending message and retry once.
	select {
	case <-c.out:
		c.drop("superseded before send")
	default:
	}
	select {
	case c.out <- data:
	default:
		c.drop("superseded before send")
	}
	return nil
}

// Latest returns the most recently received value without blocking. It
// returns false until the first message arrives.
func (c *Channel[T]) Latest() (T, bool) {
	return c.slot.Load()
}

// LatestSeq is Latest plus a sequence number that grows with every received
// value, letting callers skip values they already processed.
func (c *Channel[T]) LatestSeq() (T, uint64, bool) {
	return c.slot.LoadSeq()
}

// OnReceive registers fn to run on the receive goroutine after each decoded
// message. fn must not block.
func (c *Channel[T]) OnReceive(fn func(T)) {
	c.mu.Lock()
	c.onReceive = fn
	c.mu.Unlock()
}

// Connected reports whether a peer is currently attached.
func (c *Channel[T]) Connected() bool {
	return c.current() != nil
}

// Addr returns the bound address when listening, or the peer address when dialing.
func (c *Channel[T]) Addr() string {
	if c.listener != nil {
		return c.listener.Addr().String()
	}
	return c.cfg.Addr
}

// Stats returns a snapshot of the channel counters.
func (c *Channel[T]) Stats() Stats {
	return Stats{
		Received:     c.received.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		Sent:         c.sent.Load(),
		Dropped:      c.dropped.Load(),
		Overwritten:  c.slot.Overwritten(),
		Connected:    c.Connected(),
	}
}

// Close stops the channel's goroutines and releases its sockets. It waits at
// most timeout for the goroutines to exit.
func (c *Channel[T]) Close(timeout time.Duration) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(100*time.Millisecond))
		conn.Close()
	}
	if c.server != nil {
		c.server.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("close %s: goroutines still running after %s", c.cfg.Name, timeout)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
