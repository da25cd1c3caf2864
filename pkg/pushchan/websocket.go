package pushchan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mahaj/presence-sync/pkg/retry"
)

const (
	// Time allowed to write a control frame to the server.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the server.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

// ErrRejected means the push server refused the credential; reconnecting
// will not help.
var ErrRejected = errors.New("pushchan: subscription rejected")

// DefaultReconnect is the backoff between reconnect attempts.
var DefaultReconnect = retry.Policy{
	Initial:    time.Second,
	Max:        time.Minute,
	Multiplier: 2,
}

// WebSocket subscribes to channels on a websocket gateway. Each
// subscription owns one connection and reconnects after it drops.
type WebSocket struct {
	url       string
	tokens    TokenSource
	dialer    *websocket.Dialer
	reconnect retry.Policy
	logger    *zap.Logger
}

type WebSocketOption func(*WebSocket)

func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(w *WebSocket) { w.dialer = d }
}

func WithReconnect(p retry.Policy) WebSocketOption {
	return func(w *WebSocket) { w.reconnect = p }
}

func WithWebSocketLogger(logger *zap.Logger) WebSocketOption {
	return func(w *WebSocket) { w.logger = logger }
}

func NewWebSocket(rawURL string, tokens TokenSource, opts ...WebSocketOption) *WebSocket {
	w := &WebSocket{
		url:       rawURL,
		tokens:    tokens,
		dialer:    websocket.DefaultDialer,
		reconnect: DefaultReconnect,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebSocket) Subscribe(ctx context.Context, name string) (Channel, error) {
	conn, err := w.dial(ctx, name)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ch := &wsChannel{
		ws:     w,
		name:   name,
		conn:   conn,
		ctx:    loopCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: w.logger.With(zap.String("channel", name)),
	}
	go ch.loop()
	return ch, nil
}

func (w *WebSocket) dial(ctx context.Context, name string) (*websocket.Conn, error) {
	u, err := url.Parse(w.url)
	if err != nil {
		return nil, fmt.Errorf("pushchan: parse url: %w", err)
	}
	q := u.Query()
	q.Set("channel", name)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token := w.tokens.Token(); token != "" {
		header.Add("Authorization", "Bearer "+token)
	}

	conn, resp, err := w.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s: status %d", ErrRejected, name, resp.StatusCode)
		}
		return nil, fmt.Errorf("pushchan: dial %s: %w", name, err)
	}
	return conn, nil
}

type wsChannel struct {
	binder
	ws     *WebSocket
	name   string
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (c *wsChannel) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *wsChannel) loop() {
	defer close(c.done)

	for {
		err := c.serve(c.current())
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("push connection lost, reconnecting", zap.Error(err))

		conn, ok := c.redial()
		if !ok {
			return
		}
		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("push connection restored")
	}
}

// redial retries until a connection is made, the server rejects the
// credential, or the channel is unsubscribed.
func (c *wsChannel) redial() (*websocket.Conn, bool) {
	for failures := 1; ; failures++ {
		timer := time.NewTimer(c.ws.reconnect.Backoff(failures))
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		conn, err := c.ws.dial(c.ctx, c.name)
		if err == nil {
			if c.ctx.Err() != nil {
				conn.Close()
				return nil, false
			}
			return conn, true
		}
		if errors.Is(err, ErrRejected) {
			c.logger.Error("push subscription rejected, giving up", zap.Error(err))
			return nil, false
		}
		c.logger.Warn("push reconnect failed", zap.Int("attempt", failures), zap.Error(err))
	}
}

// serve pumps frames from conn until it fails. A ping goroutine keeps the
// connection alive while reading.
func (c *wsChannel) serve(conn *websocket.Conn) error {
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go c.pinger(conn, stop)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.dispatch(c.name, frame); err != nil {
			c.logger.Warn("dropping push frame", zap.Error(err))
		}
	}
}

func (c *wsChannel) pinger(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Unsubscribe closes the connection and waits for the read loop to exit.
func (c *wsChannel) Unsubscribe() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.cancel()
		conn := c.conn
		c.mu.Unlock()

		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
		<-c.done
		c.unbindAll()
	})
	return nil
}
