// Package push maintains the websocket channel that delivers named
// entity-change events from the permit server. Delivery is best-effort:
// events sent while disconnected are lost, so subscribers are told
// about every reconnection and must re-fetch.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rupak1811/permiso/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// Event is one message on the channel. The payload is opaque; views
// treat every event purely as a signal to re-fetch.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives events for one name.
type Handler func(Event)

// Config holds push client configuration.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://; http(s) is mapped).
	URL string

	// Token returns the credential presented on each dial. If set, the
	// client stays down while it returns "". It may be nil.
	Token func() string

	// InitialBackoff overrides the first reconnect delay.
	InitialBackoff time.Duration

	Logger *slog.Logger
}

// Client manages the websocket connection and its subscribers.
type Client struct {
	cfg      Config
	clientID string
	dialer   websocket.Dialer
	log      *slog.Logger

	// redial is signalled by CredentialChanged.
	redial chan struct{}

	mu          sync.Mutex
	conn        *websocket.Conn
	handlers    map[string][]subscription
	onReconnect []reconnectSub
	nextID      int
}

type subscription struct {
	id int
	fn Handler
}

type reconnectSub struct {
	id int
	fn func()
}

// New creates a client. Call Run to connect.
func New(cfg Config) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = initialBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.L("push")
	}
	return &Client{
		cfg:      cfg,
		clientID: uuid.New().String(),
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:      cfg.Logger,
		handlers: make(map[string][]subscription),
		redial:   make(chan struct{}, 1),
	}
}

// errCredentialChanged ends a connection whose credential went stale.
var errCredentialChanged = errors.New("credential changed")

// On registers h for events called name. The returned func removes it.
func (c *Client) On(name string, h Handler) (off func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[name] = append(c.handlers[name], subscription{id: id, fn: h})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.handlers[name]
		for i, s := range subs {
			if s.id == id {
				c.handlers[name] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(c.handlers[name]) == 0 {
			delete(c.handlers, name)
		}
	}
}

// OnReconnect registers fn to run whenever the channel comes back up
// after a gap in which events may have been missed.
func (c *Client) OnReconnect(fn func()) (off func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.onReconnect = append(c.onReconnect, reconnectSub{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.onReconnect {
			if s.id == id {
				c.onReconnect = append(c.onReconnect[:i:i], c.onReconnect[i+1:]...)
				return
			}
		}
	}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// CredentialChanged tells the client the session credential may have
// changed. A connection opened with a different credential is closed
// and, if a credential is now held, redialed at once without backoff.
// It never blocks.
func (c *Client) CredentialChanged() {
	select {
	case c.redial <- struct{}{}:
	default:
	}
}

// Run connects and keeps the channel up until ctx is done, backing
// off with jitter between failed attempts. Reconnect handlers fire on
// every successful connection that follows a failed dial or a dropped
// connection. A credential change is not a drop: the new session's
// views fetch on mount.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.InitialBackoff
	missed := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		token := c.token()
		if c.cfg.Token != nil && token == "" {
			c.log.Debug("no credential, waiting for login")
			select {
			case <-ctx.Done():
				return nil
			case <-c.redial:
			}
			backoff = c.cfg.InitialBackoff
			missed = false
			continue
		}

		conn, err := c.connect(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			missed = true
			sleep := jittered(backoff)
			c.log.Warn("connection failed", logging.KeyError, err, "retry_in", sleep)

			select {
			case <-ctx.Done():
				return nil
			case <-c.redial:
				backoff = c.cfg.InitialBackoff
				continue
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = c.cfg.InitialBackoff
		if missed {
			c.log.Info("reconnected", "server", c.cfg.URL)
			c.fireReconnect()
		}

		err = c.serve(ctx, conn, token)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errCredentialChanged) {
			c.log.Info("credential changed, redialing")
			missed = false
			continue
		}
		missed = true
		c.log.Warn("connection lost", logging.KeyError, err)
	}
}

func (c *Client) token() string {
	if c.cfg.Token == nil {
		return ""
	}
	return c.cfg.Token()
}

func (c *Client) connect(ctx context.Context, token string) (*websocket.Conn, error) {
	wsURL, err := c.buildURL(token)
	if err != nil {
		return nil, fmt.Errorf("building websocket URL: %w", err)
	}

	header := http.Header{}
	header.Set("X-Client-ID", c.clientID)

	conn, _, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("connected", "server", c.cfg.URL)
	return conn, nil
}

func (c *Client) buildURL(token string) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// serve reads from conn until it fails, ctx ends, or the credential
// it was opened with is replaced.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, token string) error {
	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	var stale atomic.Bool
	closeNormally := func() {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		conn.Close()
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				closeNormally()
				return
			case <-c.redial:
				if c.token() == token {
					continue
				}
				stale.Store(true)
				closeNormally()
				return
			case <-done:
				return
			}
		}
	}()
	go c.pingLoop(conn, done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if stale.Load() {
				return errCredentialChanged
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Name == "" {
			c.log.Debug("ignoring malformed message", logging.KeyError, err)
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	subs := append([]subscription(nil), c.handlers[ev.Name]...)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

func (c *Client) fireReconnect() {
	c.mu.Lock()
	subs := append([]reconnectSub(nil), c.onReconnect...)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn()
	}
}

func jittered(backoff time.Duration) time.Duration {
	jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
	if sleep := backoff + jitter; sleep > 0 {
		return sleep
	}
	return backoff
}
