// Package upstoxws implements one authenticated WebSocket connection to the
// broker: the market-data feed (via the authorize redirect) or the portfolio
// stream (direct dial). The client owns its reconnect state machine; every
// observable transition is reported through the Events sink with the
// connector index, so a supervisor can implement the callbacks once for a
// whole connector vector.
package upstoxws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Kind selects which broker stream the client connects to.
type Kind int

const (
	KindMarket Kind = iota
	KindPortfolio
)

func (k Kind) String() string {
	if k == KindPortfolio {
		return "portfolio"
	}
	return "market"
}

const (
	reconnectInterval    = 10 * time.Second
	maxReconnectAttempts = 5
	pingInterval         = 10 * time.Second
	pongWait             = 30 * time.Second
	writeWait            = 10 * time.Second
)

// Events receives connector lifecycle callbacks. Emission is serialized per
// client; the index identifies the connector within its vector.
type Events interface {
	OnOpen(index int)
	OnMessage(index int, raw []byte)
	OnError(index int, err error)
	OnClose(index int, code int, msg string)
	OnReconnecting(index int, attempt int)
	OnAutoReconnectStopped(index int, msg string)
}

// Config parameterizes a Client.
type Config struct {
	Token   string
	Index   int
	Kind    Kind
	BaseURL string
	Events  Events
	Log     zerolog.Logger
}

// Client is one upstream WebSocket connection with auto-reconnect.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	http   *http.Client
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	wmu          sync.Mutex
	conn         *websocket.Conn
	closed       bool
	reconnecting bool

	// Serializes Events emission.
	cbMu sync.Mutex
}

// New builds a client; Connect establishes the socket.
func New(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		http:   &http.Client{Timeout: 10 * time.Second},
		log: cfg.Log.With().
			Int("index", cfg.Index).
			Str("stream", cfg.Kind.String()).
			Logger(),
	}
}

// Connect performs one connection attempt. On failure the error is
// classified (ErrAuth for token rejection, transport error otherwise) and
// the reconnect loop is started; the caller does not need to retry.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx == nil {
		c.ctx, c.cancel = context.WithCancel(ctx)
	}
	c.mu.Unlock()

	if err := c.dial(); err != nil {
		c.emitError(err)
		go c.reconnectLoop()
		return err
	}
	return nil
}

// Disconnect closes the socket and cancels any pending reconnect.
// Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// dial resolves the stream URL, opens the socket and starts the read and
// heartbeat loops.
func (c *Client) dial() error {
	wsURL, header, err := c.endpoint()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("ws dial status %d: %w", resp.StatusCode, ErrAuth)
		}
		return fmt.Errorf("ws dial: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	go c.readLoop(conn, done)
	go c.heartbeat(conn, done)

	c.log.Info().Msg("upstream connected")
	c.emit(func(e Events) { e.OnOpen(c.cfg.Index) })
	return nil
}

// endpoint returns the WS URL and headers for this stream kind. The market
// feed requires an authorize round-trip; the portfolio feed dials directly
// with the bearer header.
func (c *Client) endpoint() (string, http.Header, error) {
	if c.cfg.Kind == KindPortfolio {
		wsURL := strings.Replace(c.cfg.BaseURL, "https://", "wss://", 1) +
			"/v2/feed/portfolio-stream-feed?update_types=order,position,holding"
		header := http.Header{}
		header.Set("Authorization", "Bearer "+c.cfg.Token)
		return wsURL, header, nil
	}
	wsURL, err := c.authorize()
	if err != nil {
		return "", nil, err
	}
	return wsURL, nil, nil
}

// authorize fetches the single-use market feed redirect URI.
func (c *Client) authorize() (string, error) {
	url := c.cfg.BaseURL + "/v3/feed/market-data-feed/authorize"
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("authorize request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("authorize: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("authorize status %d: %w", resp.StatusCode, ErrAuth)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("authorize status %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			AuthorizedRedirectURI string `json:"authorized_redirect_uri"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("authorize decode: %w", err)
	}
	if body.Data.AuthorizedRedirectURI == "" {
		return "", fmt.Errorf("authorize: empty redirect uri")
	}
	return body.Data.AuthorizedRedirectURI, nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closed || c.conn != conn
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if closing {
				return
			}

			if ce, ok := err.(*websocket.CloseError); ok {
				c.emit(func(e Events) { e.OnClose(c.cfg.Index, ce.Code, ce.Text) })
			} else {
				c.emitError(fmt.Errorf("ws read: %w", err))
			}
			conn.Close()
			go c.reconnectLoop()
			return
		}
		c.emit(func(e Events) { e.OnMessage(c.cfg.Index, raw) })
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// reconnectLoop retries at a fixed interval up to the attempt cap. Only one
// loop runs at a time; Disconnect cancels it.
func (c *Client) reconnectLoop() {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		c.emit(func(e Events) { e.OnReconnecting(c.cfg.Index, attempt) })

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(reconnectInterval):
		}

		if err := c.dial(); err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		return
	}

	msg := fmt.Sprintf("gave up after %d attempts", maxReconnectAttempts)
	c.log.Error().Msg("auto reconnect stopped")
	c.emit(func(e Events) { e.OnAutoReconnectStopped(c.cfg.Index, msg) })
}

func (c *Client) emit(fn func(Events)) {
	if c.cfg.Events == nil {
		return
	}
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	fn(c.cfg.Events)
}

func (c *Client) emitError(err error) {
	c.emit(func(e Events) { e.OnError(c.cfg.Index, err) })
}
