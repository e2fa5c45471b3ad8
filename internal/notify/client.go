// Package notify keeps a websocket open to the release service and
// triggers an update check when a release is published on the subscribed
// stream.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/selfupdate/internal/health"
	"github.com/breeze-rmm/selfupdate/internal/logging"
	"github.com/breeze-rmm/selfupdate/internal/secmem"
)

var log = logging.L("notify")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// Message types exchanged with the release service.
const (
	TypeSubscribe = "subscribe"
	TypeRelease   = "release"
)

// Config holds the release-notification connection settings.
type Config struct {
	ServerURL string
	// Stream returns the release stream to subscribe to; it is read on
	// every (re)connect so a config reload takes effect.
	Stream    func() string
	AuthToken *secmem.Secret

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Message is the wire form of both directions.
type Message struct {
	Type    string `json:"type"`
	Stream  string `json:"stream,omitempty"`
	Version int    `json:"version,omitempty"`
}

// ReleaseHandler is called for each release on the subscribed stream.
type ReleaseHandler func(stream string)

// Client manages the notification connection.
type Client struct {
	config  Config
	handler ReleaseHandler
	health  *health.Monitor

	connMu sync.Mutex
	conn   *websocket.Conn
}

func New(cfg Config, handler ReleaseHandler, monitor *health.Monitor) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.Stream == nil {
		cfg.Stream = func() string { return "" }
	}
	return &Client{config: cfg, handler: handler, health: monitor}
}

// Run connects and reconnects with jittered exponential backoff until ctx
// is done.
func (c *Client) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, c.closeConn)
	defer stop()

	backoff := c.config.InitialBackoff
	for ctx.Err() == nil {
		stream := c.config.Stream()
		if err := c.connect(ctx, stream); err != nil {
			log.Warn("connection failed", logging.KeyError, err)
			c.report(health.Degraded, err.Error())

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}
			log.Info("retrying", "delay", sleep)
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > c.config.MaxBackoff {
				backoff = c.config.MaxBackoff
			}
			continue
		}

		if ctx.Err() != nil {
			c.closeConn()
			return
		}
		backoff = c.config.InitialBackoff
		c.report(health.Healthy, "")

		done := make(chan struct{})
		go c.pingPump(done)
		c.readPump(stream)
		close(done)
		c.closeConn()
	}
}

func (c *Client) report(st health.Status, msg string) {
	if c.health != nil {
		c.health.Update(health.ComponentNotify, st, msg)
	}
}

func (c *Client) connect(ctx context.Context, stream string) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("failed to build websocket url: %w", err)
	}

	header := http.Header{}
	if !c.config.AuthToken.Empty() {
		header.Set("Authorization", "Bearer "+c.config.AuthToken.Reveal())
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	sub, _ := json.Marshal(Message{Type: TypeSubscribe, Stream: strings.ToLower(stream)})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	log.Info("connected", "server", c.config.ServerURL, logging.KeyStream, stream)
	return nil
}

func (c *Client) buildWSURL() (string, error) {
	u, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return
	}
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	c.conn.Close()
	c.conn = nil
}

func (c *Client) current() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) readPump(stream string) {
	conn := c.current()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("failed to parse message", logging.KeyError, err)
			continue
		}
		if msg.Type != TypeRelease {
			continue
		}
		if !strings.EqualFold(msg.Stream, stream) {
			log.Debug("ignoring release for another stream", logging.KeyStream, msg.Stream)
			continue
		}
		log.Info("release published", logging.KeyStream, msg.Stream, "version", msg.Version)
		c.handler(stream)
	}
}

// pingPump keeps the connection alive. gorilla allows one concurrent
// writer, and after subscribing only pings are written.
func (c *Client) pingPump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn := c.current()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
