// Package signaling is the client side of the signaling channel: one
// persistent websocket with ordered delivery while connected, surfaced as a
// channel of protocol envelopes.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/roomcast/roomcast/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type Client struct {
	serverURL string
	password  string

	conn     *websocket.Conn
	incoming chan *protocol.Envelope
	outgoing chan *protocol.Envelope
	done     chan struct{}

	closeOnce sync.Once
}

func NewClient(serverURL, password string) *Client {
	return &Client{
		serverURL: serverURL,
		password:  password,
		incoming:  make(chan *protocol.Envelope, 32),
		outgoing:  make(chan *protocol.Envelope, 32),
		done:      make(chan struct{}),
	}
}

// Connect passes the password gate, dials the signaling endpoint and starts
// the pumps. The session cookie from the gate authorizes the websocket.
func (c *Client) Connect(ctx context.Context) error {
	base, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}

	if c.password != "" {
		if err := c.verifyPassword(ctx, jar); err != nil {
			return err
		}
	}

	wsURL := *base
	switch base.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/api/ws/signal"

	dialer := websocket.Dialer{Jar: jar, HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	return c.Send(&protocol.Envelope{Type: protocol.TypeJoin})
}

func (c *Client) verifyPassword(ctx context.Context, jar http.CookieJar) error {
	body, _ := json.Marshal(map[string]string{"password": c.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/api/verify-password", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Jar: jar, Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("verify password: server said %s", resp.Status)
	}
	return nil
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			log.Debug().Err(err).Str("module", "client.signaling").Msg("read pump exit")
			return
		}
		if env.Type == protocol.TypePong {
			continue
		}
		select {
		case c.incoming <- &env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues an envelope for delivery. It fails once the client is closed;
// it never reports delivery, matching the transport's fire-and-forget
// contract.
func (c *Client) Send(env *protocol.Envelope) error {
	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling client closed")
	}
}

// Incoming returns the ordered stream of server events. The channel closes
// when the connection drops.
func (c *Client) Incoming() <-chan *protocol.Envelope {
	return c.incoming
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
