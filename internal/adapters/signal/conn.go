package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/roomcast/roomcast/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const (
	writeWait         = 5 * time.Second
	defaultPingPeriod = 54 * time.Second
)

// signalConn is what the relay needs from a participant's transport
// connection. Satisfied by wsSignalConn; tests substitute fakes.
type signalConn interface {
	TrySend(data []byte) error
	Close()
}

// wsSignalConn wraps one participant's websocket with a bounded send queue.
// TrySend never blocks; a full queue is reported as backpressure and the
// frame is dropped rather than stalling the relay.
type wsSignalConn struct {
	conn       *websocket.Conn
	send       chan []byte
	pingPeriod time.Duration

	mu     sync.RWMutex
	closed bool
}

func newSignalConn(ws *websocket.Conn, pingPeriod time.Duration) *wsSignalConn {
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	return &wsSignalConn{
		conn:       ws,
		send:       make(chan []byte, 32),
		pingPeriod: pingPeriod,
	}
}

func (c *wsSignalConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *wsSignalConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ctl *Controller) readPump(id domain.ParticipantID, c *wsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("id", string(id)).Msg("readPump closing")
		ctl.dropConnection(id)
		c.Close()
	}()

	if ctl.readLimit > 0 {
		c.conn.SetReadLimit(ctl.readLimit)
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("module", "signal").Str("id", string(id)).Msg("readPump read error")
			}
			return
		}
		ctl.handleEvent(id, c, data)
	}
}
