// Package signal is the server side of the signaling channel: it owns the
// websocket connections and relays room and negotiation events between
// participants. Room state itself lives in app.Registry.
package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/roomcast/roomcast/internal/app"
	"github.com/roomcast/roomcast/internal/domain"
	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Registry *app.Registry

	readLimit  int64
	pingPeriod time.Duration

	// mu serializes every room-affecting event together with its fan-out so
	// all participants observe notices in the same relative order.
	mu    sync.Mutex
	conns map[domain.ParticipantID]signalConn
}

func NewController(reg *app.Registry, readLimit int64, pingPeriod time.Duration) *Controller {
	return &Controller{
		Registry:   reg,
		readLimit:  readLimit,
		pingPeriod: pingPeriod,
		conns:      make(map[domain.ParticipantID]signalConn),
	}
}

// HandleSignal upgrades the request and runs the connection until it drops.
// Each connection gets a fresh participant id; identity never survives a
// reconnect.
func (ctl *Controller) HandleSignal(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	id := domain.ParticipantID(uuid.NewString())
	conn := newSignalConn(ws, ctl.pingPeriod)

	ctl.mu.Lock()
	ctl.conns[id] = conn
	ctl.mu.Unlock()

	log.Info().Str("module", "signal").Str("id", string(id)).Msg("new WS connection")

	go conn.writePump()
	ctl.readPump(id, conn)
}

func (ctl *Controller) handleEvent(id domain.ParticipantID, conn signalConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}
	metrics.SignalMessages.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case protocol.TypeJoin:
		ctl.handleJoin(id, conn)
	case protocol.TypeStartBroadcast:
		ctl.handleStart(id, conn)
	case protocol.TypeStopBroadcast:
		ctl.handleStop(id)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		ctl.relay(id, &env)
	case protocol.TypePing:
		ctl.send(conn, &protocol.Envelope{Type: protocol.TypePong})
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unknown signal")
	}
}

func (ctl *Controller) send(conn signalConn, env *protocol.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	if err := conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("type", string(env.Type)).Msg("send dropped")
	}
}

// broadcastLocked fans an envelope out to every current member except the
// one named. Callers hold ctl.mu.
func (ctl *Controller) broadcastLocked(except domain.ParticipantID, env *protocol.Envelope) {
	for _, member := range ctl.Registry.Members() {
		if member == except {
			continue
		}
		if conn, ok := ctl.conns[member]; ok {
			ctl.send(conn, env)
		}
	}
}
