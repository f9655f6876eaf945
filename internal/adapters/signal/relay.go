package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/roomcast/roomcast/internal/domain"
	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/protocol"
)

// handleJoin registers the participant, answers with the broadcaster
// snapshot and tells the rest of the room. Without the snapshot a late
// joiner would never learn who is already live.
func (ctl *Controller) handleJoin(id domain.ParticipantID, conn signalConn) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	snapshot := ctl.Registry.Join(id)
	broadcasters := make([]string, 0, len(snapshot))
	for _, b := range snapshot {
		broadcasters = append(broadcasters, string(b))
	}

	ctl.send(conn, &protocol.Envelope{
		Type:         protocol.TypeRoomState,
		You:          string(id),
		Broadcasters: broadcasters,
	})
	ctl.broadcastLocked(id, &protocol.Envelope{
		Type: protocol.TypeUserJoined,
		ID:   string(id),
	})
}

// handleStart validates against the registry; the check-and-admit is atomic
// there, so two racing requests can never both pass. Success is announced to
// the whole room, the requester included, so every client reconciles from
// the same notice.
func (ctl *Controller) handleStart(id domain.ParticipantID, conn signalConn) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if err := ctl.Registry.RequestStart(id); err != nil {
		if errors.Is(err, domain.ErrCapacityExceeded) {
			ctl.send(conn, &protocol.Envelope{
				Type:   protocol.TypeStartRejected,
				Reason: protocol.ReasonCapacityExceeded,
			})
			return
		}
		log.Warn().Err(err).Str("module", "signal").Str("id", string(id)).Msg("start refused")
		return
	}

	started := &protocol.Envelope{Type: protocol.TypeBroadcastStarted, ID: string(id)}
	ctl.broadcastLocked("", started)
}

// handleStop only announces a stop that ended a real broadcast; defensive
// stops from viewers produce no room traffic.
func (ctl *Controller) handleStop(id domain.ParticipantID) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if !ctl.Registry.RequestStop(id) {
		return
	}
	ctl.broadcastLocked("", &protocol.Envelope{
		Type: protocol.TypeBroadcastStopped,
		ID:   string(id),
	})
}

// relay forwards a negotiation message verbatim to its target, stamping the
// sender. Payload is opaque here. A target that already left is dropped
// silently: the sender's own cleanup is driven by the user-left notice.
func (ctl *Controller) relay(from domain.ParticipantID, env *protocol.Envelope) {
	to := domain.ParticipantID(env.To)

	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if !ctl.Registry.IsMember(to) {
		metrics.RelayDropped.Inc()
		log.Debug().Str("module", "signal").Str("from", string(from)).Str("to", env.To).Msg("relay target gone, dropping")
		return
	}
	conn, ok := ctl.conns[to]
	if !ok {
		metrics.RelayDropped.Inc()
		return
	}

	ctl.send(conn, &protocol.Envelope{
		Type:    env.Type,
		From:    string(from),
		Payload: env.Payload,
	})
}

// dropConnection runs when a participant's transport dies. Leave removes
// membership and broadcast state in one step; the returned flag decides
// whether a broadcast-stopped notice follows the user-left one, emitted
// exactly once and in that order.
func (ctl *Controller) dropConnection(id domain.ParticipantID) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	delete(ctl.conns, id)
	wasBroadcasting := ctl.Registry.Leave(id)

	ctl.broadcastLocked(id, &protocol.Envelope{
		Type: protocol.TypeUserLeft,
		ID:   string(id),
	})
	if wasBroadcasting {
		ctl.broadcastLocked(id, &protocol.Envelope{
			Type: protocol.TypeBroadcastStopped,
			ID:   string(id),
		})
	}
}
