// Package protocol defines the JSON envelope exchanged over the signaling
// WebSocket. Both the server relay and the client orchestrator speak it.
package protocol

import (
	"encoding/json"

	"github.com/roomcast/roomcast/internal/domain"
)

type Type string

const (
	// client -> server
	TypeJoin           Type = "join"
	TypeStartBroadcast Type = "start-broadcast"
	TypeStopBroadcast  Type = "stop-broadcast"
	TypePing           Type = "ping"

	// server -> client
	TypeRoomState        Type = "room-state"
	TypeUserJoined       Type = "user-joined"
	TypeUserLeft         Type = "user-left"
	TypeBroadcastStarted Type = "broadcast-started"
	TypeBroadcastStopped Type = "broadcast-stopped"
	TypeStartRejected    Type = "start-rejected"
	TypePong             Type = "pong"

	// both directions; client sets To, relay rewrites it to From
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
)

// ReasonCapacityExceeded is the only start-rejected reason today.
const ReasonCapacityExceeded = "capacity_exceeded"

// Envelope is the single message shape on the wire. Which fields are set
// depends on Type. Payload carries negotiation blobs (SDP, ICE candidates)
// and is never inspected by the relay.
type Envelope struct {
	Type Type `json:"type"`

	// ID names the subject participant of membership and broadcast notices.
	ID string `json:"id,omitempty"`

	// You is the server-assigned id of the receiving participant, sent with
	// room-state so the client learns its own identity.
	You          string   `json:"you,omitempty"`
	Broadcasters []string `json:"broadcasters,omitempty"`

	To     string `json:"to,omitempty"`
	From   string `json:"from,omitempty"`
	Reason string `json:"reason,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsNegotiation reports whether t is a point-to-point negotiation message
// that the relay routes by To instead of handling itself.
func (t Type) IsNegotiation() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

// Sender returns the participant the envelope came from, for inbound
// negotiation messages on the client side.
func (e *Envelope) Sender() domain.ParticipantID {
	return domain.ParticipantID(e.From)
}
