package orch

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/roomcast/roomcast/internal/domain"
)

// Role of the local side for one peer link. Exactly one per link; glare is
// resolved by comparing participant ids.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// LinkState is the per-link negotiation state. Idle is the absence of a
// link; Closed links are removed from the orchestrator's map immediately.
type LinkState int

const (
	StateNegotiating LinkState = iota
	StateConnected
)

func (s LinkState) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "negotiating"
}

// MediaConn is the negotiated transport under one peer link. Implemented on
// pion; tests substitute fakes.
type MediaConn interface {
	AddLocalTracks(tracks []webrtc.TrackLocal) error
	// CreateOffer produces the local offer payload (initiator side).
	CreateOffer() (json.RawMessage, error)
	// AcceptOffer applies a remote offer and returns the answer payload.
	AcceptOffer(payload json.RawMessage) (json.RawMessage, error)
	// AcceptAnswer applies the remote answer (initiator side).
	AcceptAnswer(payload json.RawMessage) error
	AddRemoteCandidate(payload json.RawMessage) error
	Close()
}

// LinkEvents are fired from the connection's own goroutines; the
// orchestrator marshals them onto its loop.
type LinkEvents struct {
	OnCandidate func(payload json.RawMessage)
	OnTrack     func(stream RemoteStream)
	OnFailed    func()
}

type MediaConnFactory func(remote domain.ParticipantID, ev LinkEvents) (MediaConn, error)

// peerLink is loop-owned state for one remote participant. A link whose
// negotiation is discarded is never reused; a fresh offer makes a fresh
// link.
type peerLink struct {
	remote domain.ParticipantID
	role   Role
	state  LinkState
	conn   MediaConn

	// hasLocalMedia records that our tracks ride this link; only links
	// negotiated after the server admitted our broadcast carry them.
	hasLocalMedia bool

	// remote candidates arriving before the remote description is applied
	remoteDescSet     bool
	pendingCandidates []json.RawMessage
}

func (l *peerLink) queueOrApplyCandidate(payload json.RawMessage) error {
	if !l.remoteDescSet {
		l.pendingCandidates = append(l.pendingCandidates, payload)
		return nil
	}
	return l.conn.AddRemoteCandidate(payload)
}

func (l *peerLink) flushCandidates() {
	for _, cand := range l.pendingCandidates {
		if err := l.conn.AddRemoteCandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "client.orch").Str("remote", string(l.remote)).Msg("apply queued candidate")
		}
	}
	l.pendingCandidates = nil
}

// pionConn adapts a pion PeerConnection to MediaConn.
type pionConn struct {
	pc         *webrtc.PeerConnection
	hasSenders bool
}

// NewPionFactory builds MediaConns on pion with the given ICE configuration.
func NewPionFactory(cfg webrtc.Configuration) MediaConnFactory {
	return func(remote domain.ParticipantID, ev LinkEvents) (MediaConn, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			payload, err := json.Marshal(c.ToJSON())
			if err != nil {
				return
			}
			ev.OnCandidate(payload)
		})

		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Info().Str("module", "client.orch").Str("remote", string(remote)).
				Str("kind", track.Kind().String()).Msg("remote track")
			ev.OnTrack(RemoteStream{Kind: track.Kind().String(), Track: track})
		})

		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			log.Debug().Str("module", "client.orch").Str("remote", string(remote)).
				Str("state", s.String()).Msg("peer state")
			if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
				ev.OnFailed()
			}
		})

		return &pionConn{pc: pc}, nil
	}
}

func (c *pionConn) AddLocalTracks(tracks []webrtc.TrackLocal) error {
	for _, track := range tracks {
		if _, err := c.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}
	c.hasSenders = c.hasSenders || len(tracks) > 0
	return nil
}

func (c *pionConn) CreateOffer() (json.RawMessage, error) {
	// A pure viewer offers recvonly transceivers so the broadcaster's
	// answer can carry media.
	if !c.hasSenders {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return nil, fmt.Errorf("add transceiver: %w", err)
			}
		}
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(offer)
}

func (c *pionConn) AcceptOffer(payload json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return nil, fmt.Errorf("parse offer: %w", err)
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(answer)
}

func (c *pionConn) AcceptAnswer(payload json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("parse answer: %w", err)
	}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (c *pionConn) AddRemoteCandidate(payload json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		return fmt.Errorf("parse candidate: %w", err)
	}
	return c.pc.AddICECandidate(cand)
}

func (c *pionConn) Close() {
	if err := c.pc.Close(); err != nil {
		log.Debug().Err(err).Str("module", "client.orch").Msg("peer connection close")
	}
}
