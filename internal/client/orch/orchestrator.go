// Package orch is the client-side coordination core: it reacts to room
// events from the signaling transport by creating, negotiating and tearing
// down one peer link per remote participant, and keeps the local Session in
// step with the server's notices.
package orch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/roomcast/roomcast/internal/client/media"
	"github.com/roomcast/roomcast/internal/domain"
	"github.com/roomcast/roomcast/internal/protocol"
)

// Transport is the signaling channel as seen from the client: ordered,
// reliable while connected, fire-and-forget sends.
type Transport interface {
	Send(env *protocol.Envelope) error
	Incoming() <-chan *protocol.Envelope
}

type Orchestrator struct {
	transport Transport
	source    media.Source
	newConn   MediaConnFactory

	session *Session

	// links is owned by the loop goroutine; every mutation happens there.
	links map[domain.ParticipantID]*peerLink

	ops  chan func()
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

func New(transport Transport, source media.Source, factory MediaConnFactory) *Orchestrator {
	return &Orchestrator{
		transport: transport,
		source:    source,
		newConn:   factory,
		session:   NewSession(),
		links:     make(map[domain.ParticipantID]*peerLink),
		ops:       make(chan func(), 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Session returns the state the presentation layer reads.
func (o *Orchestrator) Session() *Session { return o.session }

// Run drives the event loop until the transport closes, ctx is cancelled or
// Close is called. All link and session mutations happen on this goroutine.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	defer o.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.quit:
			return nil
		case env, ok := <-o.transport.Incoming():
			if !ok {
				return nil
			}
			o.handleEnvelope(env)
		case op := <-o.ops:
			op()
		}
	}
}

// Close tears everything down and waits for the loop to exit.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.quit) })
	<-o.done
}

// post hands fn to the loop goroutine.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.ops <- fn:
	case <-o.done:
	}
}

func (o *Orchestrator) postWait(fn func()) {
	ch := make(chan struct{})
	o.post(func() {
		fn()
		close(ch)
	})
	select {
	case <-ch:
	case <-o.done:
	}
}

// StartBroadcast acquires local media asynchronously and then asks the
// server for a broadcast slot. The local broadcasting flag only flips on
// the server's broadcast-started notice; a rejection leaves it off.
func (o *Orchestrator) StartBroadcast(ctx context.Context) {
	o.post(func() { o.startBroadcast(ctx) })
}

// StopBroadcast releases local media, closes every link and always informs
// the server, whatever the local state was. It returns once the loop has
// applied it.
func (o *Orchestrator) StopBroadcast() {
	o.postWait(o.stopBroadcast)
}

func (o *Orchestrator) startBroadcast(ctx context.Context) {
	if o.session.broadcasting() || o.session.startPending() {
		return
	}
	o.session.setError(nil)
	o.session.setPendingStart(true)

	// The permission prompt may suspend for a long time; the loop stays
	// responsive and a stop arriving meanwhile discards the handle.
	go func() {
		h, err := o.source.Acquire(ctx)
		o.post(func() { o.onMediaAcquired(h, err) })
	}()
}

func (o *Orchestrator) onMediaAcquired(h *media.Handle, err error) {
	if !o.session.startPending() {
		if h != nil {
			h.Release()
		}
		log.Debug().Str("module", "client.orch").Msg("media acquired after stop, discarding")
		return
	}
	if err != nil {
		o.session.setPendingStart(false)
		o.session.setError(err)
		log.Warn().Err(err).Str("module", "client.orch").Msg("media acquisition failed")
		return
	}
	o.session.setLocalMedia(h)
	o.send(&protocol.Envelope{Type: protocol.TypeStartBroadcast})
}

func (o *Orchestrator) stopBroadcast() {
	o.session.setPendingStart(false)
	o.session.setBroadcasting(false)
	if h := o.session.media(); h != nil {
		h.Release()
		o.session.setLocalMedia(nil)
	}
	o.send(&protocol.Envelope{Type: protocol.TypeStopBroadcast})
	o.closeAllLinks()

	// Keep watching the remaining broadcasters on fresh links.
	you := o.session.self()
	for _, b := range o.session.knownBroadcasters() {
		if b != you {
			o.ensureInitiatorLink(b)
		}
	}
}

func (o *Orchestrator) handleEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRoomState:
		o.onRoomState(env)
	case protocol.TypeUserJoined:
		o.onUserJoined(domain.ParticipantID(env.ID))
	case protocol.TypeUserLeft:
		o.onUserLeft(domain.ParticipantID(env.ID))
	case protocol.TypeBroadcastStarted:
		o.onBroadcastStarted(domain.ParticipantID(env.ID))
	case protocol.TypeBroadcastStopped:
		o.onBroadcastStopped(domain.ParticipantID(env.ID))
	case protocol.TypeStartRejected:
		o.onStartRejected(env.Reason)
	case protocol.TypeOffer:
		o.onOffer(env.Sender(), env.Payload)
	case protocol.TypeAnswer:
		o.onAnswer(env.Sender(), env.Payload)
	case protocol.TypeICECandidate:
		o.onCandidate(env.Sender(), env.Payload)
	default:
		log.Debug().Str("module", "client.orch").Str("type", string(env.Type)).Msg("ignoring event")
	}
}

// onRoomState reconciles against the join snapshot: links to everyone who
// is already broadcasting, without waiting for future start notices.
func (o *Orchestrator) onRoomState(env *protocol.Envelope) {
	o.session.setYou(domain.ParticipantID(env.You))
	for _, b := range env.Broadcasters {
		id := domain.ParticipantID(b)
		o.session.addBroadcaster(id)
		if id != o.session.self() {
			o.ensureInitiatorLink(id)
		}
	}
}

func (o *Orchestrator) onUserJoined(id domain.ParticipantID) {
	// Offer our stream to the newcomer only once the server has admitted the
	// broadcast; media acquired for a still-pending request stays local.
	if o.session.broadcasting() {
		o.ensureInitiatorLink(id)
	}
}

func (o *Orchestrator) onUserLeft(id domain.ParticipantID) {
	o.closeLink(id)
	o.session.dropRemoteStreams(id)
}

// onBroadcastStarted renegotiates with the new broadcaster. A link that
// already existed predates their tracks, so it is replaced with a fresh
// initiator attempt; when both sides replace at once the glare tie-break in
// onOffer settles who keeps initiating.
func (o *Orchestrator) onBroadcastStarted(id domain.ParticipantID) {
	fresh := o.session.addBroadcaster(id)
	if id == o.session.self() {
		o.session.setPendingStart(false)
		o.session.setBroadcasting(true)
		// Links built while viewing carry no local tracks; replace them so
		// the other broadcasters receive our stream too.
		for _, b := range o.session.knownBroadcasters() {
			if b == id {
				continue
			}
			if link, ok := o.links[b]; ok && link.hasLocalMedia {
				continue
			}
			o.refreshInitiatorLink(b)
		}
		return
	}
	if !fresh {
		return
	}
	o.refreshInitiatorLink(id)
}

// refreshInitiatorLink discards any current link to the participant and
// opens a fresh initiator one carrying the current local tracks.
func (o *Orchestrator) refreshInitiatorLink(id domain.ParticipantID) {
	o.closeLink(id)
	o.session.dropRemoteStreams(id)
	o.ensureInitiatorLink(id)
}

func (o *Orchestrator) onBroadcastStopped(id domain.ParticipantID) {
	o.session.removeBroadcaster(id)
	if id == o.session.self() {
		o.session.setBroadcasting(false)
		return
	}
	o.session.dropRemoteStreams(id)
	o.closeLink(id)
}

func (o *Orchestrator) onStartRejected(reason string) {
	o.session.setPendingStart(false)
	if h := o.session.media(); h != nil {
		h.Release()
		o.session.setLocalMedia(nil)
	}
	o.session.setError(domain.ErrCapacityExceeded)
	log.Info().Str("module", "client.orch").Str("reason", reason).Msg("broadcast start rejected")
}

// onOffer handles the responder path, including glare: when both sides
// initiated, the lexicographically smaller id stays initiator and the other
// folds to responder on a brand-new link.
func (o *Orchestrator) onOffer(from domain.ParticipantID, payload json.RawMessage) {
	if link, ok := o.links[from]; ok {
		if link.role == RoleInitiator {
			you := o.session.self()
			if you != "" && you < from {
				log.Debug().Str("module", "client.orch").Str("remote", string(from)).
					Msg("glare: local offer wins, ignoring inbound")
				return
			}
			log.Debug().Str("module", "client.orch").Str("remote", string(from)).
				Msg("glare: folding to responder")
			link.conn.Close()
			delete(o.links, from)
		} else {
			// renegotiation on the existing responder link
			if h := o.session.media(); h != nil && o.session.broadcasting() && !link.hasLocalMedia {
				if err := link.conn.AddLocalTracks(h.Tracks()); err != nil {
					log.Error().Err(err).Str("module", "client.orch").Msg("attach local tracks")
					o.closeLink(from)
					return
				}
				link.hasLocalMedia = true
			}
			answer, err := link.conn.AcceptOffer(payload)
			if err != nil {
				log.Warn().Err(err).Str("module", "client.orch").Str("remote", string(from)).Msg("renegotiation failed")
				o.closeLink(from)
				return
			}
			o.send(&protocol.Envelope{Type: protocol.TypeAnswer, To: string(from), Payload: answer})
			return
		}
	}
	o.respondToOffer(from, payload)
}

func (o *Orchestrator) respondToOffer(from domain.ParticipantID, payload json.RawMessage) {
	link, err := o.openLink(from, RoleResponder)
	if err != nil {
		log.Error().Err(err).Str("module", "client.orch").Str("remote", string(from)).Msg("open responder link")
		return
	}
	if h := o.session.media(); h != nil && o.session.broadcasting() {
		if err := link.conn.AddLocalTracks(h.Tracks()); err != nil {
			log.Error().Err(err).Str("module", "client.orch").Msg("attach local tracks")
			o.closeLink(from)
			return
		}
		link.hasLocalMedia = true
	}
	answer, err := link.conn.AcceptOffer(payload)
	if err != nil {
		log.Warn().Err(err).Str("module", "client.orch").Str("remote", string(from)).Msg("accept offer")
		o.closeLink(from)
		return
	}
	link.remoteDescSet = true
	link.flushCandidates()
	o.send(&protocol.Envelope{Type: protocol.TypeAnswer, To: string(from), Payload: answer})
}

func (o *Orchestrator) onAnswer(from domain.ParticipantID, payload json.RawMessage) {
	link, ok := o.links[from]
	if !ok || link.role != RoleInitiator || link.remoteDescSet {
		log.Debug().Str("module", "client.orch").Str("remote", string(from)).Msg("dropping unexpected answer")
		return
	}
	if err := link.conn.AcceptAnswer(payload); err != nil {
		log.Warn().Err(err).Str("module", "client.orch").Str("remote", string(from)).Msg("accept answer")
		o.closeLink(from)
		return
	}
	link.remoteDescSet = true
	link.flushCandidates()
}

func (o *Orchestrator) onCandidate(from domain.ParticipantID, payload json.RawMessage) {
	link, ok := o.links[from]
	if !ok {
		// the transport is ordered, so a candidate without a link means the
		// link was already torn down
		log.Debug().Str("module", "client.orch").Str("remote", string(from)).Msg("candidate for unknown link")
		return
	}
	if err := link.queueOrApplyCandidate(payload); err != nil {
		log.Warn().Err(err).Str("module", "client.orch").Str("remote", string(from)).Msg("apply candidate")
	}
}

// openLink creates a fresh peer link. Stale connection callbacks are fenced
// by pointer identity: they only act while this exact link is still in the
// map.
func (o *Orchestrator) openLink(id domain.ParticipantID, role Role) (*peerLink, error) {
	link := &peerLink{remote: id, role: role, state: StateNegotiating}

	ev := LinkEvents{
		OnCandidate: func(payload json.RawMessage) {
			o.post(func() {
				if o.links[id] != link {
					return
				}
				o.send(&protocol.Envelope{Type: protocol.TypeICECandidate, To: string(id), Payload: payload})
			})
		},
		OnTrack: func(rs RemoteStream) {
			o.post(func() {
				if o.links[id] != link {
					return
				}
				link.state = StateConnected
				o.session.addRemoteStream(id, rs)
			})
		},
		OnFailed: func() {
			o.post(func() {
				if o.links[id] != link {
					return
				}
				log.Warn().Str("module", "client.orch").Str("remote", string(id)).Msg("link failed")
				o.session.dropRemoteStreams(id)
				o.closeLink(id)
			})
		},
	}

	conn, err := o.newConn(id, ev)
	if err != nil {
		return nil, err
	}
	link.conn = conn
	o.links[id] = link
	return link, nil
}

func (o *Orchestrator) ensureInitiatorLink(id domain.ParticipantID) {
	if _, ok := o.links[id]; ok {
		return
	}
	link, err := o.openLink(id, RoleInitiator)
	if err != nil {
		log.Error().Err(err).Str("module", "client.orch").Str("remote", string(id)).Msg("open initiator link")
		return
	}
	if h := o.session.media(); h != nil && o.session.broadcasting() {
		if err := link.conn.AddLocalTracks(h.Tracks()); err != nil {
			log.Error().Err(err).Str("module", "client.orch").Msg("attach local tracks")
			o.closeLink(id)
			return
		}
		link.hasLocalMedia = true
	}
	offer, err := link.conn.CreateOffer()
	if err != nil {
		log.Warn().Err(err).Str("module", "client.orch").Str("remote", string(id)).Msg("create offer")
		o.closeLink(id)
		return
	}
	o.send(&protocol.Envelope{Type: protocol.TypeOffer, To: string(id), Payload: offer})
}

func (o *Orchestrator) closeLink(id domain.ParticipantID) {
	link, ok := o.links[id]
	if !ok {
		return
	}
	link.conn.Close()
	delete(o.links, id)
	log.Debug().Str("module", "client.orch").Str("remote", string(id)).Msg("link closed")
}

func (o *Orchestrator) closeAllLinks() {
	for id, link := range o.links {
		link.conn.Close()
		o.session.dropRemoteStreams(id)
		delete(o.links, id)
	}
}

func (o *Orchestrator) send(env *protocol.Envelope) {
	if err := o.transport.Send(env); err != nil {
		log.Warn().Err(err).Str("module", "client.orch").Str("type", string(env.Type)).Msg("transport send")
	}
}

// teardown runs exactly once when the loop exits: release media, close all
// links, leave no device open.
func (o *Orchestrator) teardown() {
	o.session.setPendingStart(false)
	o.session.setBroadcasting(false)
	if h := o.session.media(); h != nil {
		h.Release()
		o.session.setLocalMedia(nil)
	}
	o.closeAllLinks()
}
