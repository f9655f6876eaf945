package orch

import (
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/roomcast/roomcast/internal/client/media"
	"github.com/roomcast/roomcast/internal/domain"
)

// RemoteStream is one inbound media track from a remote broadcaster.
type RemoteStream struct {
	Kind  string
	Track *webrtc.TrackRemote
}

// Session is the local participant's view of the room: its own broadcasting
// flag, the local media handle, the known broadcasters and their streams.
// The orchestrator loop is the only writer; the presentation layer reads
// through Snapshot.
type Session struct {
	mu sync.RWMutex

	you            domain.ParticipantID
	isBroadcasting bool
	pendingStart   bool
	localMedia     *media.Handle
	broadcasters   []domain.ParticipantID // join-to-broadcast order
	remoteStreams  map[domain.ParticipantID][]RemoteStream
	lastErr        error
}

// View is a read-only copy handed to the presentation layer.
type View struct {
	You            domain.ParticipantID
	IsBroadcasting bool
	PendingStart   bool
	HasLocalMedia  bool
	Broadcasters   []domain.ParticipantID
	RemoteStreams  map[domain.ParticipantID][]RemoteStream
	Err            error
}

func NewSession() *Session {
	return &Session{
		remoteStreams: make(map[domain.ParticipantID][]RemoteStream),
	}
}

func (s *Session) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	streams := make(map[domain.ParticipantID][]RemoteStream, len(s.remoteStreams))
	for id, rs := range s.remoteStreams {
		streams[id] = slices.Clone(rs)
	}
	return View{
		You:            s.you,
		IsBroadcasting: s.isBroadcasting,
		PendingStart:   s.pendingStart,
		HasLocalMedia:  s.localMedia != nil,
		Broadcasters:   slices.Clone(s.broadcasters),
		RemoteStreams:  streams,
		Err:            s.lastErr,
	}
}

func (s *Session) setYou(id domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.you = id
}

func (s *Session) self() domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.you
}

func (s *Session) setBroadcasting(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isBroadcasting = v
}

func (s *Session) broadcasting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isBroadcasting
}

func (s *Session) setPendingStart(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingStart = v
}

func (s *Session) startPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingStart
}

func (s *Session) setLocalMedia(h *media.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localMedia = h
}

func (s *Session) media() *media.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localMedia
}

// addBroadcaster reports whether the id was newly added; duplicate notices
// must not retrigger renegotiation.
func (s *Session) addBroadcaster(id domain.ParticipantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.broadcasters, id) {
		return false
	}
	s.broadcasters = append(s.broadcasters, id)
	return true
}

func (s *Session) removeBroadcaster(id domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.broadcasters, id); i >= 0 {
		s.broadcasters = slices.Delete(s.broadcasters, i, i+1)
	}
}

func (s *Session) knownBroadcasters() []domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.broadcasters)
}

func (s *Session) addRemoteStream(id domain.ParticipantID, rs RemoteStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteStreams[id] = append(s.remoteStreams[id], rs)
}

func (s *Session) dropRemoteStreams(id domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.remoteStreams, id)
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}
