package app

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/roomcast/roomcast/internal/domain"
	"github.com/roomcast/roomcast/internal/metrics"
)

// Registry is the authoritative state of the single room: who is connected
// and who is currently broadcasting. Every mutation goes through its mutex,
// so the capacity check-and-append in RequestStart is atomic. Clients only
// ever see this state through relay notices; their local view is advisory.
type Registry struct {
	mu           sync.Mutex
	members      map[domain.ParticipantID]struct{}
	broadcasters []domain.ParticipantID // insertion order = join-to-broadcast order
}

func NewRegistry() *Registry {
	return &Registry{
		members: make(map[domain.ParticipantID]struct{}),
	}
}

// Join adds the participant and returns the current broadcaster snapshot in
// order, so a late joiner learns who is already live without waiting for
// future start notices.
func (r *Registry) Join(id domain.ParticipantID) []domain.ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[id] = struct{}{}
	metrics.RoomMembers.Set(float64(len(r.members)))
	log.Info().Str("module", "app.registry").Str("id", string(id)).Int("members", len(r.members)).Msg("participant joined")
	return slices.Clone(r.broadcasters)
}

// RequestStart admits the participant as a broadcaster. Idempotent for a
// current broadcaster. Fails with domain.ErrCapacityExceeded once two
// broadcasters are live, and with domain.ErrNotMember for unknown ids: the
// server never trusts client-declared intent.
func (r *Registry) RequestStart(id domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return domain.ErrNotMember
	}
	if slices.Contains(r.broadcasters, id) {
		return nil
	}
	if len(r.broadcasters) >= domain.MaxBroadcasters {
		metrics.StartRejected.Inc()
		log.Info().Str("module", "app.registry").Str("id", string(id)).Msg("start rejected, capacity exceeded")
		return domain.ErrCapacityExceeded
	}
	r.broadcasters = append(r.broadcasters, id)
	metrics.RoomBroadcasters.Set(float64(len(r.broadcasters)))
	log.Info().Str("module", "app.registry").Str("id", string(id)).Int("broadcasters", len(r.broadcasters)).Msg("broadcast started")
	return nil
}

// RequestStop removes the participant from the broadcaster set and reports
// whether a broadcast actually ended. Idempotent; clients send stops
// defensively and a stop from a non-broadcaster is a no-op.
func (r *Registry) RequestStop(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeBroadcasterLocked(id)
}

// Leave removes the participant from members and broadcasters in one
// critical section and reports whether they had been broadcasting. The
// atomic return closes the window where a concurrent RequestStart could
// miscount capacity between the two removals.
func (r *Registry) Leave(id domain.ParticipantID) (wasBroadcasting bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	wasBroadcasting = r.removeBroadcasterLocked(id)
	metrics.RoomMembers.Set(float64(len(r.members)))
	log.Info().Str("module", "app.registry").Str("id", string(id)).Bool("was_broadcasting", wasBroadcasting).Msg("participant left")
	return wasBroadcasting
}

func (r *Registry) removeBroadcasterLocked(id domain.ParticipantID) bool {
	i := slices.Index(r.broadcasters, id)
	if i < 0 {
		return false
	}
	r.broadcasters = slices.Delete(r.broadcasters, i, i+1)
	metrics.RoomBroadcasters.Set(float64(len(r.broadcasters)))
	return true
}

func (r *Registry) IsMember(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[id]
	return ok
}

// Members returns the current member set in no particular order.
func (r *Registry) Members() []domain.ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// Broadcasters returns the ordered broadcaster snapshot.
func (r *Registry) Broadcasters() []domain.ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.broadcasters)
}

func (r *Registry) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
