package signal

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomcast/roomcast/internal/app"
	"github.com/roomcast/roomcast/internal/domain"
	"github.com/roomcast/roomcast/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeConn) TrySend(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.frames))
	for _, b := range f.frames {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		out = append(out, env)
	}
	return out
}

func (f *fakeConn) types(t *testing.T) []protocol.Type {
	t.Helper()
	var out []protocol.Type
	for _, env := range f.envelopes(t) {
		out = append(out, env.Type)
	}
	return out
}

func newTestController() *Controller {
	return NewController(app.NewRegistry(), 0, 0)
}

func join(ctl *Controller, id domain.ParticipantID) *fakeConn {
	conn := &fakeConn{}
	ctl.mu.Lock()
	ctl.conns[id] = conn
	ctl.mu.Unlock()
	ctl.handleEvent(id, conn, []byte(`{"type":"join"}`))
	return conn
}

func TestJoinDeliversSnapshotToJoinerOnly(t *testing.T) {
	ctl := newTestController()

	a := join(ctl, "a")
	ctl.handleEvent("a", a, []byte(`{"type":"start-broadcast"}`))

	b := join(ctl, "b")

	got := b.envelopes(t)
	require.NotEmpty(t, got)
	assert.Equal(t, protocol.TypeRoomState, got[0].Type)
	assert.Equal(t, "b", got[0].You)
	assert.Equal(t, []string{"a"}, got[0].Broadcasters)

	// The existing member hears about the join but gets no snapshot.
	assert.Contains(t, a.types(t), protocol.TypeUserJoined)
	for _, env := range a.envelopes(t)[1:] {
		assert.NotEqual(t, protocol.TypeRoomState, env.Type)
	}
}

func TestStartBroadcastFanOutIncludesRequester(t *testing.T) {
	ctl := newTestController()
	a := join(ctl, "a")
	b := join(ctl, "b")

	ctl.handleEvent("a", a, []byte(`{"type":"start-broadcast"}`))

	for name, conn := range map[string]*fakeConn{"a": a, "b": b} {
		envs := conn.envelopes(t)
		last := envs[len(envs)-1]
		assert.Equal(t, protocol.TypeBroadcastStarted, last.Type, "conn %s", name)
		assert.Equal(t, "a", last.ID, "conn %s", name)
	}
}

func TestStartRejectedGoesToRequesterOnly(t *testing.T) {
	ctl := newTestController()
	a := join(ctl, "a")
	b := join(ctl, "b")
	c := join(ctl, "c")

	ctl.handleEvent("a", a, []byte(`{"type":"start-broadcast"}`))
	ctl.handleEvent("b", b, []byte(`{"type":"start-broadcast"}`))

	before := len(a.envelopes(t))
	ctl.handleEvent("c", c, []byte(`{"type":"start-broadcast"}`))

	envs := c.envelopes(t)
	last := envs[len(envs)-1]
	assert.Equal(t, protocol.TypeStartRejected, last.Type)
	assert.Equal(t, protocol.ReasonCapacityExceeded, last.Reason)

	assert.Len(t, a.envelopes(t), before, "no fan-out on rejection")
}

func TestStopBroadcastFanOut(t *testing.T) {
	ctl := newTestController()
	a := join(ctl, "a")
	b := join(ctl, "b")

	ctl.handleEvent("a", a, []byte(`{"type":"start-broadcast"}`))
	ctl.handleEvent("a", a, []byte(`{"type":"stop-broadcast"}`))

	envs := b.envelopes(t)
	last := envs[len(envs)-1]
	assert.Equal(t, protocol.TypeBroadcastStopped, last.Type)
	assert.Equal(t, "a", last.ID)
	assert.Empty(t, ctl.Registry.Broadcasters())
}

func TestStopFromViewerIsSilent(t *testing.T) {
	ctl := newTestController()
	a := join(ctl, "a")
	b := join(ctl, "b")

	before := len(b.envelopes(t))
	ctl.handleEvent("a", a, []byte(`{"type":"stop-broadcast"}`))
	assert.Len(t, b.envelopes(t), before, "defensive stop produces no room traffic")
}

func TestRelayRoutesByTarget(t *testing.T) {
	ctl := newTestController()
	a := join(ctl, "a")
	b := join(ctl, "b")
	c := join(ctl, "c")

	offer := []byte(`{"type":"offer","to":"b","payload":{"sdp":"v=0","type":"offer"}}`)
	ctl.handleEvent("a", a, offer)

	envs := b.envelopes(t)
	last := envs[len(envs)-1]
	assert.Equal(t, protocol.TypeOffer, last.Type)
	assert.Equal(t, "a", last.From)
	assert.Empty(t, last.To, "relay rewrites addressing")
	assert.JSONEq(t, `{"sdp":"v=0","type":"offer"}`, string(last.Payload), "payload forwarded verbatim")

	assert.NotContains(t, c.types(t), protocol.TypeOffer)
}

func TestRelayDropsStaleTargetSilently(t *testing.T) {
	ctl := newTestController()
	a := join(ctl, "a")

	before := len(a.envelopes(t))
	ctl.handleEvent("a", a, []byte(`{"type":"ice-candidate","to":"gone","payload":{}}`))
	assert.Len(t, a.envelopes(t), before, "no error reply to the sender")
}

func TestDisconnectBroadcasterEmitsLeftThenStoppedOnce(t *testing.T) {
	ctl := newTestController()
	a := join(ctl, "a")
	b := join(ctl, "b")

	ctl.handleEvent("a", a, []byte(`{"type":"start-broadcast"}`))
	ctl.dropConnection("a")

	var seq []protocol.Type
	for _, env := range b.envelopes(t) {
		if env.ID == "a" && (env.Type == protocol.TypeUserLeft || env.Type == protocol.TypeBroadcastStopped) {
			seq = append(seq, env.Type)
		}
	}
	assert.Equal(t, []protocol.Type{protocol.TypeUserLeft, protocol.TypeBroadcastStopped}, seq)
	assert.False(t, ctl.Registry.IsMember("a"))
}

func TestDisconnectViewerEmitsNoStopped(t *testing.T) {
	ctl := newTestController()
	join(ctl, "a")
	b := join(ctl, "b")

	ctl.dropConnection("a")

	assert.Contains(t, b.types(t), protocol.TypeUserLeft)
	assert.NotContains(t, b.types(t), protocol.TypeBroadcastStopped)
}

func TestPingPong(t *testing.T) {
	ctl := newTestController()
	a := join(ctl, "a")

	ctl.handleEvent("a", a, []byte(`{"type":"ping"}`))
	assert.Contains(t, a.types(t), protocol.TypePong)
}

func TestOrderingConsistentAcrossObservers(t *testing.T) {
	ctl := newTestController()
	conns := make(map[domain.ParticipantID]*fakeConn)
	for i := 0; i < 3; i++ {
		id := domain.ParticipantID(fmt.Sprintf("p%d", i))
		conns[id] = join(ctl, id)
	}

	ctl.handleEvent("p0", conns["p0"], []byte(`{"type":"start-broadcast"}`))
	ctl.handleEvent("p1", conns["p1"], []byte(`{"type":"start-broadcast"}`))
	ctl.handleEvent("p0", conns["p0"], []byte(`{"type":"stop-broadcast"}`))

	want := []string{"started:p0", "started:p1", "stopped:p0"}
	for id, conn := range conns {
		var got []string
		for _, env := range conn.envelopes(t) {
			switch env.Type {
			case protocol.TypeBroadcastStarted:
				got = append(got, "started:"+env.ID)
			case protocol.TypeBroadcastStopped:
				got = append(got, "stopped:"+env.ID)
			}
		}
		assert.Equal(t, want, got, "observer %s", id)
	}
}
