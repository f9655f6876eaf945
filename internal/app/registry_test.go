package app_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomcast/roomcast/internal/app"
	"github.com/roomcast/roomcast/internal/domain"
)

func TestJoinReturnsBroadcasterSnapshot(t *testing.T) {
	r := app.NewRegistry()

	r.Join("a")
	r.Join("b")
	require.NoError(t, r.RequestStart("a"))
	require.NoError(t, r.RequestStart("b"))

	snap := r.Join("late")
	assert.Equal(t, []domain.ParticipantID{"a", "b"}, snap, "late joiner sees broadcasters in start order")
}

func TestRequestStartCapacity(t *testing.T) {
	r := app.NewRegistry()
	for _, id := range []domain.ParticipantID{"a", "b", "c"} {
		r.Join(id)
	}

	require.NoError(t, r.RequestStart("a"))
	require.NoError(t, r.RequestStart("b"))
	assert.ErrorIs(t, r.RequestStart("c"), domain.ErrCapacityExceeded)

	// Idempotent for a current broadcaster even at capacity.
	assert.NoError(t, r.RequestStart("a"))
	assert.Equal(t, []domain.ParticipantID{"a", "b"}, r.Broadcasters())
}

func TestRequestStartUnknownParticipant(t *testing.T) {
	r := app.NewRegistry()
	assert.ErrorIs(t, r.RequestStart("ghost"), domain.ErrNotMember)
}

func TestRequestStopIdempotent(t *testing.T) {
	r := app.NewRegistry()
	r.Join("a")
	require.NoError(t, r.RequestStart("a"))

	assert.True(t, r.RequestStop("a"))
	assert.False(t, r.RequestStop("a"))
	assert.False(t, r.RequestStop("never-started"))
	assert.Empty(t, r.Broadcasters())
}

func TestLeaveReportsBroadcasting(t *testing.T) {
	r := app.NewRegistry()
	r.Join("a")
	r.Join("b")
	require.NoError(t, r.RequestStart("a"))

	assert.True(t, r.Leave("a"))
	assert.False(t, r.Leave("b"))
	assert.False(t, r.Leave("a"), "second leave is a no-op")
	assert.Equal(t, 0, r.MemberCount())
	assert.Empty(t, r.Broadcasters())
}

func TestSimultaneousStartAdmitsExactlyOne(t *testing.T) {
	r := app.NewRegistry()
	r.Join("a")
	r.Join("b")
	r.Join("c")
	require.NoError(t, r.RequestStart("a"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []domain.ParticipantID{"b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.RequestStart(id)
		}()
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, domain.ErrCapacityExceeded):
			rejected++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	assert.Len(t, r.Broadcasters(), domain.MaxBroadcasters)
}

func TestCapacityInvariantUnderSequences(t *testing.T) {
	r := app.NewRegistry()
	ids := []domain.ParticipantID{"a", "b", "c", "d"}
	for _, id := range ids {
		r.Join(id)
	}

	steps := []func(){
		func() { _ = r.RequestStart("a") },
		func() { _ = r.RequestStart("b") },
		func() { _ = r.RequestStart("c") },
		func() { r.RequestStop("a") },
		func() { _ = r.RequestStart("c") },
		func() { _ = r.RequestStart("d") },
		func() { r.Leave("b") },
		func() { _ = r.RequestStart("d") },
		func() { r.RequestStop("d") },
		func() { r.Leave("c") },
	}
	for _, step := range steps {
		step()
		assert.LessOrEqual(t, len(r.Broadcasters()), domain.MaxBroadcasters)
	}
}
