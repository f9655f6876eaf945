// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

// MaxBroadcasters is the room-wide cap on simultaneous broadcasters.
const MaxBroadcasters = 2

var (
	// ErrCapacityExceeded is returned when the broadcaster cap is already reached.
	ErrCapacityExceeded = errors.New("broadcaster capacity exceeded")
	// ErrNotMember is returned for operations on a participant the room does not know.
	ErrNotMember = errors.New("not a room member")
	// ErrMediaUnavailable means no capture device could be opened.
	ErrMediaUnavailable = errors.New("media device unavailable")
	// ErrPermissionDenied means the user refused device access.
	ErrPermissionDenied = errors.New("media permission denied")
	// ErrLinkClosed is returned when operating on an already torn-down peer link.
	ErrLinkClosed = errors.New("peer link closed")
)

// ParticipantID identifies one connected client session. It is assigned at
// connect time and never survives a reconnect.
type ParticipantID string
